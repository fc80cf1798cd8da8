package mime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testApplicationID = "1234567890"
	testChannelID     = "9876543210"
	testGuildID       = "1111111111"
)

type fakeReply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// fakeSessionHandler implements SessionHandler, recording sent messages
type fakeSessionHandler struct {
	mu             sync.Mutex
	replies        []fakeReply
	complexSends   []*discordgo.MessageSend
	statusUpdates  []string
	openErr        error
	sendReplyErr   error
	sendComplexErr error
}

func (f *fakeSessionHandler) Open() error {
	return f.openErr
}

func (f *fakeSessionHandler) Close() error {
	return nil
}

func (f *fakeSessionHandler) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendReplyErr != nil {
		return nil, f.sendReplyErr
	}
	f.replies = append(
		f.replies,
		fakeReply{ChannelID: channelID, Content: content, Reference: reference},
	)
	return &discordgo.Message{ID: fmt.Sprintf("reply-%d", len(f.replies))}, nil
}

func (f *fakeSessionHandler) ChannelMessageSendComplex(
	_ string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendComplexErr != nil {
		return nil, f.sendComplexErr
	}
	f.complexSends = append(f.complexSends, data)
	return &discordgo.Message{ID: "complex-reply"}, nil
}

func (f *fakeSessionHandler) UpdateCustomStatus(status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeSessionHandler) AddHandler(_ any) func() {
	return func() {}
}

func (f *fakeSessionHandler) SetHTTPClient(_ *http.Client) {}

func (f *fakeSessionHandler) SetLogLevel(_ slog.Level) error {
	return nil
}

func (f *fakeSessionHandler) Replies() []fakeReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	rv := make([]fakeReply, len(f.replies))
	copy(rv, f.replies)
	return rv
}

// fakeCompletionClient implements CompletionClient, recording requests
type fakeCompletionClient struct {
	mu       sync.Mutex
	requests []openai.CompletionRequest
	response string
	err      error
}

func (f *fakeCompletionClient) CreateCompletion(
	_ context.Context,
	request openai.CompletionRequest,
) (openai.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if f.err != nil {
		return openai.CompletionResponse{}, f.err
	}
	return openai.CompletionResponse{
		Choices: []openai.CompletionChoice{
			{Text: f.response, FinishReason: "stop"},
		},
	}, nil
}

func newTestBot(t testing.TB) (*Mime, *fakeSessionHandler, *fakeCompletionClient) {
	t.Helper()

	cfg := DefaultTestConfig(t)
	m, err := New(cfg)
	require.NoError(t, err)

	session := &fakeSessionHandler{}
	m.discord.session = session

	client := &fakeCompletionClient{response: "hello from the model"}
	m.llm.client = client

	return m, session, client
}

func newTestMessage(content string, mentions ...*discordgo.User) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "5555555555",
			ChannelID: testChannelID,
			GuildID:   testGuildID,
			Content:   content,
			Author:    &discordgo.User{ID: "2222222222", Username: "someone"},
			Mentions:  mentions,
		},
	}
}

func botMention() *discordgo.User {
	return &discordgo.User{ID: testApplicationID, Username: "mime", Bot: true}
}

func TestHandleMessageIgnoresOwnMessages(t *testing.T) {
	m, session, _ := newTestBot(t)

	msg := newTestMessage(
		fmt.Sprintf("<@%s> hello", testApplicationID),
		botMention(),
	)
	msg.Author = &discordgo.User{ID: testApplicationID}

	m.handleDiscordMessage(context.Background(), msg)
	assert.Empty(t, session.Replies())
	assert.Equal(t, 0, m.queue.Len())
}

func TestHandleMessageIgnoresBots(t *testing.T) {
	m, session, _ := newTestBot(t)

	msg := newTestMessage(
		fmt.Sprintf("<@%s> hello", testApplicationID),
		botMention(),
	)
	msg.Author = &discordgo.User{ID: "3333333333", Bot: true}

	m.handleDiscordMessage(context.Background(), msg)
	assert.Empty(t, session.Replies())
	assert.Equal(t, 0, m.queue.Len())
}

func TestHandleMessageIgnoresNoMentions(t *testing.T) {
	m, session, _ := newTestBot(t)

	m.handleDiscordMessage(context.Background(), newTestMessage("hello"))
	assert.Empty(t, session.Replies())
	assert.Equal(t, 0, m.queue.Len())
}

func TestHandleMessageIgnoresMentionEveryone(t *testing.T) {
	m, session, _ := newTestBot(t)

	msg := newTestMessage(
		fmt.Sprintf("@everyone <@%s> hello", testApplicationID),
		botMention(),
	)
	msg.MentionEveryone = true

	m.handleDiscordMessage(context.Background(), msg)
	assert.Empty(t, session.Replies())
	assert.Equal(t, 0, m.queue.Len())
}

func TestHandleMessageIgnoresOtherMentions(t *testing.T) {
	m, session, _ := newTestBot(t)

	msg := newTestMessage(
		"<@4444444444> hello",
		&discordgo.User{ID: "4444444444"},
	)

	m.handleDiscordMessage(context.Background(), msg)
	assert.Empty(t, session.Replies())
	assert.Equal(t, 0, m.queue.Len())
}

func TestHandleMessageSecondaryMention(t *testing.T) {
	m, session, _ := newTestBot(t)

	msg := newTestMessage(
		fmt.Sprintf("<@4444444444> ask <@%s> about it", testApplicationID),
		&discordgo.User{ID: "4444444444"},
		botMention(),
	)

	m.handleDiscordMessage(context.Background(), msg)

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultDiscordSecondaryMentionText, replies[0].Content)
	assert.Equal(t, testChannelID, replies[0].ChannelID)
	require.NotNil(t, replies[0].Reference)
	assert.Equal(t, msg.ID, replies[0].Reference.MessageID)
	assert.Equal(t, 0, m.queue.Len())
}

func TestHandleMessageEmptyAfterFiltering(t *testing.T) {
	m, session, _ := newTestBot(t)

	msg := newTestMessage(
		fmt.Sprintf("<@%s>", testApplicationID),
		botMention(),
	)

	m.handleDiscordMessage(context.Background(), msg)

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultDiscordSecondaryMentionText, replies[0].Content)
	assert.Equal(t, 0, m.queue.Len())
}

func TestHandleMessageEnqueuesFirstMention(t *testing.T) {
	m, session, _ := newTestBot(t)

	msg := newTestMessage(
		fmt.Sprintf("<@%s> what is the airspeed of an unladen swallow?", testApplicationID),
		botMention(),
	)

	m.handleDiscordMessage(context.Background(), msg)

	assert.Empty(t, session.Replies())
	require.Equal(t, 1, m.queue.Len())

	req := m.queue.Pop(context.Background())
	require.NotNil(t, req)
	assert.Equal(t, "what is the airspeed of an unladen swallow?", req.Content)
	assert.Equal(t, msg.ID, req.MessageID)
	assert.Equal(t, testChannelID, req.ChannelID)
	assert.Equal(t, "2222222222", req.UserID)
}

func TestProcessRequestSendsReply(t *testing.T) {
	m, session, client := newTestBot(t)
	client.response = "42 miles per hour"

	req := &InferenceRequest{
		MessageID: "5555555555",
		ChannelID: testChannelID,
		Content:   "what is the airspeed of an unladen swallow?",
	}
	m.processRequest(context.Background(), req)

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "42 miles per hour", replies[0].Content)
	require.NotNil(t, replies[0].Reference)
	assert.Equal(t, req.MessageID, replies[0].Reference.MessageID)
	assert.Equal(t, int64(1), m.metricRepliesSent.Load())

	transcript, err := os.ReadFile(m.config.TranscriptFile)
	require.NoError(t, err)
	assert.Equal(t, "42 miles per hour", string(transcript))
}

func TestProcessRequestOversizedReplySendsFile(t *testing.T) {
	m, session, client := newTestBot(t)
	client.response = strings.Repeat("a", m.config.Discord.MessageLimit+500)

	req := &InferenceRequest{
		MessageID: "5555555555",
		ChannelID: testChannelID,
		Content:   "write a novel",
	}
	m.processRequest(context.Background(), req)

	assert.Empty(t, session.Replies())
	require.Len(t, session.complexSends, 1)

	sent := session.complexSends[0]
	assert.Equal(t, DefaultDiscordAttachmentNotice, sent.Content)
	assert.LessOrEqual(t, len(sent.Content), m.config.Discord.MessageLimit)
	require.Len(t, sent.Files, 1)
	assert.Equal(t, DefaultTranscriptFile, sent.Files[0].Name)
}

func TestProcessRequestInferenceError(t *testing.T) {
	m, session, client := newTestBot(t)
	client.err = errors.New("model exploded")

	req := &InferenceRequest{
		MessageID: "5555555555",
		ChannelID: testChannelID,
		Content:   "hello",
	}
	m.processRequest(context.Background(), req)

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultDiscordErrorMessage, replies[0].Content)
	assert.Equal(t, int64(1), m.metricInferenceErrs.Load())
	assert.Equal(t, int64(0), m.metricRepliesSent.Load())
}

func TestPauseResume(t *testing.T) {
	m, _, _ := newTestBot(t)
	ctx := context.Background()

	assert.False(t, m.Paused())
	assert.True(t, m.Pause(ctx))
	assert.False(t, m.Pause(ctx))
	assert.True(t, m.Paused())
	assert.True(t, m.Resume(ctx))
	assert.False(t, m.Resume(ctx))
	assert.False(t, m.Paused())
}

// blockingCompletionClient blocks each completion request until release
// is closed, signaling on started when a request begins
type blockingCompletionClient struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingCompletionClient) CreateCompletion(
	ctx context.Context,
	_ openai.CompletionRequest,
) (openai.CompletionResponse, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return openai.CompletionResponse{}, ctx.Err()
	}
	return openai.CompletionResponse{
		Choices: []openai.CompletionChoice{
			{Text: "done", FinishReason: "stop"},
		},
	}, nil
}

// startBot runs the bot in the background, waits for it to signal
// readiness, and stops it when the test finishes.
func startBot(t *testing.T, m *Mime) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	botErr := make(chan error, 1)
	go func() {
		botErr <- m.Run(ctx)
	}()

	select {
	case <-m.signalReady:
	case err := <-botErr:
		t.Fatalf("error starting bot: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	t.Cleanup(
		func() {
			cancel()
			select {
			case <-m.eventShutdown:
				t.Logf("bot shut down")
			case <-time.After(time.Minute):
				t.Logf("timed out waiting for shutdown")
			}
		},
	)
}

func TestRun(t *testing.T) {
	m, session, client := newTestBot(t)
	client.response = "right here"
	startBot(t, m)

	msg := newTestMessage(
		fmt.Sprintf("<@%s> where is the beef?", testApplicationID),
		botMention(),
	)
	m.handleDiscordMessage(context.Background(), msg)

	require.Eventually(
		t,
		func() bool { return m.metricRepliesSent.Load() == 1 },
		10*time.Second,
		10*time.Millisecond,
	)
	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "right here", replies[0].Content)
	require.NotNil(t, replies[0].Reference)
	assert.Equal(t, msg.ID, replies[0].Reference.MessageID)
	assert.Equal(t, 0, m.queue.Len())
}

func TestRunPausedLeavesRequestQueued(t *testing.T) {
	m, session, client := newTestBot(t)
	client.response = "eventually"
	startBot(t, m)

	ctx := context.Background()
	require.True(t, m.Pause(ctx))

	msg := newTestMessage(
		fmt.Sprintf("<@%s> anyone home?", testApplicationID),
		botMention(),
	)
	m.handleDiscordMessage(ctx, msg)
	require.Equal(t, 1, m.queue.Len())

	// several paused-watcher wake cycles pass without a pop
	time.Sleep(20 * m.config.Queue.SleepPaused)
	assert.Equal(t, 1, m.queue.Len())
	assert.Empty(t, session.Replies())

	require.True(t, m.Resume(ctx))
	require.Eventually(
		t,
		func() bool { return m.metricRepliesSent.Load() == 1 },
		10*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, 0, m.queue.Len())
	assert.Equal(t, "eventually", session.Replies()[0].Content)
}

func TestRunSerializesInference(t *testing.T) {
	m, session, _ := newTestBot(t)
	blocker := &blockingCompletionClient{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	m.llm.client = blocker
	startBot(t, m)

	ctx := context.Background()

	first := newTestMessage(
		fmt.Sprintf("<@%s> first question", testApplicationID),
		botMention(),
	)
	first.ID = "first"
	second := newTestMessage(
		fmt.Sprintf("<@%s> second question", testApplicationID),
		botMention(),
	)
	second.ID = "second"

	m.handleDiscordMessage(ctx, first)
	m.handleDiscordMessage(ctx, second)

	select {
	case <-blocker.started:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for inference to start")
	}

	// one inference in flight, the other request still queued behind it
	assert.Equal(t, int64(1), m.inferencesInProgress.Load())
	assert.Equal(t, 1, m.queue.Len())

	close(blocker.release)
	require.Eventually(
		t,
		func() bool { return m.metricRepliesSent.Load() == 2 },
		10*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, int64(0), m.inferencesInProgress.Load())

	replies := session.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "first", replies[0].Reference.MessageID)
	assert.Equal(t, "second", replies[1].Reference.MessageID)
}

func TestRunStopSignal(t *testing.T) {
	m, _, _ := newTestBot(t)

	botErr := make(chan error, 1)
	go func() {
		botErr <- m.Run(context.Background())
	}()

	select {
	case <-m.signalReady:
	case err := <-botErr:
		t.Fatalf("error starting bot: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	m.Stop()

	select {
	case err := <-botErr:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	select {
	case <-m.eventShutdown:
	default:
		t.Fatal("expected a shutdown event")
	}
}

func TestNewNilDiscordConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord = nil

	m, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil discord config")
	require.NotNil(t, m)
	assert.Nil(t, m.discord)
}

func TestHandleMessageStripsBotName(t *testing.T) {
	m, _, _ := newTestBot(t)
	m.discord.botUsername.Store("mime")

	msg := newTestMessage(
		fmt.Sprintf("<@%s> hey mime, how are you?", testApplicationID),
		botMention(),
	)
	m.handleDiscordMessage(context.Background(), msg)

	require.Equal(t, 1, m.queue.Len())
	req := m.queue.Pop(context.Background())
	require.NotNil(t, req)
	assert.Equal(t, "hey , how are you?", req.Content)
}

func TestTranscriptDisabled(t *testing.T) {
	m, session, client := newTestBot(t)
	m.config.TranscriptFile = filepath.Join(t.TempDir(), "never-written.md")
	client.response = "short answer"

	transcriptPath := m.config.TranscriptFile
	m.config.TranscriptFile = ""

	req := &InferenceRequest{
		MessageID: "5555555555",
		ChannelID: testChannelID,
		Content:   "hello",
	}
	m.processRequest(context.Background(), req)

	require.Len(t, session.Replies(), 1)
	_, err := os.Stat(transcriptPath)
	assert.True(t, os.IsNotExist(err))
}

package mime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/securitytheatre/mime/mime.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Mime represents the main application struct for the bot. It
// encapsulates the discord integration, the inference client, the
// request queue and the monitoring API.
//
// Mime coordinates the message bridge: inbound discord messages that
// mention the bot are filtered, queued, run through the inference
// server one at a time, and answered as replies.
type Mime struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Handles inference server integration
	llm *LLM

	// Provides the monitoring/control API
	api *API

	// Queues inbound messages for serialized inference
	queue *InferenceQueue

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run is called, after the
	// API has started, a discord session is open, and the queue watcher
	// is running
	signalReady chan struct{}

	// A signal is sent on this channel when the shutdown process finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, the bot stops popping queued requests. Inbound messages
	// are still queued (and keep aging).
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// inferencesInProgress indicates the number of inference requests
	// actively being processed (at most 1)
	inferencesInProgress atomic.Int64

	metricMessagesSeen  atomic.Int64
	metricRepliesSent   atomic.Int64
	metricInferenceErrs atomic.Int64
}

// New creates and initializes a new Mime instance.
//
// This sets up logging for each component, the inference client, the
// discord integration, the request queue and the API server. Errors are
// collected and returned as a single error.
func New(config *Config) (*Mime, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	m := &Mime{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	m.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     m.config.LogLevel,
			AddSource: true,
		},
	)

	m.logger = slog.New(m.logHandler)
	slog.SetDefault(m.logger)

	m.llm = newLLM(m, m.config.HTTPClient)

	disc, err := newDiscord(m.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	if disc != nil {
		m.config.Discord.httpClient = m.config.HTTPClient

		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     m.config.Discord.DiscordGoLogLevel,
					AddSource: true,
				},
			).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
		)

		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     m.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.m = m
	}
	m.discord = disc

	m.queue = NewInferenceQueue(
		m.config.Queue,
		m.logger.With(loggerNameKey, "queue"),
	)

	api, err := newAPI(m, config.API)
	errs = append(errs, err)
	m.api = api

	return m, errors.Join(errs...)
}

func (m *Mime) ValidateConfig() error {
	return structValidator.Struct(m.config)
}

// Paused reports whether request processing is currently paused
func (m *Mime) Paused() bool {
	return m.paused.Load()
}

// Pause stops the bot from popping queued requests. Returns false if
// the bot was already paused.
func (m *Mime) Pause(ctx context.Context) bool {
	rv := m.paused.CompareAndSwap(false, true)
	if rv {
		m.logger.WarnContext(ctx, "paused request processing")
	}
	return rv
}

// Resume unpauses request processing. Returns false if the bot wasn't
// paused.
func (m *Mime) Resume(ctx context.Context) bool {
	rv := m.paused.CompareAndSwap(true, false)
	if rv {
		m.logger.WarnContext(ctx, "resumed request processing")
	}
	return rv
}

// Run starts the main loop of the bot.
//
// It validates the configuration, starts the API server, opens the
// discord gateway session and watches the inference queue until the
// given context is canceled (or a stop signal is received), then
// performs a graceful shutdown.
func (m *Mime) Run(ctx context.Context) error {
	// prevents concurrent runs
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.signalStop = make(chan struct{}, 1)
	m.startedAt = time.Now()
	logger := m.logger

	if err := m.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", m.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeGroup, runtimeCtx := errgroup.WithContext(ctx)

	runtimeGroup.Go(
		func() error {
			httpErr := m.api.Serve(runtimeCtx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				return httpErr
			}
			return nil
		},
	)

	startCtx, startCancel := context.WithTimeout(ctx, m.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- m.initDiscordSession()
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	runtimeGroup.Go(
		func() error {
			m.watchQueue(ctx)
			return nil
		},
	)

	m.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return m.shutdown(ctx, runtimeGroup)
}

// initDiscordSession creates the gateway session, registers event
// handlers and opens the websocket connection.
func (m *Mime) initDiscordSession() error {
	if m.discord.session == nil {
		session, err := m.discord.newSession()
		if err != nil {
			return err
		}
		m.discord.session = session
	}
	session := m.discord.session

	m.discord.discordgoRemoveHandlerFuncs = append(
		m.discord.discordgoRemoveHandlerFuncs,
		session.AddHandler(m.discord.handlerReady()),
		session.AddHandler(m.discord.handlerConnect()),
		session.AddHandler(m.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, msg *discordgo.MessageCreate) {
				m.handleDiscordMessage(context.Background(), msg)
			},
		),
	)

	if err := session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

func (m *Mime) shutdown(ctx context.Context, runtimeGroup *errgroup.Group) error {
	logger := m.logger
	logger.WarnContext(ctx, "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		m.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	var errs []error

	if m.discord != nil && m.discord.session != nil {
		for _, removeHandler := range m.discord.discordgoRemoveHandlerFuncs {
			removeHandler()
		}
		if err := m.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if m.api != nil && m.api.httpServer != nil {
		if err := m.api.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runtimeGroup.Wait()
	}()

	select {
	case groupErr := <-doneCh:
		if groupErr != nil {
			errs = append(errs, groupErr)
		}
		logger.Info("all goroutines finished")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out waiting on goroutines")
		errs = append(errs, shutdownCtx.Err())
	}

	m.eventShutdown <- struct{}{}
	logger.Warn("shutdown complete", "uptime", time.Since(m.startedAt))
	return errors.Join(errs...)
}

// watchQueue pops queued inference requests and processes them, one at
// a time, until the context is canceled. When the queue is empty (or
// the bot is paused), it sleeps before checking again.
func (m *Mime) watchQueue(ctx context.Context) {
	logger := m.logger.With(loggerNameKey, "queue_watcher")
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "watching queue")

	for {
		if ctx.Err() != nil {
			logger.WarnContext(ctx, "context canceled, stopping queue watcher")
			return
		}

		if m.paused.Load() {
			time.Sleep(m.config.Queue.SleepPaused)
			continue
		}

		req := m.queue.Pop(ctx)
		if req == nil {
			time.Sleep(m.config.Queue.SleepEmpty)
			continue
		}

		m.processRequest(ctx, req)
	}
}

// processRequest runs a single queued request through the inference
// server and sends the reply.
func (m *Mime) processRequest(ctx context.Context, req *InferenceRequest) {
	m.inferencesInProgress.Add(1)
	defer m.inferencesInProgress.Add(-1)

	logger := m.logger.With("request", req)
	ctx = WithLogger(ctx, logger)

	output, err := m.llm.Infer(ctx, req.Content)
	if err != nil {
		m.metricInferenceErrs.Add(1)
		logger.ErrorContext(ctx, "inference failed", tint.Err(err))
		if sendErr := m.discord.replyWithText(
			req.ChannelID,
			m.config.Discord.ErrorMessage,
			req.reference(),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending error reply", tint.Err(sendErr))
		}
		return
	}

	if transcriptErr := writeTranscript(
		m.config.TranscriptFile,
		output,
	); transcriptErr != nil {
		logger.ErrorContext(ctx, "error writing transcript", tint.Err(transcriptErr))
	}

	if sendErr := m.sendReply(req, output); sendErr != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
		return
	}
	m.metricRepliesSent.Add(1)
}

// sendReply sends the inference output as a reply to the originating
// message. Output exceeding the configured message limit is attached
// as a file, with a short notice as the message content.
func (m *Mime) sendReply(req *InferenceRequest, output string) error {
	if len(output) > m.config.Discord.MessageLimit {
		return m.discord.replyWithFile(
			req.ChannelID,
			DefaultDiscordAttachmentNotice,
			DefaultTranscriptFile,
			output,
			req.reference(),
		)
	}
	return m.discord.replyWithText(req.ChannelID, output, req.reference())
}

// handleDiscordMessage processes incoming discord messages, queueing an
// inference request for messages whose first mention is the bot.
//
// This method is called for each new message received through the
// discord gateway. It filters out messages that aren't relevant to the
// bot: the bot's own messages, messages from other bots, messages with
// no mentions, and `@everyone` mentions.
//
// If the bot is mentioned, but not as the first mention in the message,
// it gets a short canned reply rather than an inference run. The same
// reply is used when filtering leaves no content to send to the model.
func (m *Mime) handleDiscordMessage(
	ctx context.Context,
	msg *discordgo.MessageCreate,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = m.logger
		ctx = WithLogger(ctx, logger)
	}

	m.metricMessagesSeen.Add(1)
	logger.DebugContext(ctx, "saw message", "message", structToSlogValue(msg))

	user := msg.Author
	if user == nil && msg.Member != nil {
		user = msg.Member.User
	}
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}

	if user.Bot || user.ID == m.config.Discord.ApplicationID {
		logger.DebugContext(ctx, "ignoring message from bot", "user_id", user.ID)
		return
	}

	if msg.MentionEveryone {
		logger.DebugContext(ctx, "ignoring message mentioning everyone")
		return
	}

	if !messageMentionsUser(msg.Message, m.config.Discord.ApplicationID) {
		logger.DebugContext(ctx, "message doesn't mention bot, ignoring")
		return
	}

	logger = logger.With(
		slog.Group(
			"message",
			"id", msg.ID,
			"channel_id", msg.ChannelID,
			"guild_id", msg.GuildID,
			"user_id", user.ID,
			"username", user.Username,
		),
	)
	ctx = WithLogger(ctx, logger)

	reference := &discordgo.MessageReference{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
	}

	if firstMentionID(msg.Content) != m.config.Discord.ApplicationID {
		logger.InfoContext(ctx, "bot mentioned, but not first")
		if sendErr := m.discord.replyWithText(
			msg.ChannelID,
			m.config.Discord.SecondaryMentionText,
			reference,
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
		}
		return
	}

	content := filterContent(msg.Content, m.discord.username())
	if content == "" {
		logger.InfoContext(ctx, "no content left after filtering")
		if sendErr := m.discord.replyWithText(
			msg.ChannelID,
			m.config.Discord.SecondaryMentionText,
			reference,
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
		}
		return
	}

	req := newInferenceRequest(msg.Message, content)
	if err := m.queue.Push(ctx, req); err != nil {
		logger.ErrorContext(ctx, "error queueing request", tint.Err(err))
	}
}

// Stop signals the bot to begin a graceful shutdown
func (m *Mime) Stop() {
	select {
	case m.signalStop <- struct{}{}:
	default:
	}
}

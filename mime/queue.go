package mime

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

var ErrRequestTooOld = errors.New("request too old")

// InferenceRequest is a single inbound message waiting for inference.
// It holds the filtered message content and enough of the originating
// discord message to send the reply.
type InferenceRequest struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	GuildID    string    `json:"guild_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`

	index int
}

func newInferenceRequest(m *discordgo.Message, content string) *InferenceRequest {
	req := &InferenceRequest{
		MessageID:  m.ID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		Content:    content,
		ReceivedAt: time.Now(),
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user != nil {
		req.UserID = user.ID
		req.Username = user.Username
	}
	return req
}

// Age returns the time elapsed since the originating message was received.
func (r *InferenceRequest) Age() time.Duration {
	return time.Since(r.ReceivedAt)
}

// reference returns a message reference for replying to the
// originating message.
func (r *InferenceRequest) reference() *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: r.MessageID,
		ChannelID: r.ChannelID,
		GuildID:   r.GuildID,
	}
}

func (r *InferenceRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", r.MessageID),
		slog.String("channel_id", r.ChannelID),
		slog.String("guild_id", r.GuildID),
		slog.String("user_id", r.UserID),
		slog.String("username", r.Username),
		slog.Time("received_at", r.ReceivedAt),
		slog.String("content", r.Content),
	)
}

// InferenceQueue is a bounded, in-memory queue of InferenceRequest,
// ordered by receipt time. When the queue is at capacity, the oldest
// pending request is discarded to make room.
type InferenceQueue struct {
	queue  *requestHeap
	config *QueueConfig
	logger *slog.Logger
	mu     sync.Mutex
}

func NewInferenceQueue(
	config *QueueConfig,
	logger *slog.Logger,
) *InferenceQueue {
	q := &InferenceQueue{
		queue:  &requestHeap{},
		logger: logger,
		config: config,
	}
	heap.Init(q.queue)
	return q
}

func (q *InferenceQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = &requestHeap{}
	heap.Init(q.queue)
	return nil
}

func (q *InferenceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.queue.Len()
}

// Push adds a request to the queue. If the queue is at capacity, the
// oldest pending request is discarded first. Requests already older
// than the configured max age are rejected with ErrRequestTooOld.
func (q *InferenceQueue) Push(ctx context.Context, req *InferenceRequest) error {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = q.logger
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	reqAge := req.Age()
	if q.config.MaxAge > 0 && reqAge > q.config.MaxAge {
		logger.WarnContext(
			ctx,
			"discarding old request",
			"max_age", q.config.MaxAge,
			"request_age", reqAge,
		)
		return fmt.Errorf("%w: (age: %s)", ErrRequestTooOld, reqAge)
	}

	if q.config.Size > 0 && q.queue.Len() >= q.config.Size {
		oldest := heap.Pop(q.queue).(*InferenceRequest)
		logger.WarnContext(
			ctx,
			"queue full, removed oldest pending request",
			"removed_request", oldest,
			"max_size", q.config.Size,
		)
	}

	heap.Push(q.queue, req)
	logger.InfoContext(
		ctx,
		"queued inference request",
		"request", req,
		"queue_size", q.queue.Len(),
	)
	return nil
}

// Pop returns the oldest request in the queue, discarding any that
// exceed the configured max age. Returns nil if the queue is empty.
func (q *InferenceQueue) Pop(ctx context.Context) *InferenceRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = q.logger
	}

	for q.queue.Len() > 0 {
		req := heap.Pop(q.queue).(*InferenceRequest)

		if q.config.MaxAge > 0 {
			reqAge := req.Age()
			if reqAge > q.config.MaxAge {
				logger.WarnContext(
					ctx,
					"discarded old request",
					"request", req,
					"max_age", q.config.MaxAge,
					"request_age", reqAge,
				)
				continue
			}
		}

		logger.InfoContext(
			ctx,
			"popped request",
			"request", req,
			"queue_size", q.queue.Len(),
		)
		return req
	}
	return nil
}

type requestHeap []*InferenceRequest

func (h requestHeap) Len() int {
	return len(h)
}

func (h requestHeap) Less(i, j int) bool {
	return h[i].ReceivedAt.Before(h[j].ReceivedAt)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	n := len(*h)
	item := x.(*InferenceRequest)
	item.index = n
	*h = append(*h, item)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

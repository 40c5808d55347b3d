// Package notifier implements the rate-limited chat notification queue
// (C4): an unbounded FIFO with a single cooperative consumer that paces
// sends to avoid tripping the chat platform's rate limit, retries with
// exponential backoff, chunks oversized messages, and lazily provisions a
// forum topic per event category.
package notifier

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nuvio-labs/shopee-webhooks/internal/metrics"
)

const (
	DefaultMessagesPerMinute = 15
	MaxRetries               = 3
	queuePollTimeout         = 1 * time.Second
	stopTimeout              = 30 * time.Second
	maxMessageLength         = 4000
)

// Message is one unit of work enqueued by the receiver's fan-out step.
type Message struct {
	EventCode int
	ChatID    string
	Text      string
}

// Stats mirrors the Python source's get_stats() counters.
type Stats struct {
	TotalQueued int64
	TotalSent   int64
	TotalFailed int64
	QueueSize   int
	Running     bool
}

// Queue is the single-consumer rate-limited dispatcher.
type Queue struct {
	client             ChatClient
	topics             *TopicMap
	messagesPerMinute  int
	secondsPerMessage  float64
	logger             *slog.Logger

	mu           sync.Mutex
	items        []Message
	notify       chan struct{}
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastSendAt   time.Time
	stopDeadline time.Time

	statsMu sync.Mutex
	stats   Stats

	business *metrics.BusinessMetrics
}

// SetBusinessMetrics attaches the domain counters the queue increments on
// send success/failure. Optional: nil leaves GetStats() as the only
// observability surface, matching how tests construct a Queue directly.
func (q *Queue) SetBusinessMetrics(m *metrics.BusinessMetrics) {
	q.business = m
}

// New builds a Queue. messagesPerMinute defaults to 15 (one every 4s) if <=0.
func New(client ChatClient, topics *TopicMap, messagesPerMinute int, logger *slog.Logger) *Queue {
	if messagesPerMinute <= 0 {
		messagesPerMinute = DefaultMessagesPerMinute
	}
	return &Queue{
		client:            client,
		topics:            topics,
		messagesPerMinute: messagesPerMinute,
		secondsPerMessage: 60.0 / float64(messagesPerMinute),
		logger:            logger,
		notify:            make(chan struct{}, 1),
	}
}

// Enqueue adds a message without blocking.
func (q *Queue) Enqueue(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.statsMu.Lock()
	q.stats.TotalQueued++
	q.stats.QueueSize = len(q.items)
	q.statsMu.Unlock()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start launches the background consumer goroutine. Only one consumer runs.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.mu.Unlock()

	go q.run(ctx)
}

// run is the single cooperative consumer. Once Stop has been called it
// keeps draining q.items (still paced and retried) rather than exiting on
// the first post-close iteration, so queued messages still get a chance to
// send within the documented drain window; it gives up once that window
// elapses or the queue empties, whichever comes first.
func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)

	for {
		if ctx.Err() != nil {
			return
		}
		if q.stopRequested() && q.drainDeadlinePassed() {
			return
		}

		msg, ok := q.dequeue()
		if !ok {
			if q.stopRequested() {
				return
			}
			select {
			case <-q.notify:
				continue
			case <-time.After(queuePollTimeout):
				continue
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		q.pace()
		q.sendWithRetry(ctx, msg)
		q.mu.Lock()
		q.lastSendAt = time.Now()
		q.mu.Unlock()
	}
}

// stopRequested reports whether Stop has been called, without blocking.
func (q *Queue) stopRequested() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}

// drainDeadlinePassed reports whether the post-Stop drain window has
// elapsed. Before Stop is called stopDeadline is zero, so this is always
// false.
func (q *Queue) drainDeadlinePassed() bool {
	q.mu.Lock()
	deadline := q.stopDeadline
	q.mu.Unlock()
	if deadline.IsZero() {
		return false
	}
	return time.Now().After(deadline)
}

func (q *Queue) dequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]

	q.statsMu.Lock()
	q.stats.QueueSize = len(q.items)
	q.statsMu.Unlock()

	return msg, true
}

func (q *Queue) pace() {
	q.mu.Lock()
	last := q.lastSendAt
	q.mu.Unlock()

	if last.IsZero() {
		return
	}
	elapsed := time.Since(last).Seconds()
	if elapsed < q.secondsPerMessage {
		wait := time.Duration((q.secondsPerMessage - elapsed) * float64(time.Second))
		time.Sleep(wait)
	}
}

func (q *Queue) sendWithRetry(ctx context.Context, msg Message) {
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err := q.deliver(ctx, msg); err != nil {
			retryable := true
			if se, ok := err.(*StatusError); ok && se.Terminal {
				retryable = false
			}
			if !retryable || attempt == MaxRetries-1 {
				q.logger.Error("notifier send failed", slog.Int("event_code", msg.EventCode), slog.Any("error", err))
				q.statsMu.Lock()
				q.stats.TotalFailed++
				q.statsMu.Unlock()
				if q.business != nil {
					q.business.NotifierFailed.Inc()
				}
				return
			}
			delay := time.Duration(1<<attempt) * time.Second
			q.logger.Warn("notifier send retrying", slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
			time.Sleep(delay)
			continue
		}
		q.statsMu.Lock()
		q.stats.TotalSent++
		q.statsMu.Unlock()
		if q.business != nil {
			q.business.NotifierSent.Inc()
		}
		return
	}
}

// deliver resolves the topic for msg's event code (provisioning one if
// necessary) and sends the message, split at line boundaries into chunks of
// at most 4000 characters.
func (q *Queue) deliver(ctx context.Context, msg Message) error {
	threadID, err := q.resolveTopic(ctx, msg)
	if err != nil {
		return err
	}

	for _, chunk := range chunkMessage(msg.Text, maxMessageLength) {
		if err := q.client.SendMessage(ctx, msg.ChatID, threadID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) resolveTopic(ctx context.Context, msg Message) (int, error) {
	code := strconv.Itoa(msg.EventCode)
	if id, ok := q.topics.Get(code); ok {
		return id, nil
	}

	id, err := q.client.CreateForumTopic(ctx, msg.ChatID, code)
	if err != nil {
		return 0, err
	}
	if err := q.topics.Set(code, id); err != nil {
		q.logger.Warn("failed to persist topic mapping", slog.String("code", code), slog.Any("error", err))
	}
	return id, nil
}

// chunkMessage splits text into chunks at line boundaries, each at most max
// characters.
func chunkMessage(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}

	var chunks []string
	var current []byte
	start := 0
	for start < len(text) {
		end := start + max
		if end >= len(text) {
			current = append(current, text[start:]...)
			break
		}
		nl := lastNewline(text[start:end])
		if nl <= 0 {
			nl = max
		}
		chunks = append(chunks, string(append(current, text[start:start+nl]...)))
		current = nil
		start += nl
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i + 1
		}
	}
	return -1
}

// Stop stops accepting new consumer iterations cooperatively: it signals
// the consumer to stop pulling in more work once q.items is empty, but
// keeps it draining whatever is already queued (paced and retried as
// usual) for up to 30s, returning final stats once the queue is empty or
// that window elapses, whichever comes first.
func (q *Queue) Stop() Stats {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return q.GetStats()
	}
	q.running = false
	q.stopDeadline = time.Now().Add(stopTimeout)
	close(q.stopCh)
	q.mu.Unlock()

	select {
	case <-q.doneCh:
	case <-time.After(stopTimeout):
		q.logger.Warn("notifier stop timed out waiting for consumer to exit")
	}

	return q.GetStats()
}

// GetStats returns a snapshot of the queue's counters.
func (q *Queue) GetStats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	s := q.stats
	s.Running = q.running
	return s
}

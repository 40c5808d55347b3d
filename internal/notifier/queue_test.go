package notifier

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatClient struct {
	mu       sync.Mutex
	sent     []string
	failWith error
	topicSeq int
}

func (f *fakeChatClient) SendMessage(ctx context.Context, chatID string, threadID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChatClient) CreateForumTopic(ctx context.Context, chatID, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topicSeq++
	return f.topicSeq, nil
}

func (f *fakeChatClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_EnqueueAndDeliver(t *testing.T) {
	dir := t.TempDir()
	topics, err := NewTopicMap(filepath.Join(dir, "topics.json"))
	require.NoError(t, err)

	client := &fakeChatClient{}
	q := New(client, topics, 600, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue(Message{EventCode: 3, ChatID: "chat1", Text: "hello"})

	require.Eventually(t, func() bool { return client.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	id, ok := topics.Get("3")
	assert.True(t, ok)
	assert.Equal(t, 1, id)
}

func TestQueue_TerminalErrorDoesNotRetry(t *testing.T) {
	dir := t.TempDir()
	topics, err := NewTopicMap(filepath.Join(dir, "topics.json"))
	require.NoError(t, err)

	client := &fakeChatClient{failWith: &StatusError{Code: 400, Terminal: true}}
	q := New(client, topics, 600, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue(Message{EventCode: 4, ChatID: "chat1", Text: "hello"})

	require.Eventually(t, func() bool { return q.GetStats().TotalFailed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, client.sentCount())
}

func TestChunkMessage_SplitsAtLineBoundary(t *testing.T) {
	line := "0123456789\n"
	var text string
	for i := 0; i < 500; i++ {
		text += line
	}

	chunks := chunkMessage(text, 4000)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 4000)
	}
	assert.Equal(t, text, chunks[0]+chunks[1])
}

func TestChunkMessage_ShortTextSingleChunk(t *testing.T) {
	chunks := chunkMessage("short message", 4000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short message", chunks[0])
}

func TestQueue_StopDrainsAndReturnsStats(t *testing.T) {
	dir := t.TempDir()
	topics, err := NewTopicMap(filepath.Join(dir, "topics.json"))
	require.NoError(t, err)

	client := &fakeChatClient{}
	q := New(client, topics, 600, testLogger())

	ctx := context.Background()
	q.Start(ctx)

	q.Enqueue(Message{EventCode: 3, ChatID: "chat1", Text: "a"})
	require.Eventually(t, func() bool { return client.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	stats := q.Stop()
	assert.Equal(t, int64(1), stats.TotalSent)
	assert.False(t, stats.Running)
}

func TestQueue_StopDrainsQueuedMessagesBeforeFirstSend(t *testing.T) {
	dir := t.TempDir()
	topics, err := NewTopicMap(filepath.Join(dir, "topics.json"))
	require.NoError(t, err)

	client := &fakeChatClient{}
	q := New(client, topics, 600, testLogger())

	ctx := context.Background()
	q.Start(ctx)

	q.Enqueue(Message{EventCode: 3, ChatID: "chat1", Text: "a"})
	q.Enqueue(Message{EventCode: 3, ChatID: "chat1", Text: "b"})
	q.Enqueue(Message{EventCode: 3, ChatID: "chat1", Text: "c"})

	// Stop is called immediately, before the consumer has had a chance to
	// send anything: all three must still be drained within the window
	// rather than abandoned on the spot.
	stats := q.Stop()
	assert.Equal(t, int64(3), stats.TotalSent)
	assert.Equal(t, 0, stats.QueueSize)
	assert.Equal(t, 3, client.sentCount())
}

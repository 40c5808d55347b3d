package notifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Topic is one entry in the persisted topic map.
type Topic struct {
	TopicID   int    `json:"topic_id"`
	CreatedAt string `json:"created_at"`
}

type topicFile struct {
	Topics map[string]Topic `json:"topics"`
}

// TopicMap persists event-code-to-forum-topic mappings to a JSON file using
// the same atomic whole-file rewrite as the runtime config store.
type TopicMap struct {
	mu   sync.Mutex
	path string
	data topicFile
}

// NewTopicMap loads (or initializes) the topic map at path.
func NewTopicMap(path string) (*TopicMap, error) {
	tm := &TopicMap{path: path, data: topicFile{Topics: map[string]Topic{}}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tm, nil
		}
		return nil, fmt.Errorf("read topic map: %w", err)
	}
	if err := json.Unmarshal(raw, &tm.data); err != nil {
		return nil, fmt.Errorf("parse topic map: %w", err)
	}
	if tm.data.Topics == nil {
		tm.data.Topics = map[string]Topic{}
	}
	return tm, nil
}

// Get returns the topic id for code, if provisioned.
func (tm *TopicMap) Get(code string) (int, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.data.Topics[code]
	return t.TopicID, ok
}

// Set persists a newly provisioned topic id for code.
func (tm *TopicMap) Set(code string, topicID int) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.data.Topics[code] = Topic{TopicID: topicID, CreatedAt: time.Now().UTC().Format(time.RFC3339)}

	raw, err := json.MarshalIndent(tm.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal topic map: %w", err)
	}

	dir := filepath.Dir(tm.path)
	tmp, err := os.CreateTemp(dir, ".topicmap-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp topic map: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp topic map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), tm.path)
}

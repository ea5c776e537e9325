// StreamStore backs the agent-side stream WebSocket's history_event /
// history_end / live_event semantics (spec §6): a bounded, per-agent FIFO
// of output lines, each assigned a monotonically increasing store id so
// late-joining clients can replay history then switch to the live tail
// without duplicating or missing a line.
//
// Grounded on apps/backend/internal/task/service/streaming_buffer.go's
// bounded ring-buffer-with-trim pattern (maxSize FIFO eviction, a global
// id counter used for at-most-once delivery), adapted from one shared
// per-task buffer to one buffer per agent.
package gateway

import "sync"

// StreamEntry is a single recorded agent_output line.
type StreamEntry struct {
	ID      int64
	Message string
	Stream  string
}

// StreamStore holds a bounded buffer of entries per agent id.
type StreamStore struct {
	mu          sync.RWMutex
	maxSize     int
	nextID      int64
	buffers     map[string][]StreamEntry
	subscribers map[string]map[chan StreamEntry]bool
}

// NewStreamStore constructs a store trimming each per-agent buffer to
// maxSize entries.
func NewStreamStore(maxSize int) *StreamStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &StreamStore{
		maxSize:     maxSize,
		buffers:     make(map[string][]StreamEntry),
		subscribers: make(map[string]map[chan StreamEntry]bool),
	}
}

// Append records a new line for agentID and returns its assigned id.
func (s *StreamStore) Append(agentID, message, stream string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry := StreamEntry{ID: s.nextID, Message: message, Stream: stream}
	buf := append(s.buffers[agentID], entry)
	if len(buf) > s.maxSize {
		buf = buf[len(buf)-s.maxSize:]
	}
	s.buffers[agentID] = buf

	for ch := range s.subscribers[agentID] {
		select {
		case ch <- entry:
		default:
		}
	}
	return entry.ID
}

// SubscribeSince atomically snapshots every entry for agentID after afterID
// and registers a live channel, so no entry can be both missed (appended
// between snapshot and subscribe) or duplicated (present in both the
// snapshot and the first live delivery).
func (s *StreamStore) SubscribeSince(agentID string, afterID int64) (history []StreamEntry, live <-chan StreamEntry, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[agentID]
	history = make([]StreamEntry, 0, len(buf))
	for _, e := range buf {
		if e.ID > afterID {
			history = append(history, e)
		}
	}

	ch := make(chan StreamEntry, 256)
	if s.subscribers[agentID] == nil {
		s.subscribers[agentID] = make(map[chan StreamEntry]bool)
	}
	s.subscribers[agentID][ch] = true

	cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[agentID], ch)
		if len(s.subscribers[agentID]) == 0 {
			delete(s.subscribers, agentID)
		}
	}
	return history, ch, cancel
}


package server

import (
	"github.com/sasha-s/go-deadlock"

	"github.com/MONDERASDOR/SaverWorld/protocol"
)

// ChatLog keeps the most recent chat entries. Once full, each append
// evicts the oldest entry.
type ChatLog struct {
	mu      deadlock.Mutex
	entries []protocol.ChatEntry
	start   int
	size    int
}

func NewChatLog(capacity int) *ChatLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &ChatLog{entries: make([]protocol.ChatEntry, capacity)}
}

func (l *ChatLog) Append(e protocol.ChatEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	end := (l.start + l.size) % len(l.entries)
	l.entries[end] = e
	if l.size < len(l.entries) {
		l.size++
	} else {
		l.start = (l.start + 1) % len(l.entries)
	}
}

// History returns the stored entries, most recent last.
func (l *ChatLog) History() []protocol.ChatEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.ChatEntry, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.entries[(l.start+i)%len(l.entries)])
	}
	return out
}

package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MONDERASDOR/SaverWorld/protocol"
)

func TestChatLogEvictsOldest(t *testing.T) {
	log := NewChatLog(100)
	for i := 0; i < 101; i++ {
		log.Append(protocol.ChatEntry{Username: "u", Text: fmt.Sprintf("m%d", i), Timestamp: int64(i)})
	}
	history := log.History()
	require.Len(t, history, 100)
	assert.Equal(t, "m1", history[0].Text)
	assert.Equal(t, "m100", history[99].Text)
}

func TestChatLogPartial(t *testing.T) {
	log := NewChatLog(3)
	assert.Empty(t, log.History())

	log.Append(protocol.ChatEntry{Text: "a"})
	log.Append(protocol.ChatEntry{Text: "b"})
	history := log.History()
	require.Len(t, history, 2)
	assert.Equal(t, "a", history[0].Text)
	assert.Equal(t, "b", history[1].Text)

	log.Append(protocol.ChatEntry{Text: "c"})
	log.Append(protocol.ChatEntry{Text: "d"})
	var texts []string
	for _, e := range log.History() {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"b", "c", "d"}, texts)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, 100, cfg.ChunkSize)
	assert.Equal(t, 100, cfg.ChatHistory)
	assert.Equal(t, int64(50), cfg.tickInterval().Milliseconds())
}

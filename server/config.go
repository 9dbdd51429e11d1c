package server

import (
	"time"

	"github.com/MONDERASDOR/SaverWorld/world"
)

// Config holds the tunables of a Server.
type Config struct {
	Addr         string
	ChunkSize    int
	WorldSize    int
	TickRate     int // ticks per second
	SaveInterval time.Duration
	ChatHistory  int

	// MessageRate limits inbound messages per connection per second. Zero
	// disables limiting.
	MessageRate  float64
	MessageBurst int

	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:         ":3000",
		ChunkSize:    world.DefaultChunkSize,
		WorldSize:    100,
		TickRate:     20,
		SaveInterval: 5 * time.Minute,
		ChatHistory:  100,
		MessageRate:  60,
		MessageBurst: 30,
		WriteTimeout: 5 * time.Second,
	}
}

func (c Config) tickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 20
	}
	return time.Second / time.Duration(c.TickRate)
}

func (c Config) saveInterval() time.Duration {
	if c.SaveInterval <= 0 {
		return 5 * time.Minute
	}
	return c.SaveInterval
}

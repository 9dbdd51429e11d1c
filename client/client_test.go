package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MONDERASDOR/SaverWorld/player"
	"github.com/MONDERASDOR/SaverWorld/protocol"
	"github.com/MONDERASDOR/SaverWorld/server"
	"github.com/MONDERASDOR/SaverWorld/storage"
	"github.com/MONDERASDOR/SaverWorld/world"
)

func startServer(t *testing.T) string {
	t.Helper()
	kv, err := storage.NewMemLevelDB()
	require.NoError(t, err)
	codec, err := world.NewCodec()
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	cfg := server.DefaultConfig()
	gen := world.NewGenerator(5)
	chunks := world.NewStore(kv, gen, codec, cfg.ChunkSize, log)
	users := player.NewDirectory(kv, log)
	sessions := player.NewRegistry(chunks, users, log)
	srv := server.New(cfg, gen, chunks, users, sessions, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		sessions.Close()
		codec.Close()
		kv.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestClientAuthAndMove(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Auth("", "walker"))
	ev, err := c.WaitFor(ctx, protocol.TypeAuthSuccess)
	require.NoError(t, err)
	var ok protocol.AuthSuccess
	require.NoError(t, ev.Decode(&ok))
	assert.Equal(t, "walker", ok.Player.Username)

	require.NoError(t, c.Move(world.Position{X: 510, Z: 490}, world.Vec3{X: 1}))
	ev, err = c.WaitFor(ctx, protocol.TypeUpdateConfirm)
	require.NoError(t, err)
	var confirm protocol.UpdateConfirm
	require.NoError(t, ev.Decode(&confirm))
	assert.Equal(t, world.Position{X: 510, Z: 490}, confirm.Position)

	require.NoError(t, c.Chat("hi"))
	ev, err = c.WaitFor(ctx, protocol.TypeChatMessage)
	require.NoError(t, err)
	var chat protocol.ChatMessage
	require.NoError(t, ev.Decode(&chat))
	assert.Equal(t, "hi", chat.Message.Text)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not finish")
	}
	assert.ErrorIs(t, c.Chat("late"), ErrClosed)
}

func TestReconnectorGivesUp(t *testing.T) {
	var dials atomic.Int32
	r := &Reconnector{
		Dial: func(context.Context) (*Client, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
		Interval:    time.Millisecond,
		MaxInterval: 4 * time.Millisecond,
		MaxAttempts: 5,
		Log:         zaptest.NewLogger(t),
	}

	err := r.Run(context.Background(), func(context.Context, *Client) {
		t.Fatal("handle called without a connection")
	})
	require.ErrorIs(t, err, ErrGaveUp)
	assert.Equal(t, int32(5), dials.Load())
	assert.Equal(t, GaveUp, r.State())
	assert.Equal(t, 5, r.Attempts())
}

func TestReconnectorDelay(t *testing.T) {
	r := &Reconnector{Interval: time.Second, MaxInterval: 10 * time.Second}
	assert.Equal(t, time.Second, r.Delay(0))
	assert.Equal(t, time.Second, r.Delay(1))
	assert.Equal(t, 2*time.Second, r.Delay(2))
	assert.Equal(t, 4*time.Second, r.Delay(3))
	assert.Equal(t, 8*time.Second, r.Delay(4))
	assert.Equal(t, 10*time.Second, r.Delay(5))
	assert.Equal(t, 10*time.Second, r.Delay(50))

	assert.Equal(t, DefaultInterval, (&Reconnector{}).Delay(1))
}

func TestReconnectorRedialsAfterLoss(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var userID string
	var connects atomic.Int32
	r := &Reconnector{
		Dial:     func(ctx context.Context) (*Client, error) { return Dial(ctx, url) },
		Interval: 5 * time.Millisecond,
		OnConnect: func(ctx context.Context, c *Client) error {
			if err := c.Auth(userID, "rejoiner"); err != nil {
				return err
			}
			ev, err := c.WaitFor(ctx, protocol.TypeAuthSuccess)
			if err != nil {
				return err
			}
			var ok protocol.AuthSuccess
			if err := ev.Decode(&ok); err != nil {
				return err
			}
			userID = ok.Player.ID
			connects.Add(1)
			return nil
		},
		Log: zaptest.NewLogger(t),
	}

	var seen []string
	err := r.Run(ctx, func(ctx context.Context, c *Client) {
		seen = append(seen, userID)
		if connects.Load() == 1 {
			c.Close()
			<-c.Done()
			return
		}
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), connects.Load())
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1])
	assert.Equal(t, Idle, r.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "gave_up", GaveUp.String())
	assert.Equal(t, "backoff", Backoff.String())
}

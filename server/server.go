package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MONDERASDOR/SaverWorld/player"
	"github.com/MONDERASDOR/SaverWorld/protocol"
	"github.com/MONDERASDOR/SaverWorld/world"
)

// Server is the authoritative sync hub. It owns the websocket clients and
// drives the tick and save loops.
type Server struct {
	cfg      Config
	log      *zap.Logger
	gen      world.ChunkGenerator
	chunks   *world.Store
	users    *player.Directory
	sessions *player.Registry
	chat     *ChatLog
	now      func() time.Time
	upgrader websocket.Upgrader

	mu      deadlock.Mutex
	clients map[*client]struct{}

	worldOnce sync.Once
	worldSnap world.TerrainPayload
}

func New(cfg Config, gen world.ChunkGenerator, chunks *world.Store, users *player.Directory, sessions *player.Registry, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.Named("server"),
		gen:      gen,
		chunks:   chunks,
		users:    users,
		sessions: sessions,
		chat:     NewChatLog(cfg.ChatHistory),
		now:      time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run ticks and saves until ctx is done.
func (s *Server) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.tickInterval())
	defer tick.Stop()
	save := time.NewTicker(s.cfg.saveInterval())
	defer save.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Tick()
		case <-save.C:
			if err := s.Save(ctx); err != nil {
				s.log.Error("save cycle", zap.Error(err))
			}
		}
	}
}

// Tick restores due objects and broadcasts every chunk that changed since
// the previous tick.
func (s *Server) Tick() {
	if n := s.chunks.RespawnDue(); n > 0 {
		s.log.Debug("objects respawned", zap.Int("count", n))
	}
	updates := s.chunks.DrainUpdates()
	if len(updates) == 0 {
		return
	}
	s.broadcast(protocol.NewWorldUpdate(updates), "")
}

// Save persists loaded chunks and the position of every live player.
func (s *Server) Save(ctx context.Context) error {
	start := time.Now()
	err := errors.Join(s.chunks.SaveAll(ctx), s.sessions.FlushAll(ctx))
	s.log.Info("save cycle finished", zap.Duration("took", time.Since(start)), zap.Error(err))
	return err
}

// Shutdown closes every client and performs a final save.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}

	err := s.Save(ctx)
	s.sessions.Close()
	return err
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.Close()

	if c.session == "" {
		return
	}
	if p, ok := s.sessions.Disconnect(c.session); ok {
		s.broadcast(protocol.NewPlayerLeft(p.ID), "")
	}
}

// broadcast sends msg to every live session except exclude. Connections
// that fail to take the write are closed; their read loop then cleans up.
func (s *Server) broadcast(msg any, exclude string) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode broadcast", zap.Error(err))
		return
	}
	for _, peer := range s.sessions.Sessions() {
		if peer.SessionID == exclude {
			continue
		}
		c, ok := peer.Conn.(*client)
		if !ok {
			if err := peer.Conn.Send(json.RawMessage(data)); err != nil {
				peer.Conn.Close()
			}
			continue
		}
		if err := c.write(data); err != nil {
			s.log.Debug("dropping client", zap.String("session", peer.SessionID), zap.Error(err))
			c.Close()
		}
	}
}

func (s *Server) send(c *client, msg any) {
	if err := c.Send(msg); err != nil {
		s.log.Debug("send failed", zap.Error(err))
		c.Close()
	}
}

// sendNow is send for replies that must pass writes queued by hold.
func (s *Server) sendNow(c *client, msg any) {
	data, err := json.Marshal(msg)
	if err == nil {
		err = c.writeNow(data)
	}
	if err != nil {
		s.log.Debug("send failed", zap.Error(err))
		c.Close()
	}
}

// evict closes sessions displaced by a newer login of the same user and
// tells everyone but exclude that they left.
func (s *Server) evict(displaced []player.Peer, exclude string) {
	for _, old := range displaced {
		old.Conn.Close()
		s.broadcast(protocol.NewPlayerLeft(old.Player.ID), exclude)
	}
}

// client is one websocket connection. It implements player.Conn.
type client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter

	writeMu   deadlock.Mutex
	holding   bool
	held      [][]byte
	closeOnce sync.Once

	// session is only touched by the connection's read goroutine.
	session string
}

func newClient(conn *websocket.Conn, cfg Config) *client {
	limit := rate.Inf
	if cfg.MessageRate > 0 {
		limit = rate.Limit(cfg.MessageRate)
	}
	burst := cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return &client{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		limiter:      rate.NewLimiter(limit, burst),
	}
}

func (c *client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

// write sends data, or queues it while the client is held.
func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.holding {
		c.held = append(c.held, data)
		return nil
	}
	return c.writeLocked(data)
}

// writeNow sends data even while the client is held.
func (c *client) writeNow(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(data)
}

// hold queues writes until release. Direct replies use writeNow meanwhile.
func (c *client) hold() {
	c.writeMu.Lock()
	c.holding = true
	c.writeMu.Unlock()
}

// release sends the queued writes in order and stops queueing.
func (c *client) release() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	held := c.held
	c.holding, c.held = false, nil
	for _, data := range held {
		if err := c.writeLocked(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) writeLocked(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func wirePlayer(p player.Player) protocol.Player {
	return protocol.Player{
		ID:        p.ID,
		Username:  p.Username,
		Position:  p.Position,
		Direction: p.Direction,
		Health:    p.Health,
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/MONDERASDOR/SaverWorld/player"
	"github.com/MONDERASDOR/SaverWorld/protocol"
	"github.com/MONDERASDOR/SaverWorld/world"
)

const maxChatLength = 500

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c := newClient(conn, s.cfg)
	s.addClient(c)
	defer s.removeClient(c)

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		s.dispatch(ctx, c, data)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Debug("ignoring message", zap.Error(err))
		return
	}
	switch m := msg.(type) {
	case *protocol.Auth:
		s.handleAuth(ctx, c, m)
	case *protocol.Update:
		s.handleUpdate(ctx, c, m)
	case *protocol.ChatSend:
		s.handleChat(c, m)
	case *protocol.Harvest:
		s.handleHarvest(c, m)
	}
}

func (s *Server) handleAuth(ctx context.Context, c *client, m *protocol.Auth) {
	if c.session != "" {
		s.log.Debug("already authenticated", zap.String("session", c.session))
		return
	}
	// Broadcasts that find the new session before its own auth_success and
	// existing_players are queued and sent after them.
	c.hold()
	defer func() {
		if err := c.release(); err != nil {
			s.log.Debug("flush held messages", zap.Error(err))
			c.Close()
		}
	}()

	res, err := s.sessions.Authenticate(ctx, c, m.UserID, m.Username)
	s.evict(res.Displaced, res.Session.SessionID)
	if errors.Is(err, player.ErrInvalidCredentials) {
		s.sendNow(c, protocol.NewAuthError("Username required"))
		return
	}
	if err != nil {
		s.log.Error("authenticate", zap.Error(err))
		s.sendNow(c, protocol.NewAuthError("Server error"))
		return
	}
	c.session = res.Session.SessionID
	self := res.Session.Player

	s.sendNow(c, protocol.NewAuthSuccess(wirePlayer(self)))
	s.broadcast(protocol.NewPlayerJoined(wirePlayer(self)), c.session)

	var others []protocol.Player
	for _, p := range s.sessions.Roster() {
		if p.ID != self.ID {
			others = append(others, wirePlayer(p))
		}
	}
	s.sendNow(c, protocol.NewExistingPlayers(others))
}

func (s *Server) handleUpdate(ctx context.Context, c *client, m *protocol.Update) {
	if c.session == "" {
		return
	}
	var dir world.Vec3
	if m.Direction != nil {
		dir = *m.Direction
	}
	p, ok := s.sessions.ApplyMove(ctx, c.session, *m.Position, dir)
	if !ok {
		return
	}
	s.send(c, protocol.NewUpdateConfirm(p.Position, p.Direction))
	s.broadcast(protocol.NewPlayerMoved(p.ID, p.Position, p.Direction), c.session)
}

func (s *Server) handleChat(c *client, m *protocol.ChatSend) {
	if c.session == "" {
		return
	}
	peer, ok := s.sessions.Get(c.session)
	if !ok {
		return
	}
	if strings.TrimSpace(m.Message) == "" {
		return
	}
	if n := utf8.RuneCountInString(m.Message); n > maxChatLength {
		s.log.Debug("dropping long chat message", zap.String("session", c.session), zap.Int("runes", n))
		return
	}
	entry := protocol.ChatEntry{
		Username:  peer.Player.Username,
		Text:      m.Message,
		Timestamp: s.now().UnixMilli(),
	}
	s.chat.Append(entry)
	s.broadcast(protocol.NewChatMessage(entry), "")
}

// handleHarvest takes an object from the sender's chunk. Clients see the
// change in the next world_update.
func (s *Server) handleHarvest(c *client, m *protocol.Harvest) {
	if c.session == "" {
		return
	}
	peer, ok := s.sessions.Get(c.session)
	if !ok {
		return
	}
	if !s.chunks.RemoveObject(peer.Chunk, m.ObjectID) {
		s.log.Debug("harvest refused",
			zap.String("session", c.session),
			zap.Stringer("chunk", peer.Chunk),
			zap.String("object", m.ObjectID))
	}
}

package player

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/MONDERASDOR/SaverWorld/world"
)

// ChunkIndex is the part of world.Store the registry drives.
type ChunkIndex interface {
	ChunkFor(p world.Position) world.ChunkID
	Ensure(ctx context.Context, id world.ChunkID) error
	AddPlayer(ctx context.Context, id world.ChunkID, m world.ChunkMember) error
	RemovePlayer(id world.ChunkID, playerID string)
	MovePlayer(ctx context.Context, from, to world.ChunkID, m world.ChunkMember) error
	UpdateMember(id world.ChunkID, m world.ChunkMember) bool
}

// UserStore is the part of Directory the registry drives.
type UserStore interface {
	Resolve(ctx context.Context, userID, username string) (Record, error)
	Update(ctx context.Context, id string, p Patch) (Record, error)
}

// AuthResult is returned by Authenticate. Displaced holds sessions of the
// same user that were closed out by this login; the caller owns closing
// their connections. Displaced is set even when Authenticate fails after
// detaching them.
type AuthResult struct {
	Session   Peer
	Displaced []Peer
}

// Registry tracks live sessions. Lock order is registry, then chunk store.
type Registry struct {
	chunks      ChunkIndex
	users       UserStore
	log         *zap.Logger
	saveTimeout time.Duration

	mu       deadlock.RWMutex
	sessions map[string]*Session

	savers sync.WaitGroup
}

func NewRegistry(chunks ChunkIndex, users UserStore, log *zap.Logger) *Registry {
	return &Registry{
		chunks:      chunks,
		users:       users,
		log:         log.Named("sessions"),
		saveTimeout: 5 * time.Second,
		sessions:    make(map[string]*Session),
	}
}

// Authenticate resolves the user, places the player in its chunk and
// registers a new session for conn.
func (r *Registry) Authenticate(ctx context.Context, conn Conn, userID, username string) (AuthResult, error) {
	rec, err := r.users.Resolve(ctx, userID, username)
	if err != nil {
		return AuthResult{}, err
	}

	p := Player{
		ID:        rec.ID,
		Username:  rec.Username,
		Position:  rec.Position,
		Direction: rec.Direction.Normalized(),
		Health:    rec.Health,
	}
	if p.Position.IsSentinel() || !p.Position.Finite() {
		p.Position = DefaultPosition
	}
	chunk := r.chunks.ChunkFor(p.Position)
	if err := r.chunks.Ensure(ctx, chunk); err != nil {
		return AuthResult{}, fmt.Errorf("player: load spawn chunk: %w", err)
	}

	s := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		player: p,
		chunk:  chunk,
		state:  Unauthenticated,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res AuthResult
	for _, other := range r.sessions {
		if other.player.ID == p.ID {
			res.Displaced = append(res.Displaced, other.peer())
			r.detachLocked(other)
		}
	}
	if err := r.chunks.AddPlayer(ctx, chunk, p.member()); err != nil {
		return res, fmt.Errorf("player: join chunk: %w", err)
	}
	s.state = Active
	s.saver = r.startSaver(p.ID)
	r.sessions[s.id] = s
	res.Session = s.peer()

	r.log.Info("session started",
		zap.String("session", s.id),
		zap.String("user", p.ID),
		zap.Stringer("chunk", chunk),
		zap.Int("displaced", len(res.Displaced)))
	return res, nil
}

// ApplyMove applies a position/direction update. The (0,0) sentinel and
// non-finite values are rejected with ok == false and no state change.
func (r *Registry) ApplyMove(ctx context.Context, sessionID string, pos world.Position, dir world.Vec3) (Player, bool) {
	if pos.IsSentinel() || !pos.Finite() || !dir.Finite() {
		return Player{}, false
	}

	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Player{}, false
	}
	target := r.chunks.ChunkFor(pos)
	if err := r.chunks.Ensure(ctx, target); err != nil {
		r.log.Warn("load target chunk", zap.Stringer("chunk", target), zap.Error(err))
		return Player{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.state != Active {
		return Player{}, false
	}

	s.player.Position = pos
	if dir != (world.Vec3{}) {
		s.player.Direction = dir.Normalized()
	}
	member := s.player.member()
	if target != s.chunk {
		if err := r.chunks.MovePlayer(ctx, s.chunk, target, member); err != nil {
			r.log.Warn("chunk swap", zap.String("session", s.id), zap.Error(err))
		} else {
			s.chunk = target
		}
	} else {
		r.chunks.UpdateMember(s.chunk, member)
	}

	position, direction := s.player.Position, s.player.Direction
	s.saver.enqueue(Patch{Position: &position, Direction: &direction})
	return s.player, true
}

// Disconnect ends a session. It does not wait for pending saves.
func (r *Registry) Disconnect(sessionID string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Player{}, false
	}
	r.detachLocked(s)
	r.log.Info("session ended", zap.String("session", sessionID), zap.String("user", s.player.ID))
	return s.player, true
}

func (r *Registry) detachLocked(s *Session) {
	s.state = Disconnected
	delete(r.sessions, s.id)
	r.chunks.RemovePlayer(s.chunk, s.player.ID)
	if s.saver != nil {
		s.saver.stop()
	}
}

func (r *Registry) Get(sessionID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Peer{}, false
	}
	return s.peer(), true
}

// Sessions returns every live session.
func (r *Registry) Sessions() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]Peer, 0, len(r.sessions))
	for _, s := range r.sessions {
		peers = append(peers, s.peer())
	}
	return peers
}

// Roster lists connected players ordered by username.
func (r *Registry) Roster() []Player {
	peers := r.Sessions()
	players := make([]Player, 0, len(peers))
	for _, p := range peers {
		players = append(players, p.Player)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Username != players[j].Username {
			return players[i].Username < players[j].Username
		}
		return players[i].ID < players[j].ID
	})
	return players
}

// FlushAll writes the current position of every live session.
func (r *Registry) FlushAll(ctx context.Context) error {
	var errs []error
	for _, p := range r.Sessions() {
		pos, dir := p.Player.Position, p.Player.Direction
		if _, err := r.users.Update(ctx, p.Player.ID, Patch{Position: &pos, Direction: &dir}); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", p.Player.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close ends every session and waits for their savers to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, s := range r.sessions {
		r.detachLocked(s)
	}
	r.mu.Unlock()
	r.savers.Wait()
}

func (r *Registry) startSaver(userID string) *saver {
	sv := &saver{
		users:   r.users,
		userID:  userID,
		log:     r.log.With(zap.String("user", userID)),
		timeout: r.saveTimeout,
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	r.savers.Add(1)
	go func() {
		defer r.savers.Done()
		sv.run()
	}()
	return sv
}

// saver writes move updates for one session in order. Only the newest
// pending patch is kept, so a slow store sees at most one write per
// session in flight plus one queued.
type saver struct {
	users   UserStore
	userID  string
	log     *zap.Logger
	timeout time.Duration

	mu      deadlock.Mutex
	pending *Patch

	signal   chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func (s *saver) enqueue(p Patch) {
	s.mu.Lock()
	s.pending = &p
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *saver) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *saver) run() {
	for {
		select {
		case <-s.signal:
			s.flush()
		case <-s.quit:
			s.flush()
			return
		}
	}
}

func (s *saver) flush() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.users.Update(ctx, s.userID, *p); err != nil {
		s.log.Warn("save position", zap.Error(err))
	}
}

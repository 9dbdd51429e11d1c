package player

import (
	"github.com/MONDERASDOR/SaverWorld/world"
)

// DefaultPosition is where new and position-less players spawn.
var DefaultPosition = world.Position{X: 500, Z: 500}

const DefaultHealth = 100

// Conn is the outbound half of a client connection.
type Conn interface {
	Send(msg any) error
	Close() error
}

// State is the lifecycle of a session. Disconnected is terminal.
type State int

const (
	Unauthenticated State = iota
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Player represents a connected player as other clients see it
type Player struct {
	ID        string         `json:"id"`
	Username  string         `json:"username"`
	Position  world.Position `json:"position"`
	Direction world.Vec3     `json:"direction"`
	Health    int            `json:"health"`
}

func (p Player) member() world.ChunkMember {
	return world.ChunkMember{ID: p.ID, Username: p.Username, Position: p.Position}
}

// Session is one live connection bound to a player. Mutable fields are
// guarded by the owning Registry.
type Session struct {
	id     string
	conn   Conn
	player Player
	chunk  world.ChunkID
	state  State
	saver  *saver
}

// Peer is a point-in-time copy of a session handed out by the Registry.
type Peer struct {
	SessionID string
	Player    Player
	Chunk     world.ChunkID
	Conn      Conn
}

func (s *Session) peer() Peer {
	return Peer{SessionID: s.id, Player: s.player, Chunk: s.chunk, Conn: s.conn}
}

// Item is one inventory stack.
type Item struct {
	Type  world.ObjectType `json:"type"`
	Count int              `json:"count"`
}

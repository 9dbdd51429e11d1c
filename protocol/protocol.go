package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MONDERASDOR/SaverWorld/world"
)

// Message types. Every envelope is a flat JSON object with a "type" field.
const (
	TypeAuth            = "auth"
	TypeUpdate          = "update"
	TypeChatMessage     = "chat_message"
	TypeHarvest         = "harvest"
	TypeAuthSuccess     = "auth_success"
	TypeAuthError       = "auth_error"
	TypePlayerJoined    = "player_joined"
	TypeExistingPlayers = "existing_players"
	TypePlayerMoved     = "player_moved"
	TypePlayerLeft      = "player_left"
	TypeWorldUpdate     = "world_update"
	TypeUpdateConfirm   = "update_confirm"
)

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Player is the wire view of a player.
type Player struct {
	ID        string         `json:"id"`
	Username  string         `json:"username"`
	Position  world.Position `json:"position"`
	Direction world.Vec3     `json:"direction"`
	Health    int            `json:"health,omitempty"`
}

// Inbound.

type Auth struct {
	Type     string `json:"type"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

type Update struct {
	Type      string          `json:"type"`
	Position  *world.Position `json:"position"`
	Direction *world.Vec3     `json:"direction,omitempty"`
}

type ChatSend struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Harvest takes an object from the sender's current chunk.
type Harvest struct {
	Type     string `json:"type"`
	ObjectID string `json:"objectId"`
}

// Outbound.

type AuthSuccess struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

type AuthError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type PlayerJoined struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

type ExistingPlayers struct {
	Type    string   `json:"type"`
	Players []Player `json:"players"`
}

type PlayerMoved struct {
	Type      string         `json:"type"`
	PlayerID  string         `json:"playerId"`
	Position  world.Position `json:"position"`
	Direction world.Vec3     `json:"direction"`
}

type PlayerLeft struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
}

type WorldUpdate struct {
	Type    string                        `json:"type"`
	Updates map[string]world.ChunkPayload `json:"updates"`
}

type UpdateConfirm struct {
	Type      string         `json:"type"`
	Position  world.Position `json:"position"`
	Direction world.Vec3     `json:"direction"`
}

// ChatEntry is one stored chat line. Timestamp is unix milliseconds.
type ChatEntry struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type ChatMessage struct {
	Type    string    `json:"type"`
	Message ChatEntry `json:"message"`
}

func NewAuthSuccess(p Player) AuthSuccess { return AuthSuccess{Type: TypeAuthSuccess, Player: p} }

func NewAuthError(reason string) AuthError { return AuthError{Type: TypeAuthError, Error: reason} }

func NewPlayerJoined(p Player) PlayerJoined { return PlayerJoined{Type: TypePlayerJoined, Player: p} }

func NewExistingPlayers(players []Player) ExistingPlayers {
	if players == nil {
		players = []Player{}
	}
	return ExistingPlayers{Type: TypeExistingPlayers, Players: players}
}

func NewPlayerMoved(id string, pos world.Position, dir world.Vec3) PlayerMoved {
	return PlayerMoved{Type: TypePlayerMoved, PlayerID: id, Position: pos, Direction: dir}
}

func NewPlayerLeft(id string) PlayerLeft { return PlayerLeft{Type: TypePlayerLeft, PlayerID: id} }

func NewWorldUpdate(updates map[string]world.ChunkPayload) WorldUpdate {
	return WorldUpdate{Type: TypeWorldUpdate, Updates: updates}
}

func NewUpdateConfirm(pos world.Position, dir world.Vec3) UpdateConfirm {
	return UpdateConfirm{Type: TypeUpdateConfirm, Position: pos, Direction: dir}
}

func NewChatMessage(e ChatEntry) ChatMessage { return ChatMessage{Type: TypeChatMessage, Message: e} }

// Decode parses one inbound message into *Auth, *Update, *ChatSend or
// *Harvest.
func Decode(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg any
	switch head.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypeUpdate:
		msg = &Update{}
	case TypeChatMessage:
		msg = &ChatSend{}
	case TypeHarvest:
		msg = &Harvest{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m := msg.(type) {
	case *Update:
		if m.Position == nil {
			return nil, fmt.Errorf("%w: update without position", ErrMalformed)
		}
	case *Harvest:
		if m.ObjectID == "" {
			return nil, fmt.Errorf("%w: harvest without objectId", ErrMalformed)
		}
	}
	return msg, nil
}

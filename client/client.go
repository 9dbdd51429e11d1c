package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"

	"github.com/MONDERASDOR/SaverWorld/protocol"
	"github.com/MONDERASDOR/SaverWorld/world"
)

var ErrClosed = errors.New("client: connection closed")

// Event is one message received from the server.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the event into one of the protocol message structs.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// Client is a single websocket connection to a world server.
type Client struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}

	writeMu   deadlock.Mutex
	closeOnce sync.Once

	errMu deadlock.Mutex
	err   error
}

func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c := &Client{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers server messages in arrival order. It is closed when the
// connection ends. Messages are dropped while the buffer is full.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Auth(userID, username string) error {
	return c.send(protocol.Auth{Type: protocol.TypeAuth, UserID: userID, Username: username})
}

func (c *Client) Move(pos world.Position, dir world.Vec3) error {
	return c.send(protocol.Update{Type: protocol.TypeUpdate, Position: &pos, Direction: &dir})
}

func (c *Client) Chat(text string) error {
	return c.send(protocol.ChatSend{Type: protocol.TypeChatMessage, Message: text})
}

// WaitFor returns the next event of type typ, discarding others.
func (c *Client) WaitFor(ctx context.Context, typ string) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				return Event{}, ErrClosed
			}
			if ev.Type == typ {
				return ev, nil
			}
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(msg any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			c.conn.Close()
			return
		}
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &head) != nil {
			continue
		}
		select {
		case c.events <- Event{Type: head.Type, Raw: data}:
		default:
			// consumer fell behind
		}
	}
}

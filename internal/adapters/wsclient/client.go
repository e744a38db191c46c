// Package wsclient is the client end of the relay websocket. It implements
// call.Signaler and hands inbound call signals and other events to callbacks.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("client closed")

const writeWait = 5 * time.Second

type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.RWMutex
	onSignal func(protocol.Signal)
	onEvent  func(t protocol.Type, raw []byte)
}

func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}, nil
}

// OnSignal receives call.offer/answer/candidate/end messages.
func (c *Client) OnSignal(fn func(protocol.Signal)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// OnEvent receives every other event (presence, errors, acks) undecoded.
func (c *Client) OnEvent(fn func(t protocol.Type, raw []byte)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Run pumps both directions until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	go c.writePump(ctx)
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err == nil {
		if sig, ok := msg.(protocol.Signal); ok {
			c.mu.RLock()
			fn := c.onSignal
			c.mu.RUnlock()
			if fn != nil {
				fn(sig)
			}
			return
		}
	}
	var env struct {
		Type protocol.Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "wsclient").Msg("bad event")
		return
	}
	c.mu.RLock()
	fn := c.onEvent
	c.mu.RUnlock()
	if fn != nil {
		fn(env.Type, data)
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "wsclient").Msg("write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Identify(ctx context.Context, user domain.UserID) error {
	return c.write(ctx, struct {
		Type   protocol.Type `json:"type"`
		UserID domain.UserID `json:"userId"`
	}{protocol.TypeIdentify, user})
}

// JoinRoom implements call.Signaler.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.write(ctx, struct {
		Type   protocol.Type `json:"type"`
		RoomID string        `json:"roomId"`
	}{protocol.TypeCallJoin, roomID})
}

// Send implements call.Signaler.
func (c *Client) Send(ctx context.Context, sig protocol.Signal) error {
	return c.write(ctx, sig)
}

func (c *Client) JoinWorld(ctx context.Context, world domain.WorldID, profile domain.Profile) error {
	return c.write(ctx, struct {
		Type    protocol.Type  `json:"type"`
		WorldID domain.WorldID `json:"worldId"`
		User    domain.Profile `json:"user"`
	}{protocol.TypeWorldJoin, world, profile})
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/webrtc-meet/model"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024

	// Heartbeats run strictly faster than the server's 30s eviction
	// timeout, leaving margin for at least two lost heartbeats.
	heartbeatInterval = 10 * time.Second
)

// Callbacks receive server messages as they arrive on the signaling
// channel. All of them are invoked from a single goroutine, in arrival
// order; nil callbacks are skipped.
type Callbacks struct {
	OnRoomState  func(state *model.MeetingState)
	OnWhiteboard func(elements []model.Element, appState json.RawMessage, from string)
	OnCursor     func(msg *model.ServerMessage)
	OnError      func(errText string)
}

// Client is one attendance's signaling channel to the room coordinator.
type Client struct {
	logger    zerolog.Logger
	conn      *websocket.Conn
	meetingID string
	name      string
	cb        Callbacks

	outgoing chan model.ClientMessage

	once sync.Once
	done chan struct{}
}

// Dial connects to the meeting's signaling endpoint, announces the join and
// starts the heartbeat cadence. serverURL is the http(s) base of the
// signaling server.
func Dial(ctx context.Context, serverURL, meetingID, name string, cb Callbacks, logger *zerolog.Logger) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/meetings/" + meetingID + "/websocket"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		logger:    logger.With().Str("component", "meeting-client").Str("meetingID", meetingID).Logger(),
		conn:      conn,
		meetingID: meetingID,
		name:      name,
		cb:        cb,
		outgoing:  make(chan model.ClientMessage, 16),
		done:      make(chan struct{}),
	}

	go c.readPump()
	go c.writePump()

	c.Send(model.ClientMessage{Type: model.TypeUserJoin, Name: name})
	return c, nil
}

// Send queues one message for delivery. Messages sent after the channel
// closed are dropped.
func (c *Client) Send(msg model.ClientMessage) {
	select {
	case c.outgoing <- msg:
	case <-c.done:
	}
}

// SendTrackUpdate announces a partial track-state change.
func (c *Client) SendTrackUpdate(update model.TrackStateUpdate) {
	c.Send(model.ClientMessage{Type: model.TypeUserUpdate, User: &update})
}

// SendWhiteboard ships a whiteboard delta to the coordinator.
func (c *Client) SendWhiteboard(elements []model.Element, appState json.RawMessage) {
	c.Send(model.ClientMessage{Type: model.TypeWhiteboardUpdate, Elements: elements, AppState: appState})
}

// SendCursor ships an ephemeral cursor position.
func (c *Client) SendCursor(x, y float64, tool, button string) {
	c.Send(model.ClientMessage{
		Type:   model.TypeCursorUpdate,
		X:      x,
		Y:      y,
		Name:   c.name,
		Tool:   tool,
		Button: button,
	})
}

// Leave announces the departure and closes the channel. The coordinator
// closes the socket in response to userLeave; waiting on that keeps the
// leave message from racing the shutdown.
func (c *Client) Leave() {
	c.Send(model.ClientMessage{Type: model.TypeUserLeave})
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	c.close()
}

// Done is signalled when the channel is gone, whatever the reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer c.close()

	for {
		var msg model.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("channel closed")
			} else {
				c.logger.Warn().Err(err).Msg("channel read failed")
			}
			return
		}

		switch msg.Type {
		case model.TypeRoomState:
			if c.cb.OnRoomState != nil && msg.State != nil {
				c.cb.OnRoomState(msg.State)
			}
		case model.TypeWhiteboardUpdate:
			if c.cb.OnWhiteboard != nil {
				c.cb.OnWhiteboard(msg.Elements, msg.AppState, msg.From)
			}
		case model.TypeCursorUpdate:
			if c.cb.OnCursor != nil {
				c.cb.OnCursor(&msg)
			}
		case model.TypeError:
			if c.cb.OnError != nil {
				c.cb.OnError(msg.Error)
			}
		default:
			c.logger.Debug().Str("type", msg.Type).Msg("unknown server message")
		}
	}
}

func (c *Client) writePump() {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer func() {
		heartbeat.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-heartbeat.C:
			if err := c.write(model.ClientMessage{Type: model.TypeHeartbeat}); err != nil {
				c.logger.Warn().Err(err).Msg("failed to send heartbeat")
				return
			}
		case msg := <-c.outgoing:
			if err := c.write(msg); err != nil {
				c.logger.Warn().Err(err).Msg("failed to send message")
				return
			}
		}
	}
}

func (c *Client) write(msg model.ClientMessage) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(&msg)
}

package chathub

import (
	"clinicchat/backend/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ErrUnknownCommand is reported for command frames the session cannot handle.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a frame sent by the browser.
type Command struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Typing bool   `json:"typing,omitempty"`
}

// Frame is a frame sent to the browser: the full session state, or an error
// for a failed command.
type Frame struct {
	Type    string      `json:"type"`
	State   interface{} `json:"state,omitempty"`
	Command string      `json:"command,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// sessionHandler adapts a patient or admin session to the client.
type sessionHandler interface {
	open(ctx context.Context)
	close(ctx context.Context)
	onChange(fn func())
	state() interface{}
	handle(ctx context.Context, cmd Command) error
}

type patientHandler struct {
	session *PatientSession
	user    models.Participant
}

func (h *patientHandler) open(ctx context.Context)  { h.session.Open(ctx, h.user) }
func (h *patientHandler) close(ctx context.Context) { h.session.Close(ctx) }
func (h *patientHandler) onChange(fn func())        { h.session.OnChange(fn) }
func (h *patientHandler) state() interface{}        { return h.session.State() }

func (h *patientHandler) handle(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case "request":
		return h.session.Request(ctx, h.user)
	case "send_message":
		return h.session.SendMessage(ctx, cmd.Text)
	case "typing":
		h.session.SendTyping(ctx, cmd.Typing)
	case "end":
		return h.session.End(ctx)
	case "refresh":
		h.session.Refresh(h.user)
	case "focus":
		h.session.Focus(ctx)
	case "blur":
		h.session.Blur()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	return nil
}

type adminHandler struct {
	hub  *AdminHub
	user models.Participant
}

func (h *adminHandler) open(ctx context.Context)  { h.hub.Open(ctx, h.user) }
func (h *adminHandler) close(ctx context.Context) { h.hub.Close(ctx) }
func (h *adminHandler) onChange(fn func())        { h.hub.OnChange(fn) }
func (h *adminHandler) state() interface{}        { return h.hub.State() }

func (h *adminHandler) handle(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case "approve":
		return h.hub.Approve(ctx, cmd.RoomID)
	case "deny":
		return h.hub.Deny(ctx, cmd.RoomID)
	case "close_chat":
		return h.hub.CloseChat(ctx, cmd.RoomID)
	case "cancel_chat":
		return h.hub.CancelChat(cmd.RoomID)
	case "send_message":
		return h.hub.SendMessage(ctx, cmd.RoomID, cmd.Text)
	case "typing":
		h.hub.SendTyping(ctx, cmd.RoomID, cmd.Typing)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	return nil
}

// WebSocketClient implements Client for a browser connection. It owns one
// patient session or admin hub and pushes the session state after every
// change.
type WebSocketClient struct {
	ID   string
	User models.Participant
	Conn *websocket.Conn
	Hub  *ManagerService

	handler sessionHandler
	dirty   chan struct{}
	frames  chan Frame
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	sessionMu sync.Mutex
	closed    bool
}

// NewWebSocketClient creates a client for user over conn.
func NewWebSocketClient(hub *ManagerService, conn *websocket.Conn, user models.Participant) *WebSocketClient {
	c := &WebSocketClient{
		ID:     uuid.NewString(),
		User:   user,
		Conn:   conn,
		Hub:    hub,
		dirty:  make(chan struct{}, 1),
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if user.Role == models.RoleAdmin {
		c.handler = &adminHandler{hub: hub.NewAdminHub(), user: user}
	} else {
		c.handler = &patientHandler{session: hub.NewPatientSession(), user: user}
	}
	c.handler.onChange(c.markDirty)
	return c
}

func (c *WebSocketClient) GetID() string               { return c.ID }
func (c *WebSocketClient) GetUser() models.Participant { return c.User }

// Run starts the pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close stops the pumps and closes the session.
func (c *WebSocketClient) Close() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.done)
	c.handler.close(context.Background())
}

func (c *WebSocketClient) open() bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.closed {
		return false
	}
	c.handler.open(c.ctx)
	return true
}

// markDirty coalesces state notifications; the write pump reads the latest
// state when it gets to the signal.
func (c *WebSocketClient) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *WebSocketClient) sendFrame(f Frame) {
	select {
	case c.frames <- f:
	case <-c.done:
	default:
		zap.S().Warnw("dropping frame for slow client", "clientID", c.ID, "type", f.Type)
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	if !c.open() {
		return
	}
	c.markDirty()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				zap.S().Warnw("error reading message", "clientID", c.ID, "error", err)
			}
			break
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			zap.S().Warnw("invalid command frame", "clientID", c.ID, "error", err)
			c.sendFrame(Frame{Type: "error", Error: "invalid command"})
			continue
		}

		if err := c.handler.handle(c.ctx, cmd); err != nil {
			c.sendFrame(Frame{Type: "error", Command: cmd.Type, Error: err.Error()})
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-c.dirty:
			if err := c.write(Frame{Type: "state", State: c.handler.state()}); err != nil {
				return
			}

		case f := <-c.frames:
			if err := c.write(f); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) write(f Frame) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.Conn.WriteJSON(f); err != nil {
		zap.S().Warnw("failed to write frame", "clientID", c.ID, "type", f.Type, "error", err)
		return err
	}
	return nil
}

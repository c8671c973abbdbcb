package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/pkg/ws"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	// sendBuffer bounds the per-client outbound queue; the bus-side
	// queue is bounded separately and disconnects on critical overflow.
	sendBuffer = 256
)

// publicTopics are visible to any authenticated client even though the
// events carry no owner.
var publicTopics = map[string]bool{
	events.KernelMetrics:    true,
	events.SubscriberLagged: true,
}

// Client is one WebSocket connection speaking the framed protocol.
type Client struct {
	id         string
	conn       *websocket.Conn
	hub        *Hub
	bus        bus.Bus
	auth       Authenticator
	dispatcher *ws.Dispatcher
	logger     *logger.Logger

	send     chan []byte
	done     chan struct{}
	closeOut sync.Once

	mu     sync.Mutex
	caller *ws.Caller
	token  string
	subs   map[string]bus.Subscription
}

func NewClient(id string, conn *websocket.Conn, hub *Hub, eb bus.Bus,
	auth Authenticator, dispatcher *ws.Dispatcher, log *logger.Logger) *Client {
	return &Client{
		id:         id,
		conn:       conn,
		hub:        hub,
		bus:        eb,
		auth:       auth,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("client", id)),
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		subs:       make(map[string]bus.Subscription),
	}
}

// teardown releases bus subscriptions and wakes the write pump. Safe to
// call more than once.
func (c *Client) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]bus.Subscription{}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.closeOut.Do(func() { close(c.done) })
}

// disconnect tears the connection down from outside the read pump; the
// pending read fails and the pumps exit.
func (c *Client) disconnect() {
	c.conn.Close()
}

// ReadPump consumes frames until the connection drops or a protocol
// violation forces a disconnect.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		if !c.handleFrame(ctx, message) {
			return
		}
	}
}

// WritePump drains the send queue onto the socket with keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			// Flush whatever is already queued before closing.
			for {
				select {
				case message := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame processes one frame; a false return closes the connection.
func (c *Client) handleFrame(ctx context.Context, data []byte) bool {
	frame, err := ws.ParseFrame(data)
	if err != nil {
		c.replyErr("", apperrors.BadFrame("malformed frame"))
		return false
	}

	switch frame.Type {
	case ws.CmdAuthRegister, ws.CmdAuthLogin, ws.CmdAuthToken, ws.CmdAuthMFAVerify:
		c.handleAuth(ctx, frame)
		return true
	}

	caller := c.Caller()
	if caller == nil {
		c.replyErr(frame.ID, apperrors.Unauthenticated("authenticate first"))
		return true
	}

	switch frame.Type {
	case ws.CmdAuthLogout:
		c.handleLogout(frame)
	case ws.CmdAuthMFASetup:
		c.handleMFASetup(ctx, frame, caller)
	case ws.TypeSub:
		c.handleSub(frame, *caller)
	case ws.TypeUnsub:
		c.handleUnsub(frame)
	default:
		handler, ok := c.dispatcher.Lookup(frame.Type)
		if !ok {
			c.replyErr(frame.ID, apperrors.UnknownCommand(frame.Type))
			return true
		}
		data, err := handler.Handle(ctx, *caller, frame)
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.ErrCodeInternal {
				c.logger.WithError(err).Error("command failed",
					zap.String("command", frame.Type))
			}
			c.replyErr(frame.ID, err)
			return true
		}
		c.replyOK(frame.ID, data)
	}
	return true
}

type authPayload struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	TOTP        string `json:"totp"`
	Code        string `json:"code"`
	Token       string `json:"token"`
}

func (c *Client) handleAuth(ctx context.Context, frame *ws.Frame) {
	var p authPayload
	if err := frame.DecodePayload(&p); err != nil {
		c.replyErr(frame.ID, apperrors.Validation("bad auth payload"))
		return
	}

	switch frame.Type {
	case ws.CmdAuthRegister:
		user, token, err := c.auth.Register(ctx, p.Username, p.Password, p.DisplayName)
		if err != nil {
			c.replyErr(frame.ID, err)
			return
		}
		c.setCaller(user.ID, user.Username, user.Role, token)
		c.replyOK(frame.ID, map[string]interface{}{"user": user.Public(), "token": token})

	case ws.CmdAuthLogin, ws.CmdAuthMFAVerify:
		// auth.mfa.verify on an authenticated connection activates a
		// pending factor; before authentication it is a login carrying
		// the second factor.
		if frame.Type == ws.CmdAuthMFAVerify && c.Caller() != nil {
			caller := c.Caller()
			if err := c.auth.ConfirmMFA(ctx, caller.UserID, p.Code); err != nil {
				c.replyErr(frame.ID, err)
				return
			}
			c.replyOK(frame.ID, map[string]interface{}{"mfaEnabled": true})
			return
		}
		code := p.TOTP
		if code == "" {
			code = p.Code
		}
		user, token, err := c.auth.Login(ctx, p.Username, p.Password, code)
		if err != nil {
			c.replyErr(frame.ID, err)
			return
		}
		c.setCaller(user.ID, user.Username, user.Role, token)
		c.replyOK(frame.ID, map[string]interface{}{"user": user.Public(), "token": token})

	case ws.CmdAuthToken:
		user, err := c.auth.VerifyToken(ctx, p.Token)
		if err != nil {
			c.replyErr(frame.ID, err)
			return
		}
		c.setCaller(user.ID, user.Username, user.Role, p.Token)
		c.replyOK(frame.ID, map[string]interface{}{"user": user.Public()})
	}
}

func (c *Client) handleLogout(frame *ws.Frame) {
	c.mu.Lock()
	token := c.token
	c.caller = nil
	c.token = ""
	subs := c.subs
	c.subs = map[string]bus.Subscription{}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if token != "" {
		if err := c.auth.Logout(token); err != nil {
			c.replyErr(frame.ID, err)
			return
		}
	}
	c.replyOK(frame.ID, map[string]interface{}{"loggedOut": true})
}

func (c *Client) handleMFASetup(ctx context.Context, frame *ws.Frame, caller *ws.Caller) {
	url, err := c.auth.SetupMFA(ctx, caller.UserID)
	if err != nil {
		c.replyErr(frame.ID, err)
		return
	}
	c.replyOK(frame.ID, map[string]interface{}{"otpauthUrl": url})
}

func (c *Client) handleSub(frame *ws.Frame, caller ws.Caller) {
	var p ws.SubPayload
	if err := frame.DecodePayload(&p); err != nil || p.Topic == "" {
		c.replyErr(frame.ID, apperrors.Validation("topic is required"))
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[p.Topic]; exists {
		c.mu.Unlock()
		c.replyOK(frame.ID, map[string]interface{}{"topic": p.Topic})
		return
	}
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(p.Topic, func(ctx context.Context, ev *events.Event) error {
		if !visible(caller, ev) {
			return nil
		}
		data, err := ws.EventFrame(ev.Topic, ev.Payload)
		if err != nil {
			return err
		}
		// Block until the write pump takes the frame. A saturated
		// socket backs up into the bus-side queue, where overflow
		// drops oldest, surfaces a lag sentinel, or disconnects on a
		// critical event.
		select {
		case c.send <- data:
		case <-c.done:
		}
		return nil
	},
		bus.WithName("client-"+c.id),
		bus.WithQueueSize(sendBuffer),
		bus.WithOverflow(c.disconnect),
	)
	if err != nil {
		c.replyErr(frame.ID, err)
		return
	}

	c.mu.Lock()
	c.subs[p.Topic] = sub
	c.mu.Unlock()
	c.replyOK(frame.ID, map[string]interface{}{"topic": p.Topic})
}

func (c *Client) handleUnsub(frame *ws.Frame) {
	var p ws.SubPayload
	if err := frame.DecodePayload(&p); err != nil || p.Topic == "" {
		c.replyErr(frame.ID, apperrors.Validation("topic is required"))
		return
	}
	c.mu.Lock()
	sub, ok := c.subs[p.Topic]
	delete(c.subs, p.Topic)
	c.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
	c.replyOK(frame.ID, map[string]interface{}{"topic": p.Topic})
}

// visible applies the ownership filter: owned events flow to their owner
// and to admins; ownerless events flow to admins and on public topics.
func visible(caller ws.Caller, ev *events.Event) bool {
	if caller.IsAdmin() {
		return true
	}
	if ev.OwnerUID != "" {
		return ev.OwnerUID == caller.UserID
	}
	return publicTopics[ev.Topic]
}

// Caller returns the authenticated identity, or nil.
func (c *Client) Caller() *ws.Caller {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caller == nil {
		return nil
	}
	caller := *c.caller
	return &caller
}

func (c *Client) setCaller(userID, username, role, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = &ws.Caller{UserID: userID, Username: username, Role: role}
	c.token = token
}

func (c *Client) replyOK(id string, data interface{}) {
	frame, err := ws.OK(id, data)
	if err != nil {
		c.logger.WithError(err).Error("failed to encode response")
		return
	}
	c.enqueue(frame)
}

func (c *Client) replyErr(id string, err error) {
	frame, encErr := ws.Err(id, apperrors.CodeOf(err), apperrors.MessageOf(err))
	if encErr != nil {
		c.logger.WithError(encErr).Error("failed to encode error response")
		return
	}
	c.enqueue(frame)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

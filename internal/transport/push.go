package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// PushEventType names a notify_push message.
type PushEventType string

const (
	PushFile         PushEventType = "notify_file"
	PushFileID       PushEventType = "notify_file_id"
	PushActivity     PushEventType = "notify_activity"
	PushNotification PushEventType = "notify_notification"
)

// PushEvent is one change notification. FileIDs is only set for notify_file_id.
type PushEvent struct {
	Type    PushEventType
	FileIDs []int64
}

// ErrPushAuthFailed is returned when the push server rejects the credentials.
var ErrPushAuthFailed = errors.New("push authentication failed")

// PushListener receives change notifications from the notify_push websocket.
type PushListener struct {
	url      string
	user     string
	password string
	logger   *events.Logger

	// Connection state
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// Channels
	events chan PushEvent
	errors chan error
	done   chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewPushListener creates a listener for account at wsURL.
func NewPushListener(wsURL string, account models.Account, logger *events.Logger) *PushListener {
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}

	return &PushListener{
		url:          wsURL,
		user:         account.User,
		password:     account.AppPassword,
		logger:       logger.WithField("component", "push_listener"),
		events:       make(chan PushEvent, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// SetHeartbeat overrides the ping interval and pong timeout.
func (p *PushListener) SetHeartbeat(ping, pong time.Duration) {
	p.pingInterval = ping
	p.pongTimeout = pong
}

// Connect dials, authenticates and subscribes to file ID notifications.
func (p *PushListener) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return fmt.Errorf("already connected")
	}

	p.logger.WithField("url", p.url).Info("Connecting to push server")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("push connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("push connect failed: %w", err)
	}

	if err := p.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	p.conn = conn
	p.closed = false

	go p.readLoop()
	go p.pingLoop()

	p.logger.Info("Push listener connected")
	return nil
}

// authenticate sends user and password as two text frames and waits for the verdict.
func (p *PushListener) authenticate(conn *websocket.Conn) error {
	for _, frame := range []string{p.user, p.password} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return fmt.Errorf("send credentials: %w", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(p.pongTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if text := string(reply); text != "authenticated" {
		return fmt.Errorf("%w: %s", ErrPushAuthFailed, strings.TrimPrefix(text, "err: "))
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("listen notify_file_id")); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Events returns the notification channel. It is closed when the connection ends.
func (p *PushListener) Events() <-chan PushEvent {
	return p.events
}

// Errors returns the error channel.
func (p *PushListener) Errors() <-chan error {
	return p.errors
}

// Close closes the connection.
func (p *PushListener) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.done)

	if p.conn != nil {
		_ = p.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

		err := p.conn.Close()
		p.conn = nil
		return err
	}

	return nil
}

func (p *PushListener) readLoop() {
	defer func() {
		p.Close()
		close(p.events)
		close(p.errors)
	}()

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(p.pongTimeout + p.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(p.pongTimeout + p.pingInterval))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					p.logger.WithError(err).Error("Push read error")
					p.errors <- err
				}
			}
			return
		}

		event, ok := ParsePushMessage(string(data))
		if !ok {
			p.logger.WithField("message", string(data)).Debug("Ignoring push message")
			continue
		}

		select {
		case p.events <- event:
		case <-p.done:
			return
		}
	}
}

func (p *PushListener) pingLoop() {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			conn := p.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.pongTimeout))
			}
			p.mu.Unlock()

			if conn == nil {
				return
			}
			if err != nil {
				p.logger.WithError(err).Error("Ping failed")
				return
			}

		case <-p.done:
			return
		}
	}
}

// ParsePushMessage decodes a notify_push text frame.
func ParsePushMessage(msg string) (PushEvent, bool) {
	name, body, _ := strings.Cut(strings.TrimSpace(msg), " ")

	switch PushEventType(name) {
	case PushFile, PushActivity, PushNotification:
		return PushEvent{Type: PushEventType(name)}, true
	case PushFileID:
		var ids []int64
		if err := json.Unmarshal([]byte(body), &ids); err != nil {
			return PushEvent{}, false
		}
		return PushEvent{Type: PushFileID, FileIDs: ids}, true
	default:
		return PushEvent{}, false
	}
}

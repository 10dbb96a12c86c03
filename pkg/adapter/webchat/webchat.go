// Package webchat serves an embedded WebSocket endpoint for helpdesk-style
// browser chat widgets. Each connected visitor is one chat; outbound sends
// are routed to the matching connection.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

const (
	platformName   = "webchat"
	defaultAddr    = ":9453"
	writeTimeout   = 10 * time.Second
	shutdownGrace  = 5 * time.Second
	maxFrameLength = 64 * 1024
)

// safeConn serializes writes; gorilla/websocket allows only one concurrent
// writer per connection.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.WriteJSON(v)
}

// Adapter runs its own HTTP server with a /ws upgrade endpoint and tracks
// live visitor connections by chat ID.
type Adapter struct {
	cfg          adapter.Config
	addr         string
	sharedSecret string
	log          *slog.Logger
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	started bool
	server  *http.Server
	conns   map[string]*safeConn
	sink    adapter.Sink
	ctx     context.Context
	cancel  context.CancelFunc
}

// New constructs a webchat adapter. The listen address comes from the addr
// setting; shared_secret, when set, gates webhook-injected events.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	addr := cfg.Setting("addr")
	if addr == "" {
		addr = defaultAddr
	}

	return &Adapter{
		cfg:          cfg,
		addr:         addr,
		sharedSecret: cfg.Setting("shared_secret"),
		log:          log.With("component", "adapter.webchat"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: map[string]*safeConn{},
	}, nil
}

// Register binds this adapter's factory into the registry.
func Register(r *adapter.Registry) {
	r.Register(platformName, New)
}

func (a *Adapter) Platform() string {
	return platformName
}

// Start launches the WebSocket server. Idempotent while running.
func (a *Adapter) Start(ctx context.Context, sink adapter.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	// Connections outlive the caller's request context.
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.sink = sink

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWS)
	a.server = &http.Server{Addr: a.addr, Handler: mux}

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Webchat server stopped", "error", err)
		}
	}()

	a.started = true
	a.log.Info("Webchat adapter started", "addr", a.addr)
	return nil
}

// Stop shuts the server down and drops all visitor connections.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}

	a.cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	err := a.server.Shutdown(shutdownCtx)

	for id, conn := range a.conns {
		conn.Close()
		delete(a.conns, id)
	}

	a.started = false
	a.log.Info("Webchat adapter stopped")
	return err
}

// wireFrame is the JSON envelope exchanged with the browser widget.
type wireFrame struct {
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Type       string `json:"type,omitempty"`
	Content    string `json:"content"`
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = uuid.NewString()
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameLength)

	conn := &safeConn{Conn: ws}

	a.mu.Lock()
	if prev, ok := a.conns[chatID]; ok {
		prev.Close()
	}
	a.conns[chatID] = conn
	sink := a.sink
	ctx := a.ctx
	a.mu.Unlock()

	a.log.Debug("Visitor connected", "chat_id", chatID)
	defer func() {
		a.mu.Lock()
		if a.conns[chatID] == conn {
			delete(a.conns, chatID)
		}
		a.mu.Unlock()
		conn.Close()
		a.log.Debug("Visitor disconnected", "chat_id", chatID)
	}()

	for {
		var frame wireFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.log.Warn("Visitor read error", "chat_id", chatID, "error", err)
			}
			return
		}
		frame.ChatID = chatID

		inbound := a.normalize(frame, true)
		if err := sink(ctx, inbound); err != nil {
			a.log.Error("Failed to deliver visitor message", "chat_id", chatID, "error", err)
		}
	}
}

// VerifyAndNormalize accepts webhook-injected chat frames, gated by a
// bearer shared secret when one is configured.
func (a *Adapter) VerifyAndNormalize(_ context.Context, event adapter.RawEvent) (message.Inbound, error) {
	verified := false
	if a.sharedSecret == "" {
		a.log.Warn("No shared secret configured, accepting unverified event")
	} else {
		token := strings.TrimPrefix(event.Header.Get("Authorization"), "Bearer ")
		if token != a.sharedSecret {
			return message.Inbound{}, &adapter.VerificationError{Platform: platformName, Reason: "bearer token mismatch"}
		}
		verified = true
	}

	var frame wireFrame
	if err := json.Unmarshal(event.Body, &frame); err != nil {
		return message.Inbound{}, fmt.Errorf("decode webchat frame: %w", err)
	}
	if frame.ChatID == "" {
		return message.Inbound{}, &adapter.VerificationError{Platform: platformName, Reason: "missing chatId"}
	}

	inbound := a.normalize(frame, verified)
	return inbound, nil
}

func (a *Adapter) normalize(frame wireFrame, verified bool) message.Inbound {
	senderID := frame.SenderID
	if senderID == "" {
		senderID = frame.ChatID
	}

	msgType := message.TypeText
	switch frame.Type {
	case "", "text":
	case "image":
		msgType = message.TypeImage
	case "file":
		msgType = message.TypeFile
	case "interactive":
		msgType = message.TypeInteractive
	default:
		msgType = message.TypeSystem
	}

	return message.Inbound{
		ID:         uuid.NewString(),
		BotID:      a.cfg.BotID,
		Platform:   platformName,
		ChatID:     frame.ChatID,
		SenderID:   senderID,
		SenderName: frame.SenderName,
		Timestamp:  time.Now().UTC(),
		Type:       msgType,
		Text:       frame.Content,
		Metadata:   map[string]string{message.MetaVerified: strconv.FormatBool(verified)},
	}
}

// Send pushes a frame to the visitor's live connection. A missing
// connection is terminal: the visitor left, retrying cannot help.
func (a *Adapter) Send(_ context.Context, msg message.Outbound) (message.SendAck, error) {
	a.mu.Lock()
	conn, ok := a.conns[msg.ChatID]
	a.mu.Unlock()
	if !ok {
		return message.SendAck{}, &adapter.SendError{
			Platform:  platformName,
			Retryable: false,
			Err:       fmt.Errorf("no live connection for chat %s", msg.ChatID),
		}
	}

	id := uuid.NewString()
	frame := wireFrame{ChatID: msg.ChatID, Type: "text", Content: msg.Content}
	if err := conn.writeJSON(frame); err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: true, Err: err}
	}

	return message.SendAck{MessageID: id, Platform: platformName, Timestamp: time.Now().UTC()}, nil
}

// HealthCheck reports whether the server is accepting connections.
func (a *Adapter) HealthCheck(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return errors.New("webchat server not running")
	}
	return nil
}

// StrictVerification is false: browser widgets cannot sign payloads.
func (a *Adapter) StrictVerification() bool {
	return false
}

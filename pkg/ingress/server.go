// Package ingress exposes the gateway's HTTP surface: the per-bot webhook
// endpoints that platforms deliver events to, and the management API for
// bot lifecycle, outbound sends, and runtime stats.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
	"chatgate/pkg/pipeline"
	"chatgate/pkg/platform"
	"chatgate/pkg/registry"
	"chatgate/pkg/router"
	"chatgate/pkg/store"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Server wires the webhook dispatcher and management API over the gateway's
// core components.
type Server struct {
	reg     *registry.Registry
	router  *router.Router
	states  *platform.States
	store   store.Store
	pipe    pipeline.Pipeline
	healthy func() bool
	log     *slog.Logger
}

// New builds the HTTP server facade. healthy backs /readyz.
func New(reg *registry.Registry, rt *router.Router, states *platform.States, st store.Store, pipe pipeline.Pipeline, healthy func() bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		reg:     reg,
		router:  rt,
		states:  states,
		store:   st,
		pipe:    pipe,
		healthy: healthy,
		log:     log.With("component", "ingress"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.HandleFunc("/webhook/{platform}/{botID}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/bots", s.handleCreateBot)
		r.Get("/bots", s.handleListBots)
		r.Get("/bots/{botID}", s.handleGetBot)
		r.Post("/bots/{botID}/start", s.handleStartBot)
		r.Post("/bots/{botID}/stop", s.handleStopBot)
		r.Post("/bots/{botID}/messages", s.handleSendMessage)
		r.Get("/stats", s.handleStats)
	})

	return r
}

type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respond(w, statusFor(err), apiResponse{Success: false, Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var validation *registry.ValidationError
	var sendErr *adapter.SendError

	switch {
	case errors.As(err, &validation), errors.Is(err, adapter.ErrUnsupportedPlatform):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, router.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, platform.ErrRateLimited), errors.Is(err, platform.ErrBusy):
		return http.StatusTooManyRequests
	case errors.As(err, &sendErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Webhook dispatch

// handleWebhook routes one platform delivery to its bot's adapter. The
// response to the platform is decoupled from pipeline delivery: once the
// event verifies, the platform gets 200 and forwarding happens in the
// background.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platformName := chi.URLParam(r, "platform")
	botID := chi.URLParam(r, "botID")

	rb, ok := s.reg.Running(botID)
	if !ok {
		s.respond(w, http.StatusNotFound, apiResponse{Success: false, Error: "bot not running"})
		return
	}
	if rb.Platform != platformName {
		s.respond(w, http.StatusNotFound, apiResponse{Success: false, Error: "platform mismatch"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.respond(w, http.StatusBadRequest, apiResponse{Success: false, Error: "unreadable body"})
		return
	}

	event := adapter.RawEvent{Body: body, Header: r.Header, Query: r.URL.Query()}

	// Subscription handshakes (Slack url_verification, Meta hub.challenge)
	// are answered before any normalization.
	if challenger, ok := rb.Adapter.(adapter.ChallengeResponder); ok {
		if answer, handled := challenger.Challenge(event); handled {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			w.Write(answer)
			return
		}
	}

	inbound, err := rb.Adapter.VerifyAndNormalize(r.Context(), event)
	if err != nil {
		if errors.Is(err, adapter.ErrIgnoreEvent) {
			s.respond(w, http.StatusOK, apiResponse{Success: true})
			return
		}

		var verification *adapter.VerificationError
		if errors.As(err, &verification) && !rb.Adapter.StrictVerification() {
			// Tolerant platforms get a 200 so they stop retrying; the
			// event itself is dropped.
			s.log.Warn("Dropping unverifiable event", "bot_id", botID, "platform", platformName, "reason", verification.Reason)
			s.respond(w, http.StatusOK, apiResponse{Success: true})
			return
		}

		s.log.Warn("Webhook rejected", "bot_id", botID, "platform", platformName, "error", err)
		s.respond(w, http.StatusUnauthorized, apiResponse{Success: false, Error: "verification failed"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
		defer cancel()
		if err := s.pipe.Submit(ctx, inbound); err != nil {
			s.log.Error("Pipeline submit failed", "bot_id", botID, "platform", platformName,
				"message_id", inbound.ID, "error", err)
		}
	}()

	s.respond(w, http.StatusOK, apiResponse{Success: true})
}

// Management API

type createBotRequest struct {
	TenantID    string            `json:"tenantId"`
	Name        string            `json:"name"`
	Platform    string            `json:"platform"`
	Credentials string            `json:"credentials"`
	WebhookURL  string            `json:"webhookUrl"`
	Settings    map[string]string `json:"settings"`
	AutoStart   bool              `json:"autoStart"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, apiResponse{Success: false, Error: "invalid request body"})
		return
	}

	bot, err := s.reg.CreateBot(r.Context(), registry.NewBot{
		TenantID:    req.TenantID,
		Name:        req.Name,
		Platform:    req.Platform,
		Credentials: req.Credentials,
		WebhookURL:  req.WebhookURL,
		Settings:    req.Settings,
		AutoStart:   req.AutoStart,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respond(w, http.StatusCreated, apiResponse{Success: true, Data: bot})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, apiResponse{Success: true, Data: bots})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.store.GetBot(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, apiResponse{Success: true, Data: bot})
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if err := s.reg.StartBot(r.Context(), botID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, apiResponse{Success: true, Data: map[string]string{"botId": botID, "status": "running"}})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if err := s.reg.StopBot(r.Context(), botID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, apiResponse{Success: true, Data: map[string]string{"botId": botID, "status": "stopped"}})
}

type sendMessageRequest struct {
	ChatID      string `json:"chatId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	Options     struct {
		Platform     string `json:"platform"`
		HighPriority bool   `json:"highPriority"`
		ReplyToID    string `json:"replyToId"`
		ThreadID     string `json:"threadId"`
		Format       string `json:"format"`
	} `json:"options"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, apiResponse{Success: false, Error: "invalid request body"})
		return
	}
	if req.ChatID == "" || req.Content == "" {
		s.respond(w, http.StatusBadRequest, apiResponse{Success: false, Error: "chatId and content are required"})
		return
	}

	msgType := message.TypeText
	if req.MessageType != "" {
		msgType = message.Type(req.MessageType)
	}

	ack, err := s.router.Send(r.Context(), chi.URLParam(r, "botID"), message.Outbound{
		ChatID:  req.ChatID,
		Content: req.Content,
		Type:    msgType,
		Options: message.Options{
			Platform:     req.Options.Platform,
			HighPriority: req.Options.HighPriority,
			ReplyToID:    req.Options.ReplyToID,
			ThreadID:     req.Options.ThreadID,
			Format:       req.Options.Format,
		},
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respond(w, http.StatusOK, apiResponse{Success: true, Data: ack})
}

type statsResponse struct {
	RunningBots int                 `json:"runningBots"`
	Healthy     bool                `json:"healthy"`
	Platforms   []platform.Snapshot `json:"platforms"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, apiResponse{Success: true, Data: statsResponse{
		RunningBots: s.reg.RunningCount(),
		Healthy:     s.healthy(),
		Platforms:   s.states.Snapshots(),
	}})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, apiResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.healthy() {
		s.respond(w, http.StatusServiceUnavailable, apiResponse{Success: false, Error: "degraded"})
		return
	}
	s.respond(w, http.StatusOK, apiResponse{Success: true, Data: map[string]string{"status": "ready"}})
}

// Package gateway assembles the full service: store, adapter registry,
// platform runtime state, bot registry, outbound router, health monitor,
// and the HTTP ingress server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatgate/pkg/adapter"
	"chatgate/pkg/adapter/discord"
	"chatgate/pkg/adapter/line"
	"chatgate/pkg/adapter/slack"
	"chatgate/pkg/adapter/teams"
	"chatgate/pkg/adapter/telegram"
	"chatgate/pkg/adapter/telegramapi"
	"chatgate/pkg/adapter/webchat"
	"chatgate/pkg/adapter/whatsapp"
	"chatgate/pkg/config"
	"chatgate/pkg/health"
	"chatgate/pkg/ingress"
	"chatgate/pkg/message"
	"chatgate/pkg/pipeline"
	"chatgate/pkg/platform"
	"chatgate/pkg/registry"
	"chatgate/pkg/router"
	"chatgate/pkg/store"
)

const (
	defaultHost     = "0.0.0.0"
	defaultPort     = 8790
	shutdownTimeout = 10 * time.Second
)

// Service owns the wired components and their lifecycles.
type Service struct {
	cfg     *config.Config
	log     *slog.Logger
	store   store.Store
	states  *platform.States
	reg     *registry.Registry
	router  *router.Router
	monitor *health.Monitor
	ingress *ingress.Server
	pipe    pipeline.Pipeline
}

// NewService wires every component from the configuration. The store path
// selects SQLite or in-memory persistence; the pipeline URL selects HTTP
// forwarding or log-only delivery.
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	var (
		st  store.Store
		err error
	)
	if path := strings.TrimSpace(cfg.Store.Path); path != "" {
		st, err = store.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	} else {
		st = store.NewMemoryStore()
	}

	adapters := adapter.NewRegistry()
	telegram.Register(adapters)
	telegramapi.Register(adapters)
	discord.Register(adapters)
	slack.Register(adapters)
	teams.Register(adapters)
	line.Register(adapters)
	whatsapp.Register(adapters)
	webchat.Register(adapters)

	limits := make(map[string]platform.Limits, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		limits[name] = platform.Limits{
			MessagesPerSecond: pc.MessagesPerSecond,
			MaxConcurrent:     pc.MaxConcurrent,
			Priority:          pc.Priority,
		}
	}
	states := platform.NewStates(limits)

	var pipe pipeline.Pipeline
	if cfg.Pipeline.URL != "" {
		pipe = pipeline.NewHTTPForwarder(cfg.Pipeline.URL, cfg.PipelineTimeout())
	} else {
		pipe = pipeline.NewLogSink(log)
	}

	// Polling and socket adapters push inbound messages straight into the
	// pipeline; webhook adapters reach it through the ingress handler.
	sink := adapter.Sink(func(ctx context.Context, msg message.Inbound) error {
		return pipe.Submit(ctx, msg)
	})

	reg := registry.New(st, adapters, sink, log)
	rt := router.New(reg, states, cfg.SendTimeout(), log)
	monitor := health.New(reg.AdaptersByPlatform, states, cfg.HealthInterval(), cfg.ProbeTimeout(), log)
	srv := ingress.New(reg, rt, states, st, pipe, monitor.Healthy, log)

	return &Service{
		cfg:     cfg,
		log:     log.With("component", "gateway.service"),
		store:   st,
		states:  states,
		reg:     reg,
		router:  rt,
		monitor: monitor,
		ingress: srv,
		pipe:    pipe,
	}, nil
}

// Registry exposes the bot registry, used by CLI subcommands.
func (s *Service) Registry() *registry.Registry {
	return s.reg
}

// Run seeds configured bots, starts autostart bots, and serves HTTP until
// ctx is cancelled or the server fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.seedBots(ctx); err != nil {
		return err
	}

	started := s.reg.StartConfiguredBots(ctx)
	s.log.Info("Autostart complete", "started", started)

	serverErrors := make(chan error, 1)
	server := s.buildServer()

	go func() {
		s.log.Info("Gateway server started", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("serve gateway: %w", err)
		}
	}()

	go s.monitor.Run(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.reg.StopAllBots(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Server shutdown incomplete", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("Store close failed", "error", err)
	}

	return runErr
}

func (s *Service) buildServer() *http.Server {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	return &http.Server{
		Addr:              host + ":" + strconv.Itoa(port),
		Handler:           s.ingress.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// seedBots creates the bots declared in the config file when they do not
// exist yet, matched by tenant, name, and platform. Existing records keep
// their stored state; seeding never overwrites.
func (s *Service) seedBots(ctx context.Context) error {
	for _, seed := range s.cfg.Bots {
		existing, err := s.store.ListBots(ctx, seed.TenantID)
		if err != nil {
			return fmt.Errorf("list bots for seeding: %w", err)
		}

		found := false
		for _, bot := range existing {
			if bot.Name == seed.Name && bot.Platform == seed.Platform {
				found = true
				break
			}
		}
		if found {
			continue
		}

		bot, err := s.reg.CreateBot(ctx, registry.NewBot{
			TenantID:    seed.TenantID,
			Name:        seed.Name,
			Platform:    seed.Platform,
			Credentials: seed.Credentials,
			WebhookURL:  seed.WebhookURL,
			Settings:    seed.Settings,
			AutoStart:   seed.AutoStart,
		})
		if err != nil {
			s.log.Error("Failed to seed bot", "name", seed.Name, "platform", seed.Platform, "error", err)
			continue
		}
		s.log.Info("Bot seeded from config", "bot_id", bot.ID, "name", bot.Name, "platform", bot.Platform)
	}

	return nil
}

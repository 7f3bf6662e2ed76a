package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pinghub/internal/audit"
	"pinghub/internal/auth"
	"pinghub/internal/directory"
	"pinghub/internal/groups"
	"pinghub/internal/messaging"
	"pinghub/internal/middleware"
	"pinghub/internal/presence"
	"pinghub/internal/session"
	"pinghub/internal/websocket"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	Addr        string
	ClientURL   string
	Secret      string
	TokenTTL    time.Duration
	TLSCertFile string
	TLSKeyFile  string
	BcryptCost  int

	Session        session.Config
	JoinRequestTTL time.Duration
	Client         websocket.ClientConfig
	RateLimit      middleware.RateLimitConfig
}

// Server owns every long-lived component. ctx bounds their lifetime and the
// work done on behalf of connections.
type Server struct {
	ctx       context.Context
	cfg       Config
	db        *gorm.DB
	store     *directory.Store
	registry  *presence.Registry
	hub       *websocket.Hub
	workflow  *groups.Workflow
	handler   *websocket.MessageHandler
	engine    *gin.Engine
	log       *slog.Logger
	startedAt time.Time
}

func NewServer(ctx context.Context, cfg Config, db *gorm.DB, log *slog.Logger) *Server {
	if cfg.Session.MinPasswordLength <= 0 {
		cfg.Session.MinPasswordLength = session.DefaultConfig.MinPasswordLength
	}
	if cfg.Session.HistoryLimit <= 0 {
		cfg.Session.HistoryLimit = session.DefaultConfig.HistoryLimit
	}
	if cfg.Session.PinnedLimit <= 0 {
		cfg.Session.PinnedLimit = session.DefaultConfig.PinnedLimit
	}

	store := directory.NewStore(db)
	auditor := audit.NewAuditService(db)
	registry := presence.NewRegistry(log)
	hub := websocket.NewHub(registry, log)
	broadcaster := presence.NewBroadcaster(store, registry, hub, log)
	tokens := auth.NewTokens(cfg.Secret, cfg.TokenTTL)
	authService := auth.NewAuthService(store, cfg.Session.MinPasswordLength)
	if cfg.BcryptCost > 0 {
		authService.WithCost(cfg.BcryptCost)
	}

	groupService := groups.NewService(store, hub, registry, auditor, log)
	workflow := groups.NewWorkflow(store, hub, registry, auditor, cfg.JoinRequestTTL, log)
	gateway := session.NewGateway(session.Deps{
		Directory:   store,
		Auth:        authService,
		Tokens:      tokens,
		Registry:    registry,
		Groups:      groupService,
		Router:      hub,
		Broadcaster: broadcaster,
		Audit:       auditor,
	}, cfg.Session, log)
	messages := messaging.NewService(store, hub, registry, cfg.Session.HistoryLimit, log)

	handler := websocket.NewMessageHandler(hub, websocket.HandlerDeps{
		Gateway:     gateway,
		Broadcaster: broadcaster,
		Groups:      groupService,
		Workflow:    workflow,
		Messaging:   messages,
	}, cfg.Client, log)

	s := &Server{
		ctx:       ctx,
		cfg:       cfg,
		db:        db,
		store:     store,
		registry:  registry,
		hub:       hub,
		workflow:  workflow,
		handler:   handler,
		log:       log.With(slog.String("component", "api")),
		startedAt: time.Now(),
	}

	if s.cfg.RateLimit.RequestsPerSecond <= 0 {
		s.cfg.RateLimit = middleware.StandardRateLimit
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	NewRouter(s, broadcaster, groupService, auditor, auth.NewAuthMiddleware(tokens)).RegisterRoutes(engine)
	s.engine = engine
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then drains HTTP and closes every websocket.
func (s *Server) Run() error {
	if reset, err := s.store.ResetPresence(s.ctx); err != nil {
		s.log.Error("Failed to reset presence", slog.Any("error", err))
	} else if reset > 0 {
		s.log.Info("Reset stale presence", slog.Int64("users", reset))
	}
	go s.workflow.Run(s.ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			s.log.Info("Listening with TLS", slog.String("addr", s.cfg.Addr))
			err = srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			s.log.Info("Listening", slog.String("addr", s.cfg.Addr))
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-s.ctx.Done():
	}

	s.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	closed := s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("Server stopped", slog.Int("websockets", closed))
	return nil
}

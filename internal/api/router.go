package api

import (
	"net/http"
	"time"

	"pinghub/internal/audit"
	a "pinghub/internal/auth"
	"pinghub/internal/groups"
	"pinghub/internal/middleware"
	"pinghub/internal/presence"
	"pinghub/internal/storage"

	"github.com/gin-gonic/gin"
)

type Router struct {
	wh      *WebSocketHandler
	uh      *UserHandlers
	gh      *GroupHandlers
	mh      *MessageHandlers
	adh     *AuditHandlers
	am      *a.AuthMiddleware
	limiter *middleware.IPRateLimiter
	probe   *processProbe
	s       *Server
}

func NewRouter(s *Server, broadcaster *presence.Broadcaster, groupService *groups.Service, auditor *audit.AuditService, am *a.AuthMiddleware) *Router {
	return &Router{
		wh:      NewWebSocketHandler(s.ctx, s.cfg.ClientURL, s.handler, s.hub, s.registry, s.log),
		uh:      NewUserHandlers(s.store, broadcaster),
		gh:      NewGroupHandlers(groupService),
		mh:      NewMessageHandlers(s.store, s.cfg.Session.HistoryLimit),
		adh:     NewAuditHandlers(auditor, s.store),
		am:      am,
		limiter: middleware.NewIPRateLimiter(s.ctx, s.cfg.RateLimit),
		probe:   newProcessProbe(s.log),
		s:       s,
	}
}

func (r *Router) RegisterRoutes(router *gin.Engine) {
	{
		unprotected := router.Group("/")
		unprotected.GET("/hc", HealthCheckHandler)
		unprotected.GET("/ws", r.wh.HandleWebSocket)
	}

	api := router.Group("/api")
	api.Use(middleware.RateLimitMiddleware(r.limiter))
	{
		api.GET("/health", r.HealthHandler)
		api.GET("/users/online", r.uh.OnlineUsersHandler)
		api.GET("/users/all", r.uh.AllUsersHandler)
		api.GET("/groups", r.gh.PublicGroupsHandler)
		api.GET("/messages", r.mh.RecentMessagesHandler)
	}

	{
		protected := api.Group("")
		protected.Use(r.am.RequireAuth())
		protected.GET("/users/:userId", r.uh.GetUserHandler)
		protected.PATCH("/messages/:messageId/pin", r.mh.PinMessageHandler)
		protected.GET("/audit", r.adh.GetAuditLogsHandler)
		protected.GET("/ws/info", r.wh.GetConnectionInfo)
	}
}

func HealthCheckHandler(c *gin.Context) {
	c.String(http.StatusOK, "Running")
}

type HealthResponse struct {
	Status      string        `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	Uptime      float64       `json:"uptime"`
	OnlineUsers int           `json:"onlineUsers"`
	Connections int           `json:"connections"`
	Database    string        `json:"database"`
	Process     *ProcessStats `json:"process,omitempty"`
}

func (r *Router) HealthHandler(c *gin.Context) {
	response := HealthResponse{
		Status:      "OK",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(r.s.startedAt).Seconds(),
		OnlineUsers: len(r.s.registry.Snapshot()),
		Connections: r.s.hub.ClientCount(),
		Database:    "connected",
		Process:     r.probe.Stats(),
	}

	if err := storage.Ping(r.s.db); err != nil {
		response.Status = "DEGRADED"
		response.Database = "disconnected"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

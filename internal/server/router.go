package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ecg-server/internal/auth"
	"ecg-server/internal/handler"
	"ecg-server/internal/hub"
	"ecg-server/internal/middleware"
)

type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Sessions    handler.SessionService
	Readings    handler.ReadingCounter
	Devices     handler.DeviceLister
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	CORSOrigins []string
	// CommandLimiter is optional and owned by the caller, which stops it.
	CommandLimiter *middleware.RateLimiter
	HealthChecks   []HealthCheck
	Logger         *slog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(deps.CORSOrigins)))
	}

	r.GET("/health", healthHandler(deps.HealthChecks))

	requireAuth := middleware.RequireAuth(deps.TokenConfig)

	control := &handler.ControlHandler{Sessions: deps.Sessions, Readings: deps.Readings, Logger: deps.Logger}
	api := r.Group("/api")
	api.Use(requireAuth)

	mqttGroup := api.Group("/mqtt")
	if deps.CommandLimiter != nil {
		mqttGroup.Use(middleware.RateLimitMiddleware(deps.CommandLimiter, middleware.PairKey))
	}
	mqttGroup.POST("/start/:doctorId/:patientId", control.Start)
	mqttGroup.POST("/stop/:doctorId/:patientId", control.Stop)

	api.GET("/sessions/:id", control.Get)

	if deps.Devices != nil {
		devices := &handler.DeviceHandler{Devices: deps.Devices, Logger: deps.Logger}
		api.GET("/devices", devices.List)
	}

	live := &handler.LiveHandler{Hub: deps.Hub, Logger: deps.Logger}
	r.GET("/ws/ecg/:doctorId/:patientId", requireAuth, live.Serve)
	r.GET("/ws/ecg/:doctorId/:patientId/", requireAuth, live.Serve)
	r.GET("/ws/live/:doctorId/:patientId", requireAuth, live.Serve)
	r.GET("/ws/live/:doctorId/:patientId/", requireAuth, live.Serve)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func healthHandler(checks []HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		components := gin.H{}
		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				components[hc.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[hc.Name] = "ok"
		}
		c.JSON(status, gin.H{"ok": status == http.StatusOK, "components": components})
	}
}

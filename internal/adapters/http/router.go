package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/dkeye/roomlink/internal/adapters/signal"
	"github.com/dkeye/roomlink/internal/app/orch"
	"github.com/dkeye/roomlink/internal/auth"
	"github.com/dkeye/roomlink/internal/config"
	roomshttp "github.com/dkeye/roomlink/internal/transport/http"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const (
	clientTokenKey = "client_token"
	sessionName    = "RoomlinkSessions"
	serviceName    = "roomlink"
)

// ClientTokenMiddleware pins a random client token to the cookie session.
// Guests on the signal socket are keyed by it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// BearerUserMiddleware verifies an optional bearer token and stores its
// user. A present but invalid token is rejected.
func BearerUserMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed authorization header"})
			return
		}
		user, err := auth.Verify(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(roomshttp.UserKey, user)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, reg *prometheus.Registry) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")

	ctrl := signal.NewSignalWSController(o, cfg)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	rooms := &roomshttp.RoomHandlers{Rooms: o.Rooms, Evict: o.EvictRoom}
	rooms.Register(api.Group("", BearerUserMiddleware([]byte(cfg.Secret))))

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Bool("metrics", reg != nil).Msg("router setup")
	return r
}

package server

import (
	"github.com/danmuck/livemirror/internal/observability"
	"github.com/danmuck/livemirror/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// newRouter builds the HTTP surface: the websocket peer endpoint and the
// prometheus scrape endpoint.
func newRouter(hub *transport.Hub, cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())

	r.GET("/ws", gin.WrapH(transport.WebSocketHandler(hub, transport.WebSocketConfig{
		WriteTimeout:   cfg.WriteTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})))
	r.GET("/metrics", gin.WrapH(observability.Handler()))
	return r
}

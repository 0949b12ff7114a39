package main

import (
	"github.com/Qarib2004/rentcar-sub001/internal/httpapi"
	"github.com/Qarib2004/rentcar-sub001/internal/metrics"
	"github.com/Qarib2004/rentcar-sub001/internal/realtime"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	Handlers httpapi.Handlers
	AuthMW   gin.HandlerFunc
	Gateway  *realtime.Gateway
	Metrics  *metrics.Metrics
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", httpapi.Health)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	// The realtime handshake authenticates its own token query parameter.
	r.GET("/ws", gin.WrapH(d.Gateway))

	d.Handlers.Mount(r, d.AuthMW)
}

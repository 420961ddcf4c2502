package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewRouter wires the read-only introspection endpoints. metrics may be nil.
func NewRouter(health *HealthController, portfolio *PortfolioController, activity *ActivityController, metrics http.Handler, logger *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/health", health.HandleHealth)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/holdings", portfolio.HandleGetHoldings)
		v1.GET("/trades", portfolio.HandleGetTrades)

		v1.GET("/journal", activity.HandleListActivityLogs)
		v1.GET("/journal/today", activity.HandleGetCurrentActivity)
		v1.GET("/journal/:date", activity.HandleGetActivityByDate)
	}

	return router
}

// requestLogger logs each request through logrus
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if logger == nil {
			return
		}
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}

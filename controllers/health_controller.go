package controllers

import (
	"net/http"
	"time"

	"ivrank-trader/services"

	"github.com/gin-gonic/gin"
)

// EngineStatus reports what the trading loop is doing
type EngineStatus interface {
	State() services.SchedulerState
}

// BreakerStatus reports the market data breaker state
type BreakerStatus interface {
	State() string
}

// HealthController answers liveness probes
type HealthController struct {
	engine  EngineStatus
	breaker BreakerStatus
	started time.Time
}

// NewHealthController creates a new health controller. breaker may be nil.
func NewHealthController(engine EngineStatus, breaker BreakerStatus) *HealthController {
	return &HealthController{
		engine:  engine,
		breaker: breaker,
		started: time.Now(),
	}
}

// HandleHealth reports liveness and the engine state
// GET /health
func (hc *HealthController) HandleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"state":  hc.engine.State(),
		"uptime": time.Since(hc.started).Round(time.Second).String(),
	}
	if hc.breaker != nil {
		resp["market_data_breaker"] = hc.breaker.State()
	}

	c.JSON(http.StatusOK, resp)
}

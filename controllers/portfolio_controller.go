package controllers

import (
	"net/http"

	"ivrank-trader/services"

	"github.com/gin-gonic/gin"
)

// PortfolioController exposes the simulated ledger read-only
type PortfolioController struct {
	portfolio *services.PortfolioManager
}

// NewPortfolioController creates a new portfolio controller
func NewPortfolioController(portfolio *services.PortfolioManager) *PortfolioController {
	return &PortfolioController{
		portfolio: portfolio,
	}
}

// HandleGetHoldings lists every open holding
// GET /api/v1/holdings
func (pc *PortfolioController) HandleGetHoldings(c *gin.Context) {
	holdings, err := pc.portfolio.GetHoldings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load holdings",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":    len(holdings),
		"holdings": holdings,
	})
}

// HandleGetTrades lists the trade history, newest first
// GET /api/v1/trades?symbol=NIFTY28AUG2524500CE
func (pc *PortfolioController) HandleGetTrades(c *gin.Context) {
	trades, err := pc.portfolio.GetTradeHistory(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load trade history",
			"details": err.Error(),
		})
		return
	}

	if symbol := c.Query("symbol"); symbol != "" {
		filtered := trades[:0]
		for _, t := range trades {
			if t.Symbol == symbol {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(trades),
		"trades": trades,
	})
}

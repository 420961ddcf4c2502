package controllers

import (
	"errors"
	"net/http"

	"ivrank-trader/services"

	"github.com/gin-gonic/gin"
)

// ActivityController serves the daily decision journal
type ActivityController struct {
	activityLogger *services.ActivityLogger
}

// NewActivityController creates a new activity controller
func NewActivityController(activityLogger *services.ActivityLogger) *ActivityController {
	return &ActivityController{
		activityLogger: activityLogger,
	}
}

// HandleGetCurrentActivity returns the current day's journal
func (ac *ActivityController) HandleGetCurrentActivity(c *gin.Context) {
	log, err := ac.activityLogger.GetCurrentLog()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, log)
}

// HandleGetActivityByDate returns the journal for a specific date
func (ac *ActivityController) HandleGetActivityByDate(c *gin.Context) {
	date := c.Param("date")

	log, err := ac.activityLogger.GetLogForDate(date)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, services.ErrNoJournal) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, log)
}

// HandleListActivityLogs returns list of available journal dates
func (ac *ActivityController) HandleListActivityLogs(c *gin.Context) {
	dates, err := ac.activityLogger.ListAvailableLogs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dates": dates,
		"count": len(dates),
	})
}

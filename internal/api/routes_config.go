package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/config"
	"github.com/energizer-project/teebridge/internal/events"
)

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Redacted())
}

type bridgeFieldRequest struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value"`
}

// handleSetBridgeField updates one bridge setting. The new value is
// validated and saved, and takes effect on the next start.
func (s *Server) handleSetBridgeField(c *gin.Context) {
	var req bridgeFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetBridgeData()
	if err := s.cfg.UpdateBridgeField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetBridgeData(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "bridge_data",
			Key:     req.Key,
			Value:   req.Value,
		},
	})

	user, _ := c.Get("api_user")
	log.Info().Str("key", req.Key).Interface("user", user).Msg("API: bridge setting updated")

	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"restart_required": true,
		"bridge_data":      s.cfg.GetBridgeData(),
	})
}

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/bridge"
	"github.com/energizer-project/teebridge/internal/network"
)

type kickRequest struct {
	Reason string `json:"reason"`
}

// handleKick disconnects a real client and tears down its session.
func (s *Server) handleKick(c *gin.Context) {
	realID, err := strconv.Atoi(c.Param("real_id"))
	if err != nil || realID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid real id"})
		return
	}

	var req kickRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	switch err := s.bridge.Kick(realID, req.Reason); {
	case errors.Is(err, network.ErrUnknownClient):
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found", "real_id": realID})
		return
	case errors.Is(err, bridge.ErrCommandQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	user, _ := c.Get("api_user")
	log.Info().
		Int("real_id", realID).
		Str("reason", req.Reason).
		Interface("user", user).
		Msg("API: client kicked")

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "kicking",
		"real_id": realID,
	})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/teebridge/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": Version,
	})
}

// handleGetInfo returns basic bridge and host information.
func (s *Server) handleGetInfo(c *gin.Context) {
	bd := s.cfg.GetBridgeData()
	sysInfo := util.GetSystemInfo()
	stats := s.bridge.Stats()

	c.JSON(http.StatusOK, gin.H{
		"version":         Version,
		"listen_address":  bd.ListenAddress,
		"target_address":  bd.TargetAddress,
		"max_sessions":    bd.MaxSessions,
		"sessions":        stats.Sessions,
		"uptime_sec":      int64(stats.Uptime.Seconds()),
		"hostname":        sysInfo.Hostname,
		"platform":        sysInfo.OS,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}

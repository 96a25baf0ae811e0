package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/teebridge/internal/util"
)

// handleGetSessions lists live sessions ordered by fake id.
func (s *Server) handleGetSessions(c *gin.Context) {
	sessions := s.bridge.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleGetSession returns one session by fake id.
func (s *Server) handleGetSession(c *gin.Context) {
	fakeID, err := strconv.ParseInt(c.Param("fake_id"), 10, 64)
	if err != nil || fakeID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fake id"})
		return
	}

	info, ok := s.bridge.Session(fakeID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "fake_id": fakeID})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleGetStats returns the cumulative bridge counters.
func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.bridge.Stats())
}

// handleGetCPUUsage returns current system CPU usage.
func (s *Server) handleGetCPUUsage(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cpu_percent": usage,
	})
}

// handleGetMemoryUsage returns current system memory usage.
func (s *Server) handleGetMemoryUsage(c *gin.Context) {
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_mb":     mem.Total,
		"used_mb":      mem.Used,
		"available_mb": mem.Available,
		"used_percent": mem.UsedPercent,
	})
}

// handleGetChat returns journaled chat messages, newest first.
func (s *Server) handleGetChat(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal is disabled"})
		return
	}

	limit := queryLimit(c, "limit", 50, 500)
	entries, err := s.journal.RecentChat(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": entries,
		"count":    len(entries),
	})
}

// handleGetHistory returns journaled sessions, newest first.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal is disabled"})
		return
	}

	limit := queryLimit(c, "limit", 50, 500)
	entries, err := s.journal.RecentSessions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": entries,
		"count":    len(entries),
	})
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count := queryLimit(c, "count", 100, 1000)

	logDir := s.cfg.GetApplicationData().Logging.Directory
	if logDir == "" {
		c.JSON(http.StatusOK, gin.H{"entries": []logEntry{}, "count": 0})
		return
	}

	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func queryLimit(c *gin.Context, key string, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries reads and parses the most recent entries of the
// newest log file. Zerolog writes JSON lines.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var logFiles []string
	for _, e := range dirEntries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			logFiles = append(logFiles, e.Name())
		}
	}
	if len(logFiles) == 0 {
		return []logEntry{}, nil
	}

	// Daily file names sort chronologically
	sort.Strings(logFiles)
	latestFile := filepath.Join(logDir, logFiles[len(logFiles)-1])

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")

	// Take last N lines
	start := len(lines) - count - 1
	if start < 0 {
		start = 0
	}

	// Known zerolog internal fields to exclude from "fields"
	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	if len(result) > count {
		result = result[len(result)-count:]
	}
	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

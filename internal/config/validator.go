package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/energizer-project/teebridge/internal/network"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	bd := cfg.GetBridgeData()
	ad := cfg.GetApplicationData()

	validateBridgeData(&bd, result)
	validateApplicationData(&ad, result)

	return result
}

func validateBridgeData(data *BridgeData, result *ValidationResult) {
	listenPort := -1
	if host, portStr, err := net.SplitHostPort(data.ListenAddress); err != nil {
		result.AddError("bridge_data.listen_address", fmt.Sprintf("invalid listen address %q: %v", data.ListenAddress, err))
	} else {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			result.AddError("bridge_data.listen_address", fmt.Sprintf("invalid port %q", portStr))
		} else {
			listenPort = port
			validatePort(port, "bridge_data.listen_address", result)
		}
		if host != "" && net.ParseIP(host) == nil && host != "localhost" {
			result.AddWarning("bridge_data.listen_address", fmt.Sprintf("listen host %q is not an IP address", host))
		}
	}

	target, err := network.ParseAddr(data.TargetAddress)
	if err != nil {
		result.AddError("bridge_data.target_address", err.Error())
	} else if listenPort == target.Port && isLocal(target.Host) {
		result.AddError("bridge_data.target_address", "target points back at the bridge's own listen port")
	}

	if data.MaxSessions < 1 {
		result.AddError("bridge_data.max_sessions", "must allow at least 1 session")
	}
	if data.MaxSessions > 1024 {
		result.AddWarning("bridge_data.max_sessions",
			fmt.Sprintf("high session count (%d), each session holds its own socket", data.MaxSessions))
	}
	if data.MaxFakeID < 1 {
		result.AddError("bridge_data.max_fake_id", "must be positive")
	}

	if data.InboundPerTick < 1 {
		result.AddError("bridge_data.inbound_per_tick", "must forward at least 1 chunk per tick")
	}
	if data.IdleWaitMs < 1 {
		result.AddError("bridge_data.idle_wait_ms", "must be at least 1ms")
	}
	if data.IdleWaitMs > 100 {
		result.AddWarning("bridge_data.idle_wait_ms", "idle wait above 100ms delays keepalives and timeouts")
	}

	if data.TimeoutSec < 1 {
		result.AddError("bridge_data.timeout_sec", "must be at least 1 second")
	}
	if data.ConnectTimeoutSec < 1 {
		result.AddError("bridge_data.connect_timeout_sec", "must be at least 1 second")
	}
	if data.KeepaliveIntervalMs < 1 {
		result.AddError("bridge_data.keepalive_interval_ms", "must be positive")
	} else if data.TimeoutSec > 0 && data.KeepaliveIntervalMs >= data.TimeoutSec*1000 {
		result.AddError("bridge_data.keepalive_interval_ms", "keepalive interval must be shorter than the timeout")
	}
	if data.ConnectRatePerSec < 0 {
		result.AddWarning("bridge_data.connect_rate_per_sec", "negative rate disables connect rate limiting")
	}
	if data.PendingLimit < 1 {
		result.AddError("bridge_data.pending_limit", "must buffer at least 1 chunk")
	}

	if _, err := network.NewBanList(data.Bans); err != nil {
		result.AddError("bridge_data.bans", err.Error())
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	// API
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if net.ParseIP(data.API.Address) == nil {
			result.AddError("application_data.api.address", fmt.Sprintf("invalid IP address %q", data.API.Address))
		}
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if data.MQTT.UseTLS && (data.MQTT.CertFile == "") != (data.MQTT.KeyFile == "") {
			result.AddError("application_data.mqtt.cert_file", "client certificate and key must be set together")
		}
	}

	// Journal
	if data.Journal.Enabled && strings.TrimSpace(data.Journal.Path) == "" {
		result.AddError("application_data.journal.path", "journal path is required when enabled")
	}
	if _, err := time.Parse("15:04", data.Journal.CleanupTime); err != nil {
		result.AddError("application_data.journal.cleanup_time",
			fmt.Sprintf("invalid time %q, expected HH:MM", data.Journal.CleanupTime))
	}

	// Security
	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if !data.Security.AuthDisabled && data.Security.APIToken == "" {
		result.AddError("application_data.security.api_token", "API token is required when auth is enabled")
	}
	if data.API.Enabled && data.Security.AuthDisabled && !isLocal(data.API.Address) {
		result.AddWarning("application_data.security.auth_disabled",
			"API is reachable from the network without authentication")
	}

	switch strings.ToLower(data.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		result.AddWarning("application_data.logging.level",
			fmt.Sprintf("unknown log level %q, info will be used", data.Logging.Level))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

func isLocal(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

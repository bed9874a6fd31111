package config

import (
	"fmt"
	"net"
	"strings"
	"time"
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

	validateServer(&cfg.Server, result)
	validateApplicationData(&cfg.ApplicationData, result)

	// TCP ports only; the datagram port may equal either.
	if cfg.ApplicationData.API.Enabled && cfg.Server.ReliablePort > 0 &&
		cfg.ApplicationData.API.Port == cfg.Server.ReliablePort {
		result.AddError("application_data.api.port", "port conflict detected: API and reliable ports must differ")
	}

	return result
}

func validateServer(data *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(data.Name) == "" {
		result.AddWarning("server.name", "server name is empty, peers will see a blank name")
	}

	// Negative ports disable a transport; zero asks the OS for one.
	if data.ReliablePort < 0 && data.DatagramPort < 0 {
		result.AddError("server.ports", "both transports are disabled")
	}
	if data.ReliablePort > 0 {
		validatePort(data.ReliablePort, "server.reliable_port", result)
	}
	if data.DatagramPort > 0 {
		validatePort(data.DatagramPort, "server.datagram_port", result)
	}

	if data.MaxPacketSize < 1 {
		result.AddError("server.max_packet_size", "must be positive")
	}
	if data.BucketCount < 1 {
		result.AddError("server.bucket_count", "must have at least 1 bucket")
	}

	timeouts := []struct {
		field string
		value int
	}{
		{"server.handshake_timeout_ms", data.HandshakeTimeoutMs},
		{"server.read_timeout_ms", data.ReadTimeoutMs},
		{"server.write_timeout_ms", data.WriteTimeoutMs},
		{"server.poll_interval_ms", data.PollIntervalMs},
		{"server.keep_alive_interval_ms", data.KeepAliveIntervalMs},
	}
	for _, t := range timeouts {
		if t.value < 1 {
			result.AddError(t.field, "must be positive")
		}
	}

	if data.PollIntervalMs > data.KeepAliveIntervalMs {
		result.AddWarning("server.poll_interval_ms",
			"poll interval exceeds keep-alive interval, keep-alives will be late")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	for _, entry := range data.Filter.Allow {
		if !validAddressOrCIDR(entry) {
			result.AddError("application_data.filter.allow", fmt.Sprintf("invalid address or CIDR: %s", entry))
		}
	}
	for _, entry := range data.Filter.Deny {
		if !validAddressOrCIDR(entry) {
			result.AddError("application_data.filter.deny", fmt.Sprintf("invalid address or CIDR: %s", entry))
		}
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if strings.TrimSpace(data.API.Token) == "" {
			result.AddWarning("application_data.api.token",
				"no API token set, protected routes will reject every request")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if data.API.UseTLS && (data.API.CertFile == "" || data.API.KeyFile == "") {
			result.AddError("application_data.api.cert_file", "cert_file and key_file are required when use_tls is enabled")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if strings.TrimSpace(data.Storage.DatabasePath) == "" {
		result.AddError("application_data.storage.database_path", "database path is required")
	}
	if data.Storage.HistoryRetentionDays < 1 {
		result.AddError("application_data.storage.history_retention_days",
			"retention days must be at least 1")
	}

	validateTimers(&data.Timers, result)
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
	if timers.SelfTestInterval < 1 {
		result.AddError("timers.self_test_interval", "must be positive")
	}
	if timers.ResourceCheckInterval < 1 {
		result.AddError("timers.resource_check_interval", "must be positive")
	}
	if _, err := time.Parse("15:04", timers.MaintenanceTime); err != nil {
		result.AddError("timers.maintenance_time",
			fmt.Sprintf("invalid time %q (expected HH:MM)", timers.MaintenanceTime))
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

func validAddressOrCIDR(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

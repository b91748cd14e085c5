package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether any error concerns field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateReceiver(&c.Receiver)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateReceiver(r *ReceiverConfig) ValidationErrors {
	var errs ValidationErrors
	if r.DefaultPort < 1 || r.DefaultPort > 65535 {
		errs = append(errs, *RangeError("receiver.default_port", 1, 65535))
	}
	if r.ConnectTimeoutMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "receiver.connect_timeout_ms",
			Message: "connect timeout must be at least 100ms",
		})
	}
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors

	positive := []struct {
		field string
		value int
	}{
		{"session.response_timeout_ms", s.ResponseTimeoutMs},
		{"session.keepalive_interval_ms", s.KeepaliveIntervalMs},
		{"session.status_poll_ms", s.StatusPollMs},
		{"session.write_timeout_ms", s.WriteTimeoutMs},
		{"session.queue_size", s.QueueSize},
		{"session.delivery_workers", s.DeliveryWorkers},
	}
	for _, p := range positive {
		if p.value < 1 {
			errs = append(errs, ValidationError{Field: p.field, Message: "must be positive"})
		}
	}

	// A poll longer than the keepalive interval would delay pings
	if s.StatusPollMs > 0 && s.KeepaliveIntervalMs > 0 && s.StatusPollMs > s.KeepaliveIntervalMs {
		errs = append(errs, ValidationError{
			Field:   "session.status_poll_ms",
			Message: "status poll must not exceed keepalive interval",
		})
	}
	if s.DeliveryWorkers > 256 {
		errs = append(errs, *RangeError("session.delivery_workers", 1, 256))
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.DatabasePath == "" {
		errs = append(errs, *RequiredFieldError("storage.database_path"))
	}
	if s.IdentityDir == "" {
		errs = append(errs, *RequiredFieldError("storage.identity_dir"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_size_mb",
				Message: "max size must be at least 1 MB",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.ListenAddr, err),
		}}
	}
	return nil
}

// RequiredFieldError creates a validation error for a missing required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for a value out of range.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

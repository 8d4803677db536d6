package config

import (
	"fmt"
	"net"
	"strconv"
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

// HasField reports whether any error is about field.
func (e ValidationErrors) HasField(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig performs validation of the whole configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateTracker(&c.Tracker)...)
	errs = append(errs, validateVisibility(&c.Visibility)...)
	errs = append(errs, validateSwitching(&c.Switching)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateTracker(t *TrackerConfig) ValidationErrors {
	var errs ValidationErrors

	if t.TimeoutMs < 1 {
		errs = append(errs, RangeError("tracker.timeout_ms", 1, "inf"))
	}
	if t.CompletedCapacity < 1 {
		errs = append(errs, RangeError("tracker.completed_capacity", 1, "inf"))
	}
	if t.ActiveCapacity < 1 {
		errs = append(errs, RangeError("tracker.active_capacity", 1, "inf"))
	}

	return errs
}

func validateVisibility(v *VisibilityConfig) ValidationErrors {
	var errs ValidationErrors

	if v.DefaultDisplay < 0 {
		errs = append(errs, ValidationError{
			Field:   "visibility.default_display",
			Message: "display id cannot be negative",
		})
	}
	for k, policy := range v.DisplayPolicies {
		if _, err := strconv.Atoi(k); err != nil {
			errs = append(errs, ValidationError{
				Field:   "visibility.display_policies",
				Message: fmt.Sprintf("display id %q is not a number", k),
			})
		}
		switch policy {
		case "local", "fallback", "hide":
		default:
			errs = append(errs, ValidationError{
				Field:   "visibility.display_policies",
				Message: fmt.Sprintf("invalid policy for display %s: %s (valid: local, fallback, hide)", k, policy),
			})
		}
	}

	return errs
}

func validateSwitching(s *SwitchingConfig) ValidationErrors {
	switch s.Mode {
	case "", "static", "recent", "auto":
		return nil
	default:
		return ValidationErrors{{
			Field:   "switching.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: static, recent, auto)", s.Mode),
		}}
	}
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if !s.Enabled {
		return errs
	}
	if s.Path == "" {
		errs = append(errs, RequiredFieldError("storage.path"))
	}
	if s.Buffer < 1 {
		errs = append(errs, RangeError("storage.buffer", 1, "inf"))
	}
	if s.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.retention_days",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
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
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if i.SocketPath == "" {
		errs = append(errs, RequiredFieldError("ipc.socket_path"))
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if i.ReadTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "ipc.read_timeout_sec",
			Message: "timeout cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Listen, err),
		}}
	}
	return nil
}

// RequiredFieldError creates a validation error for a missing required field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{
		Field:   field,
		Message: "this field is required",
	}
}

// RangeError creates a validation error for a value outside its range.
func RangeError(field string, min, max interface{}) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

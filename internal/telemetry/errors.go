package telemetry

import "codeberg.org/mutker/shadowmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidAddr   = errors.ErrorCode("telemetry_invalid_addr")

	// Registration Errors
	ErrRegisterFailed = errors.ErrorCode("telemetry_register_failed")

	// Endpoint Errors
	ErrListenFailed    = errors.ErrorCode("telemetry_listen_failed")
	ErrServiceShutdown = errors.ErrorCode("telemetry_service_shutdown_failed")
)

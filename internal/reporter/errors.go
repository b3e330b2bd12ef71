package reporter

import "codeberg.org/mutker/shadowmon/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrConnectFailure = errors.ErrConnectFailure
)

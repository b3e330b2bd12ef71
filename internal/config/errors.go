package config

import "codeberg.org/mutker/shadowmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
)

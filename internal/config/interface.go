package config

import "github.com/spf13/afero"

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
	dotEnvPath string
	fs         afero.Fs
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "SHADOWMON"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// WithDotEnv loads variables from a dotenv file before reading the
// environment. Variables already set in the environment win.
func WithDotEnv(path string) Option {
	return func(o *options) error {
		o.dotEnvPath = path
		return nil
	}
}

// WithFs sets the filesystem used to check certificate files
func WithFs(fs afero.Fs) Option {
	return func(o *options) error {
		o.fs = fs
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// Identity is the device's connection identity. It is built once at
// startup and never changes afterwards.
type Identity struct {
	ThingName  string
	ClientID   string
	Host       string
	Port       int
	Region     string
	RootCAPath string
	CertPath   string
	KeyPath    string
	Websocket  bool
}

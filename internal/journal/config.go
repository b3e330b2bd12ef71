package journal

import "codeberg.org/mutker/shadowmon/internal/errors"

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/shadowmon/journal.db"
	defaultBatchSize    = 16
	defaultBatchTimeout = 30
)

type Config struct {
	DBPath string
	// BatchSize is the number of entries buffered before a flush.
	BatchSize int
	// BatchTimeout is the maximum seconds an entry stays buffered.
	BatchTimeout int
	Enabled      bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if the journal is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 1 || c.BatchTimeout < 1 {
		return errFactory.WithData(ErrInvalidConfig, "batch size and timeout must be positive")
	}
	return nil
}

package journal

import (
	"context"
	"time"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/logger"
)

const lookupTimeout = 2 * time.Second

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct{}

func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If the journal is disabled, return a no-op recorder
	if !cfg.Enabled {
		log.Debug().Msg("Outcome journal disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create journal repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Outcome journal initialized successfully")

	logLastOutcome(repo, log)

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

// logLastOutcome reports where a previous run left off.
func logLastOutcome(repo Repository, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	last, err := repo.Recent(ctx, 1)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read last journaled outcome")
		return
	}
	if len(last) == 0 {
		return
	}

	log.Info().
		Str("token", last[0].Token).
		Str("operation", last[0].Operation).
		Str("status", last[0].Status).
		Time("resolved_at", last[0].ResolvedAt).
		Msg("Last journaled outcome")
}

func (s *service) Record(ctx context.Context, entry *Entry) error {
	errFactory := errors.New()

	if entry == nil || entry.Token == "" {
		return errFactory.New(ErrInvalidEntry)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Store(entry); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

func (*noopRecorder) Record(_ context.Context, _ *Entry) error {
	return nil
}

func (*noopRecorder) Close() error {
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"codeberg.org/mutker/shadowmon/internal/backoff"
	"codeberg.org/mutker/shadowmon/internal/config"
	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/journal"
	"codeberg.org/mutker/shadowmon/internal/logger"
	"codeberg.org/mutker/shadowmon/internal/pid"
	"codeberg.org/mutker/shadowmon/internal/reporter"
	"codeberg.org/mutker/shadowmon/internal/sampler"
	"codeberg.org/mutker/shadowmon/internal/shadow"
	"codeberg.org/mutker/shadowmon/internal/telemetry"
)

const (
	exitRuntime = 1
	exitUsage   = 2

	dotEnvFile  = ".env"
	metricsPath = "/metrics"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shadowmon <interval_seconds> <device_id>",
		Short: "Report CPU and memory metrics to a device shadow",
		Long: `shadowmon samples CPU usage, frequency, temperature and RAM usage every
<interval_seconds> and reports them as the reported state of the device
shadow named <device_id>.

Credentials are read from CERTS_DIR (AmazonRootCA1.pem,
<device_id>-certificate.pem.crt, <device_id>-private.pem.key) and the
endpoint from AWS_IOT_HOST. A .env file in the working directory is loaded
when present.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintf(os.Stderr, "shadowmon: %v\n", err)
		if code == exitUsage {
			fmt.Fprintln(os.Stderr, cmd.UsageString())
		}
		os.Exit(code)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), args, config.WithDotEnv(dotEnvFile))
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level, logger.IsService())
	log := logger.Default()
	log.Debug().Msg("Config loaded")

	// Identity problems are fatal before any connection attempt.
	// Monitor mode never connects and needs no credentials.
	id := config.Identity{ThingName: cfg.DeviceID}
	if !cfg.Monitor {
		if id, err = cfg.Identity(); err != nil {
			return err
		}
	}

	pidFile := pid.New("", cfg.DeviceID)
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			log.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	tel, err := telemetry.NewService(telemetry.Config{Addr: cfg.MetricsAddr, Path: metricsPath}, log.With("telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop metrics endpoint")
		}
	}()

	jcfg := journal.DefaultConfig()
	jcfg.Enabled = cfg.Journal
	jcfg.DBPath = cfg.JournalDB
	rec, err := journal.NewService(jcfg, log.With("journal"))
	if err != nil {
		return err
	}
	defer func() {
		if err := rec.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}()

	fs := afero.NewOsFs()
	smp := sampler.New(
		sampler.NewHostSource(fs),
		fs,
		sampler.Config{ThermalPath: cfg.ThermalPath},
		log.With("sampler"),
	)

	policy := backoff.Config{
		Base:        seconds(cfg.BackoffBase),
		Max:         seconds(cfg.BackoffMax),
		StableAfter: seconds(cfg.BackoffStable),
		Jitter:      backoff.DefaultJitter,
	}

	var dialer shadow.Dialer
	if !cfg.Monitor {
		dialer = newDialer(cfg, policy, tel, log)
	}

	rep, err := reporter.New(reporter.Config{
		Interval:        cfg.IntervalDuration(),
		ConnectAttempts: cfg.ConnectAttempts,
		Serialize:       cfg.Serialize,
		Monitor:         cfg.Monitor,
		Backoff:         policy,
	}, id, dialer, smp, log.With("reporter"),
		reporter.WithJournal(rec),
		reporter.WithTelemetry(tel),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(ctx, cancel, log)

	if err := rep.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Reporter stopped")
		return err
	}

	log.Info().Msg("Exiting...")
	return nil
}

func newDialer(cfg *config.Config, policy backoff.Config, tel telemetry.Recorder, log logger.Logger) shadow.Dialer {
	return shadow.NewDialer(shadow.Options{
		OperationTimeout: seconds(cfg.OperationTimeout),
		ConnectTimeout:   seconds(cfg.ConnectTimeout),
		KeepAlive:        shadow.DefaultKeepAlive,
		Backoff:          policy,
		Hooks: shadow.Hooks{
			OnConnect: func(reconnect bool) {
				tel.SetConnected(true)
				if reconnect {
					tel.Reconnected()
				}
			},
			OnConnectionLost: func(error) {
				tel.SetConnected(false)
			},
		},
	}, log.With("shadow"))
}

func handleSignals(ctx context.Context, cancel context.CancelFunc, log logger.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		log.Info().Msg("Received termination signal.")
		cancel()
	case <-ctx.Done():
	}
}

func exitCode(err error) int {
	if errors.CategoryOf(err) == errors.CategoryUsage {
		return exitUsage
	}
	return exitRuntime
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

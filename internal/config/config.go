package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel         = string(LogLevelInfo)
	DefaultEnvPrefix        = "SHADOWMON"
	DefaultMQTTPort         = 8883
	DefaultWebsocketPort    = 443
	DefaultOperationTimeout = 5
	DefaultConnectTimeout   = 10
	DefaultConnectAttempts  = 5
	DefaultBackoffBase      = 1
	DefaultBackoffMax       = 32
	DefaultBackoffStable    = 20
	DefaultJournalDB        = "/var/lib/shadowmon/journal.db"
	DefaultThermalPath      = "/sys/class/thermal/thermal_zone0/temp"

	RootCAFile       = "AmazonRootCA1.pem"
	certFileSuffix   = "-certificate.pem.crt"
	keyFileSuffix    = "-private.pem.key"
	configName       = "shadowmon"
	systemConfigPath = "/etc/shadowmon"

	// Largest interval whose time.Duration does not overflow
	maxIntervalSeconds = math.MaxInt64 / int64(time.Second)
)

type Config struct {
	Interval         int    `mapstructure:"-"`
	DeviceID         string `mapstructure:"-"`
	ClientID         string `mapstructure:"client-id"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Region           string `mapstructure:"region"`
	CertsDir         string `mapstructure:"certs-dir"`
	RootCA           string `mapstructure:"root-ca"`
	CertFile         string `mapstructure:"cert-file"`
	KeyFile          string `mapstructure:"key-file"`
	Websocket        bool   `mapstructure:"websocket"`
	Serialize        bool   `mapstructure:"serialize"`
	Monitor          bool   `mapstructure:"monitor"`
	ConnectAttempts  int    `mapstructure:"connect-attempts"`
	OperationTimeout int    `mapstructure:"operation-timeout"`
	ConnectTimeout   int    `mapstructure:"connect-timeout"`
	BackoffBase      int    `mapstructure:"backoff-base"`
	BackoffMax       int    `mapstructure:"backoff-max"`
	BackoffStable    int    `mapstructure:"backoff-stable"`
	LogLevel         string `mapstructure:"log-level"`
	Journal          bool   `mapstructure:"journal"`
	JournalDB        string `mapstructure:"journal-db"`
	MetricsAddr      string `mapstructure:"metrics-addr"`
	ThermalPath      string `mapstructure:"thermal-path"`

	fs afero.Fs
}

// RegisterFlags defines every configurable key on flags. Values given on
// the command line take precedence over environment and config file.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a TOML config file")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.String("host", "", "Shadow service endpoint host (env AWS_IOT_HOST)")
	flags.Int("port", 0, "Shadow service port (default 8883, 443 with --websocket)")
	flags.String("region", "", "AWS region for WebSocket signing (default: parsed from host)")
	flags.String("certs-dir", "", "Directory holding the root CA and device certificates (env CERTS_DIR)")
	flags.String("client-id", "", "MQTT client id (default: device id)")
	flags.String("root-ca", "", "Root CA path (default: <certs-dir>/"+RootCAFile+")")
	flags.String("cert-file", "", "Device certificate path (default: <certs-dir>/<device-id>"+certFileSuffix+")")
	flags.String("key-file", "", "Device private key path (default: <certs-dir>/<device-id>"+keyFileSuffix+")")
	flags.Bool("websocket", false, "Connect over WebSocket with SigV4 instead of X.509 client certificates")
	flags.Bool("serialize", false, "Wait for the previous update's outcome before submitting the next")
	flags.Bool("monitor", false, "Log metrics locally without connecting to the shadow service")
	flags.Int("connect-attempts", DefaultConnectAttempts, "Connection attempts before giving up at startup")
	flags.Int("operation-timeout", DefaultOperationTimeout, "Shadow operation timeout in seconds")
	flags.Int("connect-timeout", DefaultConnectTimeout, "Connect/disconnect timeout in seconds")
	flags.Int("backoff-base", DefaultBackoffBase, "Reconnect backoff base in seconds")
	flags.Int("backoff-max", DefaultBackoffMax, "Reconnect backoff cap in seconds")
	flags.Int("backoff-stable", DefaultBackoffStable, "Seconds a connection must stay up before the backoff resets")
	flags.Bool("journal", false, "Record request outcomes in a sqlite journal")
	flags.String("journal-db", DefaultJournalDB, "Journal database path")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9108)")
	flags.String("thermal-path", DefaultThermalPath, "Thermal zone file holding the CPU temperature in millidegrees")
}

// Load builds the configuration from the positional arguments
// (interval, device id), flags, environment, optional dotenv file and
// optional config file.
func Load(flags *pflag.FlagSet, args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix, fs: afero.NewOsFs()}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err)
		}
	}

	if len(args) != 2 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument,
			fmt.Sprintf("expected <interval_seconds> <device_id>, got %d arguments", len(args)))
	}

	interval, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidInterval, err)
	}

	if o.dotEnvPath != "" {
		if err := godotenv.Load(o.dotEnvPath); err != nil && !os.IsNotExist(err) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// The conventional variable names take part alongside the prefixed ones.
	if err := v.BindEnv("host", o.envPrefix+"_HOST", "AWS_IOT_HOST"); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	if err := v.BindEnv("certs-dir", o.envPrefix+"_CERTS_DIR", "CERTS_DIR"); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	if err := readConfigFile(v, o); err != nil {
		return nil, err
	}

	cfg := &Config{fs: o.fs}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.Interval = interval
	cfg.DeviceID = args[1]
	if cfg.ClientID == "" {
		cfg.ClientID = cfg.DeviceID
	}
	if cfg.LogLevel == "warn" {
		cfg.LogLevel = string(LogLevelWarning)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, o *options) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		path = v.GetString("config")
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(systemConfigPath)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errFactory.WithData(errors.ErrReadConfig, err.Error()).
			WithMessage("Failed to read config file")
	}

	return nil
}

// Validate checks value ranges. Credentials are checked by Identity.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval < 1 || int64(c.Interval) > maxIntervalSeconds {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return errFactory.WithData(errors.ErrInvalidArgument, "device id must not be empty")
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel).
			WithMessage("invalid_log_level")
	}
	if c.ConnectAttempts < 1 {
		return errFactory.WithData(ErrInvalidConfig, "connect-attempts must be at least 1")
	}
	if c.OperationTimeout < 1 || c.ConnectTimeout < 1 {
		return errFactory.WithData(ErrInvalidConfig, "timeouts must be at least 1 second")
	}
	if c.BackoffBase < 1 || c.BackoffMax < c.BackoffBase || c.BackoffStable < 0 {
		return errFactory.WithData(ErrInvalidConfig, "backoff requires 1 <= base <= max and stable >= 0")
	}
	if c.Journal && c.JournalDB == "" {
		return errFactory.WithData(ErrInvalidConfig, "journal-db must be set when the journal is enabled")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("port %d out of range", c.Port))
	}

	return nil
}

// Identity resolves the device identity: it checks that the auth mode is
// unambiguous, that the endpoint is known and that every credential file
// exists. Nothing here touches the network.
func (c *Config) Identity() (Identity, error) {
	errFactory := errors.New()

	if c.Websocket && (c.CertFile != "" || c.KeyFile != "") {
		return Identity{}, errFactory.New(errors.ErrConfigConflict)
	}

	if c.Host == "" {
		return Identity{}, errFactory.WithData(errors.ErrCredentialsMissing, "endpoint host not set (AWS_IOT_HOST)")
	}

	id := Identity{
		ThingName:  c.DeviceID,
		ClientID:   c.ClientID,
		Host:       c.Host,
		Port:       c.Port,
		Region:     c.Region,
		RootCAPath: c.RootCA,
		Websocket:  c.Websocket,
	}

	if id.RootCAPath == "" {
		if c.CertsDir == "" {
			return Identity{}, errFactory.WithData(errors.ErrCredentialsMissing, "certificate directory not set (CERTS_DIR)")
		}
		id.RootCAPath = filepath.Join(c.CertsDir, RootCAFile)
	}

	if !c.Websocket {
		id.CertPath = c.CertFile
		id.KeyPath = c.KeyFile
		if c.CertsDir != "" {
			if id.CertPath == "" {
				id.CertPath = filepath.Join(c.CertsDir, c.DeviceID+certFileSuffix)
			}
			if id.KeyPath == "" {
				id.KeyPath = filepath.Join(c.CertsDir, c.DeviceID+keyFileSuffix)
			}
		}
		if id.CertPath == "" || id.KeyPath == "" {
			return Identity{}, errFactory.New(errors.ErrCredentialsMissing)
		}
	}

	files := []struct{ name, path string }{
		{"Root CA Certificate", id.RootCAPath},
		{"Device Certificate", id.CertPath},
		{"Device Private Key", id.KeyPath},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		if ok, _ := afero.Exists(c.filesystem(), f.path); !ok {
			return Identity{}, errFactory.WithData(errors.ErrCredentialsMissing, f.name+" not found: "+f.path)
		}
	}

	if id.Port == 0 {
		id.Port = DefaultMQTTPort
		if id.Websocket {
			id.Port = DefaultWebsocketPort
		}
	}

	return id, nil
}

func (c *Config) filesystem() afero.Fs {
	if c.fs == nil {
		return afero.NewOsFs()
	}
	return c.fs
}

// IntervalDuration returns the reporting interval.
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

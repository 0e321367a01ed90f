package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bminer/ws-session-go/workpool"
)

// Config holds file-loadable settings for sessions and the server that owns
// them.
type Config struct {
	Addr string `toml:"addr"`
	Path string `toml:"path"`

	// DefaultTimeout applies to correlated requests sent without their own
	// timeout. Zero means wait forever.
	DefaultTimeout    time.Duration `toml:"default_timeout"`
	PingTimeout       time.Duration `toml:"ping_timeout"`
	HandshakeTimeout  time.Duration `toml:"handshake_timeout"`
	KeepAliveInterval time.Duration `toml:"keepalive_interval"`
	ReadLimit         int64         `toml:"read_limit"`
	Workers           int           `toml:"workers"`

	Log LogConfig `toml:"log"`
}

// LogConfig selects the executable's log output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	return Config{
		Addr:              "localhost:8080",
		Path:              "/ws",
		DefaultTimeout:    30 * time.Second,
		PingTimeout:       10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		ReadLimit:         1 << 20,
		Workers:           runtime.NumCPU(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates the
// result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Validate checks for values that can never work.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DefaultTimeout < 0 {
		errs = append(errs, errors.New("default_timeout must not be negative"))
	}
	if c.PingTimeout < 0 {
		errs = append(errs, errors.New("ping_timeout must not be negative"))
	}
	if c.KeepAliveInterval < 0 {
		errs = append(errs, errors.New("keepalive_interval must not be negative"))
	}
	if c.ReadLimit < 0 {
		errs = append(errs, errors.New("read_limit must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	return errors.Join(errs...)
}

// Options configures a Session or Server.
type Options struct {
	// Factory builds the messages inbound frames are decoded into. Required.
	Factory MessageFactory
	// Logger receives structured session logs. nil discards them.
	Logger *slog.Logger
	// Executor runs handlers and response callbacks. nil uses a shared pool
	// sized to the number of CPUs.
	Executor Executor
	// DefaultTimeout applies to Send calls whose SendOptions.Timeout is not
	// positive. Zero or negative disables the timeout.
	DefaultTimeout time.Duration
	// PingTimeout bounds Ping and Pong. Zero means no bound.
	PingTimeout time.Duration
	// HandshakeTimeout bounds StartAsServer through the context passed to
	// Stream.Handshake. Zero means no bound. adapters/gorilla applies it to
	// the upgrade; adapters/coder can only refuse to start an upgrade once
	// it has expired, since websocket.Accept takes no deadline.
	HandshakeTimeout time.Duration
}

// OptionsFromConfig fills the timeouts of Options from cfg.
func OptionsFromConfig(cfg Config, factory MessageFactory, logger *slog.Logger, exec Executor) Options {
	return Options{
		Factory:          factory,
		Logger:           logger,
		Executor:         exec,
		DefaultTimeout:   cfg.DefaultTimeout,
		PingTimeout:      cfg.PingTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
}

// Executor runs tasks asynchronously. Enqueue must eventually run every
// task it accepts, and never on the calling goroutine: Drop relies on it to
// call the disconnect handler exactly once. workpool.Pool implements it.
type Executor interface {
	Enqueue(task func())
}

var sharedPool = sync.OnceValue(func() *workpool.Pool {
	return workpool.New(runtime.NumCPU(), nil)
})

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Executor == nil {
		o.Executor = sharedPool()
	}
	return o
}

// Package config loads coap-agent settings from a TOML file, an optional
// .env file and COAP_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pion/logging"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "COAP_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full agent configuration.
type Config struct {
	// Listen is the host:port the server binds. An empty host binds all
	// interfaces.
	Listen string `toml:"listen" env:"LISTEN"`

	// KeepOpen keeps a client socket open between exchanges.
	KeepOpen bool `toml:"keep_open" env:"KEEP_OPEN"`

	// TokenLength is the length of generated tokens.
	TokenLength int `toml:"token_length" env:"TOKEN_LENGTH"`

	// MaxBodySize bounds reassembled blockwise bodies.
	MaxBodySize int `toml:"max_body_size" env:"MAX_BODY_SIZE"`

	// LogLevel is one of trace, debug, info, warn, error, disabled.
	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `toml:"metrics_addr" env:"METRICS_ADDR"`

	// Advertise announces the server via DNS-SD.
	Advertise bool `toml:"advertise" env:"ADVERTISE"`

	// Instance is the DNS-SD instance name; empty generates one.
	Instance string `toml:"instance" env:"INSTANCE"`

	Reliability Reliability `toml:"reliability"`
}

// Reliability holds the transmission parameters.
type Reliability struct {
	AckTimeout       time.Duration `toml:"ack_timeout" env:"ACK_TIMEOUT"`
	AckRandomFactor  float64       `toml:"ack_random_factor" env:"ACK_RANDOM_FACTOR"`
	MaxRetransmit    int           `toml:"max_retransmit" env:"MAX_RETRANSMIT"`
	MaxLatency       time.Duration `toml:"max_latency" env:"MAX_LATENCY"`
	PiggybackDelay   time.Duration `toml:"piggyback_delay" env:"PIGGYBACK_DELAY"`
	MulticastTimeout time.Duration `toml:"multicast_timeout" env:"MULTICAST_TIMEOUT"`
	BlockSize        int           `toml:"block_size" env:"BLOCK_SIZE"`
	MaxPacketSize    int           `toml:"max_packet_size" env:"MAX_PACKET_SIZE"`
	AckNonResponses  bool          `toml:"ack_non_responses" env:"ACK_NON_RESPONSES"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := exchange.DefaultParams()
	return Config{
		Listen:      ":5683",
		TokenLength: 4,
		MaxBodySize: 1 << 20,
		LogLevel:    "info",
		Reliability: Reliability{
			AckTimeout:       p.AckTimeout,
			AckRandomFactor:  p.AckRandomFactor,
			MaxRetransmit:    p.MaxRetransmit,
			MaxLatency:       p.MaxLatency,
			PiggybackDelay:   p.PiggybackDelay,
			MulticastTimeout: p.MulticastTimeout,
			BlockSize:        p.BlockSize,
			MaxPacketSize:    p.MaxPacketSize,
			AckNonResponses:  !p.SkipAcksForNonConfirmable,
		},
	}
}

// Load builds the configuration. path names an optional TOML file; each
// of envFiles is read with godotenv and may be missing. Variables already
// set in the process environment win over .env values.
func Load(path string, envFiles ...string) (Config, error) {
	environ := make(map[string]string)
	for _, f := range envFiles {
		vars, err := godotenv.Read(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", f, err)
		}
		for k, v := range vars {
			environ[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	return load(path, environ)
}

func load(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the listen address, log level and parameters.
func (c Config) Validate() error {
	if _, _, err := c.ListenHostPort(); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.TokenLength < 0 || c.TokenLength > 8 {
		return fmt.Errorf("%w: token_length %d not in [0, 8]", ErrInvalid, c.TokenLength)
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("%w: negative max_body_size", ErrInvalid)
	}
	if err := c.AgentParams().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ListenHostPort splits Listen.
func (c Config) ListenHostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return "", 0, fmt.Errorf("%w: listen %q: %v", ErrInvalid, c.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: listen port %q", ErrInvalid, portStr)
	}
	return host, port, nil
}

// AgentParams converts the reliability section to engine parameters.
func (c Config) AgentParams() exchange.Params {
	r := c.Reliability
	return exchange.Params{
		AckTimeout:                r.AckTimeout,
		AckRandomFactor:           r.AckRandomFactor,
		MaxRetransmit:             r.MaxRetransmit,
		MaxLatency:                r.MaxLatency,
		PiggybackDelay:            r.PiggybackDelay,
		MaxPacketSize:             r.MaxPacketSize,
		SkipAcksForNonConfirmable: !r.AckNonResponses,
		MulticastTimeout:          r.MulticastTimeout,
		BlockSize:                 r.BlockSize,
	}.WithDefaults()
}

// LoggerFactory returns a pion logger factory writing to w at LogLevel.
func (c Config) LoggerFactory(w io.Writer) logging.LoggerFactory {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = logging.LogLevelInfo
	}
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = level
	if w != nil {
		f.Writer = w
	}
	return f
}

// ParseLogLevel maps a level name to a pion log level.
func ParseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logging.LogLevelTrace, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "error":
		return logging.LogLevelError, nil
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("%w: log_level %q", ErrInvalid, s)
}

// Package config loads the canhub daemon configuration from TOML or YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/notnil/canhub"
)

// Driver names.
const (
	DriverVirtual   = "virtual"
	DriverSocketCAN = "socketcan"
)

// Mode names.
const (
	ModeNormal   = "normal"
	ModeLoopback = "loopback"
)

// Format selects the decoder used by Parse.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// Config is the daemon configuration.
//
//	log_level = "debug"
//	queue_depth = 64
//
//	[[bus]]
//	number = 31
//	driver = "virtual"
//
//	  [[bus.filter]]
//	  id = 0x15A
type Config struct {
	LogLevel     string      `toml:"log_level" yaml:"log_level"`
	QueueDepth   int         `toml:"queue_depth" yaml:"queue_depth"`
	MessageLimit int64       `toml:"message_limit" yaml:"message_limit"`
	Buses        []BusConfig `toml:"bus" yaml:"bus"`
}

// BusConfig describes one controller and the client opened on it.
type BusConfig struct {
	Number    int            `toml:"number" yaml:"number"`
	Driver    string         `toml:"driver" yaml:"driver"`
	Interface string         `toml:"interface" yaml:"interface"`
	BitRate   uint32         `toml:"bitrate" yaml:"bitrate"`
	Mode      string         `toml:"mode" yaml:"mode"`
	Filters   []FilterConfig `toml:"filter" yaml:"filter"`
	// IDs accepts exactly these identifiers, in addition to Filters.
	IDs []uint32 `toml:"ids" yaml:"ids"`

	// socketcan only, applied with ip link before the socket is opened
	RestartMs  *uint32 `toml:"restart_ms" yaml:"restart_ms"`
	TxQueueLen *int    `toml:"txqueuelen" yaml:"txqueuelen"`
}

// FilterConfig is an acceptance filter. A missing mask selects every
// identifier bit of the frame format, a missing rtr matches both frame kinds.
type FilterConfig struct {
	ID       uint32  `toml:"id" yaml:"id"`
	Mask     *uint32 `toml:"mask" yaml:"mask"`
	Extended bool    `toml:"extended" yaml:"extended"`
	RTR      *bool   `toml:"rtr" yaml:"rtr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:   "info",
		QueueDepth: canhub.DefaultQueueDepth,
	}
}

// Load reads path, choosing the format from its extension.
func Load(path string) (Config, error) {
	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		format = FormatTOML
	case ".yaml", ".yml":
		format = FormatYAML
	default:
		return Config{}, fmt.Errorf("load config %s: unknown extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data, fills defaults and validates the result.
func Parse(data []byte, format Format) (Config, error) {
	cfg := Default()
	switch format {
	case FormatTOML:
		meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("decode toml: unknown key %q", undecoded[0].String())
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unknown config format %q", format)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = canhub.DefaultQueueDepth
	}
	for i := range c.Buses {
		b := &c.Buses[i]
		b.Driver = strings.ToLower(strings.TrimSpace(b.Driver))
		b.Mode = strings.ToLower(strings.TrimSpace(b.Mode))
		if b.Driver == "" {
			b.Driver = DriverVirtual
		}
		if b.Mode == "" {
			if b.Driver == DriverVirtual {
				b.Mode = ModeLoopback
			} else {
				b.Mode = ModeNormal
			}
		}
		if b.Driver == DriverVirtual && b.BitRate == 0 {
			b.BitRate = canhub.BitRate10K
		}
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth)
	}
	if c.MessageLimit < 0 {
		return fmt.Errorf("message_limit must not be negative, got %d", c.MessageLimit)
	}
	seen := make(map[int]bool, len(c.Buses))
	for i, b := range c.Buses {
		if b.Number < 0 || b.Number >= canhub.MaxControllers {
			return fmt.Errorf("bus[%d]: number %d out of range [0,%d)", i, b.Number, canhub.MaxControllers)
		}
		if seen[b.Number] {
			return fmt.Errorf("bus[%d]: duplicate number %d", i, b.Number)
		}
		seen[b.Number] = true
		switch b.Driver {
		case DriverVirtual:
			if _, err := canhub.LookupTiming(b.BitRate); err != nil {
				return fmt.Errorf("bus[%d]: %w", i, err)
			}
		case DriverSocketCAN:
			if b.Interface == "" {
				return fmt.Errorf("bus[%d]: socketcan driver requires an interface", i)
			}
			if b.TxQueueLen != nil && *b.TxQueueLen <= 0 {
				return fmt.Errorf("bus[%d]: txqueuelen must be positive, got %d", i, *b.TxQueueLen)
			}
		default:
			return fmt.Errorf("bus[%d]: unknown driver %q", i, b.Driver)
		}
		if b.Driver != DriverSocketCAN && (b.RestartMs != nil || b.TxQueueLen != nil) {
			return fmt.Errorf("bus[%d]: restart_ms and txqueuelen need the socketcan driver", i)
		}
		for _, id := range b.IDs {
			if id > 0x1FFFFFFF {
				return fmt.Errorf("bus[%d]: id %#x wider than 29 bits", i, id)
			}
		}
		if _, err := parseMode(b.Mode); err != nil {
			return fmt.Errorf("bus[%d]: %w", i, err)
		}
		for j, f := range b.Filters {
			if err := f.Filter().Validate(); err != nil {
				return fmt.Errorf("bus[%d].filter[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func parseMode(s string) (canhub.BusMode, error) {
	switch s {
	case ModeNormal:
		return canhub.ModeNormal, nil
	case ModeLoopback:
		return canhub.ModeLoopback, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// CANConfig converts the bus settings to a controller configuration.
func (b BusConfig) CANConfig() (canhub.BusConfig, error) {
	mode, err := parseMode(b.Mode)
	if err != nil {
		return canhub.BusConfig{}, err
	}
	return canhub.BusConfig{BitRate: b.BitRate, Mode: mode}, nil
}

// Filter converts the filter settings.
func (f FilterConfig) Filter() canhub.Filter {
	out := canhub.ExactFilter(f.ID, f.Extended)
	if f.Mask != nil {
		out.IDMask = *f.Mask
	}
	if f.RTR != nil {
		out.RTR = *f.RTR
		out.RTRMask = true
	}
	return out
}

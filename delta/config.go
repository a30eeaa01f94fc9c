package delta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCommandSlots   = 64
	DefaultRetryCount     = 40000
	DefaultRetryDelayUsec = 100
	DefaultQueueSize      = 64
	DefaultTimeoutUsec    = 4000000
	DefaultPageSize       = 4096

	MaxQueueSize = 65536
	MaxQueues    = 64
	MaxPageSize  = 1 << 15 // offsets and sizes are recorded as uint16
)

// Config holds the delta engine parameters consumed at init
type Config struct {
	// Dispatcher
	Name        string   `json:"name" yaml:"name"`                                   // Dispatcher name used in logs and stats rows
	NumQueues   int      `json:"numQueues" yaml:"num_queues"`                        // Number of submission/completion queue pairs (default 1)
	QueueSize   int      `json:"queueSize" yaml:"queue_size"`                        // Entries per queue (default 64, max 65536)
	TimeoutUsec int64    `json:"timeoutUsec" yaml:"timeout_usec"`                    // Per-request timeout in microseconds (default 4s)
	CPUAffinity bool     `json:"cpuAffinity" yaml:"cpu_affinity"`                    // Pin queue workers to the masks below
	SQAffinity  []uint64 `json:"sqAffinity,omitempty" yaml:"sq_affinity,omitempty"` // Per-queue CPU bitmask for submission workers (0 = no pinning)
	CQAffinity  []uint64 `json:"cqAffinity,omitempty" yaml:"cq_affinity,omitempty"` // Per-queue CPU bitmask for completion workers (0 = no pinning)

	// Resource pool
	CommandSlots   int   `json:"commandSlots" yaml:"command_slots"`      // DeltaCommand pool depth (default 64)
	RetryCount     int   `json:"retryCount" yaml:"retry_count"`          // Acquire attempts after the first one fails (default 40000)
	RetryDelayUsec int64 `json:"retryDelayUsec" yaml:"retry_delay_usec"` // Sleep between acquire attempts (default 100us)
}

// DefaultConfig returns the defaults of the block delta module
func DefaultConfig() Config {
	return Config{
		Name:           "DELTA",
		NumQueues:      1,
		QueueSize:      DefaultQueueSize,
		TimeoutUsec:    DefaultTimeoutUsec,
		CPUAffinity:    false,
		SQAffinity:     []uint64{1<<0 | 1<<6}, // Used once CPUAffinity is set: SQ worker on cores 0 and 6
		CQAffinity:     []uint64{1 << 0},
		CommandSlots:   DefaultCommandSlots,
		RetryCount:     DefaultRetryCount,
		RetryDelayUsec: DefaultRetryDelayUsec,
	}
}

// TestConfig returns a small configuration with a short timeout and retry
// budget, suitable for unit tests and demos
func TestConfig() Config {
	cfg := DefaultConfig()
	cfg.CPUAffinity = false
	cfg.SQAffinity = nil
	cfg.CQAffinity = nil
	cfg.CommandSlots = 4
	cfg.RetryCount = 10
	cfg.RetryDelayUsec = 100
	cfg.TimeoutUsec = 500000
	return cfg
}

// Timeout returns the per-request timeout as a duration
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutUsec) * time.Microsecond
}

// RetryDelay returns the pool backoff delay as a duration
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayUsec) * time.Microsecond
}

// Validate checks if configuration values are reasonable
func (c *Config) Validate() error {
	if c.NumQueues < 1 || c.NumQueues > MaxQueues {
		return ErrInvalidConfig(fmt.Sprintf("numQueues must be between 1 and %d", MaxQueues))
	}
	if c.QueueSize < 1 || c.QueueSize > MaxQueueSize {
		return ErrInvalidConfig(fmt.Sprintf("queueSize must be between 1 and %d", MaxQueueSize))
	}
	if c.TimeoutUsec <= 0 {
		return ErrInvalidConfig("timeoutUsec must be > 0")
	}
	if len(c.SQAffinity) > c.NumQueues {
		return ErrInvalidConfig("sqAffinity has more masks than queues")
	}
	if len(c.CQAffinity) > c.NumQueues {
		return ErrInvalidConfig("cqAffinity has more masks than queues")
	}
	if c.CommandSlots < 1 {
		return ErrInvalidConfig("commandSlots must be >= 1")
	}
	if c.RetryCount < 0 {
		return ErrInvalidConfig("retryCount must be >= 0")
	}
	if c.RetryDelayUsec < 0 {
		return ErrInvalidConfig("retryDelayUsec must be >= 0")
	}
	return nil
}

// mqConfig derives the dispatcher configuration
func (c Config) mqConfig() MQConfig {
	mc := MQConfig{
		Name:      c.Name,
		NumQueues: c.NumQueues,
		QueueSize: c.QueueSize,
		Timeout:   c.Timeout(),
	}
	if c.CPUAffinity {
		mc.Flags |= MQCPUAffinity
		mc.SQAffinity = append([]uint64(nil), c.SQAffinity...)
		mc.CQAffinity = append([]uint64(nil), c.CQAffinity...)
	}
	return mc
}

// LoadConfig reads a JSON or YAML configuration file on top of DefaultConfig.
// The format is picked from the file extension (.yaml/.yml, anything else is JSON).
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Geometry describes the flash layout the engine sizes its pools from
type Geometry struct {
	Channels      int `json:"channels" yaml:"channels"`
	PagesPerBlock int `json:"pagesPerBlock" yaml:"pages_per_block"`
	PageSize      int `json:"pageSize" yaml:"page_size"` // Bytes per flash page (default 4096)
}

// ChannelGeometry is the per-channel geometry reported by channel discovery
type ChannelGeometry struct {
	ID            int
	PagesPerBlock int
	PageSize      int
}

// GeometryFromChannels builds the engine geometry from a channel list.
// Page size and pages per block are taken from the first channel.
func GeometryFromChannels(chs []ChannelGeometry) (Geometry, error) {
	if len(chs) == 0 {
		return Geometry{}, ErrInvalidConfig("no channels")
	}
	geo := Geometry{
		Channels:      len(chs),
		PagesPerBlock: chs[0].PagesPerBlock,
		PageSize:      chs[0].PageSize,
	}
	if geo.PageSize == 0 {
		geo.PageSize = DefaultPageSize
	}
	return geo, geo.Validate()
}

// Validate checks the geometry
func (g *Geometry) Validate() error {
	if g.Channels < 1 {
		return ErrInvalidConfig("channels must be >= 1")
	}
	if g.PagesPerBlock < 1 {
		return ErrInvalidConfig("pagesPerBlock must be >= 1")
	}
	if g.PageSize < 1 || g.PageSize > MaxPageSize {
		return ErrInvalidConfig(fmt.Sprintf("pageSize must be between 1 and %d", MaxPageSize))
	}
	return nil
}

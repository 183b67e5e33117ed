package types

import "errors"

// Config holds the connection parameters for engine.Open.
type Config struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// WAL controls the connection-wide write-ahead log. Objects additionally
	// opt in with log=(enabled=true) in their own configuration.
	WAL WALConfig `json:"wal" yaml:"wal"`

	// TolerateAllocationMismatch lets import attach a file whose allocation
	// unit differs from the one its configuration declares. The unit
	// recorded in the file header then governs.
	TolerateAllocationMismatch bool `json:"tolerate_allocation_mismatch" yaml:"tolerate_allocation_mismatch"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Log formats accepted by Config.LogFormat.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config validation errors.
var (
	ErrDataDirEmpty     = errors.New("data directory must not be empty")
	ErrLogLevelUnknown  = errors.New("unknown log level")
	ErrLogFormatUnknown = errors.New("unknown log format")
)

var knownLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirEmpty
	}
	if !knownLogLevels[c.LogLevel] {
		return ErrLogLevelUnknown
	}
	switch c.LogFormat {
	case "", LogFormatText, LogFormatJSON:
	default:
		return ErrLogFormatUnknown
	}
	return nil
}

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/cellar/internal/paths"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	cfgKeyDataDir   = "data_dir"
	cfgKeyWAL       = "wal.enabled"
	cfgKeyTolerate  = "tolerate_allocation_mismatch"
	cfgKeyLogLevel  = "log_level"
	cfgKeyLogFormat = "log_format"
)

const configHeader = "# cellar configuration\n# data_dir is overridden by --data-dir and CELLAR_DATA_DIR.\n\n"

// loadConfig reads config.yaml from configDir. A missing file is not an
// error; defaults apply.
func loadConfig(configDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(cfgKeyWAL, false)
	v.SetDefault(cfgKeyTolerate, false)
	v.SetDefault(cfgKeyLogLevel, "warn")
	v.SetDefault(cfgKeyLogFormat, types.LogFormatText)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("%w: read config: %v", types.ErrMalformedConfig, err)
	}
	return v, nil
}

func configFrom(v *viper.Viper, dataDir string) types.Config {
	return types.Config{
		DataDir:                    dataDir,
		WAL:                        types.WALConfig{Enabled: v.GetBool(cfgKeyWAL)},
		TolerateAllocationMismatch: v.GetBool(cfgKeyTolerate),
		LogLevel:                   v.GetString(cfgKeyLogLevel),
		LogFormat:                  v.GetString(cfgKeyLogFormat),
	}
}

// writeConfigIfMissing writes cfg to config.yaml in configDir unless the
// file exists. It reports whether it wrote the file.
func writeConfigIfMissing(configDir string, cfg types.Config) (bool, error) {
	path := paths.ConfigFile(configDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config file: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	return true, os.WriteFile(path, append([]byte(configHeader), data...), 0o644)
}

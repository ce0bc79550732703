package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Load reads the gateway configuration file at path via viper (so the
// caller can subsequently use viper.WatchConfig/OnConfigChange for hot
// reload) and decodes it through Import, which already tolerates both
// snake_case and camelCase keys.
func Load(path string) (Config, error) {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	// viper lowercases every key it reads (mcpServers -> mcpservers), so
	// Import is given the file's own bytes to keep key spelling intact.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return Import(data)
}

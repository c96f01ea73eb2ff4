package hook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/kubescr/kubescr/internal/server"
)

// ConfigFile is the per-checkpoint client configuration, looked up in the
// images directory first and then in /etc/criu so one file can serve many
// containers.
const ConfigFile = "kubescr.json"

const etcConfigDir = "/etc/criu"

// Config holds the client settings read from ConfigFile.
type Config struct {
	ID           string `mapstructure:"id"`
	Dependencies string `mapstructure:"dependencies"`
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	LogFile      string `mapstructure:"log-file"`
}

// LoadConfig reads the client configuration for imagesDir.
func LoadConfig(imagesDir string) (Config, error) {
	paths := []string{
		filepath.Join(imagesDir, ConfigFile),
		filepath.Join(etcConfigDir, ConfigFile),
	}

	var path string
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			path = p
			break
		}
	}
	if path == "" {
		return Config{}, fmt.Errorf("no %s found in %s or %s", ConfigFile, imagesDir, etcConfigDir)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("address", server.DefaultAddress)
	v.SetDefault("port", server.DefaultPort)
	v.SetDefault("log-file", "-")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.ID == "" {
		return Config{}, errors.New("id missing in config file")
	}
	return cfg, nil
}

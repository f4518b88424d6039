package internal

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/lumen-gallery/lumen/internal/api"
	"github.com/lumen-gallery/lumen/internal/convert"
	"github.com/lumen-gallery/lumen/internal/job"
	"github.com/lumen-gallery/lumen/internal/media"
	"github.com/lumen-gallery/lumen/internal/progress"
	"github.com/lumen-gallery/lumen/internal/storage"
)

// LumenConfig is the struct used to contain the various user config
// supplied by file, or manually inside the code.
type LumenConfig struct {
	API       api.RestConfig      `yaml:"api"`
	Storage   storage.Config      `yaml:"storage" env-required:"true"`
	Converter convert.Config      `yaml:"converter" env-required:"true"`
	Geocoding media.GeocodeConfig `yaml:"geocoding"`
	Jobs      job.Config          `yaml:"jobs"`
	Progress  progress.Config     `yaml:"progress"`
	Redis     RedisConfig         `yaml:"redis"`
}

// RedisConfig describes the connection to the key/value store used for
// job record persistence.
type RedisConfig struct {
	Addr     string `yaml:"address" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// LoadFromFile loads a configuration file formatted in YAML in to a
// LumenConfig struct, applying environment variable overrides on top.
func (config *LumenConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration for Lumen - %v", err.Error())
	}

	return nil
}

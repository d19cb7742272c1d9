package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	kiloByte = 1024
	megaByte = 1024 * kiloByte
	gigaByte = 1024 * megaByte
)

type Config struct {
	Server      serverConfig      `yaml:"server"`
	Batch       batchConfig       `yaml:"batch"`
	Aggregation aggregationConfig `yaml:"aggregation"`
	Metrics     metricsConfig     `yaml:"metrics"`
	Secrets     secretsConfig     `yaml:"-"`
}

type serverConfig struct {
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
	Timeout int    `yaml:"timeout"` // seconds, per exchange request
}

type batchConfig struct {
	Size                 int    `yaml:"size"` // rows per batch
	MaxMemoryBeforeSpill uint64 `yaml:"max_memory_before_spill"`
	SpillDirectory       string `yaml:"spill_directory"`
	MaxDownloadSizeMB    int    `yaml:"max_download_size_mb"` // cap on objects pulled from remote storage
}

type aggregationConfig struct {
	// default accuracy for approx_percentile when the caller does not pass one
	DefaultAccuracy float64 `yaml:"default_accuracy"`
}

type metricsConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics"`
	MetricsPort   int    `yaml:"metrics_port"`
	MetricsHost   string `yaml:"metrics_host"`
}

// secretsConfig comes from the environment, never from yaml
type secretsConfig struct {
	AccessKey   string
	SecretKey   string
	EndpointURL string
	BucketName  string
}

var configInstance *Config = &Config{
	Server: serverConfig{
		Port:    8080,
		Host:    "localhost",
		Timeout: 30,
	},
	Batch: batchConfig{
		Size:                 1024 * 8,
		MaxMemoryBeforeSpill: uint64(gigaByte) * 2,
		SpillDirectory:       os.TempDir(),
		MaxDownloadSizeMB:    500,
	},
	Aggregation: aggregationConfig{
		DefaultAccuracy: 0.01,
	},
	Metrics: metricsConfig{
		EnableMetrics: true,
		MetricsPort:   9999,
		MetricsHost:   "localhost",
	},
}

func GetConfig() *Config {
	return configInstance
}

// Decode overwrites the global instance with values from a yaml file. Keys
// that are absent keep their defaults.
func Decode(filePath string) error {
	suffix := strings.Split(filePath, ".")[len(strings.Split(filePath, "."))-1]
	if suffix != "yaml" && suffix != "yml" {
		return errors.New("file must be a .yaml or .yml file")
	}
	r, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer r.Close()
	config := make(map[string]interface{})
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	mergeConfig(configInstance, config)
	return nil
}

// LoadSecrets pulls object-store credentials from the environment, reading a
// .env file first when one exists.
func LoadSecrets() {
	_ = godotenv.Load()
	configInstance.Secrets = secretsConfig{
		AccessKey:   os.Getenv("STORAGE_ACCESS_KEY"),
		SecretKey:   os.Getenv("STORAGE_SECRET_KEY"),
		EndpointURL: os.Getenv("STORAGE_ENDPOINT_URL"),
		BucketName:  os.Getenv("STORAGE_BUCKET_NAME"),
	}
}

func mergeConfig(dst *Config, src map[string]interface{}) {
	// =============================
	// SERVER
	// =============================
	if server, ok := src["server"].(map[string]interface{}); ok {
		if v, ok := server["port"].(int); ok {
			dst.Server.Port = v
		}
		if v, ok := server["host"].(string); ok {
			dst.Server.Host = v
		}
		if v, ok := server["timeout"].(int); ok {
			dst.Server.Timeout = v
		}
	}

	// =============================
	// BATCH
	// =============================
	if batch, ok := src["batch"].(map[string]interface{}); ok {
		if v, ok := batch["size"].(int); ok {
			dst.Batch.Size = v
		}
		if v, ok := batch["max_memory_before_spill"].(int); ok {
			dst.Batch.MaxMemoryBeforeSpill = uint64(v)
		}
		if v, ok := batch["spill_directory"].(string); ok {
			dst.Batch.SpillDirectory = v
		}
		if v, ok := batch["max_download_size_mb"].(int); ok {
			dst.Batch.MaxDownloadSizeMB = v
		}
	}

	// =============================
	// AGGREGATION
	// =============================
	if aggr, ok := src["aggregation"].(map[string]interface{}); ok {
		if v, ok := aggr["default_accuracy"].(float64); ok {
			dst.Aggregation.DefaultAccuracy = v
		}
	}

	// =============================
	// METRICS
	// =============================
	if metrics, ok := src["metrics"].(map[string]interface{}); ok {
		if v, ok := metrics["enable_metrics"].(bool); ok {
			dst.Metrics.EnableMetrics = v
		}
		if v, ok := metrics["metrics_port"].(int); ok {
			dst.Metrics.MetricsPort = v
		}
		if v, ok := metrics["metrics_host"].(string); ok {
			dst.Metrics.MetricsHost = v
		}
	}
}

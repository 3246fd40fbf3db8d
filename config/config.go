package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"memory-graph-go/storage"
)

// DefaultMemoryFile is created next to the executable when no path is given
const DefaultMemoryFile = "memory.jsonl"

type Config struct {
	Memory Memory `yaml:"memory"`
	Server Server `yaml:"server"`
	Log    Log    `yaml:"log"`
	Search Search `yaml:"search"`
}

type Memory struct {
	// Path to the memory file; relative paths resolve next to the executable
	FilePath string `yaml:"file_path" example:"memory.jsonl"`
	// Storage backend, detected from the file extension when empty
	Storage string `yaml:"storage" example:"jsonl" validate:"omitempty,oneof=jsonl sqlite"`
	// Fill a new SQLite database from a JSONL file with the same base name
	AutoMigrate bool   `yaml:"auto_migrate" example:"true"`
	SQLite      SQLite `yaml:"sqlite"`
}

type SQLite struct {
	WALMode     bool          `yaml:"wal_mode" example:"true"`
	CacheSize   int           `yaml:"cache_size" example:"10000" validate:"gte=0"`
	BusyTimeout time.Duration `yaml:"busy_timeout" example:"5s" validate:"gte=0"`
}

type Server struct {
	// stdio or sse
	Transport string `yaml:"transport" example:"stdio" validate:"required,oneof=stdio sse"`
	// Port for the SSE transport
	Port int `yaml:"port" example:"8080" validate:"required,min=1,max=65535"`
	// Public base URL announced to SSE clients
	BaseURL string `yaml:"base_url" example:"http://localhost:8080" validate:"omitempty,url"`
}

type Log struct {
	Level string `yaml:"level" example:"info" validate:"required,oneof=debug info warn error"`
	// Optional file receiving JSON logs in addition to stderr
	File string `yaml:"file" example:"/var/log/memory-graph.log"`
}

type Search struct {
	// Entities scanned per search worker
	PartitionSize int `yaml:"partition_size" example:"512" validate:"gte=0"`
	// Result cap when search_nodes is called without a limit; 0 means no cap
	DefaultLimit int `yaml:"default_limit" example:"0" validate:"gte=0"`
}

// Default returns the configuration used when no file is present
func Default() Config {
	return Config{
		Memory: Memory{
			AutoMigrate: true,
			SQLite: SQLite{
				WALMode:     true,
				CacheSize:   10000,
				BusyTimeout: 5 * time.Second,
			},
		},
		Server: Server{Transport: "stdio", Port: 8080},
		Log:    Log{Level: "info"},
		Search: Search{PartitionSize: 512},
	}
}

// Load reads the YAML file at path (a missing file means defaults), applies
// environment variables, then overrides, then validates.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	result := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, oops.In("config").With("path", path).Wrapf(err, "failed to read config file")
		default:
			if err := yaml.Unmarshal(data, &result); err != nil {
				return nil, oops.In("config").With("path", path).Wrapf(err, "failed to parse YAML config")
			}
		}
	}

	if v := os.Getenv("MEMORY_FILE_PATH"); v != "" {
		result.Memory.FilePath = v
	}
	if v := os.Getenv("MEMORY_STORAGE"); v != "" {
		result.Memory.Storage = v
	}
	if v := os.Getenv("MEMORY_LOG_LEVEL"); v != "" {
		result.Log.Level = v
	}

	for _, o := range overrides {
		o(&result)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(result); err != nil {
		return nil, oops.In("config").Wrapf(err, "failed to validate config")
	}

	return &result, nil
}

// ResolveMemoryPath turns an empty or relative path into an absolute path
// next to the executable.
func ResolveMemoryPath(memoryPath string) string {
	if memoryPath == "" {
		memoryPath = os.Getenv("MEMORY_FILE_PATH")
	}
	if memoryPath == "" {
		memoryPath = DefaultMemoryFile
	}
	if filepath.IsAbs(memoryPath) {
		return memoryPath
	}

	execPath, err := os.Executable()
	if err != nil {
		execPath = "."
	}
	return filepath.Join(filepath.Dir(execPath), memoryPath)
}

// StorageConfig builds the backend configuration
func (c *Config) StorageConfig() storage.Config {
	path := ResolveMemoryPath(c.Memory.FilePath)
	kind := c.Memory.Storage
	if kind == "" {
		kind = storage.DetectType(path)
	}
	return storage.Config{
		Type:        kind,
		FilePath:    path,
		WALMode:     c.Memory.SQLite.WALMode,
		CacheSize:   c.Memory.SQLite.CacheSize,
		BusyTimeout: c.Memory.SQLite.BusyTimeout,
	}
}

// SlogLevel maps the configured level name
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

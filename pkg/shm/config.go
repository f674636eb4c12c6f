package shm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/srediag/shmem/internal/logger"
	"github.com/srediag/shmem/pkg/security"
)

const (
	defaultMaxSwitchRegionSize = 8 << 20

	envSharedMemoryDir     = "SHMEM_DIR"
	envMappingBudget       = "SHMEM_MAPPING_BUDGET"
	envMaxSwitchRegionSize = "SHMEM_MAX_SWITCH_REGION_SIZE"
	envCheckFreeSpace      = "SHMEM_CHECK_FREE_SPACE"
)

// ByteSize is a byte count that also accepts human readable values such as
// "8 MiB" in config files and environment variables.
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("byte size: %w", err)
	}
	return b.UnmarshalText([]byte(s))
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config is the process-wide shared memory configuration.
type Config struct {
	// SharedMemoryDir is where POSIX regions are created. Empty selects
	// /dev/shm when usable, else the OS temp dir.
	SharedMemoryDir string `yaml:"shared_memory_dir" json:"shared_memory_dir"`
	// MappingBudget caps the bytes mapped at once through the default policy.
	MappingBudget ByteSize `yaml:"mapping_budget" json:"mapping_budget"`
	// MaxSwitchRegionSize caps the size accepted from a launch switch.
	MaxSwitchRegionSize ByteSize `yaml:"max_switch_region_size" json:"max_switch_region_size"`
	// CheckFreeSpace makes creation skip /dev/shm when it has no room.
	CheckFreeSpace bool `yaml:"check_free_space" json:"check_free_space"`
	LogLevel       int  `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns the configuration used until Apply is called.
func DefaultConfig() *Config {
	return &Config{
		MappingBudget:       ByteSize(security.DefaultLimit),
		MaxSwitchRegionSize: defaultMaxSwitchRegionSize,
		CheckFreeSpace:      true,
		LogLevel:            logger.Level(),
	}
}

// VerifyConfig reports the first invalid setting in config.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if config.MappingBudget == 0 {
		return errors.New("mapping_budget must be positive")
	}
	if config.MaxSwitchRegionSize == 0 || config.MaxSwitchRegionSize > maxRegionSize {
		return fmt.Errorf("max_switch_region_size must be in (0, %d]", uint64(maxRegionSize))
	}
	if config.LogLevel < logger.LevelTrace || config.LogLevel > logger.LevelNoPrint {
		return fmt.Errorf("log_level %d out of range [%d, %d]", config.LogLevel, logger.LevelTrace, logger.LevelNoPrint)
	}
	if config.SharedMemoryDir != "" {
		fi, err := os.Stat(config.SharedMemoryDir)
		if err != nil {
			return fmt.Errorf("shared_memory_dir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("shared_memory_dir %s is not a directory", config.SharedMemoryDir)
		}
	}
	return nil
}

// LoadConfig reads path as YAML, or as JSON with comments when it ends in
// .json or .jsonc, on top of DefaultConfig. SHMEM_* environment variables
// override the file.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".jsonc":
			standardized, err := hujson.Standardize(data)
			if err != nil {
				return nil, fmt.Errorf("invalid JSONC: %w", err)
			}
			if err := json.Unmarshal(standardized, config); err != nil {
				return nil, fmt.Errorf("invalid JSON: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("invalid YAML: %w", err)
			}
		}
	}
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	if v, ok := os.LookupEnv(envSharedMemoryDir); ok {
		config.SharedMemoryDir = v
	}
	for _, e := range []struct {
		name string
		dst  *ByteSize
	}{
		{envMappingBudget, &config.MappingBudget},
		{envMaxSwitchRegionSize, &config.MaxSwitchRegionSize},
	} {
		if v, ok := os.LookupEnv(e.name); ok {
			if err := e.dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", e.name, err)
			}
		}
	}
	if v, ok := os.LookupEnv(envCheckFreeSpace); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envCheckFreeSpace, err)
		}
		config.CheckFreeSpace = b
	}
	if v, ok := os.LookupEnv(logger.EnvLogLevel); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", logger.EnvLogLevel, err)
		}
		config.LogLevel = n
	}
	return nil
}

var activeConfig atomic.Pointer[Config]

func init() {
	activeConfig.Store(DefaultConfig())
}

func currentConfig() *Config {
	return activeConfig.Load()
}

// Apply installs config process-wide: the default security policy ceiling,
// the creation directory and the log level.
func Apply(config *Config) error {
	if err := VerifyConfig(config); err != nil {
		return err
	}
	c := *config
	security.Default().SetLimit(uint64(c.MappingBudget))
	logger.SetLevel(c.LogLevel)
	activeConfig.Store(&c)
	shmLogger.Infof("config applied: dir=%q budget=%s max-switch=%s",
		c.SharedMemoryDir, c.MappingBudget, c.MaxSwitchRegionSize)
	return nil
}

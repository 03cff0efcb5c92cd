package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/sdmkit/config.json"
	defaultParallel   = 2
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "SDMKIT_CONFIG"

// Config holds user-editable settings for sdmkit.
type Config struct {
	Processing Processing       `json:"processing"`
	Logging    Logging          `json:"logging"`
	Paths      Paths            `json:"paths"`
	SDM        SDMConfig        `json:"sdm"`
	Thresholds ThresholdsConfig `json:"thresholds"`
	Preprocess PreprocessConfig `json:"preprocess"`
	Check      CheckConfig      `json:"check"`
	Server     ServerConfig     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// SDMConfig locates the SDM executable.
type SDMConfig struct {
	Binary    string   `json:"binary"`    // path to sdm / sdm.bat
	Fallbacks []string `json:"fallbacks"` // names tried on PATH when Binary is missing
	WorkDir   string   `json:"work_dir"`  // SDM writes results into its working directory
	Timeout   string   `json:"timeout"`   // per-invocation limit, e.g. "2h"; empty disables
}

// Threshold mirrors SDM's "p, <p>, <peak>, <extent>" threshold arguments.
type Threshold struct {
	P      float64 `json:"p"`
	Peak   float64 `json:"peak"`
	Extent int     `json:"extent"`
}

// ThresholdsConfig holds the thresholds applied to each analysis family.
type ThresholdsConfig struct {
	Mean      Threshold `json:"mean"`
	Jackknife Threshold `json:"jackknife"`
	MetaReg   Threshold `json:"metareg"`
}

// PreprocessConfig mirrors the arguments of SDM's "pp" command.
type PreprocessConfig struct {
	Template   string  `json:"template"`
	Anisotropy float64 `json:"anisotropy"`
	FWHM       int     `json:"fwhm"`
	Mask       string  `json:"mask"`
	VoxelSize  int     `json:"voxel_size"`
}

// CheckConfig controls cluster comparisons.
type CheckConfig struct {
	Connectivity   int `json:"connectivity"` // 6, 18 or 26
	MaxConcurrency int `json:"max_concurrency"`
}

// ServerConfig configures the HTTP API and the optional gRPC listener.
type ServerConfig struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr,omitempty"` // empty disables gRPC
}

// Path returns the config file location honouring SDMKIT_CONFIG.
func Path() string {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return configPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: ".",
			DatabasePath:  filepath.Join(os.TempDir(), "sdmkit.db"),
		},
		SDM: SDMConfig{
			Binary:    "sdm",
			Fallbacks: []string{"sdm.bat", "sdm.sh"},
		},
		Thresholds: ThresholdsConfig{
			Mean:      Threshold{P: 0.005, Peak: 1, Extent: 10},
			Jackknife: Threshold{P: 0.005, Peak: 1, Extent: 10},
			MetaReg:   Threshold{P: 0.0005, Peak: 1, Extent: 10},
		},
		Preprocess: PreprocessConfig{
			Template:   "gray_matter",
			Anisotropy: 1.0,
			FWHM:       20,
			Mask:       "gray_matter",
			VoxelSize:  2,
		},
		Check: CheckConfig{
			Connectivity:   26,
			MaxConcurrency: 4,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

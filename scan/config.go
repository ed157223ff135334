package scan

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/hmgstat/qtlscan/hmm"
)

// Config carries the tunable parameters of a scan run. All tolerances are
// explicit configuration; there are no package-level defaults baked into
// the numeric code.
type Config struct {
	ErrorRate float64 `toml:"error_rate"`
	RankTol   float64 `toml:"rank_tol"`

	ScanStepCM float64 `toml:"scan_step_cm"`

	EMTol     float64 `toml:"em_tol"`
	EMMaxIter int     `toml:"em_max_iter"`

	NumThreads int `toml:"num_threads"`

	CacheDir string `toml:"cache_dir"`
	OutDir   string `toml:"output_dir"`

	MemoryLimit uint64 `toml:"memory_limit"`

	Debug bool `toml:"debug"`
}

// DefaultConfig returns a config with the values used by the examples and
// tests. Callers are expected to override per dataset.
func DefaultConfig() *Config {
	return &Config{
		ErrorRate:  1e-4,
		RankTol:    1e-8,
		ScanStepCM: 1,
		EMTol:      1e-6,
		EMMaxIter:  1000,
	}
}

// LoadConfig decodes a TOML config file and validates it.
func LoadConfig(path string) (*Config, error) {
	config := new(Config)
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ScanOptions returns the scan options this config describes.
func (c *Config) ScanOptions() ScanOptions {
	return ScanOptions{RankTol: c.RankTol, NWorkers: c.NumThreads, Quiet: !c.Debug}
}

// HMMOptions returns the genotype-probability batch options this config
// describes.
func (c *Config) HMMOptions() hmm.Options {
	return hmm.Options{Step: c.ScanStepCM, NWorkers: c.NumThreads, Quiet: !c.Debug}
}

// EstMapOptions returns the map-estimation options this config describes.
func (c *Config) EstMapOptions() hmm.EstMapOptions {
	return hmm.EstMapOptions{Tol: c.EMTol, MaxIter: c.EMMaxIter, NWorkers: c.NumThreads, Quiet: !c.Debug}
}

// CachePath returns the path of a named file under the cache directory.
func (c *Config) CachePath(name string) string {
	return filepath.Join(c.CacheDir, name)
}

// OutPath returns the path of a named file under the output directory.
func (c *Config) OutPath(name string) string {
	return filepath.Join(c.OutDir, name)
}

// EnsureDirs creates the configured cache and output directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.CacheDir, c.OutDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "create directory %s", dir)
		}
	}
	return nil
}

// Validate rejects invalid configuration eagerly, before any computation.
func (c *Config) Validate() error {
	if c.ErrorRate < 0 || c.ErrorRate >= 0.5 {
		return errors.Errorf("error_rate %g outside [0, 0.5)", c.ErrorRate)
	}
	if c.RankTol <= 0 {
		return errors.Errorf("rank_tol %g must be positive", c.RankTol)
	}
	if c.ScanStepCM < 0 {
		return errors.Errorf("scan_step_cm %g must be non-negative", c.ScanStepCM)
	}
	if c.EMTol <= 0 {
		return errors.Errorf("em_tol %g must be positive", c.EMTol)
	}
	if c.EMMaxIter <= 0 {
		return errors.Errorf("em_max_iter %d must be positive", c.EMMaxIter)
	}
	if c.NumThreads < 0 {
		return errors.Errorf("num_threads %d must be non-negative", c.NumThreads)
	}
	return nil
}

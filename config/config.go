// Package config assembles the settings of a buffer cache and the
// workload driving it. Sources, lowest precedence first: defaults, a
// JSONC file, a .env file, the process environment. Commands apply
// their flags on top.
package config

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"

	"github.com/mit-pdos/go-bcache/cache"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	NBuf       int    `json:"nbuf"`
	NShard     int    `json:"nshard"`
	Policy     string `json:"policy"`
	OnExhaust  string `json:"on_exhaust"`
	DiskFile   string `json:"disk_file,omitempty"`
	DiskBlocks uint64 `json:"disk_blocks"`
	Threads    int    `json:"threads"`
	Ops        int    `json:"ops"`
	Blocks     uint64 `json:"blocks"` // working set per device
	UseLog     bool   `json:"use_log"`
	Debug      uint64 `json:"debug"`
}

func Default() Config {
	return Config{
		NBuf:       cache.NBUF,
		NShard:     cache.NSHARD,
		Policy:     cache.LocalFirst.String(),
		OnExhaust:  cache.ExhaustWait.String(),
		DiskBlocks: 1000,
		Threads:    4,
		Ops:        10000,
		Blocks:     200,
	}
}

// Load reads path (if not empty) and envFile (if it exists) over the
// defaults, then the environment, and validates the result.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, errors.Wrapf(err, "loading %s", envFile)
			}
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return errors.Wrapf(err, "parsing config %s", path)
	}
	if err := json.Unmarshal(standardized, cfg); err != nil {
		return errors.Wrapf(err, "decoding config %s", path)
	}
	return nil
}

func (cfg *Config) loadEnv() error {
	envString("BCACHE_POLICY", &cfg.Policy)
	envString("BCACHE_EXHAUST", &cfg.OnExhaust)
	envString("BCACHE_DISK", &cfg.DiskFile)
	for _, err := range []error{
		envInt("BCACHE_NBUF", &cfg.NBuf),
		envInt("BCACHE_NSHARD", &cfg.NShard),
		envUint("BCACHE_DISK_BLOCKS", &cfg.DiskBlocks),
		envInt("BCACHE_THREADS", &cfg.Threads),
		envInt("BCACHE_OPS", &cfg.Ops),
		envUint("BCACHE_BLOCKS", &cfg.Blocks),
		envBool("BCACHE_USE_LOG", &cfg.UseLog),
		envUint("BCACHE_DEBUG", &cfg.Debug),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (cfg Config) Validate() error {
	if _, err := cfg.CacheConfig(); err != nil {
		return err
	}
	if cfg.Threads < 1 {
		return errors.Wrapf(ErrInvalid, "threads %d", cfg.Threads)
	}
	if cfg.Ops < 0 {
		return errors.Wrapf(ErrInvalid, "ops %d", cfg.Ops)
	}
	if cfg.Blocks == 0 || cfg.Blocks > cfg.DiskBlocks {
		return errors.Wrapf(ErrInvalid, "working set of %d blocks on a %d-block disk",
			cfg.Blocks, cfg.DiskBlocks)
	}
	return nil
}

// CacheConfig translates cfg into the cache's own configuration.
func (cfg Config) CacheConfig() (cache.Config, error) {
	policy, err := cache.ParsePolicy(cfg.Policy)
	if err != nil {
		return cache.Config{}, errors.Mark(err, ErrInvalid)
	}
	onExhaust, err := cache.ParseOnExhaust(cfg.OnExhaust)
	if err != nil {
		return cache.Config{}, errors.Mark(err, ErrInvalid)
	}
	cc := cache.Config{
		NBuf:      cfg.NBuf,
		NShard:    cfg.NShard,
		Policy:    policy,
		OnExhaust: onExhaust,
	}
	if err := cc.Validate(); err != nil {
		return cache.Config{}, errors.Mark(err, ErrInvalid)
	}
	return cc, nil
}

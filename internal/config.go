package internal

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/tuannm99/novaidx/internal/storage"
	"github.com/tuannm99/novaidx/internal/wal"
)

type NovaIdxConfig struct {
	AppName string `mapstructure:"app_name"`

	Storage struct {
		Workdir            string `mapstructure:"workdir"`
		PageSize           int    `mapstructure:"page_size"`
		BufferPoolCapacity int    `mapstructure:"buffer_pool_capacity"`
	} `mapstructure:"storage"`

	WAL struct {
		Enabled     bool   `mapstructure:"enabled"`
		Compression string `mapstructure:"compression"`
		Sync        bool   `mapstructure:"sync"`
	} `mapstructure:"wal"`

	BTree struct {
		LeafFillFactor        int     `mapstructure:"leaf_fillfactor"`
		NonLeafFillFactor     int     `mapstructure:"nonleaf_fillfactor"`
		SplitToleranceDivisor int     `mapstructure:"split_tolerance_divisor"`
		MoveRightProbability  float64 `mapstructure:"move_right_probability"`
		FastpathMinLevel      uint32  `mapstructure:"fastpath_min_level"`
	} `mapstructure:"btree"`

	RelCache struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"relcache"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Bench struct {
		Workers   int     `mapstructure:"workers"`
		Keys      int     `mapstructure:"keys"`
		Rate      float64 `mapstructure:"rate"`
		Unique    bool    `mapstructure:"unique"`
		Monotonic bool    `mapstructure:"monotonic"`
	} `mapstructure:"bench"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novaidx")

	v.SetDefault("storage.workdir", "./data")
	v.SetDefault("storage.page_size", storage.DefaultPageSize)
	v.SetDefault("storage.buffer_pool_capacity", 1024)

	v.SetDefault("wal.enabled", true)
	v.SetDefault("wal.compression", "lz4")
	v.SetDefault("wal.sync", true)

	v.SetDefault("btree.leaf_fillfactor", 90)
	v.SetDefault("btree.nonleaf_fillfactor", 70)
	v.SetDefault("btree.split_tolerance_divisor", 16)
	v.SetDefault("btree.move_right_probability", 0.99)
	v.SetDefault("btree.fastpath_min_level", 1)

	v.SetDefault("relcache.capacity", 128)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("bench.workers", 4)
	v.SetDefault("bench.keys", 100000)
	v.SetDefault("bench.rate", 0)
	v.SetDefault("bench.unique", true)
	v.SetDefault("bench.monotonic", false)
}

// LoadConfig reads the YAML file at path, when given, on top of the
// defaults. NOVAIDX_* environment variables override both, for example
// NOVAIDX_STORAGE_PAGE_SIZE.
func LoadConfig(path string) (*NovaIdxConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NOVAIDX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg NovaIdxConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *NovaIdxConfig) Validate() error {
	if c.Storage.Workdir == "" {
		return fmt.Errorf("config: storage.workdir is empty")
	}
	if err := storage.ValidatePageSize(c.Storage.PageSize); err != nil {
		return fmt.Errorf("config: storage.page_size: %w", err)
	}
	if c.Storage.BufferPoolCapacity < 16 {
		return fmt.Errorf("config: storage.buffer_pool_capacity %d is below 16", c.Storage.BufferPoolCapacity)
	}
	if _, err := wal.ParseCodec(c.WAL.Compression); err != nil {
		return fmt.Errorf("config: wal.compression: %w", err)
	}
	for name, ff := range map[string]int{
		"btree.leaf_fillfactor":    c.BTree.LeafFillFactor,
		"btree.nonleaf_fillfactor": c.BTree.NonLeafFillFactor,
	} {
		if ff < 10 || ff > 100 {
			return fmt.Errorf("config: %s %d out of range [10,100]", name, ff)
		}
	}
	if c.BTree.SplitToleranceDivisor < 1 {
		return fmt.Errorf("config: btree.split_tolerance_divisor must be positive")
	}
	if p := c.BTree.MoveRightProbability; p < 0 || p > 1 {
		return fmt.Errorf("config: btree.move_right_probability %v out of range [0,1]", p)
	}
	if c.RelCache.Capacity < 1 {
		return fmt.Errorf("config: relcache.capacity must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: log.format %q is neither text nor json", c.Log.Format)
	}
	return nil
}

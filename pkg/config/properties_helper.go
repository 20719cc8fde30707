package config

import (
	"os"
	"strings"

	"github.com/downfa11-org/aostore/pkg/block"
	"github.com/downfa11-org/aostore/pkg/codec"
	"github.com/downfa11-org/aostore/pkg/segfile"
	"github.com/downfa11-org/aostore/pkg/seqalloc"
	"github.com/downfa11-org/aostore/util"
)

func (cfg *Config) Normalize() {
	// storage layout
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "ao-data"
	}
	if strings.TrimSpace(cfg.CatalogPath) == "" {
		cfg.CatalogPath = DefaultCatalogPath(cfg.DataDir)
	}

	// relation defaults
	if cfg.BlockSize == 0 {
		cfg.BlockSize = block.DefaultBlockSize
	}
	if !block.ValidBlockSize(cfg.BlockSize) {
		util.Warn("Invalid block_size %d, defaulting to %d", cfg.BlockSize, block.DefaultBlockSize)
		cfg.BlockSize = block.DefaultBlockSize
	}
	cfg.CompressType = strings.ToLower(strings.TrimSpace(cfg.CompressType))
	if cfg.CompressType == "" {
		cfg.CompressType = "none"
	}
	if !knownCodec(cfg.CompressType) {
		util.Warn("Invalid compress_type '%s', defaulting to 'none'", cfg.CompressType)
		cfg.CompressType = "none"
	}
	if _, err := codec.Lookup(cfg.CompressType, cfg.CompressLevel); err != nil {
		util.Warn("Invalid compress_level %d for %s, defaulting to 1", cfg.CompressLevel, cfg.CompressType)
		cfg.CompressLevel = 1
	}

	// writers and readers
	if cfg.SeqBatchSize <= 0 {
		cfg.SeqBatchSize = seqalloc.DefaultBatchSize
	}
	if cfg.MinSavings < 0 {
		cfg.MinSavings = 0
	}
	if cfg.CopyChunkSize <= 0 {
		cfg.CopyChunkSize = segfile.DefaultCopyChunkSize
	}
	if cfg.BlockCacheBytes < 0 {
		cfg.BlockCacheBytes = 0
	}

	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}
}

func knownCodec(name string) bool {
	for _, n := range codec.Names {
		if n == name {
			return true
		}
	}
	return false
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt64(v, *target)
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

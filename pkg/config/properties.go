package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
	"gopkg.in/yaml.v3"
)

// Config holds the storage engine settings.
type Config struct {
	// Storage layout
	DataDir     string `yaml:"data_dir" json:"data.dir"`
	CatalogPath string `yaml:"catalog_path" json:"catalog.path"`

	// Defaults for newly created relations
	BlockSize     int    `yaml:"block_size" json:"block.size"`
	CompressType  string `yaml:"compress_type" json:"compress.type"`
	CompressLevel int    `yaml:"compress_level" json:"compress.level"`
	Checksum      bool   `yaml:"checksum" json:"checksum"`

	// Writers and readers
	SeqBatchSize    int64 `yaml:"seq_batch_size" json:"seq.batch.size"`
	MinSavings      int   `yaml:"compress_min_savings" json:"compress.min.savings"`
	CopyChunkSize   int   `yaml:"copy_chunk_size" json:"copy.chunk.size"`
	BlockCacheBytes int64 `yaml:"block_cache_bytes" json:"block.cache.bytes"`

	// Catalog database
	BusyTimeoutMS int `yaml:"busy_timeout_ms" json:"busy.timeout.ms"`

	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`
	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port"`
}

// Default returns a normalized configuration with every default applied.
func Default() *Config {
	cfg := &Config{Checksum: true}
	cfg.Normalize()
	return cfg
}

// RelationOptions are the storage options new relations get unless the
// caller overrides them.
func (cfg *Config) RelationOptions() types.RelationOptions {
	return types.RelationOptions{
		BlockSize:     cfg.BlockSize,
		CompressType:  cfg.CompressType,
		CompressLevel: cfg.CompressLevel,
		Checksum:      cfg.Checksum,
	}
}

// LoadConfig reads the process command line.
func LoadConfig() (*Config, error) {
	return Load(flag.CommandLine, os.Args[1:])
}

// Load registers the engine flags on fs and builds a Config from, in order of
// precedence: explicitly set flags, AO_* environment variables, the optional
// YAML/JSON config file, then flag defaults.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	configPath := fs.String("config", "", "Path to YAML/JSON config file")
	fs.StringVar(&cfg.DataDir, "data-dir", "ao-data", "Directory holding relation segment files")
	fs.StringVar(&cfg.CatalogPath, "catalog", "", "Catalog database path (default: <data-dir>/catalog.db)")
	fs.IntVar(&cfg.BlockSize, "block-size", 32768, "Block size in bytes for new relations")
	fs.StringVar(&cfg.CompressType, "compress-type", "none", "Compression for new relations (none, zlib, gzip, lz4, snappy, zstd)")
	fs.IntVar(&cfg.CompressLevel, "compress-level", 1, "Compression level for new relations")
	fs.BoolVar(&cfg.Checksum, "checksum", true, "Checksum block content of new relations")
	fs.Int64Var(&cfg.SeqBatchSize, "seq-batch", 100, "Row numbers reserved per sequence allocation")
	fs.IntVar(&cfg.MinSavings, "compress-min-savings", 0, "Bytes compression must save before a block is stored compressed")
	fs.IntVar(&cfg.CopyChunkSize, "copy-chunk", 1<<20, "Chunk size for segment file copies")
	fs.Int64Var(&cfg.BlockCacheBytes, "block-cache", 0, "Decoded block cache size in bytes (0 disables)")
	fs.IntVar(&cfg.BusyTimeoutMS, "busy-timeout-ms", 5000, "Catalog database busy timeout")
	logLevelStr := fs.String("log-level", "info", "Log Level (debug, info, warn, error)")
	fs.BoolVar(&cfg.EnableExporter, "exporter", false, "Enable Prometheus exporter")
	fs.IntVar(&cfg.ExporterPort, "exporter-port", 9100, "Exporter port")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.LogLevel = util.ParseLogLevel(*logLevelStr)

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	flagged := *cfg
	if *configPath != "" {
		if err := readFile(*configPath, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	restoreExplicit(cfg, &flagged, explicit)

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// restoreExplicit puts back the values of flags given on the command line.
func restoreExplicit(cfg, flagged *Config, explicit map[string]bool) {
	for name := range explicit {
		switch name {
		case "data-dir":
			cfg.DataDir = flagged.DataDir
		case "catalog":
			cfg.CatalogPath = flagged.CatalogPath
		case "block-size":
			cfg.BlockSize = flagged.BlockSize
		case "compress-type":
			cfg.CompressType = flagged.CompressType
		case "compress-level":
			cfg.CompressLevel = flagged.CompressLevel
		case "checksum":
			cfg.Checksum = flagged.Checksum
		case "seq-batch":
			cfg.SeqBatchSize = flagged.SeqBatchSize
		case "compress-min-savings":
			cfg.MinSavings = flagged.MinSavings
		case "copy-chunk":
			cfg.CopyChunkSize = flagged.CopyChunkSize
		case "block-cache":
			cfg.BlockCacheBytes = flagged.BlockCacheBytes
		case "busy-timeout-ms":
			cfg.BusyTimeoutMS = flagged.BusyTimeoutMS
		case "log-level":
			cfg.LogLevel = flagged.LogLevel
		case "exporter":
			cfg.EnableExporter = flagged.EnableExporter
		case "exporter-port":
			cfg.ExporterPort = flagged.ExporterPort
		}
	}
}

func applyEnv(cfg *Config) {
	overrideEnvString(&cfg.DataDir, "AO_DATA_DIR")
	overrideEnvString(&cfg.CatalogPath, "AO_CATALOG_PATH")
	overrideEnvInt(&cfg.BlockSize, "AO_BLOCK_SIZE")
	overrideEnvString(&cfg.CompressType, "AO_COMPRESS_TYPE")
	overrideEnvInt(&cfg.CompressLevel, "AO_COMPRESS_LEVEL")
	overrideEnvBool(&cfg.Checksum, "AO_CHECKSUM")
	overrideEnvInt64(&cfg.SeqBatchSize, "AO_SEQ_BATCH_SIZE")
	overrideEnvInt(&cfg.MinSavings, "AO_COMPRESS_MIN_SAVINGS")
	overrideEnvInt(&cfg.CopyChunkSize, "AO_COPY_CHUNK_SIZE")
	overrideEnvInt64(&cfg.BlockCacheBytes, "AO_BLOCK_CACHE_BYTES")
	overrideEnvInt(&cfg.BusyTimeoutMS, "AO_BUSY_TIMEOUT_MS")
	if v := os.Getenv("AO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = util.ParseLogLevel(v)
	}
	overrideEnvBool(&cfg.EnableExporter, "AO_ENABLE_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, "AO_EXPORTER_PORT")
}

// DefaultCatalogPath is where the catalog lives when CatalogPath is unset.
func DefaultCatalogPath(dataDir string) string {
	return filepath.Join(dataDir, "catalog.db")
}

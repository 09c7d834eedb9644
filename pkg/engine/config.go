package engine

import (
	"encoding/json"
	"log"
	"os"

	"github.com/xyproto/env/v2"

	"xlate/pkg/backend"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
)

// Config represents the engine configuration, loadable from a JSON file
type Config struct {
	Host             string `json:"host"`              // amd64, arm64, riscv64 or generic; empty selects the running host
	MaxBlockInsns    int    `json:"max_block_insns"`   // guest instructions per translation block
	TLBSets          int    `json:"tlb_sets"`          // soft TLB sets per context, a power of two
	MaxBlocks        int    `json:"max_blocks"`        // resident blocks before eviction
	MaxCodeBytes     int    `json:"max_code_bytes"`    // resident host code before eviction
	ArenaSize        int    `json:"arena_size"`        // native code arena, hosts with an encoder only
	FailureBlacklist int    `json:"failure_blacklist"` // consecutive failures before a PC is only interpreted, 0 disables
	VerifyCode       bool   `json:"verify_code"`       // re-hash guest code on every cache hit
	DisableChaining  bool   `json:"disable_chaining"`
	Verbose          bool   `json:"verbose"`

	Logger *log.Logger `json:"-"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		MaxBlockInsns:    constants.DefaultMaxBlockInsns,
		TLBSets:          constants.DefaultTLBSets,
		MaxBlocks:        constants.DefaultMaxBlocks,
		MaxCodeBytes:     constants.DefaultMaxCodeBytes,
		ArenaSize:        constants.DefaultCodeArenaSize,
		FailureBlacklist: constants.FailureBlacklist,
	}
}

// LoadConfig reads a JSON file over the defaults. Fields missing from the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.WrapConfigError(err, "reading "+path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, xerrors.WrapConfigError(err, "parsing "+path)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from XLATE_* environment variables.
func (c *Config) ApplyEnv() {
	c.Host = env.Str("XLATE_HOST", c.Host)
	c.MaxBlockInsns = env.Int("XLATE_MAX_BLOCK_INSNS", c.MaxBlockInsns)
	c.TLBSets = env.Int("XLATE_TLB_SETS", c.TLBSets)
	c.MaxBlocks = env.Int("XLATE_MAX_BLOCKS", c.MaxBlocks)
	c.MaxCodeBytes = env.Int("XLATE_MAX_CODE_BYTES", c.MaxCodeBytes)
	c.ArenaSize = env.Int("XLATE_ARENA_SIZE", c.ArenaSize)
	c.FailureBlacklist = env.Int("XLATE_FAILURE_BLACKLIST", c.FailureBlacklist)
	if env.Has("XLATE_VERIFY_CODE") {
		c.VerifyCode = env.Bool("XLATE_VERIFY_CODE")
	}
	if env.Has("XLATE_DISABLE_CHAINING") {
		c.DisableChaining = env.Bool("XLATE_DISABLE_CHAINING")
	}
	if env.Has("XLATE_VERBOSE") {
		c.Verbose = env.Bool("XLATE_VERBOSE")
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Host != "" {
		if _, err := backend.ParseHostArch(c.Host); err != nil {
			return xerrors.WrapConfigError(err, "host")
		}
	}
	if c.MaxBlockInsns <= 0 {
		return xerrors.ConfigErrorf("max_block_insns must be positive, got %d", c.MaxBlockInsns)
	}
	if c.TLBSets <= 0 || c.TLBSets&(c.TLBSets-1) != 0 {
		return xerrors.ConfigErrorf("tlb_sets must be a power of two, got %d", c.TLBSets)
	}
	if c.MaxBlocks <= 0 || c.MaxCodeBytes <= 0 {
		return xerrors.ConfigErrorf("cache limits must be positive")
	}
	if c.FailureBlacklist < 0 {
		return xerrors.ConfigErrorf("failure_blacklist must not be negative")
	}
	return nil
}

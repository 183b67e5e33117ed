package catalog

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/internal/pack"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// LayoutKeys are the file configuration keys that describe bytes already on
// disk. They are preserved verbatim by import.
var LayoutKeys = []string{
	"allocation_size",
	"block_allocation",
	"block_compressor",
	"checksum",
	"collator",
	"columns",
	"dictionary",
	"encryption",
	"format",
	"huffman_key",
	"huffman_value",
	"internal_key_truncate",
	"internal_page_max",
	"key_format",
	"leaf_page_max",
	"prefix_compression",
	"prefix_compression_min",
	"value_format",
}

// FillLayout returns a copy of cfg in which every layout key cfg lacks is
// taken from recorded, the configuration stored with the data file.
func FillLayout(cfg, recorded *confstr.Record) *confstr.Record {
	out := cfg.Clone()
	if recorded == nil {
		return out
	}
	for _, k := range LayoutKeys {
		if out.Has(k) {
			continue
		}
		if v, ok := recorded.Get(k); ok {
			out.Set(k, v)
		}
	}
	return out
}

// knownCompressors are the block compressors whose names a file may
// advertise. Pages written by this engine are never compressed; a page that
// arrives compressed fails to read with types.ErrIncompatibleLayout.
var knownCompressors = map[string]bool{
	"":       true,
	"none":   true,
	"lz4":    true,
	"snappy": true,
	"zlib":   true,
	"zstd":   true,
}

// FileLayout derives the physical layout declared by a file configuration.
func FileLayout(cfg *confstr.Record) (block.Layout, error) {
	if err := checkOpenable(cfg); err != nil {
		return block.Layout{}, err
	}
	var l block.Layout
	var err error

	if l.AllocationSize, err = sizeOf(cfg, "allocation_size"); err != nil {
		return block.Layout{}, err
	}
	if !block.ValidAllocationSize(l.AllocationSize) {
		return block.Layout{}, fmt.Errorf("%w: allocation_size %d is not a power of two in [%d, %d]",
			types.ErrIncompatibleLayout, l.AllocationSize, block.MinAllocationSize, block.MaxAllocationSize)
	}
	if l.LeafPageMax, err = sizeOf(cfg, "leaf_page_max"); err != nil {
		return block.Layout{}, err
	}
	if l.InternalPageMax, err = sizeOf(cfg, "internal_page_max"); err != nil {
		return block.Layout{}, err
	}
	mode, _ := cfg.GetString("checksum")
	if l.Checksum, err = block.ParseChecksum(mode); err != nil {
		return block.Layout{}, err
	}
	switch alloc, _ := cfg.GetString("block_allocation"); alloc {
	case "", "best":
	case "first":
		l.FirstFit = true
	default:
		return block.Layout{}, fmt.Errorf("%w: block_allocation=%s", types.ErrIncompatibleLayout, alloc)
	}
	return l, nil
}

func sizeOf(cfg *confstr.Record, key string) (int64, error) {
	n, ok, err := cfg.GetSize(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s missing", types.ErrMalformedConfig, key)
	}
	return n, nil
}

// checkOpenable fails with types.ErrIncompatibleLayout when this engine
// cannot read files written with cfg.
func checkOpenable(cfg *confstr.Record) error {
	if f, _ := cfg.GetString("format"); f != "" && f != "btree" {
		return fmt.Errorf("%w: format=%s", types.ErrIncompatibleLayout, f)
	}
	if c, _ := cfg.GetString("block_compressor"); !knownCompressors[c] {
		return fmt.Errorf("%w: block_compressor=%s", types.ErrIncompatibleLayout, c)
	}
	if name, _ := cfg.GetString("encryption.name"); name != "" && name != "none" {
		return fmt.Errorf("%w: encryption=%s", types.ErrIncompatibleLayout, name)
	}
	if err := checkCollator(cfg); err != nil {
		return err
	}
	if c, ok := cfg.GetString("checksum"); ok {
		if _, err := block.ParseChecksum(c); err != nil {
			return err
		}
	}
	return checkFormats(cfg)
}

func checkCollator(cfg *confstr.Record) error {
	if c, _ := cfg.GetString("collator"); c != "" && c != "none" {
		return fmt.Errorf("%w: collator=%s", types.ErrIncompatibleLayout, c)
	}
	return nil
}

// checkFormats fails when the key or value format cannot be decoded.
func checkFormats(cfg *confstr.Record) error {
	for _, key := range []string{"key_format", "value_format"} {
		f, _ := cfg.GetString(key)
		if f == "" {
			continue
		}
		if _, err := pack.ParseFormat(f); err != nil {
			return fmt.Errorf("%w: %s=%s: %v", types.ErrIncompatibleLayout, key, f, err)
		}
	}
	return nil
}

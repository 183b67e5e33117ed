package catalog

import (
	"fmt"
	"sort"

	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Default configurations, one per object kind. Every key an entry of that
// kind may carry appears here, so a filled record lists its complete
// configuration.
var (
	fileDefaults = confstr.MustParse("access_pattern_hint=none,allocation_size=4KB,app_metadata=," +
		"assert=(commit_timestamp=none,durable_timestamp=none,read_timestamp=none)," +
		"block_allocation=best,block_compressor=,cache_resident=false,checksum=on,collator=," +
		"columns=,dictionary=0,encryption=(keyid=,name=),format=btree,huffman_key=,huffman_value=," +
		"ignore_in_memory_cache_size=false,immutable=false,internal_item_max=0,internal_key_max=0," +
		"internal_key_truncate=true,internal_page_max=4KB,key_format=u,key_gap=10,leaf_item_max=0," +
		"leaf_key_max=0,leaf_page_max=32KB,leaf_value_max=0,log=(enabled=true),memory_page_image_max=0," +
		"memory_page_max=5MB,os_cache_dirty_max=0,os_cache_max=0,prefix_compression=false," +
		"prefix_compression_min=4,split_deepen_min_child=0,split_deepen_per_child=0,split_pct=90," +
		"value_format=u")

	tableDefaults = confstr.MustParse("app_metadata=,colgroups=,collator=,columns=,key_format=u,value_format=u")

	colGroupDefaults = confstr.MustParse("app_metadata=,collator=,columns=,source=,type=file")
)

// createOnly keys are accepted by Create but never stored.
var createOnly = map[string]bool{
	"exclusive": true,
	"extractor": true,
	"source":    true,
	"type":      true,
}

// perInstance keys describe state local to the instance that wrote an
// entry. They are dropped on import.
var perInstance = []string{"id", "checkpoint", "checkpoint_lsn", "checkpoint_backup_info"}

// Defaults returns a copy of the default configuration for kind.
func Defaults(kind types.Kind) *confstr.Record {
	switch kind {
	case types.KindFile:
		return fileDefaults.Clone()
	case types.KindTable:
		return tableDefaults.Clone()
	case types.KindColGroup:
		return colGroupDefaults.Clone()
	default:
		return confstr.New()
	}
}

// project returns the entries of cfg whose keys belong to an entry of kind.
func project(cfg *confstr.Record, kind types.Kind) *confstr.Record {
	defs := Defaults(kind)
	out := confstr.New()
	for _, e := range cfg.Entries() {
		if defs.Has(e.Key) {
			out.Set(e.Key, e.Value)
		}
	}
	return out
}

// checkKnownKeys fails when cfg holds a key no object kind accepts.
func checkKnownKeys(cfg *confstr.Record) error {
	var unknown []string
	for _, k := range cfg.Keys() {
		if createOnly[k] || fileDefaults.Has(k) || tableDefaults.Has(k) || colGroupDefaults.Has(k) {
			continue
		}
		unknown = append(unknown, k)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown configuration keys %v", types.ErrMalformedConfig, unknown)
	}
	return nil
}

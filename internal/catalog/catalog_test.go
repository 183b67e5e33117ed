package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

const mdbParams = "access_pattern_hint=none,allocation_size=4K,app_metadata=," +
	"assert=(commit_timestamp=none,durable_timestamp=none,read_timestamp=none)," +
	"block_allocation=best,block_compressor=\"zlib\",cache_resident=false,checksum=\"uncompressed\"," +
	"colgroups=,collator=,columns=,dictionary=0,encryption=(keyid=,name=),exclusive=false,extractor=," +
	"format=btree,huffman_key=,huffman_value=,ignore_in_memory_cache_size=false,immutable=false," +
	"internal_item_max=0,internal_key_max=1607,internal_key_truncate=true,internal_page_max=65536," +
	"key_format=u,key_gap=14,leaf_item_max=0,leaf_key_max=98,leaf_page_max=4096,leaf_value_max=40960," +
	"log=(enabled=true),memory_page_image_max=0,memory_page_max=4194304,os_cache_dirty_max=0," +
	"os_cache_max=0,prefix_compression=false,prefix_compression_min=4,source=,split_deepen_min_child=0," +
	"split_deepen_per_child=0,split_pct=86,type=file,value_format=u"

func mustURI(t *testing.T, s string) types.URI {
	t.Helper()
	u, err := types.ParseURI(s)
	require.NoError(t, err)
	return u
}

func planAll(t *testing.T, v View, uri, cfg string) []Object {
	t.Helper()
	objs, err := Plan(mustURI(t, uri), confstr.MustParse(cfg), v)
	require.NoError(t, err)
	for _, o := range objs {
		v[o.URI.String()] = o.Config
	}
	return objs
}

// colgroupView builds the catalog of a table split into two groups.
func colgroupView(t *testing.T) View {
	v := View{}
	planAll(t, v, "table:t", "key_format=iS,value_format=SiSi,columns=(ikey,Skey,S1,i2,S3,i4),colgroups=(c1,c2)")
	planAll(t, v, "colgroup:t:c1", "allocation_size=512,columns=(S1,i2)")
	planAll(t, v, "colgroup:t:c2", "allocation_size=512,columns=(S3,i4)")
	return v
}

func TestPlanFileFillsDefaults(t *testing.T) {
	objs := planAll(t, View{}, "file:test_import_file", mdbParams)
	require.Len(t, objs, 1)
	cfg := objs[0].Config

	assert.False(t, cfg.Has("exclusive"), "create-only keys are not stored")
	assert.False(t, cfg.Has("source"))
	alloc, _ := cfg.GetString("allocation_size")
	assert.Equal(t, "4K", alloc)
	compressor, _ := cfg.GetString("block_compressor")
	assert.Equal(t, "zlib", compressor)

	l, err := FileLayout(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), l.AllocationSize)
	assert.Equal(t, block.ChecksumUncompressed, l.Checksum)
	assert.Equal(t, int64(65536), l.InternalPageMax)
}

func TestPlanTableWithoutGroups(t *testing.T) {
	objs := planAll(t, View{}, "table:ximportx", "allocation_size=512,key_format=q,value_format=S")
	require.Len(t, objs, 3)
	assert.Equal(t, "table:ximportx", objs[0].URI.String())
	assert.Equal(t, "colgroup:ximportx", objs[1].URI.String())
	assert.Equal(t, "file:ximportx.wt", objs[2].URI.String())

	src, _ := objs[1].Config.GetString("source")
	assert.Equal(t, "file:ximportx.wt", src)
	vf, _ := objs[2].Config.GetString("value_format")
	assert.Equal(t, "S", vf)
	alloc, _ := objs[2].Config.GetString("allocation_size")
	assert.Equal(t, "512", alloc)
	assert.False(t, objs[0].Config.Has("allocation_size"))
}

func TestPlanColGroup(t *testing.T) {
	v := colgroupView(t)
	file := v["file:t_c1.wt"]
	require.NotNil(t, file)
	kf, _ := file.GetString("key_format")
	vf, _ := file.GetString("value_format")
	assert.Equal(t, "iS", kf)
	assert.Equal(t, "Si", vf)

	_, err := Plan(mustURI(t, "colgroup:missing:c1"), confstr.New(), v)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = Plan(mustURI(t, "file:x"), confstr.MustParse("bogus=1"), v)
	assert.ErrorIs(t, err, types.ErrMalformedConfig)
}

func TestReconcile(t *testing.T) {
	src := planAll(t, View{}, "file:f", mdbParams)[0].Config
	imported := src.Clone()
	imported.Set("id", confstr.Scalar("7"))
	imported.Set("checkpoint", confstr.MustParse("x=(addr=\"01\",order=1)").Entries()[0].Value)
	imported.Set("checkpoint_lsn", confstr.Scalar("(1,0)"))

	got, err := Reconcile(imported, mustURI(t, "file:f"))
	require.NoError(t, err)
	assert.Equal(t, src.String(), got.String())

	// Missing non-layout keys come from the defaults.
	sparse := confstr.MustParse("allocation_size=512,leaf_page_max=4K,internal_page_max=4K,key_format=q,value_format=S")
	got, err = Reconcile(sparse, mustURI(t, "file:g"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(types.KindFile).Len(), got.Len())
	alloc, _ := got.GetString("allocation_size")
	assert.Equal(t, "512", alloc)
}

func TestReconcileColGroupSource(t *testing.T) {
	cg := confstr.MustParse(`app_metadata=,collator=,columns=(S1,i2),source="file:elsewhere.wt",type=file`)
	got, err := Reconcile(cg, mustURI(t, "colgroup:t:c1"))
	require.NoError(t, err)
	src, _ := got.GetString("source")
	assert.Equal(t, "file:t_c1.wt", src)
	cols, err := got.GetList("columns")
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "i2"}, cols)
}

func TestReconcileIncompatible(t *testing.T) {
	base := "allocation_size=4K,leaf_page_max=32K,internal_page_max=4K,key_format=u,value_format=u"
	tests := []struct {
		name    string
		cfg     string
		wantErr error
	}{
		{"lsm format", base + ",format=lsm", types.ErrIncompatibleLayout},
		{"unknown checksum", base + ",checksum=xxhash", types.ErrIncompatibleLayout},
		{"unknown compressor", base + ",block_compressor=brotli", types.ErrIncompatibleLayout},
		{"encrypted", base + ",encryption=(keyid=k,name=rotn)", types.ErrIncompatibleLayout},
		{"custom collator", base + ",collator=reverse", types.ErrIncompatibleLayout},
		{"bad key format", "allocation_size=4K,leaf_page_max=32K,internal_page_max=4K,key_format=Z", types.ErrIncompatibleLayout},
		{"bad allocation size", "allocation_size=3000,leaf_page_max=32K,internal_page_max=4K", types.ErrIncompatibleLayout},
		{"unknown key", base + ",mystery=1", types.ErrMalformedConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Reconcile(confstr.MustParse(tt.cfg), mustURI(t, "file:f"))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckIntegrity(t *testing.T) {
	v := colgroupView(t)
	assert.NoError(t, CheckIntegrity(v, "t"))

	// A table still missing a group is acceptable unless complete.
	partial := View{}
	for k, c := range v {
		if k != "colgroup:t:c2" && k != "file:t_c2.wt" {
			partial[k] = c
		}
	}
	assert.NoError(t, CheckIntegrity(partial))
	assert.ErrorIs(t, CheckIntegrity(partial, "t"), types.ErrDanglingReference)

	orphan := View{}
	for k, c := range v {
		if k != "table:t" {
			orphan[k] = c
		}
	}
	assert.ErrorIs(t, CheckIntegrity(orphan), types.ErrDanglingReference)

	noFile := View{}
	for k, c := range v {
		if k != "file:t_c1.wt" {
			noFile[k] = c
		}
	}
	assert.ErrorIs(t, CheckIntegrity(noFile), types.ErrDanglingReference)

	overlap := View{}
	for k, c := range v {
		overlap[k] = c
	}
	bad := v["colgroup:t:c2"].Clone()
	bad.Set("columns", confstr.List("S1", "i4"))
	overlap["colgroup:t:c2"] = bad
	assert.ErrorIs(t, CheckIntegrity(overlap), types.ErrMalformedConfig)
}

func TestDescriptorRoundTrip(t *testing.T) {
	v := colgroupView(t)
	d := &Descriptor{
		File:     v["file:t_c1.wt"],
		Table:    &Object{URI: mustURI(t, "table:t"), Config: v["table:t"]},
		ColGroup: &Object{URI: mustURI(t, "colgroup:t:c1"), Config: v["colgroup:t:c1"]},
	}
	got, err := ParseDescriptor(d.String())
	require.NoError(t, err)
	assert.Equal(t, d.File.String(), got.File.String())
	require.NotNil(t, got.Table)
	assert.Equal(t, "table:t", got.Table.URI.String())
	assert.Equal(t, v["table:t"].String(), got.Table.Config.String())
	require.NotNil(t, got.ColGroup)
	assert.Equal(t, v["colgroup:t:c1"].String(), got.ColGroup.Config.String())

	plain, err := ParseDescriptor((&Descriptor{File: v["file:t_c2.wt"]}).String())
	require.NoError(t, err)
	assert.Nil(t, plain.Table)

	_, err = ParseDescriptor("table=(uri=x)")
	assert.ErrorIs(t, err, types.ErrMalformedConfig)
}

func TestBatch(t *testing.T) {
	b := NewBatch()
	a := mustURI(t, "file:a")
	require.NoError(t, b.Insert(a, confstr.New()))
	assert.ErrorIs(t, b.Insert(a, confstr.New()), types.ErrNameInUse)

	b.Remove(a)
	assert.Equal(t, 0, b.Len(), "removing a staged insert cancels it")

	b.Remove(mustURI(t, "file:b"))
	e, ok := b.Lookup(mustURI(t, "file:b"))
	require.True(t, ok)
	assert.Equal(t, OpRemove, e.Op)

	v := View{"file:b": confstr.New()}
	require.NoError(t, b.Insert(a, confstr.New()))
	b.ApplyTo(v)
	assert.Contains(t, v, "file:a")
	assert.NotContains(t, v, "file:b")

	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestStoreApply(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	b := NewBatch()
	for _, o := range planAll(t, View{}, "table:x", "key_format=q,value_format=S") {
		require.NoError(t, b.Insert(o.URI, o.Config))
	}
	require.NoError(t, s.Apply(b, "x"))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "colgroup:x", entries[0].URI)
	assert.Equal(t, "file:x.wt", entries[1].URI)
	assert.Equal(t, "table:x", entries[2].URI)

	id, err := s.FileID(mustURI(t, "file:x.wt"))
	require.NoError(t, err)
	assert.NotEqual(t, [16]byte{}, [16]byte(id))

	// Re-inserting fails and leaves the catalog as it was.
	err = s.Apply(b, "x")
	assert.ErrorIs(t, err, types.ErrNameInUse)
	after, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, entries, after)

	// Removing the file alone would leave the group dangling.
	rm := NewBatch()
	rm.Remove(mustURI(t, "file:x.wt"))
	assert.ErrorIs(t, s.Apply(rm), types.ErrDanglingReference)
	ok, err := s.Has(mustURI(t, "file:x.wt"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Text(mustURI(t, "table:nope"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStoreCheckpoints(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	u := mustURI(t, "file:f")
	b := NewBatch()
	require.NoError(t, b.Insert(u, planAll(t, View{}, "file:f", "")[0].Config))
	require.NoError(t, s.Apply(b))

	_, ok, err := s.CheckpointOf(u)
	require.NoError(t, err)
	assert.False(t, ok)

	cp := Checkpoint{Root: block.Addr{Offset: 4096, Size: 4096, Checksum: 0xabcdef01}, Generation: 3, WrittenAt: time.Now()}
	require.NoError(t, s.RecordCheckpoint(u, cp))
	cp.Generation = 4
	require.NoError(t, s.RecordCheckpoint(u, cp))

	got, ok, err := s.CheckpointOf(u)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cp.Root, got.Root)
	assert.Equal(t, uint64(4), got.Generation)
}

func TestStoreClosed(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	u := mustURI(t, "file:f")
	_, err = s.FileID(u)
	assert.ErrorIs(t, err, types.ErrConnectionClosed)
	_, _, err = s.CheckpointOf(u)
	assert.ErrorIs(t, err, types.ErrConnectionClosed)
	_, err = s.Text(u)
	assert.ErrorIs(t, err, types.ErrConnectionClosed)
	assert.ErrorIs(t, s.RecordCheckpoint(u, Checkpoint{}), types.ErrConnectionClosed)
}

func TestFillLayout(t *testing.T) {
	recorded := confstr.MustParse("allocation_size=512,checksum=off,leaf_page_max=16KB,app_metadata=x,key_format=S")
	got := FillLayout(confstr.MustParse("key_format=u,value_format=S"), recorded)

	n, _, err := got.GetSize("allocation_size")
	require.NoError(t, err)
	assert.Equal(t, int64(512), n)
	c, _ := got.GetString("checksum")
	assert.Equal(t, "off", c)
	kf, _ := got.GetString("key_format")
	assert.Equal(t, "u", kf, "supplied keys win")
	assert.False(t, got.Has("app_metadata"), "only layout keys are filled")

	assert.Equal(t, "key_format=u", FillLayout(confstr.MustParse("key_format=u"), nil).String())
}

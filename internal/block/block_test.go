package block

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellar/internal/svarint"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

func testLayout() Layout {
	return Layout{
		AllocationSize:  512,
		Checksum:        ChecksumOn,
		LeafPageMax:     4096,
		InternalPageMax: 4096,
	}
}

func leafPage(payload string) []byte {
	return EncodePage(PageHeader{Type: PageLeaf, Entries: 1}, []byte(payload))
}

// newFile creates a file holding one checkpointed leaf page and returns its
// path and the root address.
func newFile(t *testing.T) (string, Addr) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.wt")
	m, err := Create(path, testLayout(), "key_format=q,value_format=S")
	require.NoError(t, err)
	root, err := m.Write(leafPage("hello"))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(root))
	require.NoError(t, m.Close())
	return path, root
}

func TestCreateAttachRoundTrip(t *testing.T) {
	path, root := newFile(t)

	desc, err := ReadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "key_format=q,value_format=S", desc)

	m, err := Attach(path, testLayout(), AttachOptions{})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, root, m.Root())
	assert.Equal(t, uint64(1), m.Generation())

	buf, err := m.ReadVerified(m.Root())
	require.NoError(t, err)
	ph, err := DecodePageHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, PageLeaf, ph.Type)
	assert.Equal(t, "hello", string(PageData(buf, ph)))

	d, err := m.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, desc, d)
}

func TestCreateExistingFile(t *testing.T) {
	path, _ := newFile(t)
	_, err := Create(path, testLayout(), "")
	assert.ErrorIs(t, err, types.ErrNameInUse)
}

func TestAttachIdentityIsFresh(t *testing.T) {
	path, _ := newFile(t)

	a, err := Attach(path, testLayout(), AttachOptions{})
	require.NoError(t, err)
	id := a.ID()
	require.NoError(t, a.Close())

	b, err := Attach(path, testLayout(), AttachOptions{})
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, id, b.ID())
}

func TestAttachErrors(t *testing.T) {
	path, _ := newFile(t)

	tests := []struct {
		name    string
		layout  func(Layout) Layout
		wantErr error
	}{
		{
			name:    "allocation size differs",
			layout:  func(l Layout) Layout { l.AllocationSize = 1024; return l },
			wantErr: types.ErrAllocationSizeMismatch,
		},
		{
			name:    "checksum mode differs",
			layout:  func(l Layout) Layout { l.Checksum = ChecksumOff; return l },
			wantErr: types.ErrIncompatibleLayout,
		},
		{
			name:    "leaf page max not a multiple",
			layout:  func(l Layout) Layout { l.LeafPageMax = 1000; return l },
			wantErr: types.ErrAllocationSizeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Attach(path, tt.layout(testLayout()), AttachOptions{})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := Attach(filepath.Join(t.TempDir(), "missing.wt"), testLayout(), AttachOptions{})
	assert.ErrorIs(t, err, types.ErrFileMissing)
}

func TestAttachToleratesAllocationMismatch(t *testing.T) {
	path, root := newFile(t)
	l := testLayout()
	l.AllocationSize = 1024

	m, err := Attach(path, l, AttachOptions{TolerateAllocationMismatch: true})
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, int64(512), m.Layout().AllocationSize)
	assert.Equal(t, root, m.Root())
}

func TestAttachOddLength(t *testing.T) {
	path, _ := newFile(t)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 100))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Attach(path, testLayout(), AttachOptions{})
	assert.ErrorIs(t, err, types.ErrAllocationSizeMismatch)
}

func TestReadVerifiedDetectsCorruption(t *testing.T) {
	path, root := newFile(t)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, int64(root.Offset)+PageHeaderSize+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err := Attach(path, testLayout(), AttachOptions{})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadVerified(root)
	assert.ErrorIs(t, err, types.ErrChecksumMismatch)

	raw, err := m.ReadRaw(root)
	require.NoError(t, err)
	assert.Len(t, raw, int(root.Size))
}

func TestTornHeaderFallsBack(t *testing.T) {
	path, _ := newFile(t)

	// Generation 1 lives in the second slot; damage it.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad}, headerSlotB+30)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err := Attach(path, testLayout(), AttachOptions{})
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, uint64(0), m.Generation())
	assert.True(t, m.Root().IsZero())
}

func TestFreedSpaceReusedAfterCheckpoint(t *testing.T) {
	path, first := newFile(t)

	m, err := Attach(path, testLayout(), AttachOptions{})
	require.NoError(t, err)

	second, err := m.Write(leafPage("world"))
	require.NoError(t, err)
	m.Free(first)

	// Not reusable until the checkpoint that drops it is durable.
	next, err := m.Write(leafPage("next"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Offset, next.Offset)

	require.NoError(t, m.Checkpoint(second))
	reused, err := m.Write(leafPage("again"))
	require.NoError(t, err)
	assert.Equal(t, first.Offset, reused.Offset)
	require.NoError(t, m.Close())

	m, err = Attach(path, testLayout(), AttachOptions{})
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, second, m.Root())
	for _, r := range m.Reserved() {
		assert.False(t, r.Offset < second.End() && second.Offset < r.End(),
			"root page overlaps reserved extent %s", r)
	}
}

func TestExtentListInsertCoalesces(t *testing.T) {
	var l extentList
	l = l.insert(extent{off: 1024, size: 512})
	l = l.insert(extent{off: 2048, size: 512})
	l = l.insert(extent{off: 1536, size: 512})
	require.Len(t, l, 1)
	assert.Equal(t, extent{off: 1024, size: 1536}, l[0])

	l, off, ok := l.alloc(512, true)
	require.True(t, ok)
	assert.Equal(t, int64(1024), off)
	assert.Equal(t, int64(1024), l.total())
	assert.True(t, l.overlaps(2000, 100))
	assert.False(t, l.overlaps(0, 1536))
}

func TestLayoutValidate(t *testing.T) {
	l := testLayout()
	assert.NoError(t, l.Validate())

	l.AllocationSize = 600
	assert.ErrorIs(t, l.Validate(), types.ErrIncompatibleLayout)

	_, err := ParseChecksum("sometimes")
	assert.ErrorIs(t, err, types.ErrIncompatibleLayout)
	mode, err := ParseChecksum("uncompressed")
	require.NoError(t, err)
	assert.True(t, mode.Covers(0))
	assert.False(t, mode.Covers(FlagCompressed))
}

// rewriteHeaders applies fn to every written header slot of the file at
// path and stores the slots back with fresh header checksums.
func rewriteHeaders(t *testing.T, path string, fn func(h *header)) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	block0 := make([]byte, headerRegion)
	_, err = f.ReadAt(block0, 0)
	require.NoError(t, err)
	for _, off := range []int64{0, headerSlotB} {
		h, err := decodeHeader(block0[off:])
		if err == errEmptySlot {
			continue
		}
		require.NoError(t, err)
		fn(&h)
		_, err = f.WriteAt(h.encode(), off)
		require.NoError(t, err)
	}
}

func TestReadDescriptorChecksumOff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "off.wt")
	l := testLayout()
	l.Checksum = ChecksumOff
	m, err := Create(path, l, "checksum=off,key_format=S")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	desc, err := ReadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "checksum=off,key_format=S", desc)

	m, err = Attach(path, l, AttachOptions{})
	require.NoError(t, err)
	defer m.Close()
	desc, err = m.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, "checksum=off,key_format=S", desc)
}

func TestReadDescriptorBadAddress(t *testing.T) {
	tests := []struct {
		name string
		addr Addr
	}{
		{"shorter than a page header", Addr{Offset: 512, Size: 4}},
		{"inside the header block", Addr{Offset: 0, Size: 512}},
		{"misaligned offset", Addr{Offset: 700, Size: 512}},
		{"past end of file", Addr{Offset: 1 << 40, Size: 512}},
		{"huge size", Addr{Offset: 512, Size: math.MaxUint32 &^ 511}},
		{"offset wraps", Addr{Offset: math.MaxUint64 &^ 511, Size: 1024}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, _ := newFile(t)
			rewriteHeaders(t, path, func(h *header) { h.descriptor = tt.addr })

			_, err := ReadDescriptor(path)
			assert.ErrorIs(t, err, types.ErrCorruptPage)
		})
	}
}

func TestAttachRejectsBadFreeList(t *testing.T) {
	tests := []struct {
		name      string
		off, size uint64
	}{
		{"negative offset", math.MaxUint64 - 4095, 512},
		{"header block", 0, 512},
		{"empty extent", 1024, 0},
		{"past end of file", 1 << 40, 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fl.wt")
			m, err := Create(path, testLayout(), "")
			require.NoError(t, err)
			cells := svarint.Append(nil, tt.off)
			cells = svarint.Append(cells, tt.size)
			addr, err := m.Write(EncodePage(PageHeader{Type: PageFreeList, Entries: 1}, cells))
			require.NoError(t, err)
			hdr := m.hdr
			hdr.freeList = addr
			hdr.fileSize = uint64(m.size)
			hdr.generation++
			require.NoError(t, m.writeHeader(hdr))
			require.NoError(t, m.Close())

			_, err = Attach(path, testLayout(), AttachOptions{})
			assert.ErrorIs(t, err, types.ErrCorruptPage)
		})
	}
}

func TestReadVerifiedRejectsCompressedPage(t *testing.T) {
	m, err := Create(filepath.Join(t.TempDir(), "z.wt"), testLayout(), "")
	require.NoError(t, err)
	defer m.Close()

	addr, err := m.Write(EncodePage(PageHeader{Type: PageLeaf, Flags: FlagCompressed, Entries: 1}, []byte("x")))
	require.NoError(t, err)
	_, err = m.ReadVerified(addr)
	assert.ErrorIs(t, err, types.ErrIncompatibleLayout)
}

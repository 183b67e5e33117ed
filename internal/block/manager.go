package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/internal/svarint"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// AttachOptions adjusts how Attach treats a staged file.
type AttachOptions struct {
	// TolerateAllocationMismatch accepts a file whose header allocation size
	// differs from the declared one; the header value then governs.
	TolerateAllocationMismatch bool
}

// Manager owns one open data file and its allocation bookkeeping.
// Every Manager has its own identity, distinct from any earlier Manager
// that opened the same file.
type Manager struct {
	id     uuid.UUID
	path   string
	file   *os.File
	layout Layout

	mu      sync.Mutex
	hdr     header
	avail   extentList // free as of the current checkpoint, reusable
	discard extentList // freed since the current checkpoint
	size    int64      // end of file
	closed  bool
}

// Create creates a new, empty data file at path. The descriptor text is
// stored in the file so that its layout can be recovered without a catalog.
func Create(path string, layout Layout, descriptor string) (*Manager, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", types.ErrNameInUse, path)
		}
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}

	m := &Manager{
		id:     uuid.Must(uuid.NewV7()),
		path:   path,
		file:   f,
		layout: layout,
		size:   layout.AllocationSize,
		hdr: header{
			version:        FormatVersion,
			allocationSize: uint32(layout.AllocationSize),
			checksum:       layout.Checksum,
		},
	}
	desc := EncodePage(PageHeader{Type: PageDescriptor, Entries: 1}, []byte(descriptor))
	if m.hdr.descriptor, err = m.Write(desc); err != nil {
		m.abandon()
		return nil, err
	}
	m.hdr.fileSize = uint64(m.size)
	if err := m.writeHeader(m.hdr); err != nil {
		m.abandon()
		return nil, err
	}
	logging.WithComponent("block").Debug("created data file", "path", path, "manager", m.id)
	return m, nil
}

// Attach binds an existing file to a new Manager. It registers the file's
// checkpoint, free list and size exactly as recorded; no page is rewritten.
func Attach(path string, declared Layout, opts AttachOptions) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", types.ErrFileMissing, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	m, err := attach(f, path, declared, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func attach(f *os.File, path string, declared Layout, opts AttachOptions) (*Manager, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	hdr, err := ReadHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log := logging.WithComponent("block")
	layout := declared
	if declared.AllocationSize == 0 {
		layout.AllocationSize = int64(hdr.AllocationSize)
	}
	if int64(hdr.AllocationSize) != layout.AllocationSize {
		if !opts.TolerateAllocationMismatch {
			return nil, fmt.Errorf("%w: %s was written with allocation size %d, declared %d",
				types.ErrAllocationSizeMismatch, path, hdr.AllocationSize, layout.AllocationSize)
		}
		log.Warn("allocation size mismatch tolerated", "path", path,
			"file", hdr.AllocationSize, "declared", layout.AllocationSize)
		layout.AllocationSize = int64(hdr.AllocationSize)
	}
	if hdr.Checksum != layout.Checksum {
		return nil, fmt.Errorf("%w: %s was written with checksum=%s, declared %s",
			types.ErrIncompatibleLayout, path, hdr.Checksum, layout.Checksum)
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if st.Size()%layout.AllocationSize != 0 {
		return nil, fmt.Errorf("%w: %s length %d is not a multiple of %d",
			types.ErrAllocationSizeMismatch, path, st.Size(), layout.AllocationSize)
	}
	if uint64(st.Size()) < hdr.FileSize {
		return nil, fmt.Errorf("%w: %s is truncated: %d bytes, checkpoint covers %d",
			types.ErrCorruptPage, path, st.Size(), hdr.FileSize)
	}

	m := &Manager{
		id:     uuid.Must(uuid.NewV7()),
		path:   path,
		file:   f,
		layout: layout,
		hdr:    hdr.raw,
		size:   st.Size(),
	}
	if m.avail, err = m.readFreeList(hdr.FreeList); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// Space past the checkpointed end was written by an interrupted
	// checkpoint and is unreferenced.
	m.avail = m.avail.insert(extent{off: int64(hdr.FileSize), size: st.Size() - int64(hdr.FileSize)})

	log.Debug("attached data file", "path", path, "manager", m.id,
		"root", hdr.Root, "free", m.avail.total(), "generation", hdr.Generation)
	return m, nil
}

// HeaderInfo is the exported view of a file header.
type HeaderInfo struct {
	raw            header
	AllocationSize uint32
	Checksum       ChecksumMode
	Root           Addr
	FreeList       Addr
	Descriptor     Addr
	FileSize       uint64
	Generation     uint64
}

// ReadHeader reads the current file header from r.
func ReadHeader(r io.ReaderAt) (HeaderInfo, error) {
	block0 := make([]byte, headerRegion)
	if _, err := r.ReadAt(block0, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return HeaderInfo{}, fmt.Errorf("%w: file shorter than its header", types.ErrCorruptPage)
		}
		return HeaderInfo{}, err
	}
	h, err := pickHeader(block0)
	if err != nil {
		return HeaderInfo{}, err
	}
	return HeaderInfo{
		raw:            h,
		AllocationSize: h.allocationSize,
		Checksum:       h.checksum,
		Root:           h.root,
		FreeList:       h.freeList,
		Descriptor:     h.descriptor,
		FileSize:       h.fileSize,
		Generation:     h.generation,
	}, nil
}

// ReadDescriptor returns the descriptor text stored in the file at path
// without attaching it.
func ReadDescriptor(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", types.ErrFileMissing, path)
		}
		return "", err
	}
	defer f.Close()

	hdr, err := ReadHeader(f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	if hdr.Descriptor.IsZero() {
		return "", fmt.Errorf("%w: %s has no descriptor", types.ErrCorruptPage, path)
	}
	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !ValidAllocationSize(int64(hdr.AllocationSize)) {
		return "", fmt.Errorf("%w: %s header allocation size %d", types.ErrCorruptPage, path, hdr.AllocationSize)
	}
	if _, ok := checksumNames[hdr.Checksum]; !ok {
		return "", fmt.Errorf("%w: %s written with checksum mode %d", types.ErrIncompatibleLayout, path, hdr.Checksum)
	}
	if err := checkAddr(hdr.Descriptor, int64(hdr.AllocationSize), st.Size()); err != nil {
		return "", fmt.Errorf("descriptor of %s: %w", path, err)
	}
	buf := make([]byte, hdr.Descriptor.Size)
	if _, err := f.ReadAt(buf, int64(hdr.Descriptor.Offset)); err != nil {
		return "", fmt.Errorf("%w: reading descriptor of %s: %v", types.ErrCorruptPage, path, err)
	}
	if hdr.Checksum.Covers(buf[1]) {
		if got := Checksum(buf); got != hdr.Descriptor.Checksum {
			return "", fmt.Errorf("%w: descriptor of %s", types.ErrChecksumMismatch, path)
		}
	}
	ph, err := DecodePageHeader(buf)
	if err != nil {
		return "", err
	}
	if ph.Type != PageDescriptor {
		return "", fmt.Errorf("%w: descriptor of %s has page type %d", types.ErrCorruptPage, path, ph.Type)
	}
	return string(PageData(buf, ph)), nil
}

// ID returns the identity of this Manager.
func (m *Manager) ID() uuid.UUID { return m.id }

// Path returns the file path.
func (m *Manager) Path() string { return m.path }

// Layout returns the effective layout.
func (m *Manager) Layout() Layout { return m.layout }

// Root returns the root page address of the current checkpoint.
func (m *Manager) Root() Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hdr.root
}

// Generation returns the write generation of the current checkpoint.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hdr.generation
}

// Size returns the current file length.
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Reserved returns the extents that are not part of any page reachable from
// the root: the header block, the descriptor, the free-list page and every
// free extent. Verification uses it to detect pages that overlap them.
func (m *Manager) Reserved() []Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Addr{{Offset: 0, Size: uint32(m.layout.AllocationSize)}}
	for _, a := range []Addr{m.hdr.descriptor, m.hdr.freeList} {
		if !a.IsZero() {
			out = append(out, a)
		}
	}
	for _, e := range m.avail {
		out = append(out, Addr{Offset: uint64(e.off), Size: uint32(e.size)})
	}
	return out
}

// Descriptor returns the descriptor text stored in the file.
func (m *Manager) Descriptor() (string, error) {
	m.mu.Lock()
	addr := m.hdr.descriptor
	m.mu.Unlock()
	buf, err := m.ReadVerified(addr)
	if err != nil {
		return "", err
	}
	ph, err := DecodePageHeader(buf)
	if err != nil {
		return "", err
	}
	return string(PageData(buf, ph)), nil
}

// ReadRaw reads the page image at addr without verifying it.
func (m *Manager) ReadRaw(addr Addr) ([]byte, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("%w: read of empty address", types.ErrCorruptPage)
	}
	if err := checkAddr(addr, m.layout.AllocationSize, m.Size()); err != nil {
		return nil, err
	}
	buf := make([]byte, addr.Size)
	if _, err := m.file.ReadAt(buf, int64(addr.Offset)); err != nil {
		return nil, fmt.Errorf("reading %s at %s: %w", m.path, addr, err)
	}
	return buf, nil
}

// checkAddr fails with types.ErrCorruptPage unless addr is allocation
// aligned, starts past the header block and ends within fileSize bytes.
func checkAddr(addr Addr, alloc, fileSize int64) error {
	a := uint64(alloc)
	if addr.Offset < a || addr.Offset%a != 0 || uint64(addr.Size)%a != 0 || addr.Size < PageHeaderSize {
		return fmt.Errorf("%w: address %s is not allocation aligned", types.ErrCorruptPage, addr)
	}
	if addr.Offset > uint64(fileSize) || addr.End() > uint64(fileSize) {
		return fmt.Errorf("%w: address %s past end of file", types.ErrCorruptPage, addr)
	}
	return nil
}

// ReadVerified reads the page at addr and checks its checksum against both
// the address and the page header when the checksum mode covers the page.
func (m *Manager) ReadVerified(addr Addr) ([]byte, error) {
	buf, err := m.ReadRaw(addr)
	if err != nil {
		return nil, err
	}
	if err := m.VerifyChecksum(addr, buf); err != nil {
		return nil, err
	}
	if buf[1]&FlagCompressed != 0 {
		return nil, fmt.Errorf("%w: compressed page at %s", types.ErrIncompatibleLayout, addr)
	}
	return buf, nil
}

// VerifyChecksum checks a page image read from addr.
func (m *Manager) VerifyChecksum(addr Addr, buf []byte) error {
	if len(buf) < PageHeaderSize {
		return fmt.Errorf("%w: page at %s", types.ErrCorruptPage, addr)
	}
	if !m.layout.Checksum.Covers(buf[1]) {
		return nil
	}
	got := Checksum(buf)
	stored := binary.BigEndian.Uint32(buf[12:16])
	if got != stored || got != addr.Checksum {
		return fmt.Errorf("%w: page at %s: computed %#08x, page %#08x, address %#08x",
			types.ErrChecksumMismatch, addr, got, stored, addr.Checksum)
	}
	return nil
}

// Write pads page to a multiple of the allocation size, checksums it,
// allocates space and writes it. The page must come from EncodePage.
func (m *Manager) Write(page []byte) (Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Addr{}, types.ErrConnectionClosed
	}

	size := m.layout.roundUp(int64(len(page)))
	if size > int64(^uint32(0)) {
		return Addr{}, fmt.Errorf("page of %d bytes is too large", size)
	}
	buf := make([]byte, size)
	copy(buf, page)
	sum := uint32(0)
	if m.layout.Checksum.Covers(buf[1]) {
		sum = Checksum(buf)
	}
	setChecksum(buf, sum)

	off := m.allocLocked(size)
	if _, err := m.file.WriteAt(buf, off); err != nil {
		m.avail = m.avail.insert(extent{off: off, size: size})
		return Addr{}, fmt.Errorf("writing %s: %w", m.path, err)
	}
	return Addr{Offset: uint64(off), Size: uint32(size), Checksum: sum}, nil
}

func (m *Manager) allocLocked(size int64) int64 {
	var (
		off int64
		ok  bool
	)
	m.avail, off, ok = m.avail.alloc(size, m.layout.FirstFit)
	if ok {
		return off
	}
	off = m.size
	m.size += size
	return off
}

// Free releases a page. Its space becomes reusable after the next
// checkpoint, so the current checkpoint stays readable until then.
func (m *Manager) Free(addr Addr) {
	if addr.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discard = m.discard.insert(extent{off: int64(addr.Offset), size: int64(addr.Size)})
}

// Checkpoint makes root the durable root of the file. Pages freed since
// the previous checkpoint become reusable once the new header is on disk.
func (m *Manager) Checkpoint(root Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.ErrConnectionClosed
	}

	pending := m.discard.clone()
	if !m.hdr.freeList.IsZero() {
		pending = pending.insert(extent{off: int64(m.hdr.freeList.Offset), size: int64(m.hdr.freeList.Size)})
	}

	// Size the free-list page for the worst case, allocate it from space
	// that is already free, then describe what remains.
	slots := len(m.avail) + len(pending) + 1
	flSize := m.layout.roundUp(int64(PageHeaderSize + slots*2*svarint.MaxLen))
	prevAvail, prevSize := m.avail.clone(), m.size
	flOff := m.allocLocked(flSize)
	restore := func() { m.avail, m.size = prevAvail, prevSize }
	next := m.avail.clone()
	for _, e := range pending {
		next = next.insert(e)
	}

	var cells []byte
	for _, e := range next {
		cells = svarint.Append(cells, e.off)
		cells = svarint.Append(cells, e.size)
	}
	buf := make([]byte, flSize)
	copy(buf, EncodePage(PageHeader{Type: PageFreeList, Entries: uint32(len(next))}, cells))
	sum := uint32(0)
	if m.layout.Checksum.Covers(0) {
		sum = Checksum(buf)
	}
	setChecksum(buf, sum)
	if _, err := m.file.WriteAt(buf, flOff); err != nil {
		restore()
		return fmt.Errorf("writing free list of %s: %w", m.path, err)
	}
	if err := m.file.Sync(); err != nil {
		restore()
		return fmt.Errorf("syncing %s: %w", m.path, err)
	}

	hdr := m.hdr
	hdr.root = root
	hdr.freeList = Addr{Offset: uint64(flOff), Size: uint32(flSize), Checksum: sum}
	hdr.fileSize = uint64(m.size)
	hdr.generation++
	if err := m.writeHeader(hdr); err != nil {
		restore()
		return err
	}
	m.hdr = hdr
	m.avail = next
	m.discard = nil
	return nil
}

func (m *Manager) writeHeader(hdr header) error {
	if _, err := m.file.WriteAt(hdr.encode(), slotOffset(hdr.generation)); err != nil {
		return fmt.Errorf("writing header of %s: %w", m.path, err)
	}
	if fi, err := m.file.Stat(); err == nil && fi.Size() < m.size {
		if err := m.file.Truncate(m.size); err != nil {
			return fmt.Errorf("extending %s: %w", m.path, err)
		}
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", m.path, err)
	}
	return nil
}

func (m *Manager) readFreeList(addr Addr) (extentList, error) {
	if addr.IsZero() {
		return nil, nil
	}
	buf, err := m.ReadVerified(addr)
	if err != nil {
		return nil, fmt.Errorf("free list: %w", err)
	}
	ph, err := DecodePageHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("free list: %w", err)
	}
	if ph.Type != PageFreeList {
		return nil, fmt.Errorf("%w: free list has page type %d", types.ErrCorruptPage, ph.Type)
	}
	data := PageData(buf, ph)
	var list extentList
	for i := uint32(0); i < ph.Entries; i++ {
		off, n, err := svarint.Read(data)
		if err != nil {
			return nil, fmt.Errorf("%w: free list entry %d", types.ErrCorruptPage, i)
		}
		data = data[n:]
		size, n, err := svarint.Read(data)
		if err != nil {
			return nil, fmt.Errorf("%w: free list entry %d", types.ErrCorruptPage, i)
		}
		data = data[n:]
		if off > uint64(m.size) || size > uint64(m.size) {
			return nil, fmt.Errorf("%w: free list entry %d [%d, +%d) past end of file", types.ErrCorruptPage, i, off, size)
		}
		e := extent{off: int64(off), size: int64(size)}
		if e.off < m.layout.AllocationSize || e.size == 0 || e.off%m.layout.AllocationSize != 0 || e.size%m.layout.AllocationSize != 0 || e.end() > m.size || list.overlaps(e.off, e.size) {
			return nil, fmt.Errorf("%w: free list entry %d [%d, %d) is invalid", types.ErrCorruptPage, i, e.off, e.end())
		}
		list = list.insert(e)
	}
	return list, nil
}

// Sync flushes the file to stable storage.
func (m *Manager) Sync() error {
	return m.file.Sync()
}

// Close closes the file. Unwritten frees are dropped; the file still opens
// at its last checkpoint.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.file.Close()
}

// abandon closes and removes a file whose creation failed.
func (m *Manager) abandon() {
	m.file.Close()
	os.Remove(m.path)
}

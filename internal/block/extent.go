package block

import "sort"

// extent is a run of bytes [off, off+size).
type extent struct {
	off  int64
	size int64
}

func (e extent) end() int64 { return e.off + e.size }

// extentList is kept sorted by offset with adjacent extents merged.
type extentList []extent

// insert adds e, coalescing with neighbours.
func (l extentList) insert(e extent) extentList {
	if e.size <= 0 {
		return l
	}
	i := sort.Search(len(l), func(i int) bool { return l[i].off >= e.off })
	l = append(l, extent{})
	copy(l[i+1:], l[i:])
	l[i] = e
	if i+1 < len(l) && l[i].end() == l[i+1].off {
		l[i].size += l[i+1].size
		l = append(l[:i+1], l[i+2:]...)
	}
	if i > 0 && l[i-1].end() == l[i].off {
		l[i-1].size += l[i].size
		l = append(l[:i], l[i+1:]...)
	}
	return l
}

// alloc carves size bytes out of the list using best fit (smallest
// sufficient extent) or first fit.
func (l extentList) alloc(size int64, firstFit bool) (extentList, int64, bool) {
	best := -1
	for i, e := range l {
		if e.size < size {
			continue
		}
		if firstFit {
			best = i
			break
		}
		if best < 0 || e.size < l[best].size {
			best = i
		}
	}
	if best < 0 {
		return l, 0, false
	}
	off := l[best].off
	if l[best].size == size {
		l = append(l[:best], l[best+1:]...)
	} else {
		l[best].off += size
		l[best].size -= size
	}
	return l, off, true
}

// overlaps reports whether any extent intersects [off, off+size).
func (l extentList) overlaps(off, size int64) bool {
	for _, e := range l {
		if off < e.end() && e.off < off+size {
			return true
		}
	}
	return false
}

func (l extentList) clone() extentList {
	return append(extentList(nil), l...)
}

func (l extentList) total() int64 {
	var n int64
	for _, e := range l {
		n += e.size
	}
	return n
}

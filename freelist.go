package bfile

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// pages with less free bytes than this are not tracked
	PageMinFree = 64

	// max number of free space entries persisted in the file header
	MaxFreeListLen = 128

	freeSpaceEntrySize = 12
)

// freeSpace records the unused bytes of a data page.
type freeSpace struct {
	page uint32
	free int
}

// freeList tracks data pages with reusable space. Entries are kept in
// insertion order so the oldest ones are dropped first when persisting.
type freeList struct {
	entries *list.List
	index   map[uint32]*list.Element
}

func newFreeList() *freeList {
	return &freeList{
		entries: list.New(),
		index:   make(map[uint32]*list.Element),
	}
}

func (fl *freeList) add(fs *freeSpace) {
	if e, ok := fl.index[fs.page]; ok {
		e.Value = fs
		return
	}
	fl.index[fs.page] = fl.entries.PushBack(fs)
}

// find returns the entry with the smallest free space which still
// holds needed bytes.
func (fl *freeList) find(needed int) *freeSpace {
	var best *freeSpace
	for e := fl.entries.Front(); e != nil; e = e.Next() {
		fs := e.Value.(*freeSpace)
		if fs.free < needed {
			continue
		}
		if best == nil || fs.free < best.free {
			best = fs
		}
	}
	return best
}

func (fl *freeList) retrieve(page uint32) *freeSpace {
	if e, ok := fl.index[page]; ok {
		return e.Value.(*freeSpace)
	}
	return nil
}

func (fl *freeList) remove(fs *freeSpace) {
	if fs == nil {
		return
	}
	if e, ok := fl.index[fs.page]; ok {
		fl.entries.Remove(e)
		delete(fl.index, fs.page)
	}
}

func (fl *freeList) len() int { return fl.entries.Len() }

// encodedSize is the number of bytes encode writes for at most max entries.
func (fl *freeList) encodedSize(max int) int {
	n := fl.len()
	if n > max {
		n = max
	}
	return 4 + n*freeSpaceEntrySize
}

// encode writes [count:u32] followed by count x [page:u64][free:u32].
// Entries beyond max are skipped, oldest first.
func (fl *freeList) encode(b []byte, max int) int {
	skip := fl.len() - max
	count := 0
	off := 4
	for e := fl.entries.Front(); e != nil; e = e.Next() {
		if skip > 0 {
			skip--
			continue
		}
		fs := e.Value.(*freeSpace)
		binary.LittleEndian.PutUint64(b[off:], uint64(fs.page))
		binary.LittleEndian.PutUint32(b[off+8:], uint32(fs.free))
		off += freeSpaceEntrySize
		count++
	}
	binary.LittleEndian.PutUint32(b, uint32(count))
	return off
}

func (fl *freeList) decode(b []byte) (int, error) {
	if len(b) < 4 {
		return 0, ErrInvalidFile
	}
	count := int(binary.LittleEndian.Uint32(b))
	off := 4
	if off+count*freeSpaceEntrySize > len(b) {
		return 0, ErrInvalidFile
	}
	for i := 0; i < count; i++ {
		fl.add(&freeSpace{
			page: uint32(binary.LittleEndian.Uint64(b[off:])),
			free: int(binary.LittleEndian.Uint32(b[off+8:])),
		})
		off += freeSpaceEntrySize
	}
	return off, nil
}

func (fl *freeList) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("free list (%d):", fl.len()))
	for e := fl.entries.Front(); e != nil; e = e.Next() {
		fs := e.Value.(*freeSpace)
		sb.WriteString(fmt.Sprintf(" [%d: %d]", fs.page, fs.free))
	}
	return sb.String()
}

package bfile

import (
	"encoding/binary"
	"github.com/pkg/errors"
)

const (
	// bfileMagic = "BFIL" in littleEndian
	Magic   uint32 = 0x4C494642
	Version uint16 = 1

	fileHeaderSize = 32
)

// size: 32 + free list
//
//	0  magic      u32
//	4  version    u16
//	6  fileID     u16
//	8  clean      u8    set on close, cleared while open
//	12 pageSize   u32
//	16 pageCount  u32
//	20 freeHead   u32   first page of the unused page chain
//	24 maxKeySize u32
//	28 checksum   u32
//	32 free space list
type fileHeader struct {
	magic      uint32
	version    uint16
	fileID     uint16
	clean      bool
	pageSize   int
	pageCount  uint32
	freeHead   uint32
	maxKeySize int

	freeList *freeList
	dirty    bool
}

func newFileHeader(fileID uint16, pageSize, maxKeySize int) *fileHeader {
	return &fileHeader{
		magic:      Magic,
		version:    Version,
		fileID:     fileID,
		pageSize:   pageSize,
		pageCount:  1,
		maxKeySize: maxKeySize,
		freeList:   newFreeList(),
		dirty:      true,
	}
}

func (h *fileHeader) workSize() int { return h.pageSize - pageHeaderSize }

// maxFreeEntries is the number of free space entries that fit into page 0.
func (h *fileHeader) maxFreeEntries() int {
	n := (h.pageSize - fileHeaderSize - 4) / freeSpaceEntrySize
	if n > MaxFreeListLen {
		n = MaxFreeListLen
	}
	return n
}

func (h *fileHeader) addFreeSpace(fs *freeSpace) {
	h.freeList.add(fs)
	h.dirty = true
}

func (h *fileHeader) findFreeSpace(needed int) *freeSpace {
	return h.freeList.find(needed)
}

func (h *fileHeader) getFreeSpace(page uint32) *freeSpace {
	return h.freeList.retrieve(page)
}

func (h *fileHeader) removeFreeSpace(fs *freeSpace) {
	if fs == nil {
		return
	}
	h.freeList.remove(fs)
	h.dirty = true
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, h.pageSize)
	binary.LittleEndian.PutUint32(buf[0:], h.magic)
	binary.LittleEndian.PutUint16(buf[4:], h.version)
	binary.LittleEndian.PutUint16(buf[6:], h.fileID)
	if h.clean {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.pageSize))
	binary.LittleEndian.PutUint32(buf[16:], h.pageCount)
	binary.LittleEndian.PutUint32(buf[20:], h.freeHead)
	binary.LittleEndian.PutUint32(buf[24:], uint32(h.maxKeySize))
	h.freeList.encode(buf[fileHeaderSize:], h.maxFreeEntries())
	binary.LittleEndian.PutUint32(buf[28:], pageChecksum(buf))
	return buf
}

// peekPageSize reads the page size from the first bytes of a header page.
func peekPageSize(b []byte) (int, error) {
	if len(b) < fileHeaderSize || binary.LittleEndian.Uint32(b[0:]) != Magic {
		return 0, errors.Wrap(ErrInvalidFile, "bad magic")
	}
	size := int(binary.LittleEndian.Uint32(b[12:]))
	if size < minPageSize || size > maxPageSize {
		return 0, errors.Wrapf(ErrInvalidFile, "page size %d", size)
	}
	return size, nil
}

func decodeFileHeader(buf []byte) (*fileHeader, error) {
	pageSize, err := peekPageSize(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < pageSize {
		return nil, errors.Wrap(ErrInvalidFile, "short header page")
	}
	buf = buf[:pageSize]
	h := &fileHeader{
		magic:      binary.LittleEndian.Uint32(buf[0:]),
		version:    binary.LittleEndian.Uint16(buf[4:]),
		fileID:     binary.LittleEndian.Uint16(buf[6:]),
		clean:      buf[8] == 1,
		pageSize:   pageSize,
		pageCount:  binary.LittleEndian.Uint32(buf[16:]),
		freeHead:   binary.LittleEndian.Uint32(buf[20:]),
		maxKeySize: int(binary.LittleEndian.Uint32(buf[24:])),
		freeList:   newFreeList(),
	}
	if h.version != Version {
		return nil, errors.Wrapf(ErrInvalidFile, "unsupported version %d", h.version)
	}
	sum := binary.LittleEndian.Uint32(buf[28:])
	binary.LittleEndian.PutUint32(buf[28:], 0)
	if pageChecksum(buf) != sum {
		return nil, errors.Wrap(ErrInvalidFile, "header checksum mismatch")
	}
	binary.LittleEndian.PutUint32(buf[28:], sum)
	if _, err := h.freeList.decode(buf[fileHeaderSize:]); err != nil {
		return nil, errors.Wrap(err, "failed to read free space list")
	}
	return h, nil
}

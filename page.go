package bfile

import (
	"encoding/binary"
	"fmt"
	"github.com/cespare/xxhash/v2"
)

var (
	// default system pagesize for most OS
	DefaultPageSize = 4096
)

const (
	maxPageSize = 0xFFFF
	minPageSize = 2048

	// size of the persisted page header
	pageHeaderSize = 32
)

type PageStatus uint8

const (
	StatusUnused    PageStatus = 0
	StatusRecord    PageStatus = 20
	StatusLob       PageStatus = 21
	StatusFreeList  PageStatus = 22
	StatusMultiPage PageStatus = 23
)

func (s PageStatus) String() string {
	switch s {
	case StatusUnused:
		return "UNUSED"
	case StatusRecord:
		return "RECORD"
	case StatusLob:
		return "LOB"
	case StatusFreeList:
		return "FREE_LIST"
	case StatusMultiPage:
		return "MULTI_PAGE"
	}
	return "UNKNOWN"
}

// size: 32
//
//	0  status      u8
//	2  records     u16
//	4  dataLen     u32
//	8  nextTID     i16   size of the tid table
//	12 nextInChain u32
//	16 lastInChain u32
//	20 checksum    u32
//	24 lsn         u64
type pageHeader struct {
	status      PageStatus
	records     uint16
	dataLen     int
	nextTID     int16
	nextInChain uint32
	lastInChain uint32
	checksum    uint32
	lsn         LSN
}

func (h *pageHeader) encode(b []byte) {
	b[0] = byte(h.status)
	b[1] = 0
	binary.LittleEndian.PutUint16(b[2:], h.records)
	binary.LittleEndian.PutUint32(b[4:], uint32(h.dataLen))
	binary.LittleEndian.PutUint16(b[8:], uint16(h.nextTID))
	binary.LittleEndian.PutUint16(b[10:], 0)
	binary.LittleEndian.PutUint32(b[12:], h.nextInChain)
	binary.LittleEndian.PutUint32(b[16:], h.lastInChain)
	binary.LittleEndian.PutUint32(b[20:], h.checksum)
	binary.LittleEndian.PutUint64(b[24:], uint64(h.lsn))
}

func (h *pageHeader) decode(b []byte) {
	h.status = PageStatus(b[0])
	h.records = binary.LittleEndian.Uint16(b[2:])
	h.dataLen = int(binary.LittleEndian.Uint32(b[4:]))
	h.nextTID = int16(binary.LittleEndian.Uint16(b[8:]))
	h.nextInChain = binary.LittleEndian.Uint32(b[12:])
	h.lastInChain = binary.LittleEndian.Uint32(b[16:])
	h.checksum = binary.LittleEndian.Uint32(b[20:])
	h.lsn = LSN(binary.LittleEndian.Uint64(b[24:]))
}

// page is the raw unit of I/O: a header plus workSize bytes of payload.
type page struct {
	num    uint32
	header pageHeader
	data   []byte
}

func (p *page) String() string {
	return fmt.Sprintf("page %d (%s, len %d, lsn %d)", p.num, p.header.status, p.header.dataLen, p.header.lsn)
}

// pageChecksum folds the 64 bit xxhash of the payload into the header field.
func pageChecksum(data []byte) uint32 {
	sum := xxhash.Sum64(data)
	return uint32(sum) ^ uint32(sum>>32)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

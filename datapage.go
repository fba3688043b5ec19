package bfile

import (
	"encoding/binary"
	"fmt"
	log "github.com/sirupsen/logrus"
	"math"
	"strings"
)

const (
	// [tid:u16][length:u32] in front of every record
	recordOverhead = 6

	initialTIDs = 32
)

// dataPage is a decoded page as held by the page cache. Depending on the
// header status it is a single page holding many records addressed by tid,
// or the first page of an overflow chain.
type dataPage struct {
	*page

	// tid -> offset of the record length field, -1 if unused
	offsets  []int32
	dirty    bool
	refCount int
}

func newDataPage(pg *page, initialize bool, logger *log.Entry) *dataPage {
	dp := &dataPage{page: pg}
	if initialize && pg.header.status == StatusRecord {
		dp.readOffsets(logger)
	}
	return dp
}

func (dp *dataPage) isOverflow() bool { return dp.header.status == StatusMultiPage }

func (dp *dataPage) setDirty(dirty bool) { dp.dirty = dirty }

// readOffsets rebuilds the tid table by walking the records of the page.
func (dp *dataPage) readOffsets(logger *log.Entry) {
	size := int(dp.header.nextTID)
	if size < initialTIDs {
		size = initialTIDs
	}
	dp.offsets = make([]int32, size)
	for i := range dp.offsets {
		dp.offsets[i] = -1
	}
	dlen := dp.header.dataLen
	if dlen > len(dp.data) {
		dlen = len(dp.data)
	}
	for pos := 0; pos+recordOverhead <= dlen; {
		tid := int16(binary.LittleEndian.Uint16(dp.data[pos:]))
		if tid < 0 {
			logger.WithField("page", dp.num).Errorf("invalid tid found: %d; ignoring rest of page", tid)
			dp.header.dataLen = pos
			return
		}
		if int(tid) >= len(dp.offsets) {
			logger.WithField("page", dp.num).Errorf("problematic tid found: %d; trying to recover", tid)
			dp.growOffsets(int(tid) + 1)
		}
		l := int(binary.LittleEndian.Uint32(dp.data[pos+2:]))
		if l < 0 || pos+recordOverhead+l > dlen {
			logger.WithField("page", dp.num).Errorf("record length %d at %d exceeds page data", l, pos)
			return
		}
		dp.offsets[tid] = int32(pos + 2)
		pos += l + recordOverhead
	}
	dp.header.nextTID = int16(len(dp.offsets))
}

func (dp *dataPage) growOffsets(size int) {
	t := make([]int32, size)
	for i := range t {
		t[i] = -1
	}
	copy(t, dp.offsets)
	dp.offsets = t
	dp.header.nextTID = int16(size)
}

// findValuePosition returns the offset of the length field of tid, or -1.
func (dp *dataPage) findValuePosition(tid int16) int {
	if dp.isOverflow() {
		return 2
	}
	if tid < 0 || int(tid) >= len(dp.offsets) {
		return -1
	}
	return int(dp.offsets[tid])
}

// nextTID returns the first unused tid, doubling the table when it is
// full. Returns -1 once the table cannot grow any further.
func (dp *dataPage) nextTID() int16 {
	for i, off := range dp.offsets {
		if off == -1 {
			return int16(i)
		}
	}
	tid := len(dp.offsets)
	next := int(dp.header.nextTID) * 2
	if next > math.MaxInt16 || next <= int(dp.header.nextTID) {
		return -1
	}
	dp.growOffsets(next)
	return int16(tid)
}

// adjustTID grows the table so that tid becomes addressable.
func (dp *dataPage) adjustTID(tid int16) {
	if int(tid) < len(dp.offsets) {
		return
	}
	next := int(tid) * 2
	if next > math.MaxInt16 {
		next = math.MaxInt16
	}
	dp.growOffsets(next)
}

func (dp *dataPage) setOffset(tid int16, offset int) {
	if dp.offsets == nil {
		panic(fmt.Sprintf("page %d: offsets not initialized (status %s)", dp.num, dp.header.status))
	}
	if tid < 0 {
		panic(fmt.Sprintf("page %d: negative tid %d", dp.num, tid))
	}
	dp.offsets[tid] = int32(offset)
}

// removeTID frees tid and shifts the offsets of records stored behind it.
func (dp *dataPage) removeTID(tid int16, length int) {
	offset := dp.offsets[tid] - 2
	dp.offsets[tid] = -1
	for i, off := range dp.offsets {
		if off > offset {
			dp.offsets[i] = off - int32(length)
		}
	}
}

func (dp *dataPage) clear() {
	for i := range dp.data {
		dp.data[i] = 0
	}
}

// reset turns the page into an empty record page.
func (dp *dataPage) reset(status PageStatus) {
	lsn := dp.header.lsn
	dp.header = pageHeader{status: status, nextTID: initialTIDs, lsn: lsn}
	dp.clear()
	dp.offsets = nil
	dp.growOffsets(initialTIDs)
}

func (dp *dataPage) contents() string {
	var sb strings.Builder
	for tid, off := range dp.offsets {
		if off > -1 {
			l := binary.LittleEndian.Uint32(dp.data[off:])
			sb.WriteString(fmt.Sprintf("[%d, %d, %d]", tid, off, l))
		}
	}
	return sb.String()
}

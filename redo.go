package bfile

import (
	"encoding/binary"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Redo handlers reapply a logged change to pages that do not reflect it
// yet. The page LSN decides: a change is redone only if its LSN is greater
// than the LSN of the page. Undo handlers reverse a change unconditionally
// and leave the page LSN alone.

func requiresRedo(l Loggable, dp *dataPage) bool {
	return l.LSN() > dp.header.lsn
}

func isUptodate(dp *dataPage, l Loggable) bool {
	return dp.header.lsn >= l.LSN()
}

// redoPage loads a page in whatever state it is. Pages behind the end of the
// file and pages failing their checksum come back unused.
func (bf *BFile) redoPage(num uint32, initialize bool) (*dataPage, error) {
	if dp := bf.cache.get(num); dp != nil {
		if initialize && dp.offsets == nil && dp.header.status == StatusRecord {
			dp.readOffsets(bf.log)
		}
		return dp, nil
	}
	if num == 0 {
		return nil, errors.Wrap(ErrInvalidPointer, "page 0 is the file header")
	}
	if num >= bf.pager.pageCount() {
		return &dataPage{page: &page{num: num, data: make([]byte, bf.pager.workSize())}}, nil
	}
	pg, err := bf.pager.readPage(num)
	if errors.Is(err, ErrCorruptPage) {
		bf.log.WithField("page", num).Warn("page failed its checksum; treating it as unused")
		pg.header = pageHeader{}
		for i := range pg.data {
			pg.data[i] = 0
		}
	} else if err != nil {
		return nil, err
	}
	return newDataPage(pg, initialize, bf.log), nil
}

// getSinglePageForRedo returns the record page num, or nil when the page
// holds something else.
func (bf *BFile) getSinglePageForRedo(l Loggable, num uint32) (*dataPage, error) {
	dp, err := bf.redoPage(num, true)
	if err != nil {
		return nil, err
	}
	if dp.header.status != StatusRecord {
		bf.log.WithFields(log.Fields{
			"page":   num,
			"status": dp.header.status,
			"type":   l.Type(),
			"lsn":    l.LSN(),
		}).Warn("page is not a data page; skipping record")
		return nil, nil
	}
	return dp, nil
}

// touch marks a page changed by redo or undo and keeps it cached.
func (bf *BFile) touch(dp *dataPage) error {
	dp.setDirty(true)
	return bf.cache.add(dp, 1)
}

// claim takes an unused page out of the unused page chain.
func (bf *BFile) claim(dp *dataPage) error {
	if dp.header.status != StatusUnused {
		return nil
	}
	return bf.pager.claimPage(dp.num)
}

// createPageHelper turns num into an empty page with the given status when
// forced or when the page does not reflect l yet. Returns nil when nothing
// had to be done.
func (bf *BFile) createPageHelper(l Loggable, num uint32, status PageStatus, force bool) (*dataPage, error) {
	dp, err := bf.redoPage(num, false)
	if err != nil {
		return nil, err
	}
	if !force && l.LSN() != InvalidLSN && !requiresRedo(l, dp) {
		return nil, nil
	}
	if err := bf.claim(dp); err != nil {
		return nil, err
	}
	dp.reset(status)
	if status != StatusRecord {
		dp.offsets = nil
	}
	if !force {
		dp.header.lsn = l.LSN()
	}
	return dp, bf.touch(dp)
}

// releasePage drops the free space entry of dp and returns the page to the
// pager.
func (bf *BFile) releasePage(dp *dataPage) error {
	bf.pager.header.removeFreeSpace(bf.pager.header.getFreeSpace(dp.num))
	return bf.deletePage(dp)
}

func (bf *BFile) storeValueHelper(l Loggable, tid int16, value []byte, dp *dataPage) error {
	if tid < 0 {
		return errors.Wrapf(ErrInvalidPointer, "negative tid %d", tid)
	}
	dp.adjustTID(tid)
	if dp.offsets[tid] != -1 {
		bf.log.WithFields(log.Fields{"page": dp.num, "tid": tid, "lsn": l.LSN()}).Warn("tid already in use; skipping record")
		return nil
	}
	n := dp.header.dataLen
	if n+recordOverhead+len(value) > len(dp.data) {
		return errors.Wrapf(ErrCorruptPage, "value of %d bytes does not fit into page %d at %d", len(value), dp.num, n)
	}
	binary.LittleEndian.PutUint16(dp.data[n:], uint16(tid))
	n += 2
	dp.setOffset(tid, n)
	binary.LittleEndian.PutUint32(dp.data[n:], uint32(len(value)))
	n += 4
	n += copy(dp.data[n:], value)
	dp.header.dataLen = n
	dp.header.records++
	bf.recordFreeSpace(dp)
	return bf.touch(dp)
}

func (bf *BFile) removeValueHelper(l Loggable, tid int16, dp *dataPage) error {
	offset := dp.findValuePosition(tid)
	if offset < 0 || offset+4 > dp.header.dataLen {
		bf.log.WithFields(log.Fields{"page": dp.num, "tid": tid, "lsn": l.LSN()}).Warn("tid not found; skipping record")
		return nil
	}
	vlen := int(binary.LittleEndian.Uint32(dp.data[offset:]))
	end := offset + 4 + vlen
	if end > dp.header.dataLen {
		return errors.Wrapf(ErrCorruptPage, "record of %d bytes at %d on page %d", vlen, offset, dp.num)
	}
	copy(dp.data[offset-2:], dp.data[end:dp.header.dataLen])
	dp.header.dataLen -= vlen + recordOverhead
	for i := dp.header.dataLen; i < end && i < len(dp.data); i++ {
		dp.data[i] = 0
	}
	dp.header.records--
	dp.removeTID(tid, vlen+recordOverhead)
	bf.recordFreeSpace(dp)
	return bf.touch(dp)
}

func (bf *BFile) redoCreatePage(l *CreatePageLoggable) error {
	_, err := bf.createPageHelper(l, l.Page, StatusRecord, false)
	return err
}

func (bf *BFile) undoCreatePage(l *CreatePageLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil || dp.header.status == StatusUnused {
		return err
	}
	return bf.releasePage(dp)
}

func (bf *BFile) redoStoreValue(l *StoreValueLoggable) error {
	dp, err := bf.getSinglePageForRedo(l, l.Page)
	if err != nil || dp == nil || isUptodate(dp, l) {
		return err
	}
	dp.header.lsn = l.LSN()
	return bf.storeValueHelper(l, l.TID, l.Value, dp)
}

func (bf *BFile) undoStoreValue(l *StoreValueLoggable) error {
	dp, err := bf.getSinglePageForRedo(l, l.Page)
	if err != nil || dp == nil {
		return err
	}
	return bf.removeValueHelper(l, l.TID, dp)
}

func (bf *BFile) redoRemoveValue(l *RemoveValueLoggable) error {
	dp, err := bf.getSinglePageForRedo(l, l.Page)
	if err != nil || dp == nil || isUptodate(dp, l) {
		return err
	}
	dp.header.lsn = l.LSN()
	return bf.removeValueHelper(l, l.TID, dp)
}

func (bf *BFile) undoRemoveValue(l *RemoveValueLoggable) error {
	dp, err := bf.getSinglePageForRedo(l, l.Page)
	if err != nil || dp == nil {
		return err
	}
	return bf.storeValueHelper(l, l.TID, l.OldData, dp)
}

func (bf *BFile) redoRemovePage(l *RemoveEmptyPageLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil || dp.header.status == StatusUnused || isUptodate(dp, l) {
		return err
	}
	if dp.header.dataLen != 0 {
		bf.log.WithFields(log.Fields{"page": dp.num, "length": dp.header.dataLen}).Warn("removing page which is not empty")
	}
	dp.header.lsn = l.LSN()
	return bf.releasePage(dp)
}

func (bf *BFile) undoRemovePage(l *RemoveEmptyPageLoggable) error {
	dp, err := bf.createPageHelper(l, l.Page, StatusRecord, true)
	if err != nil {
		return err
	}
	bf.recordFreeSpace(dp)
	return nil
}

func (bf *BFile) redoCreateOverflow(l *OverflowCreateLoggable) error {
	_, err := bf.createPageHelper(l, l.Page, StatusMultiPage, false)
	return err
}

func (bf *BFile) undoCreateOverflow(l *OverflowCreateLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil || dp.header.status == StatusUnused {
		return err
	}
	return bf.deletePage(dp)
}

func (bf *BFile) redoCreateOverflowPage(l *OverflowCreatePageLoggable) error {
	if _, err := bf.createPageHelper(l, l.NewPage, StatusRecord, false); err != nil {
		return err
	}
	prev, err := bf.redoPage(l.PrevPage, false)
	if err != nil || !requiresRedo(l, prev) {
		return err
	}
	prev.header.nextInChain = l.NewPage
	prev.header.lsn = l.LSN()
	return bf.touch(prev)
}

func (bf *BFile) undoCreateOverflowPage(l *OverflowCreatePageLoggable) error {
	prev, err := bf.redoPage(l.PrevPage, false)
	if err != nil {
		return err
	}
	if prev.header.nextInChain == l.NewPage {
		prev.header.nextInChain = 0
		if err := bf.touch(prev); err != nil {
			return err
		}
	}
	dp, err := bf.redoPage(l.NewPage, false)
	if err != nil || dp.header.status == StatusUnused {
		return err
	}
	return bf.deletePage(dp)
}

// The total length in the header of a first page is only changed by
// OverflowModified records.

func (bf *BFile) redoAppendOverflow(l *OverflowAppendLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil || isUptodate(dp, l) {
		return err
	}
	fill := dp.header.dataLen
	if fill+len(l.Data) > len(dp.data) {
		return errors.Wrapf(ErrCorruptPage, "append of %d bytes to page %d at %d", len(l.Data), dp.num, fill)
	}
	copy(dp.data[fill:], l.Data)
	if dp.header.status != StatusMultiPage {
		dp.header.dataLen += len(l.Data)
	}
	dp.header.lsn = l.LSN()
	return bf.touch(dp)
}

func (bf *BFile) undoAppendOverflow(l *OverflowAppendLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil {
		return err
	}
	start := dp.header.dataLen
	if dp.header.status != StatusMultiPage {
		start -= len(l.Data)
		dp.header.dataLen = start
	}
	for i := start; i >= 0 && i < start+len(l.Data) && i < len(dp.data); i++ {
		dp.data[i] = 0
	}
	return bf.touch(dp)
}

func (bf *BFile) redoStoreOverflow(l *OverflowStoreLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil {
		return err
	}
	if !isUptodate(dp, l) {
		status := StatusRecord
		if l.PrevPage == 0 {
			status = StatusMultiPage
		}
		if err := bf.claim(dp); err != nil {
			return err
		}
		n := copy(dp.data, l.Data)
		for i := n; i < len(dp.data); i++ {
			dp.data[i] = 0
		}
		dp.header.status = status
		dp.header.dataLen = n
		dp.header.nextInChain = 0
		if status == StatusRecord {
			dp.header.lastInChain = 0
		}
		dp.offsets = nil
		dp.header.lsn = l.LSN()
		if err := bf.touch(dp); err != nil {
			return err
		}
	}
	if l.PrevPage == 0 {
		return nil
	}
	prev, err := bf.redoPage(l.PrevPage, false)
	if err != nil || !requiresRedo(l, prev) {
		return err
	}
	prev.header.nextInChain = l.Page
	prev.header.lsn = l.LSN()
	return bf.touch(prev)
}

func (bf *BFile) undoStoreOverflow(l *OverflowStoreLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil {
		return err
	}
	n := copy(dp.data, l.OldData)
	for i := n; i < len(dp.data); i++ {
		dp.data[i] = 0
	}
	dp.header.dataLen = int(l.OldLength)
	dp.header.nextInChain = l.OldNext
	dp.header.lastInChain = l.OldLast
	return bf.touch(dp)
}

func (bf *BFile) redoModifiedOverflow(l *OverflowModifiedLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil || isUptodate(dp, l) {
		return err
	}
	if dp.header.status != StatusMultiPage {
		bf.log.WithFields(log.Fields{"page": dp.num, "status": dp.header.status}).Warn("not an overflow page; skipping record")
		return nil
	}
	dp.setLength(int(l.Length), l.LastInChain)
	dp.header.lsn = l.LSN()
	return bf.touch(dp)
}

func (bf *BFile) undoModifiedOverflow(l *OverflowModifiedLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil {
		return err
	}
	dp.setLength(int(l.OldLength), l.OldLastInChain)
	return bf.touch(dp)
}

func (bf *BFile) redoRemoveOverflow(l *OverflowRemoveLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil || dp.header.status == StatusUnused || isUptodate(dp, l) {
		return err
	}
	dp.header.lsn = l.LSN()
	return bf.deletePage(dp)
}

func (bf *BFile) undoRemoveOverflow(l *OverflowRemoveLoggable) error {
	dp, err := bf.redoPage(l.Page, false)
	if err != nil {
		return err
	}
	if err := bf.claim(dp); err != nil {
		return err
	}
	n := copy(dp.data, l.Data)
	for i := n; i < len(dp.data); i++ {
		dp.data[i] = 0
	}
	dp.header.status = l.Status
	dp.header.dataLen = int(l.Length)
	dp.header.nextInChain = l.Next
	dp.header.lastInChain = l.Last
	dp.offsets = nil
	return bf.touch(dp)
}

// Key index records carry no page LSN. They are replayed in journal order,
// which leaves the index with the last logged mapping of every key.

func (bf *BFile) redoIndexAdd(l *IndexAddLoggable) error {
	_, err := bf.index.AddValue(l.Key, l.Pointer)
	return err
}

func (bf *BFile) undoIndexAdd(l *IndexAddLoggable) error {
	if l.OldPointer == UnknownAddress {
		_, err := bf.index.RemoveValue(l.Key)
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return err
	}
	_, err := bf.index.AddValue(l.Key, l.OldPointer)
	return err
}

func (bf *BFile) redoIndexRemove(l *IndexRemoveLoggable) error {
	_, err := bf.index.RemoveValue(l.Key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	return err
}

func (bf *BFile) undoIndexRemove(l *IndexRemoveLoggable) error {
	_, err := bf.index.AddValue(l.Key, l.OldPointer)
	return err
}

package bfile

import (
	"encoding/binary"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// overflowPage is a value too large for a single page, stored in a chain
// of pages. The first page carries MULTI_PAGE status, the total length in
// its header and the number of the last page of the chain. Its data starts
// with the [tid][length] record header of the value.
type overflowPage struct {
	bf    *BFile
	first *dataPage
}

func (bf *BFile) overflow(dp *dataPage) *overflowPage {
	return &overflowPage{bf: bf, first: dp}
}

// newOverflowPage allocates the first page of a new chain.
func (bf *BFile) newOverflowPage(txn *Txn) (*overflowPage, error) {
	pg, err := bf.pager.allocatePage()
	if err != nil {
		return nil, err
	}
	dp := &dataPage{page: pg}
	dp.reset(StatusMultiPage)
	if err := bf.writeToLog(txn, &OverflowCreateLoggable{fileRecord: bf.record(), Page: dp.num}, dp); err != nil {
		return nil, err
	}
	dp.setDirty(true)
	if err := bf.cache.add(dp, 3); err != nil {
		return nil, err
	}
	return bf.overflow(dp), nil
}

// chainPage returns a page following the first page of a chain.
func (bf *BFile) chainPage(num uint32) (*dataPage, error) {
	if dp := bf.cache.get(num); dp != nil {
		return dp, nil
	}
	if num == 0 || num >= bf.pager.pageCount() {
		return nil, errors.Wrapf(ErrPageNotFound, "chain page %d", num)
	}
	pg, err := bf.pager.readPage(num)
	if err != nil {
		return nil, err
	}
	return &dataPage{page: pg}, nil
}

// keep caches a chain page the operation changed so it is written on the
// next flush.
func (ov *overflowPage) keep(dp *dataPage) error {
	if dp == ov.first {
		return nil
	}
	dp.setDirty(true)
	return ov.bf.cache.add(dp, 1)
}

// fill is the number of bytes dp holds of the value. Pages followed by
// another one are full.
func (ov *overflowPage) fill(dp *dataPage) int {
	if dp.header.nextInChain != 0 {
		return ov.bf.pager.workSize()
	}
	return dp.header.dataLen
}

func (ov *overflowPage) length() int { return ov.first.header.dataLen }

// getData concatenates the chain. The result starts with the record header.
func (ov *overflowPage) getData() ([]byte, error) {
	total := ov.length()
	data := make([]byte, 0, total)
	dp := ov.first
	for steps := uint32(0); ; steps++ {
		n := ov.fill(dp)
		if n > len(dp.data) {
			n = len(dp.data)
		}
		if rest := total - len(data); n > rest {
			n = rest
		}
		data = append(data, dp.data[:n]...)
		next := dp.header.nextInChain
		if next == 0 || len(data) >= total {
			break
		}
		if steps > ov.bf.pager.pageCount() {
			return nil, errors.Wrapf(ErrCorruptPage, "overflow chain of page %d loops", ov.first.num)
		}
		var err error
		if dp, err = ov.bf.chainPage(next); err != nil {
			ov.bf.log.WithField("page", next).WithError(err).Error("failed to read overflow chain")
			return nil, err
		}
	}
	if len(data) != total {
		ov.bf.log.WithFields(log.Fields{
			"page":     ov.first.num,
			"expected": total,
			"read":     len(data),
		}).Warn("overflow chain shorter than declared length")
	}
	if len(data) < recordOverhead {
		return nil, errors.Wrapf(ErrCorruptPage, "overflow page %d holds %d bytes", ov.first.num, len(data))
	}
	return data, nil
}

// setData replaces the content of the chain. Pages of the old chain are
// reused in order, missing ones are allocated and surplus ones released.
func (ov *overflowPage) setData(txn *Txn, data []byte) error {
	bf := ov.bf
	work := bf.pager.workSize()
	oldLength := ov.length()
	oldLast := ov.first.header.lastInChain

	var (
		prev    *dataPage
		dp      = ov.first
		oldNext uint32
	)
	for pos := 0; pos < len(data) || prev == nil; {
		if prev != nil {
			if oldNext != 0 {
				next, err := bf.chainPage(oldNext)
				if err != nil {
					return err
				}
				dp = next
			} else {
				pg, err := bf.pager.allocatePage()
				if err != nil {
					return err
				}
				dp = &dataPage{page: pg}
				dp.reset(StatusRecord)
				dp.offsets = nil
				if err := bf.writeToLog(txn, &CreatePageLoggable{fileRecord: bf.record(), Page: dp.num}, dp); err != nil {
					return err
				}
			}
		}
		end := pos + work
		if end > len(data) {
			end = len(data)
		}
		chunk := data[pos:end]
		oldNext = dp.header.nextInChain
		ownLen := dp.header.dataLen
		if ownLen > len(dp.data) {
			ownLen = len(dp.data)
		}
		l := &OverflowStoreLoggable{
			fileRecord: bf.record(),
			Page:       dp.num,
			Data:       chunk,
			OldLength:  uint32(dp.header.dataLen),
			OldNext:    dp.header.nextInChain,
			OldLast:    dp.header.lastInChain,
			OldData:    append([]byte(nil), dp.data[:ownLen]...),
		}
		if prev != nil {
			l.PrevPage = prev.num
		}
		if err := bf.writeToLog(txn, l, dp); err != nil {
			return err
		}
		ov.store(dp, chunk)
		if prev != nil {
			prev.header.nextInChain = dp.num
			prev.header.lsn = dp.header.lsn
			if err := ov.keep(prev); err != nil {
				return err
			}
		}
		if err := ov.keep(dp); err != nil {
			return err
		}
		prev = dp
		pos = end
	}

	// release pages no longer needed
	if err := ov.removeChain(txn, oldNext); err != nil {
		return err
	}

	last := prev.num
	if prev == ov.first {
		last = 0
	}
	if err := bf.writeToLog(txn, &OverflowModifiedLoggable{
		fileRecord:     bf.record(),
		Page:           ov.first.num,
		Length:         uint32(len(data)),
		OldLength:      uint32(oldLength),
		LastInChain:    last,
		OldLastInChain: oldLast,
	}, ov.first); err != nil {
		return err
	}
	ov.first.setLength(len(data), last)
	return bf.cache.add(ov.first, 2)
}

// store overwrites the content of a single chain page.
func (ov *overflowPage) store(dp *dataPage, chunk []byte) {
	n := copy(dp.data, chunk)
	for i := n; i < len(dp.data); i++ {
		dp.data[i] = 0
	}
	dp.header.dataLen = n
	dp.header.nextInChain = 0
	if dp != ov.first {
		dp.header.status = StatusRecord
		dp.header.lastInChain = 0
	}
}

// append adds chunk behind the current value.
func (ov *overflowPage) append(txn *Txn, chunk []byte) error {
	bf := ov.bf
	work := bf.pager.workSize()
	oldLength := ov.length()
	oldLast := ov.first.header.lastInChain

	last := ov.first
	if oldLast != 0 {
		var err error
		if last, err = bf.chainPage(oldLast); err != nil {
			return err
		}
	}
	newLength := oldLength + len(chunk)
	fill := last.header.dataLen
	for len(chunk) > 0 {
		if fill < work {
			n := work - fill
			if n > len(chunk) {
				n = len(chunk)
			}
			if err := bf.writeToLog(txn, &OverflowAppendLoggable{
				fileRecord: bf.record(),
				Page:       last.num,
				Data:       chunk[:n],
			}, last); err != nil {
				return err
			}
			copy(last.data[fill:], chunk[:n])
			fill += n
			if last != ov.first {
				last.header.dataLen = fill
			}
			chunk = chunk[n:]
			if err := ov.keep(last); err != nil {
				return err
			}
			continue
		}
		pg, err := bf.pager.allocatePage()
		if err != nil {
			return err
		}
		next := &dataPage{page: pg}
		next.reset(StatusRecord)
		next.offsets = nil
		if err := bf.writeToLog(txn, &OverflowCreatePageLoggable{
			fileRecord: bf.record(),
			NewPage:    next.num,
			PrevPage:   last.num,
		}, next); err != nil {
			return err
		}
		last.header.nextInChain = next.num
		last.header.lsn = next.header.lsn
		if err := ov.keep(last); err != nil {
			return err
		}
		last = next
		fill = 0
	}

	newLast := last.num
	if last == ov.first {
		newLast = 0
	}
	if err := bf.writeToLog(txn, &OverflowModifiedLoggable{
		fileRecord:     bf.record(),
		Page:           ov.first.num,
		Length:         uint32(newLength),
		OldLength:      uint32(oldLength),
		LastInChain:    newLast,
		OldLastInChain: oldLast,
	}, ov.first); err != nil {
		return err
	}
	ov.first.setLength(newLength, newLast)
	if err := ov.keep(last); err != nil {
		return err
	}
	return bf.cache.add(ov.first, 2)
}

// delete releases every page of the chain.
func (ov *overflowPage) delete(txn *Txn) error {
	next := ov.first.header.nextInChain
	if err := ov.release(txn, ov.first); err != nil {
		return err
	}
	return ov.removeChain(txn, next)
}

// removeChain releases the pages linked from num on.
func (ov *overflowPage) removeChain(txn *Txn, num uint32) error {
	for steps := uint32(0); num != 0; steps++ {
		if steps > ov.bf.pager.pageCount() {
			return errors.Wrapf(ErrCorruptPage, "overflow chain of page %d loops", ov.first.num)
		}
		dp, err := ov.bf.chainPage(num)
		if err != nil {
			return err
		}
		num = dp.header.nextInChain
		if err := ov.release(txn, dp); err != nil {
			return err
		}
	}
	return nil
}

func (ov *overflowPage) release(txn *Txn, dp *dataPage) error {
	n := dp.header.dataLen
	if n > len(dp.data) {
		n = len(dp.data)
	}
	if err := ov.bf.writeToLog(txn, &OverflowRemoveLoggable{
		fileRecord: ov.bf.record(),
		Page:       dp.num,
		Status:     dp.header.status,
		Length:     uint32(dp.header.dataLen),
		Next:       dp.header.nextInChain,
		Last:       dp.header.lastInChain,
		Data:       append([]byte(nil), dp.data[:n]...),
	}, dp); err != nil {
		return err
	}
	return ov.bf.deletePage(dp)
}

// setLength updates the total length of the value held by a first page
// together with the length field of its record header.
func (dp *dataPage) setLength(length int, last uint32) {
	dp.header.dataLen = length
	dp.header.lastInChain = last
	if length >= recordOverhead {
		binary.LittleEndian.PutUint32(dp.data[2:], uint32(length-recordOverhead))
	}
	dp.setDirty(true)
}

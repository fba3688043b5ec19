package bfile

import (
	"context"
	"encoding/binary"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sort"
)

// Append adds value behind the bytes already stored under key, or stores
// it when key is new.
func (bf *BFile) Append(txn *Txn, key, value []byte) (Pointer, error) {
	if err := bf.checkWritable(); err != nil {
		return UnknownAddress, err
	}
	if err := bf.checkKey(key); err != nil {
		return UnknownAddress, err
	}
	p, err := bf.index.FindValue(key)
	if errors.Is(err, ErrKeyNotFound) {
		return bf.storeAndIndex(txn, key, value)
	} else if err != nil {
		return UnknownAddress, err
	}

	dp, err := bf.getDataPage(PageFromPointer(p), true)
	if err != nil {
		return UnknownAddress, err
	}
	if dp.isOverflow() {
		if err := bf.overflow(dp).append(txn, value); err != nil {
			return UnknownAddress, err
		}
		return p, nil
	}
	old, err := bf.recordAt(dp, p)
	if err != nil {
		return UnknownAddress, err
	}
	data := make([]byte, len(old)+len(value))
	copy(data, old)
	copy(data[len(old):], value)
	return bf.update(txn, p, dp, key, data)
}

// Put stores value under key. An existing value is replaced when overwrite
// is set, else ErrKeyExists is returned.
func (bf *BFile) Put(txn *Txn, key, value []byte, overwrite bool) (Pointer, error) {
	if err := bf.checkWritable(); err != nil {
		return UnknownAddress, err
	}
	if err := bf.checkKey(key); err != nil {
		return UnknownAddress, err
	}
	p, err := bf.index.FindValue(key)
	if errors.Is(err, ErrKeyNotFound) {
		return bf.storeAndIndex(txn, key, value)
	} else if err != nil {
		return UnknownAddress, err
	}
	if !overwrite {
		return UnknownAddress, ErrKeyExists
	}
	return bf.UpdateAt(txn, p, key, value)
}

func (bf *BFile) storeAndIndex(txn *Txn, key, value []byte) (Pointer, error) {
	p, err := bf.storeValue(txn, value)
	if err != nil {
		return UnknownAddress, err
	}
	if err := bf.addValue(txn, key, p); err != nil {
		return UnknownAddress, err
	}
	return p, nil
}

// ContainsKey reports whether key is mapped to a value.
func (bf *BFile) ContainsKey(key []byte) (bool, error) {
	if err := bf.checkOpen(); err != nil {
		return false, err
	}
	_, err := bf.index.FindValue(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get returns a copy of the value stored under key.
func (bf *BFile) Get(key []byte) ([]byte, error) {
	if err := bf.checkOpen(); err != nil {
		return nil, err
	}
	p, err := bf.index.FindValue(key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			bf.log.WithError(err).Errorf("an error occurred while trying to retrieve key %q", key)
		}
		return nil, err
	}
	return bf.GetAt(p)
}

// GetAt returns a copy of the value stored at p.
func (bf *BFile) GetAt(p Pointer) ([]byte, error) {
	if err := bf.checkOpen(); err != nil {
		return nil, err
	}
	dp, err := bf.getDataPage(PageFromPointer(p), true)
	if err != nil {
		bf.log.WithError(err).Error("failed to load page of " + p.String())
		return nil, err
	}
	if dp.isOverflow() {
		data, err := bf.overflow(dp).getData()
		if err != nil {
			return nil, err
		}
		if err := bf.cache.add(dp, 1); err != nil {
			return nil, err
		}
		out := make([]byte, len(data)-recordOverhead)
		copy(out, data[recordOverhead:])
		return out, nil
	}
	v, err := bf.recordAt(dp, p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if err := bf.cache.add(dp, 1); err != nil {
		return nil, err
	}
	return out, nil
}

// recordAt slices the payload of the record addressed by p out of a single
// page.
func (bf *BFile) recordAt(dp *dataPage, p Pointer) ([]byte, error) {
	tid := TidFromPointer(p)
	offset := dp.findValuePosition(tid)
	if offset < 0 || offset+4 > len(dp.data) {
		bf.log.WithFields(log.Fields{"tid": tid, "page": dp.num, "offset": offset}).Error("wrong pointer")
		return nil, errors.Wrapf(ErrInvalidPointer, "tid %d on page %d", tid, dp.num)
	}
	l := int(binary.LittleEndian.Uint32(dp.data[offset:]))
	if offset+4+l > len(dp.data) {
		bf.log.WithFields(log.Fields{"page": dp.num, "required": offset + 4 + l}).Error("wrong data length in page")
		return nil, errors.Wrapf(ErrInvalidPointer, "record of %d bytes at %d on page %d", l, offset, dp.num)
	}
	return dp.data[offset+4 : offset+4+l], nil
}

// Remove deletes the value stored under key and the key itself.
func (bf *BFile) Remove(txn *Txn, key []byte) error {
	if err := bf.checkWritable(); err != nil {
		return err
	}
	p, err := bf.index.FindValue(key)
	if err != nil {
		return err
	}
	dp, err := bf.getDataPage(PageFromPointer(p), true)
	if err != nil {
		return err
	}
	if err := bf.remove(txn, dp, p); err != nil {
		return err
	}
	return bf.removeValue(txn, key)
}

// RemoveAt deletes the value stored at p. The key index is not changed.
func (bf *BFile) RemoveAt(txn *Txn, p Pointer) error {
	if err := bf.checkWritable(); err != nil {
		return err
	}
	dp, err := bf.getDataPage(PageFromPointer(p), true)
	if err != nil {
		return err
	}
	return bf.remove(txn, dp, p)
}

func (bf *BFile) remove(txn *Txn, dp *dataPage, p Pointer) error {
	if dp.isOverflow() {
		// overflow page: simply delete the whole chain
		return bf.overflow(dp).delete(txn)
	}
	tid := TidFromPointer(p)
	offset := dp.findValuePosition(tid)
	if offset < 0 || offset+4 > len(dp.data) {
		bf.log.WithFields(log.Fields{"tid": tid, "page": dp.num}).Error("wrong pointer")
		return errors.Wrapf(ErrInvalidPointer, "tid %d on page %d", tid, dp.num)
	}
	l := int(binary.LittleEndian.Uint32(dp.data[offset:]))
	if offset+4+l > dp.header.dataLen {
		bf.log.WithFields(log.Fields{"page": dp.num, "required": offset + 4 + l}).Error("wrong data length in page")
		return errors.Wrapf(ErrInvalidPointer, "record of %d bytes at %d on page %d", l, offset, dp.num)
	}
	if err := bf.writeToLog(txn, &RemoveValueLoggable{
		fileRecord: bf.record(),
		Page:       dp.num,
		TID:        tid,
		OldData:    append([]byte(nil), dp.data[offset+4:offset+4+l]...),
	}, dp); err != nil {
		return err
	}
	end := offset + 4 + l
	n := dp.header.dataLen
	// remove old value
	copy(dp.data[offset-2:], dp.data[end:n])
	dp.header.records--
	n = n - l - recordOverhead
	dp.header.dataLen = n
	dp.setDirty(true)

	// if this page is empty, remove it
	if n == 0 {
		if err := bf.writeToLog(txn, &RemoveEmptyPageLoggable{fileRecord: bf.record(), Page: dp.num}, dp); err != nil {
			return err
		}
		return bf.releasePage(dp)
	}
	dp.removeTID(tid, l+recordOverhead)
	bf.recordFreeSpace(dp)
	return bf.cache.add(dp, 2)
}

// recordFreeSpace brings the free space entry of dp in line with its data.
// Pages with less than minFree bytes left are not tracked.
func (bf *BFile) recordFreeSpace(dp *dataPage) {
	newFree := bf.pager.workSize() - dp.header.dataLen
	free := bf.pager.header.getFreeSpace(dp.num)
	if newFree < bf.minFree {
		bf.pager.header.removeFreeSpace(free)
		return
	}
	if free != nil {
		free.free = newFree
		bf.pager.header.dirty = true
		return
	}
	bf.pager.header.addFreeSpace(&freeSpace{page: dp.num, free: newFree})
}

func (bf *BFile) saveFreeSpace(space *freeSpace, dp *dataPage) {
	free := bf.pager.workSize() - dp.header.dataLen
	space.free = free
	bf.pager.header.dirty = true
	if free < bf.minFree {
		bf.pager.header.removeFreeSpace(space)
	}
}

// StoreValue writes value to a page and returns its address without
// touching the key index.
func (bf *BFile) StoreValue(txn *Txn, value []byte) (Pointer, error) {
	if err := bf.checkWritable(); err != nil {
		return UnknownAddress, err
	}
	return bf.storeValue(txn, value)
}

func (bf *BFile) storeValue(txn *Txn, value []byte) (Pointer, error) {
	vlen := len(value)
	// does value fit into a single page?
	if recordOverhead+vlen > bf.maxValueSize {
		ov, err := bf.newOverflowPage(txn)
		if err != nil {
			return UnknownAddress, err
		}
		if err := ov.setData(txn, overflowData(value)); err != nil {
			return UnknownAddress, err
		}
		return CreatePointer(ov.first.num, 1), nil
	}

	var (
		dp   *dataPage
		free *freeSpace
		err  error
	)
	tid := int16(-1)
	// check for available tid
	for tid < 0 {
		free = bf.pager.header.findFreeSpace(vlen + recordOverhead)
		if free == nil {
			if dp, err = bf.createDataPage(); err != nil {
				return UnknownAddress, err
			}
			if err := bf.writeToLog(txn, &CreatePageLoggable{fileRecord: bf.record(), Page: dp.num}, dp); err != nil {
				return UnknownAddress, err
			}
			free = &freeSpace{page: dp.num, free: bf.pager.workSize() - dp.header.dataLen}
			bf.pager.header.addFreeSpace(free)
		} else {
			dp, err = bf.getDataPage(free.page, true)
			// check if this is really a data page
			if errors.Is(err, ErrNotDataPage) || errors.Is(err, ErrPageNotFound) || errors.Is(err, ErrCorruptPage) ||
				(err == nil && dp.header.status != StatusRecord) {
				bf.log.WithField("page", free.page).Warn("page is not a data page; removing it")
				bf.pager.header.removeFreeSpace(free)
				continue
			} else if err != nil {
				return UnknownAddress, err
			}
			// check if the information about free space is really correct
			realSpace := bf.pager.workSize() - dp.header.dataLen
			if realSpace < recordOverhead+vlen {
				bf.log.WithField("page", dp.num).Warnf("wrong data length in list of free pages: adjusting to %d", realSpace)
				bf.recordFreeSpace(dp)
				continue
			}
		}
		tid = dp.nextTID()
		if tid < 0 {
			bf.log.WithField("page", dp.num).Info("removing page from free pages")
			bf.pager.header.removeFreeSpace(free)
		}
	}
	if err := bf.writeToLog(txn, &StoreValueLoggable{
		fileRecord: bf.record(),
		Page:       dp.num,
		TID:        tid,
		Value:      value,
	}, dp); err != nil {
		return UnknownAddress, err
	}
	n := dp.header.dataLen
	// save tid
	binary.LittleEndian.PutUint16(dp.data[n:], uint16(tid))
	n += 2
	dp.setOffset(tid, n)
	// save data length
	binary.LittleEndian.PutUint32(dp.data[n:], uint32(vlen))
	n += 4
	n += copy(dp.data[n:], value)
	dp.header.dataLen = n
	dp.header.records++
	bf.saveFreeSpace(free, dp)
	dp.setDirty(true)
	if err := bf.cache.add(dp, 1); err != nil {
		return UnknownAddress, err
	}
	// return pointer from pageNum and offset into page
	return CreatePointer(dp.num, tid), nil
}

// overflowData prefixes value with the synthetic tid 1 record header.
func overflowData(value []byte) []byte {
	data := make([]byte, len(value)+recordOverhead)
	binary.LittleEndian.PutUint16(data, 1)
	binary.LittleEndian.PutUint32(data[2:], uint32(len(value)))
	copy(data[recordOverhead:], value)
	return data
}

// Update replaces the value stored under key.
func (bf *BFile) Update(txn *Txn, key, value []byte) (Pointer, error) {
	if err := bf.checkWritable(); err != nil {
		return UnknownAddress, err
	}
	p, err := bf.index.FindValue(key)
	if err != nil {
		return UnknownAddress, err
	}
	return bf.UpdateAt(txn, p, key, value)
}

// UpdateAt replaces the value at p, which is stored under key, and returns
// the new address.
func (bf *BFile) UpdateAt(txn *Txn, p Pointer, key, value []byte) (Pointer, error) {
	if err := bf.checkWritable(); err != nil {
		return UnknownAddress, err
	}
	dp, err := bf.getDataPage(PageFromPointer(p), true)
	if err != nil {
		bf.log.WithError(err).Error("update failed")
		return UnknownAddress, err
	}
	return bf.update(txn, p, dp, key, value)
}

func (bf *BFile) update(txn *Txn, p Pointer, dp *dataPage, key, value []byte) (Pointer, error) {
	if dp.isOverflow() {
		// does value fit into a single page?
		if len(value)+recordOverhead < bf.maxValueSize {
			// yes: remove the overflow page
			if err := bf.remove(txn, dp, p); err != nil {
				return UnknownAddress, err
			}
			return bf.storeAndIndex(txn, key, value)
		}
		// this is an overflow page: simply replace the value
		if err := bf.overflow(dp).setData(txn, overflowData(value)); err != nil {
			return UnknownAddress, err
		}
		return p, nil
	}
	if err := bf.remove(txn, dp, p); err != nil {
		return UnknownAddress, err
	}
	return bf.storeAndIndex(txn, key, value)
}

// addValue maps key to p in the index, journaling the previous mapping.
func (bf *BFile) addValue(txn *Txn, key []byte, p Pointer) error {
	if txn != nil && bf.isRecoveryEnabled() {
		old, err := bf.index.FindValue(key)
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}
		if err := bf.writeToLog(txn, &IndexAddLoggable{
			fileRecord: bf.record(),
			Key:        key,
			Pointer:    p,
			OldPointer: old,
		}, nil); err != nil {
			return err
		}
		// the index commits on its own, keep it behind the journal
		if err := bf.journal.Flush(false); err != nil {
			return err
		}
	}
	_, err := bf.index.AddValue(key, p)
	return err
}

func (bf *BFile) removeValue(txn *Txn, key []byte) error {
	if txn != nil && bf.isRecoveryEnabled() {
		old, err := bf.index.FindValue(key)
		if err != nil {
			return err
		}
		if err := bf.writeToLog(txn, &IndexRemoveLoggable{
			fileRecord: bf.record(),
			Key:        key,
			OldPointer: old,
		}, nil); err != nil {
			return err
		}
		if err := bf.journal.Flush(false); err != nil {
			return err
		}
	}
	_, err := bf.index.RemoveValue(key)
	return err
}

// RemoveAll removes every key matching q together with its value. Values
// are removed in address order. When ctx is done the removal stops and the
// number of entries removed so far is returned with ErrTerminated.
func (bf *BFile) RemoveAll(ctx context.Context, txn *Txn, q *IndexQuery) (int, error) {
	if err := bf.checkWritable(); err != nil {
		return 0, err
	}
	// first collect the values to remove, then sort them by their page number
	var matches []KVPair
	err := bf.index.Query(ctx, q, func(key []byte, p Pointer) (bool, error) {
		matches = append(matches, KVPair{Key: key, Address: p})
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	bf.log.Debugf("found %d items to remove", len(matches))
	sort.Slice(matches, func(i, j int) bool { return matches[i].Address < matches[j].Address })
	for i, kv := range matches {
		if err := ctx.Err(); err != nil {
			return i, errors.Wrap(ErrTerminated, err.Error())
		}
		dp, err := bf.getDataPage(PageFromPointer(kv.Address), true)
		if err != nil {
			return i, err
		}
		if err := bf.remove(txn, dp, kv.Address); err != nil {
			return i, err
		}
		if err := bf.removeValue(txn, kv.Key); err != nil {
			return i, err
		}
	}
	return len(matches), nil
}

// Find calls fn with key and value of every entry matching q, in key order,
// until fn returns false.
func (bf *BFile) Find(ctx context.Context, q *IndexQuery, fn func(key, value []byte) (bool, error)) error {
	if err := bf.checkOpen(); err != nil {
		return err
	}
	return bf.index.Query(ctx, q, func(key []byte, p Pointer) (bool, error) {
		v, err := bf.GetAt(p)
		if err != nil {
			bf.log.WithError(err).Error("failed to read value of " + string(key))
			return true, nil
		}
		return fn(key, v)
	})
}

// FindKeys returns the keys matching q together with their addresses.
func (bf *BFile) FindKeys(ctx context.Context, q *IndexQuery) ([]KVPair, error) {
	if err := bf.checkOpen(); err != nil {
		return nil, err
	}
	var result []KVPair
	err := bf.index.Query(ctx, q, func(key []byte, p Pointer) (bool, error) {
		result = append(result, KVPair{Key: key, Address: p})
		return true, nil
	})
	return result, err
}

// FindEntries returns key, value and address of every entry matching q.
func (bf *BFile) FindEntries(ctx context.Context, q *IndexQuery) ([]KVPair, error) {
	if err := bf.checkOpen(); err != nil {
		return nil, err
	}
	var result []KVPair
	err := bf.index.Query(ctx, q, func(key []byte, p Pointer) (bool, error) {
		v, err := bf.GetAt(p)
		if err != nil {
			bf.log.WithError(err).Error("failed to read value of " + string(key))
			return true, nil
		}
		result = append(result, KVPair{Key: key, Value: v, Address: p})
		return true, nil
	})
	return result, err
}

func (bf *BFile) Keys(ctx context.Context) ([][]byte, error) {
	kvs, err := bf.FindKeys(ctx, NewQuery(OpAny))
	keys := make([][]byte, len(kvs))
	for i, kv := range kvs {
		keys[i] = kv.Key
	}
	return keys, err
}

func (bf *BFile) Values(ctx context.Context) ([][]byte, error) {
	kvs, err := bf.FindEntries(ctx, NewQuery(OpAny))
	values := make([][]byte, len(kvs))
	for i, kv := range kvs {
		values[i] = kv.Value
	}
	return values, err
}

func (bf *BFile) Entries(ctx context.Context) ([]KVPair, error) {
	return bf.FindEntries(ctx, NewQuery(OpAny))
}

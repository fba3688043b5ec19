package bfile

import (
	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Options represents the options that can be set when opening a BFile.
type Options struct {
	// FileID identifies the file in journal records. Files sharing a
	// journal need distinct ids.
	FileID uint16

	// PageSize of a new file. Existing files keep the size they were
	// created with.
	PageSize int

	// CacheSize is the number of data pages kept in memory.
	CacheSize int

	// Journal enables write-ahead logging for operations passed a Txn.
	Journal *Journal

	// Index maps keys to addresses. When nil a bolt index is opened at
	// path + ".keys" and closed with the BFile.
	Index KeyIndex

	// LockManager provides the file lock used by stream cursors and
	// recovery. A private manager is created when nil.
	LockManager *LockManager

	Logger *log.Logger

	// Open in read-only mode. Uses flock(..., LOCK_SH |LOCK_NB) to
	// grab a shared lock (UNIX).
	ReadOnly bool

	// Timeout is the amount of time to wait to obtain a file lock.
	// When zero, opening fails at once if another process holds it.
	Timeout time.Duration

	// Skip fsync calls when flushing pages.
	NoSync bool

	// MaxKeySize of a new file, capped by the page payload.
	MaxKeySize int

	// LockTimeout bounds the wait for the read lock when a stream cursor
	// moves to the next page of an overflow chain.
	LockTimeout time.Duration
}

var DefaultOptions = &Options{
	PageSize:    DefaultPageSize,
	CacheSize:   DefaultCacheSize,
	LockTimeout: 5 * time.Second,
}

// BFile is a heap of variable length values addressed by key. Small values
// share single pages; values larger than half a page are stored in a chain
// of overflow pages.
//
// Mutating operations expect the caller to hold the write lock named by
// LockName for the file.
type BFile struct {
	path     string
	fileID   uint16
	file     *os.File
	pager    *pager
	cache    *pageCache
	index    KeyIndex
	ownIndex bool
	journal  *Journal
	locks    *LockManager
	log      *log.Entry

	readOnly     bool
	noSync       bool
	lockTimeout  time.Duration
	maxValueSize int
	minFree      int

	mu     sync.Mutex
	closed bool
}

func Open(path string, mode os.FileMode, options *Options) (*BFile, error) {
	if options == nil {
		options = DefaultOptions
	}
	opts := *options
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < minPageSize || opts.PageSize > maxPageSize {
		return nil, errors.Errorf("page size %d out of range [%d, %d]", opts.PageSize, minPageSize, maxPageSize)
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	bf := &BFile{
		path:        path,
		fileID:      opts.FileID,
		journal:     opts.Journal,
		locks:       opts.LockManager,
		readOnly:    opts.ReadOnly,
		noSync:      opts.NoSync,
		lockTimeout: opts.LockTimeout,
		minFree:     PageMinFree,
		log:         logger.WithField("file", filepath.Base(path)),
	}
	if bf.locks == nil {
		bf.locks = NewLockManager()
	}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	var err error
	if bf.file, err = os.OpenFile(path, flag, mode); err != nil {
		if os.IsNotExist(err) && opts.ReadOnly {
			return nil, err
		}
		if bf.file, err = os.OpenFile(path, flag|os.O_CREATE, mode); err != nil {
			return nil, err
		}
	}

	// Lock file so that other processes using in read-write mode cannot
	// use the file at the same time.
	if err := waitflock(bf.file, opts.ReadOnly, opts.Timeout); err != nil {
		_ = bf.file.Close()
		return nil, err
	}

	maxKeySize := opts.MaxKeySize
	if maxKeySize <= 0 || maxKeySize > opts.PageSize-pageHeaderSize {
		maxKeySize = opts.PageSize - pageHeaderSize
	}
	if maxKeySize > bolt.MaxKeySize {
		maxKeySize = bolt.MaxKeySize
	}
	if bf.pager, err = openPager(bf.file, opts.FileID, opts.PageSize, maxKeySize, opts.ReadOnly, opts.NoSync, bf.log); err != nil {
		_ = bf.release()
		return nil, err
	}
	bf.maxValueSize = bf.pager.workSize() / 2
	bf.cache = newPageCache(opts.CacheSize, bf.syncPage)

	bf.index = opts.Index
	if bf.index == nil {
		if bf.index, err = OpenBoltIndex(path+".keys", opts.ReadOnly, opts.NoSync, opts.Timeout); err != nil {
			_ = bf.release()
			return nil, err
		}
		bf.ownIndex = true
	}
	bf.log.WithFields(log.Fields{
		"pageSize":  bf.pager.pageSize(),
		"pageCount": bf.pager.pageCount(),
		"freeList":  bf.pager.header.freeList.len(),
	}).Info("bfile opened")
	return bf, nil
}

// release unlocks and closes the data file.
func (bf *BFile) release() error {
	if bf.file == nil {
		return nil
	}
	if err := funlock(bf.file); err != nil {
		bf.log.Errorf("funlock error: %s", err)
	}
	err := bf.file.Close()
	bf.file = nil
	return errors.Wrap(err, "bfile closed")
}

func (bf *BFile) Path() string { return bf.path }

func (bf *BFile) FileID() uint16 { return bf.fileID }

// LockName is the name of the file lock in the LockManager.
func (bf *BFile) LockName() string { return filepath.Base(bf.path) }

func (bf *BFile) LockManager() *LockManager { return bf.locks }

func (bf *BFile) WorkSize() int { return bf.pager.workSize() }

func (bf *BFile) MaxValueSize() int { return bf.maxValueSize }

func (bf *BFile) MaxKeySize() int { return bf.pager.header.maxKeySize }

func (bf *BFile) isRecoveryEnabled() bool { return bf.journal != nil }

// Flush forces the journal, writes all dirty pages and the file header.
func (bf *BFile) Flush() error {
	if bf.readOnly {
		return nil
	}
	if bf.journal != nil {
		if err := bf.journal.Flush(true); err != nil {
			return err
		}
	}
	if _, err := bf.cache.flush(); err != nil {
		return err
	}
	if err := bf.pager.writeHeader(); err != nil {
		return err
	}
	return bf.pager.sync()
}

// Close flushes the file, marks it cleanly closed and releases all handles.
func (bf *BFile) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.closed {
		return nil
	}
	bf.closed = true
	var err error
	if !bf.readOnly {
		if err = bf.Flush(); err == nil {
			bf.pager.header.clean = true
			if err = bf.pager.writeHeader(); err == nil {
				err = bf.pager.sync()
			}
		}
	}
	if bf.ownIndex {
		if ierr := bf.index.Close(); err == nil {
			err = ierr
		}
	}
	if rerr := bf.release(); err == nil {
		err = rerr
	}
	bf.log.Info("bfile closed")
	return err
}

// Stats returns the statistics of the data page cache.
func (bf *BFile) Stats() BufferStats { return bf.cache.stats() }

// FreeList describes the free space list for debugging.
func (bf *BFile) FreeList() string { return bf.pager.header.freeList.String() }

func (bf *BFile) DebugFreeList() {
	bf.log.Debug(bf.FreeList())
}

// syncPage writes a dirty page, forcing the journal first when it lags
// behind the page LSN.
func (bf *BFile) syncPage(dp *dataPage) error {
	if !dp.dirty {
		return nil
	}
	if err := bf.walFlush(dp); err != nil {
		return err
	}
	if err := bf.pager.writePage(dp.page); err != nil {
		bf.log.WithField("page", dp.num).WithError(err).Error("failed to save page")
		return err
	}
	dp.dirty = false
	return nil
}

// walFlush forces the journal to disk when dp carries a later LSN than the
// last synced entry.
func (bf *BFile) walFlush(dp *dataPage) error {
	if bf.journal != nil && bf.journal.LastSyncedLSN() < dp.header.lsn {
		return bf.journal.Flush(true)
	}
	return nil
}

// writeToLog journals l and stamps its LSN on the page it changes.
func (bf *BFile) writeToLog(txn *Txn, l FileLoggable, dp *dataPage) error {
	if txn == nil || !bf.isRecoveryEnabled() {
		return nil
	}
	l.setTxn(txn.id)
	lsn, err := bf.journal.Journal(l)
	if err != nil {
		bf.log.WithError(err).Warn("failed to journal " + l.Type().String())
		return err
	}
	txn.add(l)
	if dp != nil {
		dp.header.lsn = lsn
	}
	return nil
}

func (bf *BFile) record() fileRecord { return fileRecord{fileID: bf.fileID} }

// getDataPage returns the cached page or loads it. initialize builds the
// tid table of single pages.
func (bf *BFile) getDataPage(num uint32, initialize bool) (*dataPage, error) {
	if dp := bf.cache.get(num); dp != nil {
		if initialize && dp.offsets == nil && dp.header.status == StatusRecord {
			dp.readOffsets(bf.log)
		}
		return dp, nil
	}
	if num == 0 || num >= bf.pager.pageCount() {
		return nil, errors.Wrapf(ErrPageNotFound, "page %d", num)
	}
	pg, err := bf.pager.readPage(num)
	if err != nil {
		return nil, err
	}
	if pg.header.status != StatusRecord && pg.header.status != StatusMultiPage {
		return nil, errors.Wrapf(ErrNotDataPage, "page %d has status %s", num, pg.header.status)
	}
	return newDataPage(pg, initialize, bf.log), nil
}

// createDataPage allocates an empty single page and caches it.
func (bf *BFile) createDataPage() (*dataPage, error) {
	pg, err := bf.pager.allocatePage()
	if err != nil {
		return nil, err
	}
	dp := &dataPage{page: pg}
	dp.reset(StatusRecord)
	dp.setDirty(true)
	bf.log.WithField("page", dp.num).Debug("created data page")
	if err := bf.cache.add(dp, 2); err != nil {
		return nil, err
	}
	return dp, nil
}

// deletePage releases dp to the pager. The journal is forced first so the
// freed page never runs ahead of the log.
func (bf *BFile) deletePage(dp *dataPage) error {
	bf.cache.remove(dp)
	dp.header.dataLen = 0
	dp.header.nextInChain = 0
	dp.header.lastInChain = 0
	dp.header.nextTID = -1
	dp.header.records = 0
	dp.refCount = 0
	dp.offsets = nil
	dp.dirty = false
	if err := bf.walFlush(dp); err != nil {
		return err
	}
	return bf.pager.freePage(dp.page)
}

func (bf *BFile) isClosed() bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.closed
}

func (bf *BFile) checkOpen() error {
	if bf.isClosed() {
		return ErrClosed
	}
	return nil
}

func (bf *BFile) checkWritable() error {
	if err := bf.checkOpen(); err != nil {
		return err
	}
	if bf.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (bf *BFile) checkKey(key []byte) error {
	if key == nil {
		bf.log.Debug("key is nil")
		return ErrNilKey
	}
	if len(key) == 0 {
		return errors.Wrap(ErrNilKey, "empty key")
	}
	if len(key) > bf.MaxKeySize() {
		bf.log.Warn("key length exceeds page size! Skipping key ...")
		return errors.Wrapf(ErrKeyTooLarge, "key of %d bytes", len(key))
	}
	return nil
}

package bfile

import (
	"bufio"
	"encoding/binary"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"io"
	"os"
	"sync"
)

const (
	// journalMagic = "JRNL" in littleEndian
	journalMagic   uint32 = 0x4C4E524A
	journalVersion uint16 = 1

	// magic u32, version u16, base u64
	journalHeaderSize = 14
	// type u8, txn u64, flags u8, len u32
	entryHeaderSize = 14
	// backlink u32, checksum u64
	entryTrailerSize = 12
)

// JournalOptions represents the options that can be set when opening a journal.
type JournalOptions struct {
	// Commit forces the journal to disk when set.
	SyncOnCommit bool

	// Skip fsync calls. Entries are still written to the OS on flush.
	NoSync bool

	// Compression of entry payloads not smaller than CompressThreshold.
	Compression       CompressAlgorithm
	CompressThreshold int

	Logger *log.Logger
}

var DefaultJournalOptions = &JournalOptions{
	SyncOnCommit:      true,
	Compression:       CompSnappy,
	CompressThreshold: 256,
}

// Journal is the write-ahead log shared by all files of a TxnManager.
// The LSN of an entry is its offset in the file plus a base which grows on
// every truncation, so LSNs increase over the life of the journal.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	opts   JournalOptions
	closed bool

	base        uint64
	size        int64
	lastLSN     LSN
	lastWritten LSN
	lastSynced  LSN
	lastTxn     TxnID

	compress Compressor
	flag     uint8

	log *log.Entry
}

// JournalEntry is a decoded record together with its raw entry size.
type JournalEntry struct {
	Loggable Loggable
	Size     int
}

func OpenJournal(path string, options *JournalOptions) (*Journal, error) {
	if options == nil {
		options = DefaultJournalOptions
	}
	logger := options.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	j := &Journal{
		path: path,
		opts: *options,
		log:  logger.WithField("journal", path),
	}
	j.compress, _, j.flag = options.Compression.codec()

	var err error
	if j.file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644); err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	info, err := j.file.Stat()
	if err != nil {
		_ = j.file.Close()
		return nil, errors.Wrap(err, "stat journal")
	}
	if info.Size() == 0 {
		j.base = 1
		if err := j.writeHeader(); err != nil {
			_ = j.file.Close()
			return nil, err
		}
	} else if err := j.readHeader(); err != nil {
		_ = j.file.Close()
		return nil, err
	} else {
		j.size = info.Size()
		entries, end, err := j.scan()
		if err != nil {
			_ = j.file.Close()
			return nil, err
		}
		if end < j.size {
			j.log.WithFields(log.Fields{"valid": end, "size": j.size}).Warn("dropping torn journal tail")
			if err := j.file.Truncate(end); err != nil {
				_ = j.file.Close()
				return nil, errors.Wrap(err, "truncate torn journal tail")
			}
			j.size = end
		}
		for _, e := range entries {
			j.lastLSN = e.Loggable.LSN()
			if e.Loggable.TxnID() > j.lastTxn {
				j.lastTxn = e.Loggable.TxnID()
			}
		}
	}
	j.lastWritten = j.lastLSN
	j.lastSynced = j.lastLSN
	j.w = bufio.NewWriterSize(j.file, 64*1024)
	return j, nil
}

func (j *Journal) Path() string { return j.path }

func (j *Journal) writeHeader() error {
	var buf [journalHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:], journalMagic)
	binary.LittleEndian.PutUint16(buf[4:], journalVersion)
	binary.LittleEndian.PutUint64(buf[6:], j.base)
	if _, err := j.file.Write(buf[:]); err != nil {
		return errors.Wrap(err, "write journal header")
	}
	j.size = journalHeaderSize
	return nil
}

func (j *Journal) readHeader() error {
	var buf [journalHeaderSize]byte
	if _, err := j.file.ReadAt(buf[:], 0); err != nil {
		return errors.Wrap(ErrJournalCorrupted, "short journal header")
	}
	if binary.LittleEndian.Uint32(buf[0:]) != journalMagic {
		return errors.Wrap(ErrJournalCorrupted, "bad journal magic")
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != journalVersion {
		return errors.Wrapf(ErrJournalCorrupted, "unsupported journal version %d", v)
	}
	j.base = binary.LittleEndian.Uint64(buf[6:])
	return nil
}

// Journal appends l to the log buffer and assigns its LSN.
func (j *Journal) Journal(l Loggable) (LSN, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return InvalidLSN, ErrJournalClosed
	}

	data := encodeLoggable(l)
	var flags uint8
	if j.compress != nil && len(data) >= j.opts.CompressThreshold {
		if c, err := j.compress(data); err == nil && len(c) < len(data) {
			data = c
			flags = Set(flags, j.flag)
		}
	}

	entry := make([]byte, entryHeaderSize+len(data)+entryTrailerSize)
	entry[0] = byte(l.Type())
	binary.LittleEndian.PutUint64(entry[1:], uint64(l.TxnID()))
	entry[9] = flags
	binary.LittleEndian.PutUint32(entry[10:], uint32(len(data)))
	copy(entry[entryHeaderSize:], data)
	off := entryHeaderSize + len(data)
	binary.LittleEndian.PutUint32(entry[off:], uint32(off))
	binary.LittleEndian.PutUint64(entry[off+4:], xxhash.Sum64(entry[:off+4]))

	if _, err := j.w.Write(entry); err != nil {
		return InvalidLSN, errors.Wrap(err, "write journal entry")
	}
	lsn := LSN(j.base + uint64(j.size))
	j.size += int64(len(entry))
	j.lastLSN = lsn
	if l.TxnID() > j.lastTxn {
		j.lastTxn = l.TxnID()
	}
	l.setLSN(lsn)
	return lsn, nil
}

// Flush writes buffered entries to the file, and forces them to disk when
// sync is set.
func (j *Journal) Flush(sync bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flush(sync)
}

func (j *Journal) flush(sync bool) error {
	if j.closed {
		return ErrJournalClosed
	}
	if err := j.w.Flush(); err != nil {
		return errors.Wrap(err, "flush journal")
	}
	if sync && !j.opts.NoSync {
		if err := j.file.Sync(); err != nil {
			return errors.Wrap(err, "fsync journal")
		}
	}
	j.lastWritten = j.lastLSN
	if sync {
		// with NoSync the caller accepts the OS write as durable
		j.lastSynced = j.lastLSN
	}
	return nil
}

// LastWrittenLSN is the LSN of the last entry handed to the OS.
func (j *Journal) LastWrittenLSN() LSN {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastWritten
}

// LastSyncedLSN is the LSN of the last entry forced to disk.
func (j *Journal) LastSyncedLSN() LSN {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSynced
}

// LastLSN is the LSN of the last entry journaled.
func (j *Journal) LastLSN() LSN {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastLSN
}

// Entries reads all valid entries in LSN order. Reading stops at the first
// torn or corrupt entry.
func (j *Journal) Entries() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrJournalClosed
	}
	if err := j.w.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush journal")
	}
	entries, _, err := j.scan()
	return entries, err
}

// scan decodes entries from the file and returns the offset behind the last
// valid one.
func (j *Journal) scan() ([]JournalEntry, int64, error) {
	var entries []JournalEntry
	r := bufio.NewReader(io.NewSectionReader(j.file, journalHeaderSize, j.size-journalHeaderSize))
	pos := int64(journalHeaderSize)
	head := make([]byte, entryHeaderSize)
	for {
		if _, err := io.ReadFull(r, head); err != nil {
			if err != io.EOF {
				j.log.WithField("offset", pos).Warn("torn journal entry header")
			}
			return entries, pos, nil
		}
		n := int(binary.LittleEndian.Uint32(head[10:]))
		if int64(n) > j.size-pos {
			j.log.WithField("offset", pos).Warn("journal entry length exceeds file")
			return entries, pos, nil
		}
		entry := make([]byte, entryHeaderSize+n+entryTrailerSize)
		copy(entry, head)
		if _, err := io.ReadFull(r, entry[entryHeaderSize:]); err != nil {
			j.log.WithField("offset", pos).Warn("torn journal entry")
			return entries, pos, nil
		}
		off := entryHeaderSize + n
		if binary.LittleEndian.Uint32(entry[off:]) != uint32(off) ||
			binary.LittleEndian.Uint64(entry[off+4:]) != xxhash.Sum64(entry[:off+4]) {
			j.log.WithField("offset", pos).Warn("journal entry checksum mismatch")
			return entries, pos, nil
		}
		data := entry[entryHeaderSize:off]
		if decompress := decompressorFor(entry[9]); decompress != nil {
			var err error
			if data, err = decompress(data); err != nil {
				j.log.WithField("offset", pos).WithError(err).Warn("failed to decompress journal entry")
				return entries, pos, nil
			}
		}
		l, err := decodeLoggable(LogType(entry[0]), TxnID(binary.LittleEndian.Uint64(entry[1:])), data)
		if err != nil {
			j.log.WithField("offset", pos).WithError(err).Warn("skipping undecodable journal tail")
			return entries, pos, nil
		}
		l.setLSN(LSN(j.base + uint64(pos)))
		entries = append(entries, JournalEntry{Loggable: l, Size: len(entry)})
		pos += int64(len(entry))
	}
}

// Truncate drops all entries. LSNs handed out afterwards stay larger than
// every LSN handed out before.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.flush(false); err != nil {
		return err
	}
	j.base += uint64(j.size)
	if err := j.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate journal")
	}
	if err := j.writeHeader(); err != nil {
		return err
	}
	if !j.opts.NoSync {
		if err := j.file.Sync(); err != nil {
			return errors.Wrap(err, "fsync journal")
		}
	}
	j.log.WithField("base", j.base).Debug("journal truncated")
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	err := j.flush(true)
	j.closed = true
	if cerr := j.file.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "journal file closed")
	}
	return err
}

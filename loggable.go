package bfile

import (
	"encoding/binary"
	"fmt"
	"github.com/pkg/errors"
)

// LSN is the log sequence number of a journal entry. 0 is invalid.
type LSN uint64

const InvalidLSN LSN = 0

type TxnID uint64

type LogType uint8

const (
	LogTxnStart   LogType = 0x00
	LogTxnCommit  LogType = 0x01
	LogCheckpoint LogType = 0x02
	LogTxnAbort   LogType = 0x03

	LogCreatePage         LogType = 0x30
	LogStoreValue         LogType = 0x31
	LogRemoveValue        LogType = 0x32
	LogRemoveEmptyPage    LogType = 0x33
	LogOverflowAppend     LogType = 0x34
	LogOverflowStore      LogType = 0x35
	LogOverflowCreate     LogType = 0x36
	LogOverflowModified   LogType = 0x37
	LogOverflowCreatePage LogType = 0x38
	LogOverflowRemove     LogType = 0x39

	LogIndexAdd    LogType = 0x40
	LogIndexRemove LogType = 0x41
)

var logTypeNames = map[LogType]string{
	LogTxnStart:           "TXN_START",
	LogTxnCommit:          "TXN_COMMIT",
	LogCheckpoint:         "CHECKPOINT",
	LogTxnAbort:           "TXN_ABORT",
	LogCreatePage:         "CREATE_PAGE",
	LogStoreValue:         "STORE_VALUE",
	LogRemoveValue:        "REMOVE_VALUE",
	LogRemoveEmptyPage:    "REMOVE_EMPTY_PAGE",
	LogOverflowAppend:     "OVERFLOW_APPEND",
	LogOverflowStore:      "OVERFLOW_STORE",
	LogOverflowCreate:     "OVERFLOW_CREATE",
	LogOverflowModified:   "OVERFLOW_MODIFIED",
	LogOverflowCreatePage: "OVERFLOW_CREATE_PAGE",
	LogOverflowRemove:     "OVERFLOW_REMOVE",
	LogIndexAdd:           "INDEX_ADD",
	LogIndexRemove:        "INDEX_REMOVE",
}

func (t LogType) String() string {
	if name, ok := logTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Loggable is a journal record. The set of implementations is closed:
// newLoggable maps every LogType to its concrete type.
type Loggable interface {
	Type() LogType
	TxnID() TxnID
	LSN() LSN
	// LogSize is the number of bytes written by write.
	LogSize() int

	setTxn(TxnID)
	setLSN(LSN)
	write(e *encoder)
	read(d *decoder)
}

// FileLoggable is a record that redoes or undoes a change to one BFile.
type FileLoggable interface {
	Loggable
	FileID() uint16
	Redo(bf *BFile) error
	Undo(bf *BFile) error
}

type record struct {
	txn TxnID
	lsn LSN
}

func (r *record) TxnID() TxnID { return r.txn }
func (r *record) LSN() LSN { return r.lsn }
func (r *record) setTxn(id TxnID) { r.txn = id }
func (r *record) setLSN(lsn LSN) { r.lsn = lsn }
func (r *record) LogSize() int { return 0 }
func (r *record) write(e *encoder) {}
func (r *record) read(d *decoder) {}

type TxnStartLoggable struct{ record }

func (*TxnStartLoggable) Type() LogType { return LogTxnStart }

type TxnCommitLoggable struct{ record }

func (*TxnCommitLoggable) Type() LogType { return LogTxnCommit }

type TxnAbortLoggable struct{ record }

func (*TxnAbortLoggable) Type() LogType { return LogTxnAbort }

// CheckpointLoggable marks a point where all files were flushed.
type CheckpointLoggable struct{ record }

func (*CheckpointLoggable) Type() LogType { return LogCheckpoint }

// newLoggable returns an empty record of the given type.
func newLoggable(t LogType) (Loggable, error) {
	switch t {
	case LogTxnStart:
		return &TxnStartLoggable{}, nil
	case LogTxnCommit:
		return &TxnCommitLoggable{}, nil
	case LogCheckpoint:
		return &CheckpointLoggable{}, nil
	case LogTxnAbort:
		return &TxnAbortLoggable{}, nil
	case LogCreatePage:
		return &CreatePageLoggable{}, nil
	case LogStoreValue:
		return &StoreValueLoggable{}, nil
	case LogRemoveValue:
		return &RemoveValueLoggable{}, nil
	case LogRemoveEmptyPage:
		return &RemoveEmptyPageLoggable{}, nil
	case LogOverflowAppend:
		return &OverflowAppendLoggable{}, nil
	case LogOverflowStore:
		return &OverflowStoreLoggable{}, nil
	case LogOverflowCreate:
		return &OverflowCreateLoggable{}, nil
	case LogOverflowModified:
		return &OverflowModifiedLoggable{}, nil
	case LogOverflowCreatePage:
		return &OverflowCreatePageLoggable{}, nil
	case LogOverflowRemove:
		return &OverflowRemoveLoggable{}, nil
	case LogIndexAdd:
		return &IndexAddLoggable{}, nil
	case LogIndexRemove:
		return &IndexRemoveLoggable{}, nil
	}
	return nil, errors.Wrapf(ErrJournalCorrupted, "unknown log type 0x%02x", uint8(t))
}

// encodeLoggable serializes the record payload.
func encodeLoggable(l Loggable) []byte {
	e := &encoder{buf: make([]byte, 0, l.LogSize())}
	l.write(e)
	return e.buf
}

// decodeLoggable rebuilds a record from its type, transaction and payload.
func decodeLoggable(t LogType, txn TxnID, data []byte) (Loggable, error) {
	l, err := newLoggable(t)
	if err != nil {
		return nil, err
	}
	d := &decoder{buf: data}
	l.read(d)
	if d.err != nil {
		return nil, errors.Wrapf(d.err, "failed to decode %s", t)
	}
	l.setTxn(txn)
	return l, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// bytes writes a u32 length followed by b.
func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func bytesSize(b []byte) int { return 4 + len(b) }

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.pos+n > len(d.buf) {
		d.err = errors.Wrapf(ErrJournalCorrupted, "short record: need %d bytes at %d of %d", n, d.pos, len(d.buf))
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if !d.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:])
	d.pos += n
	return b
}

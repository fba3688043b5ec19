package bfile

import "github.com/pkg/errors"

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrNilKey           = errors.New("key is nil")
	ErrKeyTooLarge      = errors.New("key length exceeds max key size")
	ErrReadOnly         = errors.New("bfile opened in read-only mode")
	ErrClosed           = errors.New("bfile closed")
	ErrInvalidPointer   = errors.New("invalid pointer")
	ErrInvalidFile      = errors.New("invalid bfile header")
	ErrCorruptPage      = errors.New("page checksum mismatch")
	ErrNotDataPage      = errors.New("not a data page")
	ErrPageNotFound     = errors.New("page not found")
	ErrTerminated       = errors.New("operation terminated")
	ErrJournalCorrupted = errors.New("journal entry corrupted")
	ErrJournalClosed    = errors.New("journal closed")
	ErrLockTimeout      = errors.New("timeout acquiring lock")
	ErrTxnClosed        = errors.New("transaction already finished")
	ErrWriteByOther     = errors.New("bfile opened with write mode by another process")
)

package bfile

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sync"
)

type txnState uint8

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// Txn groups the journal records of one unit of work. A nil *Txn disables
// logging for an operation.
type Txn struct {
	id      TxnID
	mgr     *TxnManager
	state   txnState
	records []FileLoggable
}

func (t *Txn) ID() TxnID { return t.id }

func (t *Txn) add(l FileLoggable) { t.records = append(t.records, l) }

// TxnManager hands out transactions and routes their records to the files
// registered by file id.
type TxnManager struct {
	mu      sync.Mutex
	journal *Journal
	files   map[uint16]*BFile
	nextID  TxnID
	log     *log.Entry
}

func NewTxnManager(journal *Journal) *TxnManager {
	return &TxnManager{
		journal: journal,
		files:   make(map[uint16]*BFile),
		nextID:  journal.lastTxn + 1,
		log:     journal.log,
	}
}

func (m *TxnManager) Journal() *Journal { return m.journal }

// Register makes bf known to abort and checkpoint handling.
func (m *TxnManager) Register(bf *BFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[bf.fileID] = bf
}

func (m *TxnManager) file(id uint16) *BFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[id]
}

func (m *TxnManager) Begin() (*Txn, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	t := &Txn{id: id, mgr: m}
	l := &TxnStartLoggable{}
	l.setTxn(id)
	if _, err := m.journal.Journal(l); err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	return t, nil
}

// Commit journals the commit record and flushes the journal.
func (m *TxnManager) Commit(t *Txn) error {
	if t.state != txnActive {
		return ErrTxnClosed
	}
	l := &TxnCommitLoggable{}
	l.setTxn(t.id)
	if _, err := m.journal.Journal(l); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	if err := m.journal.Flush(m.journal.opts.SyncOnCommit); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	t.state = txnCommitted
	t.records = nil
	return nil
}

// Abort undoes the records of t in reverse order, flushes the touched files
// and journals the abort record.
func (m *TxnManager) Abort(t *Txn) error {
	if t.state != txnActive {
		return ErrTxnClosed
	}
	t.state = txnAborted
	touched := make(map[uint16]*BFile)
	for i := len(t.records) - 1; i >= 0; i-- {
		l := t.records[i]
		bf := m.file(l.FileID())
		if bf == nil {
			m.log.WithFields(log.Fields{"file": l.FileID(), "lsn": l.LSN()}).Warn("undo: file not registered")
			continue
		}
		if err := l.Undo(bf); err != nil {
			m.log.WithFields(log.Fields{"type": l.Type(), "lsn": l.LSN()}).WithError(err).Warn("undo failed")
		}
		touched[bf.fileID] = bf
	}
	t.records = nil

	// the undone state must be on disk before the abort record is
	for _, bf := range touched {
		if err := bf.Flush(); err != nil {
			return errors.Wrap(err, "abort transaction")
		}
	}
	l := &TxnAbortLoggable{}
	l.setTxn(t.id)
	if _, err := m.journal.Journal(l); err != nil {
		return errors.Wrap(err, "abort transaction")
	}
	return errors.Wrap(m.journal.Flush(true), "abort transaction")
}

// Checkpoint flushes every registered file, then journals a checkpoint and
// truncates the journal.
func (m *TxnManager) Checkpoint() error {
	m.mu.Lock()
	files := make([]*BFile, 0, len(m.files))
	for _, bf := range m.files {
		files = append(files, bf)
	}
	m.mu.Unlock()
	return checkpoint(m.journal, files)
}

func checkpoint(journal *Journal, files []*BFile) error {
	if err := journal.Flush(true); err != nil {
		return err
	}
	for _, bf := range files {
		if err := bf.Flush(); err != nil {
			return errors.Wrapf(err, "checkpoint %s", bf.path)
		}
	}
	if _, err := journal.Journal(&CheckpointLoggable{}); err != nil {
		return err
	}
	if err := journal.Flush(true); err != nil {
		return err
	}
	return journal.Truncate()
}

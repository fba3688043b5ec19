package bfile

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sort"
	"time"
)

// RecoveryStats summarizes a recovery run.
type RecoveryStats struct {
	Entries    int
	Committed  int
	Aborted    int
	Incomplete int
	Redone     int
	Undone     int
	Skipped    int
	Failed     int
	Duration   time.Duration
}

// Recover replays journal against files. All file records are redone in LSN
// order, then the records of transactions which neither committed nor
// aborted are undone in reverse order. Afterwards the files are flushed and
// the journal is truncated behind a checkpoint.
//
// Records of aborted transactions are neither redone nor undone: their undo
// was applied and flushed before the abort record was written.
func Recover(journal *Journal, files ...*BFile) (*RecoveryStats, error) {
	start := time.Now()
	logger := journal.log.WithField("recovery", true)
	byID := make(map[uint16]*BFile, len(files))
	for _, bf := range files {
		if other, ok := byID[bf.fileID]; ok {
			return nil, errors.Errorf("files %s and %s share file id %d", other.path, bf.path, bf.fileID)
		}
		byID[bf.fileID] = bf
		release := bf.locks.AcquireWrite(bf.LockName())
		defer release()
	}

	entries, err := journal.Entries()
	if err != nil {
		return nil, err
	}
	stats := &RecoveryStats{Entries: len(entries)}

	type txnInfo struct {
		state   txnState
		records []FileLoggable
	}
	txns := make(map[TxnID]*txnInfo)
	info := func(id TxnID) *txnInfo {
		t, ok := txns[id]
		if !ok {
			t = &txnInfo{}
			txns[id] = t
		}
		return t
	}

	var order []FileLoggable
	for _, e := range entries {
		switch l := e.Loggable.(type) {
		case *TxnStartLoggable:
			info(l.TxnID())
		case *TxnCommitLoggable:
			info(l.TxnID()).state = txnCommitted
		case *TxnAbortLoggable:
			info(l.TxnID()).state = txnAborted
		case *CheckpointLoggable:
		case FileLoggable:
			t := info(l.TxnID())
			t.records = append(t.records, l)
			order = append(order, l)
		}
	}
	redo := order[:0]
	for _, l := range order {
		if txns[l.TxnID()].state != txnAborted {
			redo = append(redo, l)
		}
	}
	sort.SliceStable(redo, func(i, j int) bool { return redo[i].LSN() < redo[j].LSN() })

	apply := func(l FileLoggable, undo bool) {
		bf, ok := byID[l.FileID()]
		if !ok {
			logger.WithFields(log.Fields{"file": l.FileID(), "lsn": l.LSN()}).Warn("no file registered for record; skipping")
			stats.Skipped++
			return
		}
		var err error
		if undo {
			err = l.Undo(bf)
		} else {
			err = l.Redo(bf)
		}
		if err != nil {
			logger.WithFields(log.Fields{
				"type": l.Type(),
				"lsn":  l.LSN(),
				"undo": undo,
			}).WithError(err).Warn("failed to apply record")
			stats.Failed++
			return
		}
		if undo {
			stats.Undone++
		} else {
			stats.Redone++
		}
	}

	logger.WithField("records", len(redo)).Info("redo pass")
	for _, l := range redo {
		apply(l, false)
	}

	var incomplete []FileLoggable
	for _, t := range txns {
		switch t.state {
		case txnCommitted:
			stats.Committed++
		case txnAborted:
			stats.Aborted++
		default:
			stats.Incomplete++
			incomplete = append(incomplete, t.records...)
		}
	}
	sort.SliceStable(incomplete, func(i, j int) bool { return incomplete[i].LSN() > incomplete[j].LSN() })
	logger.WithField("records", len(incomplete)).Info("undo pass")
	for _, l := range incomplete {
		apply(l, true)
	}

	if err := checkpoint(journal, files); err != nil {
		return stats, errors.Wrap(err, "checkpoint after recovery")
	}
	stats.Duration = time.Since(start)
	logger.WithFields(log.Fields{
		"entries":    stats.Entries,
		"committed":  stats.Committed,
		"aborted":    stats.Aborted,
		"incomplete": stats.Incomplete,
		"redone":     stats.Redone,
		"undone":     stats.Undone,
		"failed":     stats.Failed,
		"duration":   stats.Duration,
	}).Info("recovery finished")
	return stats, nil
}

package bfile

import (
	"bytes"
	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func testJournalOptions(comp CompressAlgorithm) *JournalOptions {
	logger, _ := logtest.NewNullLogger()
	return &JournalOptions{
		NoSync:            true,
		Compression:       comp,
		CompressThreshold: 64,
		Logger:            logger,
	}
}

func openTestJournal(t *testing.T, path string, comp CompressAlgorithm) *Journal {
	t.Helper()
	j, err := OpenJournal(path, testJournalOptions(comp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func journalStore(t *testing.T, j *Journal, txn TxnID, value []byte) LSN {
	t.Helper()
	l := &StoreValueLoggable{fileRecord: fileRecord{fileID: 1}, Page: 2, TID: 3, Value: value}
	l.setTxn(txn)
	lsn, err := j.Journal(l)
	require.NoError(t, err)
	assert := assertion.New(t)
	assert.Equal(lsn, l.LSN())
	return lsn
}

func TestJournalReopen(t *testing.T) {
	for _, comp := range []CompressAlgorithm{CompNone, CompSnappy, CompLz4} {
		t.Run(comp.String(), func(t *testing.T) {
			assert := assertion.New(t)
			path := filepath.Join(t.TempDir(), "journal.log")
			j, err := OpenJournal(path, testJournalOptions(comp))
			require.NoError(t, err)

			small := []byte("small")
			large := bytes.Repeat([]byte("compressible "), 100)
			l1 := journalStore(t, j, 1, small)
			l2 := journalStore(t, j, 2, large)
			assert.True(l2 > l1)
			assert.Equal(l2, j.LastLSN())
			assert.True(j.LastWrittenLSN() < l2)
			assert.NoError(j.Flush(false))
			assert.Equal(l2, j.LastWrittenLSN())
			assert.True(j.LastSyncedLSN() < l2)
			assert.NoError(j.Flush(true))
			assert.Equal(l2, j.LastSyncedLSN())
			assert.NoError(j.Close())
			_, err = j.Journal(&TxnStartLoggable{})
			assert.Equal(ErrJournalClosed, err)

			j = openTestJournal(t, path, comp)
			entries, err := j.Entries()
			assert.NoError(err)
			require.Len(t, entries, 2)
			assert.Equal(l1, entries[0].Loggable.LSN())
			assert.Equal(l2, entries[1].Loggable.LSN())
			assert.Equal(large, entries[1].Loggable.(*StoreValueLoggable).Value)
			assert.Equal(TxnID(2), entries[1].Loggable.TxnID())
			assert.Equal(l2, j.LastLSN())
			assert.Equal(TxnID(2), j.lastTxn)

			l3 := journalStore(t, j, 3, small)
			assert.True(l3 > l2)
		})
	}
}

func TestJournalTornTail(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := OpenJournal(path, testJournalOptions(CompNone))
	require.NoError(t, err)
	journalStore(t, j, 1, []byte("first"))
	last := journalStore(t, j, 1, []byte("second"))
	require.NoError(t, j.Close())
	info, err := os.Stat(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x31, 1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j = openTestJournal(t, path, CompNone)
	entries, err := j.Entries()
	assert.NoError(err)
	assert.Len(entries, 2)
	assert.Equal(last, j.LastLSN())
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(info.Size(), after.Size())

	// a flipped payload byte invalidates that entry and everything behind it
	require.NoError(t, j.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[journalHeaderSize+entryHeaderSize] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))
	j = openTestJournal(t, path, CompNone)
	entries, err = j.Entries()
	assert.NoError(err)
	assert.Len(entries, 0)
	assert.Equal(InvalidLSN, j.LastLSN())
}

func TestJournalBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	require.NoError(t, os.WriteFile(path, []byte("not a journal file"), 0644))
	_, err := OpenJournal(path, testJournalOptions(CompNone))
	assertion.True(t, errors.Is(err, ErrJournalCorrupted))
}

func TestJournalTruncate(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "journal.log")
	j := openTestJournal(t, path, CompSnappy)
	before := journalStore(t, j, 1, []byte("value"))
	require.NoError(t, j.Truncate())

	entries, err := j.Entries()
	assert.NoError(err)
	assert.Empty(entries)
	after := journalStore(t, j, 2, []byte("value"))
	assert.True(after > before)
	require.NoError(t, j.Close())

	// the base survives a reopen
	j = openTestJournal(t, path, CompSnappy)
	entries, err = j.Entries()
	assert.NoError(err)
	require.Len(t, entries, 1)
	assert.Equal(after, entries[0].Loggable.LSN())
}

func TestTxnManagerIDs(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := OpenJournal(path, testJournalOptions(CompNone))
	require.NoError(t, err)
	m := NewTxnManager(j)
	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)
	assert.Equal(t1.ID()+1, t2.ID())
	assert.NoError(m.Commit(t1))
	assert.Equal(ErrTxnClosed, m.Commit(t1))
	assert.NoError(m.Abort(t2))
	assert.Equal(ErrTxnClosed, m.Abort(t2))
	require.NoError(t, j.Close())

	j = openTestJournal(t, path, CompNone)
	t3, err := NewTxnManager(j).Begin()
	require.NoError(t, err)
	assert.Equal(t2.ID()+1, t3.ID())
}

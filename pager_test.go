package bfile

import (
	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	log "github.com/sirupsen/logrus"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func openTestPager(t *testing.T, path string) (*pager, *logtest.Hook) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })
	logger, hook := logtest.NewNullLogger()
	p, err := openPager(file, 7, testPageSize, 512, false, true, log.NewEntry(logger))
	require.NoError(t, err)
	return p, hook
}

func TestPagerAllocate(t *testing.T) {
	assert := assertion.New(t)
	p, _ := openTestPager(t, filepath.Join(t.TempDir(), "pager.dbx"))
	assert.Equal(uint32(1), p.pageCount())
	assert.Equal(4096, p.workSize())

	pg, err := p.allocatePage()
	assert.NoError(err)
	assert.Equal(uint32(1), pg.num)
	assert.Equal(uint32(2), p.pageCount())

	pg.header.status = StatusRecord
	pg.header.dataLen = 5
	pg.header.lsn = 42
	copy(pg.data, "hello")
	assert.NoError(p.writePage(pg))

	read, err := p.readPage(1)
	assert.NoError(err)
	assert.Equal(StatusRecord, read.header.status)
	assert.Equal(LSN(42), read.header.lsn)
	assert.Equal([]byte("hello"), read.data[:5])

	// freed pages are handed out again and keep their LSN
	assert.NoError(p.freePage(read))
	assert.Equal(uint32(1), p.header.freeHead)
	again, err := p.allocatePage()
	assert.NoError(err)
	assert.Equal(uint32(1), again.num)
	assert.Equal(LSN(42), again.header.lsn)
	assert.Equal(uint32(0), p.header.freeHead)

	// pages behind the end of the file read as unused
	beyond, err := p.readPage(100)
	assert.NoError(err)
	assert.Equal(StatusUnused, beyond.header.status)

	_, err = p.readPage(0)
	assert.True(errors.Is(err, ErrNotDataPage))
}

func TestPagerChecksum(t *testing.T) {
	assert := assertion.New(t)
	p, _ := openTestPager(t, filepath.Join(t.TempDir(), "pager.dbx"))
	pg, _ := p.allocatePage()
	pg.header.status = StatusRecord
	assert.NoError(p.writePage(pg))

	_, err := p.file.WriteAt([]byte{0xFF}, int64(testPageSize)+pageHeaderSize+10)
	assert.NoError(err)
	_, err = p.readPage(1)
	assert.True(errors.Is(err, ErrCorruptPage))
}

func TestPagerClaim(t *testing.T) {
	assert := assertion.New(t)
	p, _ := openTestPager(t, filepath.Join(t.TempDir(), "pager.dbx"))

	// claiming behind the end puts the skipped pages on the unused chain
	assert.NoError(p.claimPage(4))
	assert.Equal(uint32(5), p.pageCount())
	assert.Equal(uint32(3), p.header.freeHead)

	assert.NoError(p.claimPage(2))
	var chain []uint32
	for n := p.header.freeHead; n != 0; {
		chain = append(chain, n)
		pg, err := p.readPage(n)
		require.NoError(t, err)
		n = pg.header.nextInChain
	}
	assert.Equal([]uint32{3, 1}, chain)

	assert.NoError(p.claimPage(3))
	assert.Equal(uint32(1), p.header.freeHead)
}

func TestPagerUncleanOpen(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "pager.dbx")
	p, _ := openTestPager(t, path)
	pg, _ := p.allocatePage()
	assert.NoError(p.writePage(pg))
	pg, _ = p.allocatePage()
	assert.NoError(p.freePage(pg))
	p.header.addFreeSpace(&freeSpace{page: 1, free: 1000})
	assert.NoError(p.writeHeader())
	// file written behind the header's page count
	p.header.pageCount = 2
	assert.NoError(p.writeHeader())

	p2, hook := openTestPager(t, path)
	assert.Equal(uint32(0), p2.header.freeHead)
	assert.Equal(uint32(3), p2.pageCount())
	assert.Equal(uint16(7), p2.header.fileID)
	assert.Equal(1000, p2.header.getFreeSpace(1).free)
	assert.Equal(log.WarnLevel, hook.LastEntry().Level)
}

func TestFileHeader(t *testing.T) {
	assert := assertion.New(t)
	h := newFileHeader(3, 2048, 100)
	for i := 0; i < 200; i++ {
		h.addFreeSpace(&freeSpace{page: uint32(i + 1), free: i})
	}
	assert.Equal(MaxFreeListLen, h.maxFreeEntries())
	h.clean = true
	buf := h.encode()

	d, err := decodeFileHeader(buf)
	assert.NoError(err)
	assert.True(d.clean)
	assert.Equal(2048, d.pageSize)
	assert.Equal(100, d.maxKeySize)
	// the oldest entries are dropped
	assert.Equal(MaxFreeListLen, d.freeList.len())
	assert.Nil(d.getFreeSpace(1))
	assert.Equal(199, d.getFreeSpace(200).free)

	buf[40]++
	_, err = decodeFileHeader(buf)
	assert.True(errors.Is(err, ErrInvalidFile))
}

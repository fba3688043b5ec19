package bfile

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"io"
	"os"
)

// pager reads and writes fixed size pages of the data file and keeps the
// chain of unused pages. Page 0 holds the file header.
type pager struct {
	file     *os.File
	header   *fileHeader
	readOnly bool
	noSync   bool
	log      *log.Entry
}

// openPager reads the file header, or initializes a new file when empty.
func openPager(file *os.File, fileID uint16, pageSize, maxKeySize int, readOnly, noSync bool, logger *log.Entry) (*pager, error) {
	p := &pager{file: file, readOnly: readOnly, noSync: noSync, log: logger}
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat data file")
	}
	if info.Size() == 0 {
		if readOnly {
			return nil, errors.Wrap(ErrInvalidFile, "empty file opened read-only")
		}
		p.header = newFileHeader(fileID, pageSize, maxKeySize)
		if err := p.writeHeader(); err != nil {
			return nil, err
		}
		return p, p.sync()
	}

	var head [fileHeaderSize]byte
	if _, err := file.ReadAt(head[:], 0); err != nil {
		return nil, errors.Wrap(err, "failed to read file header")
	}
	size, err := peekPageSize(head[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to read file header")
	}
	if p.header, err = decodeFileHeader(buf); err != nil {
		return nil, err
	}

	if !p.header.clean {
		// The unused page chain may refer to pages rewritten after the
		// header was last saved.
		pages := uint32(info.Size() / int64(size))
		p.log.WithFields(log.Fields{
			"pageCount": p.header.pageCount,
			"filePages": pages,
		}).Warn("file was not closed cleanly; dropping unused page list")
		p.header.freeHead = 0
		if pages > p.header.pageCount {
			p.header.pageCount = pages
		}
	}
	if readOnly {
		return p, nil
	}
	p.header.clean = false
	p.header.dirty = true
	if err := p.writeHeader(); err != nil {
		return nil, err
	}
	return p, p.sync()
}

func (p *pager) pageSize() int { return p.header.pageSize }

func (p *pager) workSize() int { return p.header.workSize() }

func (p *pager) pageCount() uint32 { return p.header.pageCount }

// readPage loads a page. Pages beyond the end of the file read as unused.
func (p *pager) readPage(num uint32) (*page, error) {
	if num == 0 {
		return nil, errors.Wrap(ErrNotDataPage, "page 0 is the file header")
	}
	size := p.pageSize()
	buf := make([]byte, size)
	n, err := p.file.ReadAt(buf, int64(num)*int64(size))
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to read page %d", num)
	}
	for i := n; i < size; i++ {
		buf[i] = 0
	}
	pg := &page{num: num, data: buf[pageHeaderSize:]}
	pg.header.decode(buf[:pageHeaderSize])
	if isZero(buf[:pageHeaderSize]) {
		return pg, nil
	}
	if pageChecksum(pg.data) != pg.header.checksum {
		return pg, errors.Wrapf(ErrCorruptPage, "page %d", num)
	}
	return pg, nil
}

func (p *pager) writePage(pg *page) error {
	if p.readOnly {
		return ErrReadOnly
	}
	size := p.pageSize()
	buf := make([]byte, size)
	copy(buf[pageHeaderSize:], pg.data)
	pg.header.checksum = pageChecksum(buf[pageHeaderSize:])
	pg.header.encode(buf[:pageHeaderSize])
	if _, err := p.file.WriteAt(buf, int64(pg.num)*int64(size)); err != nil {
		return errors.Wrapf(err, "failed to write page %d", pg.num)
	}
	if pg.num >= p.header.pageCount {
		p.header.pageCount = pg.num + 1
		p.header.dirty = true
	}
	return nil
}

// allocatePage hands out a page from the unused chain, or a new page at the
// end of the file. The previous LSN of a reused page is kept.
func (p *pager) allocatePage() (*page, error) {
	if p.readOnly {
		return nil, ErrReadOnly
	}
	p.header.dirty = true
	if p.header.freeHead != 0 {
		pg, err := p.readPage(p.header.freeHead)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read unused page")
		}
		p.header.freeHead = pg.header.nextInChain
		return &page{
			num:    pg.num,
			header: pageHeader{lsn: pg.header.lsn},
			data:   make([]byte, p.workSize()),
		}, nil
	}
	num := p.header.pageCount
	p.header.pageCount++
	return &page{num: num, data: make([]byte, p.workSize())}, nil
}

// freePage pushes the page onto the unused chain and writes it at once.
func (p *pager) freePage(pg *page) error {
	if p.readOnly {
		return ErrReadOnly
	}
	pg.header = pageHeader{
		status:      StatusUnused,
		nextInChain: p.header.freeHead,
		lsn:         pg.header.lsn,
	}
	for i := range pg.data {
		pg.data[i] = 0
	}
	if err := p.writePage(pg); err != nil {
		return err
	}
	p.header.freeHead = pg.num
	p.header.dirty = true
	return nil
}

// claimPage makes sure num is no longer handed out by allocatePage. Used
// when recovery recreates a page at a fixed position.
func (p *pager) claimPage(num uint32) error {
	if num == 0 {
		return errors.Wrap(ErrInvalidPointer, "cannot claim header page")
	}
	if num >= p.header.pageCount {
		for n := p.header.pageCount; n < num; n++ {
			if err := p.freePage(&page{num: n, data: make([]byte, p.workSize())}); err != nil {
				return err
			}
		}
		p.header.pageCount = num + 1
		p.header.dirty = true
		return nil
	}
	var prev *page
	cur := p.header.freeHead
	for steps := uint32(0); cur != 0 && steps <= p.header.pageCount; steps++ {
		pg, err := p.readPage(cur)
		if err != nil {
			return err
		}
		if cur == num {
			if prev == nil {
				p.header.freeHead = pg.header.nextInChain
				p.header.dirty = true
				return nil
			}
			prev.header.nextInChain = pg.header.nextInChain
			return p.writePage(prev)
		}
		prev = pg
		cur = pg.header.nextInChain
	}
	return nil
}

func (p *pager) writeHeader() error {
	if p.readOnly {
		return nil
	}
	if _, err := p.file.WriteAt(p.header.encode(), 0); err != nil {
		return errors.Wrap(err, "failed to write file header")
	}
	p.header.dirty = false
	return nil
}

func (p *pager) sync() error {
	if p.readOnly || p.noSync {
		return nil
	}
	return errors.Wrap(p.file.Sync(), "fsync data file")
}

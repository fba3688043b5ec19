package bfile

import (
	"encoding/binary"
	"github.com/pkg/errors"
	"io"
)

// PageInput is a sequential reader over a stored value. Address returns a
// position that Seek accepts to continue reading from there later.
type PageInput interface {
	io.Reader
	io.ByteReader
	ReadUvarint() (uint64, error)
	ReadFixedInt() (uint32, error)
	SkipBytes(n int) error
	// Available is the number of unread bytes.
	Available() int
	Address() Pointer
	// Position is the number of bytes read so far.
	Position() int
	Seek(p Pointer) error
}

// GetAsStream returns a reader over the value stored under key.
func (bf *BFile) GetAsStream(key []byte) (PageInput, error) {
	if err := bf.checkOpen(); err != nil {
		return nil, err
	}
	p, err := bf.index.FindValue(key)
	if err != nil {
		return nil, err
	}
	return bf.GetStreamAt(p)
}

// GetStreamAt returns a reader over the value stored at p. Readers of
// overflow values load the following pages of the chain on demand.
func (bf *BFile) GetStreamAt(p Pointer) (PageInput, error) {
	if err := bf.checkOpen(); err != nil {
		return nil, err
	}
	dp, err := bf.getDataPage(PageFromPointer(p), true)
	if err != nil {
		bf.log.WithError(err).Error("failed to open stream at " + p.String())
		return nil, err
	}
	if dp.isOverflow() {
		return newMultiPageInput(bf, dp), nil
	}
	v, err := bf.recordAt(dp, p)
	if err != nil {
		return nil, err
	}
	start := dp.findValuePosition(TidFromPointer(p)) + 4
	return &simplePageInput{page: dp.num, start: start, data: append([]byte(nil), v...)}, nil
}

func readUvarint(in io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(in)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return v, err
}

func readFixedInt(in io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// simplePageInput reads a value held by a single page.
type simplePageInput struct {
	page  uint32
	start int
	data  []byte
	pos   int
}

func (in *simplePageInput) Read(b []byte) (int, error) {
	if in.pos >= len(in.data) {
		return 0, io.EOF
	}
	n := copy(b, in.data[in.pos:])
	in.pos += n
	return n, nil
}

func (in *simplePageInput) ReadByte() (byte, error) {
	if in.pos >= len(in.data) {
		return 0, io.EOF
	}
	b := in.data[in.pos]
	in.pos++
	return b, nil
}

func (in *simplePageInput) ReadUvarint() (uint64, error) { return readUvarint(in) }

func (in *simplePageInput) ReadFixedInt() (uint32, error) { return readFixedInt(in) }

func (in *simplePageInput) SkipBytes(n int) error {
	if in.pos+n > len(in.data) {
		in.pos = len(in.data)
		return io.ErrUnexpectedEOF
	}
	in.pos += n
	return nil
}

func (in *simplePageInput) Available() int { return len(in.data) - in.pos }

func (in *simplePageInput) Position() int { return in.pos }

func (in *simplePageInput) Address() Pointer {
	return CreatePointer(in.page, int16(uint16(in.start+in.pos)))
}

// Seek accepts addresses returned by Address.
func (in *simplePageInput) Seek(p Pointer) error {
	pos := int(uint16(TidFromPointer(p))) - in.start
	if PageFromPointer(p) != in.page || pos < 0 || pos > len(in.data) {
		return errors.Wrapf(ErrInvalidPointer, "seek to %s", p)
	}
	in.pos = pos
	return nil
}

// multiPageInput walks an overflow chain. Moving to the next page takes the
// read lock of the file.
type multiPageInput struct {
	bf     *BFile
	first  *dataPage
	cur    *dataPage
	offset int
	fill   int
	// bytes of the value left behind the current page position
	remaining int
	total     int
}

func newMultiPageInput(bf *BFile, first *dataPage) *multiPageInput {
	in := &multiPageInput{bf: bf, first: first}
	in.total = first.header.dataLen - recordOverhead
	in.reset()
	return in
}

func (in *multiPageInput) reset() {
	ov := in.bf.overflow(in.first)
	in.cur = in.first
	in.offset = recordOverhead
	in.fill = ov.fill(in.first)
	in.remaining = in.total
}

// advance moves to the next page of the chain once the current one is
// exhausted.
func (in *multiPageInput) advance() error {
	if in.remaining <= 0 {
		return io.EOF
	}
	if in.offset < in.fill {
		return nil
	}
	next := in.cur.header.nextInChain
	if next == 0 {
		in.bf.log.WithField("page", in.first.num).Warn("overflow chain ended before the value")
		return io.ErrUnexpectedEOF
	}
	release, err := in.bf.locks.AcquireReadTimeout(in.bf.LockName(), in.bf.lockTimeout)
	if err != nil {
		return err
	}
	defer release()
	dp, err := in.bf.chainPage(next)
	if err != nil {
		return err
	}
	in.cur = dp
	in.offset = 0
	in.fill = in.bf.overflow(in.first).fill(dp)
	return nil
}

func (in *multiPageInput) Read(b []byte) (int, error) {
	read := 0
	for read < len(b) {
		if err := in.advance(); err != nil {
			if read > 0 && err == io.EOF {
				return read, nil
			}
			return read, err
		}
		n := in.fill - in.offset
		if n > in.remaining {
			n = in.remaining
		}
		n = copy(b[read:], in.cur.data[in.offset:in.offset+n])
		in.offset += n
		in.remaining -= n
		read += n
	}
	return read, nil
}

func (in *multiPageInput) ReadByte() (byte, error) {
	if err := in.advance(); err != nil {
		return 0, err
	}
	b := in.cur.data[in.offset]
	in.offset++
	in.remaining--
	return b, nil
}

func (in *multiPageInput) ReadUvarint() (uint64, error) { return readUvarint(in) }

func (in *multiPageInput) ReadFixedInt() (uint32, error) { return readFixedInt(in) }

func (in *multiPageInput) SkipBytes(n int) error {
	for n > 0 {
		if err := in.advance(); err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		step := in.fill - in.offset
		if step > n {
			step = n
		}
		if step > in.remaining {
			step = in.remaining
		}
		in.offset += step
		in.remaining -= step
		n -= step
	}
	return nil
}

func (in *multiPageInput) Available() int { return in.remaining }

func (in *multiPageInput) Position() int { return in.total - in.remaining }

func (in *multiPageInput) Address() Pointer {
	return CreatePointer(in.cur.num, int16(uint16(in.offset)))
}

// Seek walks the chain from its first page to the page named by p. The
// address of the value itself seeks to its start.
func (in *multiPageInput) Seek(p Pointer) error {
	target := PageFromPointer(p)
	offset := int(uint16(TidFromPointer(p)))
	in.reset()
	if p == CreatePointer(in.first.num, 1) {
		return nil
	}
	consumed := 0
	for steps := uint32(0); in.cur.num != target; steps++ {
		if steps > in.bf.pager.pageCount() {
			return errors.Wrapf(ErrInvalidPointer, "seek to %s", p)
		}
		consumed += in.fill - in.offset
		in.offset = in.fill
		in.remaining = in.total - consumed
		if err := in.advance(); err != nil {
			return errors.Wrapf(ErrInvalidPointer, "seek to %s: %s", p, err)
		}
	}
	if offset < in.offset || offset > in.fill {
		return errors.Wrapf(ErrInvalidPointer, "seek to %s", p)
	}
	consumed += offset - in.offset
	in.offset = offset
	in.remaining = in.total - consumed
	return nil
}

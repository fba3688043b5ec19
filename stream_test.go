package bfile

import (
	"encoding/binary"
	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"testing"
	"time"
)

func TestSimpleStream(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)

	var value []byte
	value = binary.AppendUvarint(value, 300)
	value = binary.LittleEndian.AppendUint32(value, 0xCAFEBABE)
	value = append(value, "tail"...)
	_, err := bf.Put(nil, []byte("k"), value, true)
	require.NoError(t, err)

	in, err := bf.GetAsStream([]byte("k"))
	require.NoError(t, err)
	assert.Equal(len(value), in.Available())
	n, err := in.ReadUvarint()
	assert.NoError(err)
	assert.Equal(uint64(300), n)
	fixed, err := in.ReadFixedInt()
	assert.NoError(err)
	assert.Equal(uint32(0xCAFEBABE), fixed)

	addr := in.Address()
	rest, err := io.ReadAll(in)
	assert.NoError(err)
	assert.Equal([]byte("tail"), rest)
	assert.Equal(0, in.Available())

	assert.NoError(in.Seek(addr))
	assert.NoError(in.SkipBytes(2))
	b, err := in.ReadByte()
	assert.NoError(err)
	assert.Equal(byte('i'), b)
	assert.Equal(len(value)-1, in.Position())

	_, err = bf.GetAsStream([]byte("missing"))
	assert.True(errors.Is(err, ErrKeyNotFound))
}

func TestMultiPageStream(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	value := testValue(3*bf.WorkSize()+500, 9)
	p, err := bf.Put(nil, []byte("big"), value, true)
	require.NoError(t, err)

	in, err := bf.GetStreamAt(p)
	require.NoError(t, err)
	all, err := io.ReadAll(in)
	assert.NoError(err)
	assert.Equal(value, all)

	in, err = bf.GetStreamAt(p)
	require.NoError(t, err)
	head := make([]byte, 5000)
	_, err = io.ReadFull(in, head)
	assert.NoError(err)
	assert.Equal(value[:5000], head)
	assert.Equal(5000, in.Position())
	addr := in.Address()
	assert.NotEqual(PageFromPointer(p), PageFromPointer(addr))

	rest, err := io.ReadAll(in)
	assert.NoError(err)
	assert.Equal(value[5000:], rest)

	assert.NoError(in.Seek(addr))
	assert.Equal(len(value)-5000, in.Available())
	again, err := io.ReadAll(in)
	assert.NoError(err)
	assert.Equal(rest, again)

	assert.NoError(in.Seek(p))
	assert.NoError(in.SkipBytes(2 * bf.WorkSize()))
	b, err := in.ReadByte()
	assert.NoError(err)
	assert.Equal(value[2*bf.WorkSize()], b)
	assert.Equal(io.ErrUnexpectedEOF, in.SkipBytes(len(value)))
}

func TestStreamLockTimeout(t *testing.T) {
	assert := assertion.New(t)
	opts := testOptions()
	opts.LockTimeout = 20 * time.Millisecond
	bf := openTestFile(t, opts)
	value := testValue(2*bf.WorkSize(), 1)
	_, err := bf.Put(nil, []byte("big"), value, true)
	require.NoError(t, err)

	in, err := bf.GetAsStream([]byte("big"))
	require.NoError(t, err)
	release := bf.LockManager().AcquireWrite(bf.LockName())
	_, err = io.ReadAll(in)
	assert.True(errors.Is(err, ErrLockTimeout))
	release()

	assert.Equal(int64(1), bf.LockManager().Stats(bf.LockName()).Timeouts)
}

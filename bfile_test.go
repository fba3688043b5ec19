package bfile

import (
	"bytes"
	"context"
	"fmt"
	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
	"time"
)

// 4096 bytes of payload per page, so values up to 2042 bytes stay single
const testPageSize = 4096 + pageHeaderSize

func testOptions() *Options {
	logger, _ := logtest.NewNullLogger()
	return &Options{
		PageSize:    testPageSize,
		CacheSize:   16,
		Logger:      logger,
		NoSync:      true,
		LockTimeout: time.Second,
	}
}

func openAt(t *testing.T, path string, opts *Options) *BFile {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	bf, err := Open(path, 0644, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bf.Close() })
	return bf
}

func openTestFile(t *testing.T, opts *Options) *BFile {
	t.Helper()
	return openAt(t, filepath.Join(t.TempDir(), "test.dbx"), opts)
}

func testValue(n int, seed byte) []byte {
	v := make([]byte, n)
	for i := range v {
		v[i] = byte(i%251) + seed
	}
	return v
}

// chainPages counts the pages holding the value at p.
func chainPages(t *testing.T, bf *BFile, p Pointer) int {
	t.Helper()
	dp, err := bf.getDataPage(PageFromPointer(p), true)
	require.NoError(t, err)
	if !dp.isOverflow() {
		return 1
	}
	n := 1
	for next := dp.header.nextInChain; next != 0; n++ {
		cp, err := bf.chainPage(next)
		require.NoError(t, err)
		next = cp.header.nextInChain
	}
	return n
}

func TestPutGet(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		_, err := bf.Put(nil, key, testValue(i*7, byte(i)), true)
		assert.NoError(err)
	}
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		v, err := bf.Get(key)
		assert.NoError(err)
		assert.Equal(testValue(i*7, byte(i)), v)
	}

	_, err := bf.Get([]byte("missing"))
	assert.True(errors.Is(err, ErrKeyNotFound))
	ok, err := bf.ContainsKey([]byte("key-007"))
	assert.NoError(err)
	assert.True(ok)
}

func TestPutOverwrite(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	key := []byte("k")

	p, err := bf.Put(nil, key, []byte("v1"), false)
	assert.NoError(err)
	assert.NotEqual(UnknownAddress, p)

	p, err = bf.Put(nil, key, []byte("v2"), false)
	assert.True(errors.Is(err, ErrKeyExists))
	assert.Equal(UnknownAddress, p)
	v, _ := bf.Get(key)
	assert.Equal([]byte("v1"), v)

	_, err = bf.Put(nil, key, []byte("v2"), true)
	assert.NoError(err)
	v, _ = bf.Get(key)
	assert.Equal([]byte("v2"), v)
}

func TestInvalidKeys(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)

	p, err := bf.Put(nil, nil, []byte("v"), true)
	assert.Equal(UnknownAddress, p)
	assert.True(errors.Is(err, ErrNilKey))

	p, err = bf.Append(nil, make([]byte, bf.MaxKeySize()+1), []byte("v"))
	assert.Equal(UnknownAddress, p)
	assert.True(errors.Is(err, ErrKeyTooLarge))
}

func TestOverflowRoundTrip(t *testing.T) {
	bf := openTestFile(t, nil)
	work := bf.WorkSize()
	cases := []struct {
		size  int
		pages int
	}{
		{bf.MaxValueSize() - recordOverhead + 1, 1},
		{work - recordOverhead, 1},
		{work, 2},
		{5000, 2},
		{5*work + 100, 6},
	}
	for i, c := range cases {
		t.Run(fmt.Sprint(c.size), func(t *testing.T) {
			assert := assertion.New(t)
			key := []byte(fmt.Sprintf("big-%d", i))
			value := testValue(c.size, byte(i))
			p, err := bf.Put(nil, key, value, true)
			require.NoError(t, err)
			assert.Equal(int16(1), TidFromPointer(p))
			assert.Equal(c.pages, chainPages(t, bf, p))

			v, err := bf.Get(key)
			assert.NoError(err)
			assert.True(bytes.Equal(value, v))
		})
	}
}

func TestAppend(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)

	key := []byte("small")
	_, err := bf.Append(nil, key, []byte("hello "))
	assert.NoError(err)
	_, err = bf.Append(nil, key, []byte("world"))
	assert.NoError(err)
	v, _ := bf.Get(key)
	assert.Equal([]byte("hello world"), v)

	// crosses into overflow, then grows the chain
	key = []byte("growing")
	v1, v2, v3 := testValue(1500, 1), testValue(1500, 2), testValue(9000, 3)
	for _, part := range [][]byte{v1, v2, v3} {
		_, err = bf.Append(nil, key, part)
		assert.NoError(err)
	}
	want := append(append(append([]byte(nil), v1...), v2...), v3...)
	v, err = bf.Get(key)
	assert.NoError(err)
	assert.True(bytes.Equal(want, v))

	p, err := bf.index.FindValue(key)
	assert.NoError(err)
	assert.Equal(3, chainPages(t, bf, p))
}

func TestRemoveReusesSpace(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)

	pa, err := bf.Put(nil, []byte("a"), testValue(300, 1), true)
	assert.NoError(err)
	_, err = bf.Put(nil, []byte("b"), testValue(300, 2), true)
	assert.NoError(err)

	assert.NoError(bf.Remove(nil, []byte("a")))
	ok, _ := bf.ContainsKey([]byte("a"))
	assert.False(ok)
	assert.True(errors.Is(bf.Remove(nil, []byte("a")), ErrKeyNotFound))

	pc, err := bf.Put(nil, []byte("c"), testValue(290, 3), true)
	assert.NoError(err)
	assert.Equal(PageFromPointer(pa), PageFromPointer(pc))
	assert.Equal(TidFromPointer(pa), TidFromPointer(pc))

	v, _ := bf.Get([]byte("b"))
	assert.Equal(testValue(300, 2), v)
}

func TestConcreteScenario(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	assert.Equal(4096, bf.WorkSize())
	assert.Equal(2048, bf.MaxValueSize())

	pa, err := bf.Put(nil, []byte("a"), testValue(100, 1), true)
	assert.NoError(err)
	dp, err := bf.getDataPage(PageFromPointer(pa), true)
	assert.NoError(err)
	assert.False(dp.isOverflow())
	v, _ := bf.Get([]byte("a"))
	assert.Equal(testValue(100, 1), v)

	pb, err := bf.Put(nil, []byte("b"), testValue(5000, 2), true)
	assert.NoError(err)
	assert.Equal(2, chainPages(t, bf, pb))
	v, _ = bf.Get([]byte("b"))
	assert.Equal(testValue(5000, 2), v)

	// "a" is alone on its page: removing it deletes the page
	assert.NoError(bf.Remove(nil, []byte("a")))
	ok, _ := bf.ContainsKey([]byte("a"))
	assert.False(ok)
	assert.Nil(bf.pager.header.getFreeSpace(PageFromPointer(pa)))
	assert.Equal(PageFromPointer(pa), bf.pager.header.freeHead)

	// with a neighbour the page stays and gains the bytes of the record
	pc, _ := bf.Put(nil, []byte("c"), testValue(100, 3), true)
	_, _ = bf.Put(nil, []byte("d"), testValue(50, 4), true)
	before := bf.pager.header.getFreeSpace(PageFromPointer(pc)).free
	assert.NoError(bf.Remove(nil, []byte("c")))
	after := bf.pager.header.getFreeSpace(PageFromPointer(pc)).free
	assert.Equal(106, after-before)
}

func TestFreeListSelfHeal(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	header := bf.pager.header
	values := map[string][]byte{
		"big": testValue(5000, 1),
		"a":   testValue(2000, 2),
		"b":   testValue(1500, 3),
	}
	pBig, err := bf.Put(nil, []byte("big"), values["big"], false)
	require.NoError(t, err)
	pa, err := bf.Put(nil, []byte("a"), values["a"], false)
	require.NoError(t, err)
	pb, err := bf.Put(nil, []byte("b"), values["b"], false)
	require.NoError(t, err)
	page := PageFromPointer(pa)
	require.Equal(t, page, PageFromPointer(pb))
	realFree := bf.WorkSize() - 2*recordOverhead - 3500
	assert.Equal(realFree, header.getFreeSpace(page).free)

	// an overflow page, a page past the end of the file and a wrong count
	header.addFreeSpace(&freeSpace{page: PageFromPointer(pBig), free: 3500})
	header.addFreeSpace(&freeSpace{page: 99, free: 3000})
	header.addFreeSpace(&freeSpace{page: page, free: 4000})

	values["c"] = testValue(1300, 4)
	pc, err := bf.Put(nil, []byte("c"), values["c"], false)
	require.NoError(t, err)
	assert.NotEqual(page, PageFromPointer(pc))
	assert.Nil(header.getFreeSpace(PageFromPointer(pBig)))
	assert.Nil(header.getFreeSpace(99))
	assert.Equal(realFree, header.getFreeSpace(page).free)
	cFree := bf.WorkSize() - recordOverhead - 1300
	assert.Equal(fmt.Sprintf("free list (2): [%d: %d] [%d: %d]", page, realFree, PageFromPointer(pc), cFree), bf.FreeList())

	// fill the page until less than PageMinFree bytes are left
	values["e"] = testValue(realFree-recordOverhead-30, 5)
	pe, err := bf.Put(nil, []byte("e"), values["e"], false)
	require.NoError(t, err)
	assert.Equal(page, PageFromPointer(pe))
	assert.Nil(header.getFreeSpace(page))

	// a corrected count below the minimum drops the entry
	header.addFreeSpace(&freeSpace{page: page, free: 2100})
	values["f"] = testValue(2000, 6)
	pf, err := bf.Put(nil, []byte("f"), values["f"], false)
	require.NoError(t, err)
	assert.Equal(PageFromPointer(pc), PageFromPointer(pf))
	assert.Nil(header.getFreeSpace(page))
	assert.Equal(fmt.Sprintf("free list (1): [%d: %d]", PageFromPointer(pc), cFree-recordOverhead-2000), bf.FreeList())

	for key, value := range values {
		v, err := bf.Get([]byte(key))
		assert.NoError(err, key)
		assert.Equal(value, v, key)
	}
}

func TestClosedReads(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	p, err := bf.Put(nil, []byte("k"), []byte("v"), false)
	require.NoError(t, err)
	require.NoError(t, bf.Close())

	_, err = bf.Get([]byte("k"))
	assert.Equal(ErrClosed, err)
	_, err = bf.GetAt(p)
	assert.Equal(ErrClosed, err)
	_, err = bf.ContainsKey([]byte("k"))
	assert.Equal(ErrClosed, err)
	_, err = bf.GetAsStream([]byte("k"))
	assert.Equal(ErrClosed, err)
	_, err = bf.Keys(context.Background())
	assert.Equal(ErrClosed, err)
	err = bf.Find(context.Background(), NewQuery(OpAny), func(key, value []byte) (bool, error) { return true, nil })
	assert.Equal(ErrClosed, err)
	_, err = bf.Put(nil, []byte("k"), []byte("v"), true)
	assert.Equal(ErrClosed, err)
}

func TestUpdate(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	key := []byte("k")

	_, err := bf.Update(nil, key, []byte("x"))
	assert.True(errors.Is(err, ErrKeyNotFound))

	p, err := bf.Put(nil, key, testValue(6000, 1), true)
	assert.NoError(err)
	first := PageFromPointer(p)

	// overflow rewritten in place, chain shrinks
	p, err = bf.Update(nil, key, testValue(3000, 2))
	assert.NoError(err)
	assert.Equal(first, PageFromPointer(p))
	assert.Equal(1, chainPages(t, bf, p))
	v, _ := bf.Get(key)
	assert.Equal(testValue(3000, 2), v)

	// fits into a single page again
	p, err = bf.Update(nil, key, []byte("small"))
	assert.NoError(err)
	dp, err := bf.getDataPage(PageFromPointer(p), true)
	assert.NoError(err)
	assert.False(dp.isOverflow())
	v, _ = bf.Get(key)
	assert.Equal([]byte("small"), v)
}

func TestStoreValueAndRemoveAt(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)

	p, err := bf.StoreValue(nil, []byte("anonymous"))
	assert.NoError(err)
	v, err := bf.GetAt(p)
	assert.NoError(err)
	assert.Equal([]byte("anonymous"), v)

	assert.NoError(bf.RemoveAt(nil, p))
	_, err = bf.GetAt(p)
	assert.True(errors.Is(err, ErrNotDataPage))

	p, err = bf.StoreValue(nil, []byte{})
	assert.NoError(err)
	v, err = bf.GetAt(p)
	assert.NoError(err)
	assert.Equal([]byte{}, v)

	_, err = bf.GetAt(CreatePointer(PageFromPointer(p), 77))
	assert.True(errors.Is(err, ErrInvalidPointer))
	_, err = bf.GetAt(CreatePointer(999, 0))
	assert.True(errors.Is(err, ErrPageNotFound))
}

func TestScans(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	for _, k := range []string{"a", "ab", "abc", "b", "c"} {
		_, err := bf.Put(nil, []byte(k), []byte("v-"+k), true)
		assert.NoError(err)
	}
	ctx := context.Background()

	kvs, err := bf.FindEntries(ctx, NewQuery(OpTruncRight, []byte("ab")))
	assert.NoError(err)
	assert.Len(kvs, 2)
	assert.Equal([]byte("abc"), kvs[1].Key)
	assert.Equal([]byte("v-abc"), kvs[1].Value)

	keys, err := bf.Keys(ctx)
	assert.NoError(err)
	assert.Len(keys, 5)
	values, err := bf.Values(ctx)
	assert.NoError(err)
	assert.Equal([]byte("v-a"), values[0])

	var seen []string
	err = bf.Find(ctx, NewQuery(OpGEQ, []byte("b")), func(key, value []byte) (bool, error) {
		seen = append(seen, string(key))
		return false, nil
	})
	assert.NoError(err)
	assert.Equal([]string{"b"}, seen)
}

func TestRemoveAll(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	for i := 0; i < 50; i++ {
		_, err := bf.Put(nil, []byte(fmt.Sprintf("del-%02d", i)), testValue(200+i*100, byte(i)), true)
		assert.NoError(err)
	}
	_, _ = bf.Put(nil, []byte("keep"), []byte("me"), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := bf.RemoveAll(ctx, nil, NewQuery(OpTruncRight, []byte("del-")))
	assert.True(errors.Is(err, ErrTerminated))
	assert.Equal(0, n)
	ok, _ := bf.ContainsKey([]byte("del-00"))
	assert.True(ok)

	n, err = bf.RemoveAll(context.Background(), nil, NewQuery(OpTruncRight, []byte("del-")))
	assert.NoError(err)
	assert.Equal(50, n)
	keys, _ := bf.Keys(context.Background())
	assert.Equal([][]byte{[]byte("keep")}, keys)
}

func TestReopen(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "reopen.dbx")
	opts := testOptions()
	opts.CacheSize = 4

	bf, err := Open(path, 0644, opts)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := bf.Put(nil, []byte(fmt.Sprintf("k%03d", i)), testValue(i*50, byte(i)), true)
		require.NoError(t, err)
	}
	assert.NoError(bf.Remove(nil, []byte("k010")))
	free := bf.pager.header.freeList.len()
	pages := bf.pager.pageCount()
	assert.NoError(bf.Close())

	// page size of the file wins over the options
	opts.PageSize = DefaultPageSize
	bf = openAt(t, path, opts)
	assert.Equal(testPageSize, bf.pager.pageSize())
	assert.Equal(pages, bf.pager.pageCount())
	assert.Equal(free, bf.pager.header.freeList.len())
	for i := 0; i < 100; i++ {
		v, err := bf.Get([]byte(fmt.Sprintf("k%03d", i)))
		if i == 10 {
			assert.True(errors.Is(err, ErrKeyNotFound))
			continue
		}
		assert.NoError(err)
		assert.Equal(testValue(i*50, byte(i)), v)
	}
}

func TestStats(t *testing.T) {
	assert := assertion.New(t)
	bf := openTestFile(t, nil)
	p, _ := bf.Put(nil, []byte("k"), []byte("v"), true)
	_, _ = bf.GetAt(p)
	s := bf.Stats()
	assert.Equal(16, s.Buffers)
	assert.Equal(1, s.Used)
	assert.True(s.Hits > 0)
	assert.Contains(bf.FreeList(), "free list (1)")
}

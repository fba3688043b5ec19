package bfile

import (
	assertion "github.com/stretchr/testify/assert"
	"testing"
)

func testPage(num uint32) *dataPage {
	return &dataPage{page: &page{num: num, data: make([]byte, 16)}}
}

func TestCacheEviction(t *testing.T) {
	assert := assertion.New(t)
	var synced []uint32
	c := newPageCache(2, func(dp *dataPage) error {
		synced = append(synced, dp.num)
		dp.dirty = false
		return nil
	})
	assert.Equal(minCacheSize, c.size)

	p1 := testPage(1)
	p1.dirty = true
	assert.NoError(c.add(p1, 0))
	for n := uint32(2); n <= 4; n++ {
		assert.NoError(c.add(testPage(n), 0))
	}

	// page 1 is the first victim and gets written
	assert.NoError(c.add(testPage(5), 0))
	assert.Equal([]uint32{1}, synced)
	assert.Nil(c.get(1))
	assert.NotNil(c.get(5))

	// referenced pages survive a sweep
	assert.NoError(c.add(testPage(2), 3))
	assert.NoError(c.add(testPage(6), 0))
	assert.NotNil(c.get(2))
	assert.Nil(c.get(3))
}

func TestCacheSkipsSuccessor(t *testing.T) {
	assert := assertion.New(t)
	c := newPageCache(4, func(dp *dataPage) error { return nil })
	for _, n := range []uint32{8, 1, 2, 3} {
		assert.NoError(c.add(testPage(n), 0))
	}
	// 8 is the successor of 7 and stays
	assert.NoError(c.add(testPage(7), 0))
	assert.NotNil(c.get(8))
	assert.Nil(c.get(1))
}

func TestCacheFlush(t *testing.T) {
	assert := assertion.New(t)
	var synced []uint32
	c := newPageCache(8, func(dp *dataPage) error {
		synced = append(synced, dp.num)
		dp.dirty = false
		return nil
	})
	for _, n := range []uint32{5, 3, 9, 1} {
		dp := testPage(n)
		dp.dirty = n != 9
		assert.NoError(c.add(dp, 1))
	}
	flushed, err := c.flush()
	assert.NoError(err)
	assert.True(flushed)
	assert.Equal([]uint32{1, 3, 5}, synced)

	flushed, _ = c.flush()
	assert.False(flushed)

	c.remove(c.get(3))
	assert.Nil(c.get(3))
	s := c.stats()
	assert.Equal(8, s.Buffers)
	assert.Equal(3, s.Used)
	assert.Equal(uint64(1), s.Hits)
	assert.Equal(uint64(1), s.Fails)
	assert.Equal(0.5, s.HitRatio())
}

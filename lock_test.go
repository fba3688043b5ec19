package bfile

import (
	assertion "github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func TestLockManager(t *testing.T) {
	assert := assertion.New(t)
	lm := NewLockManager()

	r1 := lm.AcquireRead("f")
	r2, err := lm.AcquireReadTimeout("f", 10*time.Millisecond)
	assert.NoError(err)
	r1()
	r2()

	w := lm.AcquireWrite("f")
	_, err = lm.AcquireReadTimeout("f", 10*time.Millisecond)
	assert.Equal(ErrLockTimeout, err)

	// other names are independent
	release, err := lm.AcquireReadTimeout("g", 10*time.Millisecond)
	assert.NoError(err)
	release()

	done := make(chan struct{})
	go func() {
		r := lm.AcquireRead("f")
		r()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	w()
	<-done

	s := lm.Stats("f")
	assert.Equal(int64(3), s.ReadAcquisitions)
	assert.Equal(int64(1), s.WriteAcquisitions)
	assert.Equal(int64(1), s.Timeouts)
}

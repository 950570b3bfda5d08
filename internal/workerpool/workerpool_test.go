package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_AllSucceed(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum int64
	errs := Run(2, items, func(item int) error {
		atomic.AddInt64(&sum, int64(item))
		return nil
	})

	require.Len(t, errs, len(items))
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 15, sum)
}

func TestRun_PreservesErrorsByIndex(t *testing.T) {
	items := []int{10, 20, 30}
	boom := errors.New("boom")
	errs := Run(3, items, func(item int) error {
		if item == 20 {
			return boom
		}
		return nil
	})

	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
}

func TestRun_ZeroSizeFallsBackToOne(t *testing.T) {
	var maxConcurrent, current int64
	items := make([]int, 10)
	Run(0, items, func(item int) error {
		n := atomic.AddInt64(&current, 1)
		for {
			max := atomic.LoadInt64(&maxConcurrent)
			if n <= max || atomic.CompareAndSwapInt64(&maxConcurrent, max, n) {
				break
			}
		}
		atomic.AddInt64(&current, -1)
		return nil
	})
	assert.LessOrEqual(t, maxConcurrent, int64(1))
}

func TestPool_SubmitAndWait(t *testing.T) {
	p := New(2)
	var count int64
	for i := 0; i < 20; i++ {
		p.Submit(func() {
			atomic.AddInt64(&count, 1)
		})
	}
	p.Wait()
	assert.EqualValues(t, 20, count)
}

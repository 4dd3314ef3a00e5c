package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_Bounded(t *testing.T) {
	const maxParallelism, numTasks = 3, 20
	pool := NewWithParallelism(maxParallelism)
	var running, peak, done atomic.Int32
	for range numTasks {
		pool.Go(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			running.Add(-1)
			done.Add(1)
		})
	}
	pool.Wait()
	assert.Equal(t, int32(numTasks), done.Load())
	assert.LessOrEqual(t, int(peak.Load()), maxParallelism)
	assert.Equal(t, int32(0), running.Load())
}

func TestPool_Inline(t *testing.T) {
	pool := NewWithParallelism(0)
	count := 0
	pool.Go(func() { count++ })
	// Inline: the task already ran when Go returned.
	assert.Equal(t, 1, count)
	pool.Wait()
}

func TestPool_Unlimited(t *testing.T) {
	pool := NewWithParallelism(-1)
	assert.True(t, pool.IsUnlimited())
	var count atomic.Int32
	for range 10 {
		pool.Go(func() { count.Add(1) })
	}
	pool.Wait()
	assert.Equal(t, int32(10), count.Load())
}

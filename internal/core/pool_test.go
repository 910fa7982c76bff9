package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/engine/enginetest"
)

func TestWorkerPoolLeastLoaded(t *testing.T) {
	eng := enginetest.New()
	pool, err := core.NewWorkerPool(context.Background(), eng, core.PoolSettings{Size: 2}, func(error) {})
	require.NoError(t, err)
	require.Equal(t, 2, pool.Size())

	// r1 -> w0, r2 -> w1, r3 -> w0: ties break to pool order.
	_, idx1 := pool.Acquire()
	_, idx2 := pool.Acquire()
	_, idx3 := pool.Acquire()
	assert.Equal(t, 0, idx1)
	assert.Equal(t, 1, idx2)
	assert.Equal(t, 0, idx3)

	// Releasing w0 twice makes it least loaded again.
	pool.Release(idx1)
	pool.Release(idx3)
	_, idx4 := pool.Acquire()
	assert.Equal(t, 0, idx4)
}

func TestWorkerPoolPortRangeSplit(t *testing.T) {
	eng := enginetest.New()
	_, err := core.NewWorkerPool(context.Background(), eng, core.PoolSettings{
		Size:       2,
		RTCMinPort: 40000,
		RTCMaxPort: 40099,
	}, func(error) {})
	require.NoError(t, err)

	require.Len(t, eng.Workers, 2)
	assert.Equal(t, uint16(40000), eng.Workers[0].Settings.RTCMinPort)
	assert.Equal(t, uint16(40049), eng.Workers[0].Settings.RTCMaxPort)
	assert.Equal(t, uint16(40050), eng.Workers[1].Settings.RTCMinPort)
	assert.Equal(t, uint16(40099), eng.Workers[1].Settings.RTCMaxPort)
}

func TestWorkerPoolFatalOnDied(t *testing.T) {
	eng := enginetest.New()
	var fatal error
	_, err := core.NewWorkerPool(context.Background(), eng, core.PoolSettings{Size: 1}, func(err error) {
		fatal = err
	})
	require.NoError(t, err)

	boom := errors.New("worker crashed")
	eng.Workers[0].Die(boom)
	assert.Equal(t, boom, fatal)
}

package coroutines_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmrgirish/corosched/coroutines"
)

func TestThreadedWorkers(t *testing.T) {
	m := newManager(t, coroutines.Config{Strategy: coroutines.StrategyThreaded, Workers: 3})
	main := m.Main()

	assert.Equal(t, coroutines.StrategyThreaded, m.Strategy())
	st := m.Stats()
	require.Len(t, st.Workers, 3)
	// no schedule-loop records
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 3, m.ActiveWorkers())

	w := m.Worker(main.Worker())
	require.NotNil(t, w)
	assert.Equal(t, coroutines.LoopThread, w.Kind())
	assert.Equal(t, int64(1), w.Load())
}

func TestThreadedUnsupported(t *testing.T) {
	m := newManager(t, coroutines.Config{Strategy: coroutines.StrategyThreaded, Workers: 2})
	main := m.Main()

	_, err := m.CreateExclusiveWorkerForThread()
	assert.ErrorIs(t, err, coroutines.ErrNotSupported)
	assert.ErrorIs(t, m.DestroyExclusiveWorker(main), coroutines.ErrNotSupported)

	// no monitor: both are no-ops
	m.TriggerMigration()
	m.StopManagerThread()
	m.StopManagerThread()
	require.NoError(t, m.MainCoroutineCompleted(main))
}

func TestThreadedSlotHandoff(t *testing.T) {
	obs := newExclusionObserver()
	m := newManager(t, coroutines.Config{Strategy: coroutines.StrategyThreaded, Workers: 1, Observer: obs})
	main := m.Main()

	// a single worker: every coroutine shares main's slot
	var order []int
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Launch(main, nil, method("queued", func(co *coroutines.Coroutine) error {
			order = append(order, i)
			m.Schedule(co)
			return nil
		}), nil, coroutines.LaunchOptions{}))
	}
	assert.Empty(t, order, "main still holds the slot")
	m.WaitForDeregistration(main)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
	obs.check(t)
}

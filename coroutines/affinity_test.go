package coroutines

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeAffinityMask(t *testing.T) {
	main := makeWorkerID(MainWorkerIndex, 1)
	current := makeWorkerID(3, 2)

	same := computeAffinityMask(LaunchSameWorker, current, main, PolicyAnyWorker)
	assert.True(t, same.Allows(current))
	assert.False(t, same.Allows(makeWorkerID(3, 3)), "stale generation")
	assert.False(t, same.Allows(main))
	pinned, ok := same.Pinned()
	assert.True(t, ok)
	assert.Equal(t, current, pinned)

	onMain := computeAffinityMask(LaunchMainWorker, current, main, PolicyNonMainWorker)
	assert.True(t, onMain.Allows(main))
	assert.Equal(t, 1, onMain.Count())

	all := computeAffinityMask(LaunchDefault, current, main, PolicyAnyWorker)
	assert.Equal(t, MaxWorkers, all.Count())
	assert.True(t, all.Allows(main))
	_, ok = all.Pinned()
	assert.False(t, ok)
	assert.Equal(t, "all", all.String())

	nonMain := computeAffinityMask(LaunchDefault, current, main, PolicyNonMainWorker)
	assert.Equal(t, MaxWorkers-1, nonMain.Count())
	assert.False(t, nonMain.Allows(main))
	assert.True(t, nonMain.Allows(current))

	assert.Panics(t, func() {
		computeAffinityMask(LaunchExclusive, current, main, PolicyAnyWorker)
	})
}

func TestAffinityMaskString(t *testing.T) {
	var m AffinityMask
	m.set(1)
	m.set(64)
	m.set(200)
	assert.Equal(t, "{1,64,200}", m.String())
	assert.Equal(t, 3, m.Count())
	assert.Equal(t, "{1,200}", m.Without(64).String())

	single := SingleWorkerMask(makeWorkerID(5, 7))
	assert.Equal(t, "worker 5.7", single.String())
	_, ok := single.Without(5).Pinned()
	assert.False(t, ok)
}

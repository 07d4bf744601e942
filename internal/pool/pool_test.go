package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/condsched/internal/task"
)

func TestPool_ProcessCap(t *testing.T) {
	p := New(2, nil)
	assert.True(t, p.HasFreeCapacity())

	for i := 0; i < 2; i++ {
		assert.True(t, p.Admit(task.ModeProcess))
		p.Acquire(task.ModeProcess)
	}
	assert.False(t, p.Admit(task.ModeProcess))
	assert.False(t, p.HasFreeCapacity())
	assert.True(t, p.Admit(task.ModeThread), "other modes are not gated")

	p.Release(task.ModeProcess)
	assert.True(t, p.HasFreeCapacity())
	assert.True(t, p.Admit(task.ModeProcess))
}

func TestPool_ZeroMeansNoProcesses(t *testing.T) {
	p := New(0, nil)
	assert.False(t, p.Admit(task.ModeProcess))
	assert.False(t, p.HasFreeCapacity())

	assert.Equal(t, 0, New(-1, nil).MaxProcess())
}

func TestPool_Limits(t *testing.T) {
	p := New(4, map[task.Mode]int{task.ModeThread: 1})
	assert.True(t, p.Admit(task.ModeThread))
	p.Acquire(task.ModeThread)
	assert.False(t, p.Admit(task.ModeThread))
	assert.True(t, p.Admit(task.ModeAsync))
}

func TestPool_Counts(t *testing.T) {
	p := New(4, nil)
	p.Acquire(task.ModeProcess)
	p.Acquire(task.ModeThread)
	p.Acquire(task.ModeThread)
	assert.Equal(t, 3, p.Total())
	assert.Equal(t, 2, p.Count(task.ModeThread))

	p.Release(task.ModeAsync)
	assert.Equal(t, 3, p.Total(), "releasing an empty mode is a no-op")
	p.Release(task.ModeThread)
	assert.Equal(t, 2, p.Total())
	assert.Equal(t, 1, p.Count(task.ModeThread))
}

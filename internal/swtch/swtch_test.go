package swtch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSwitchPingPong(t *testing.T) {
	var trace []string
	main := Here("main")

	var worker *Context
	worker = New("worker", func() {
		for i := 0; i < 3; i++ {
			trace = append(trace, "worker")
			Switch(worker, main)
		}
		trace = append(trace, "worker-done")
		Switch(worker, main)
	})

	for i := 0; i < 4; i++ {
		trace = append(trace, "main")
		Switch(main, worker)
	}

	assert.Equal(t, []string{
		"main", "worker",
		"main", "worker",
		"main", "worker",
		"main", "worker-done",
	}, trace)
	Release(worker)
	assert.True(t, worker.Released())
}

func TestReleaseParkedContextExits(t *testing.T) {
	main := Here("main")
	var wg sync.WaitGroup
	wg.Add(1)

	var worker *Context
	worker = New("worker", func() {
		defer wg.Done()
		Switch(worker, main)
		t.Error("released context must not resume")
	})

	Switch(main, worker)
	Release(worker)
	Release(worker) // idempotent
	wg.Wait()
}

func TestReleaseBeforeFirstRun(t *testing.T) {
	ran := false
	c := New("never", func() { ran = true })
	Release(c)
	assert.True(t, c.Released())
	assert.False(t, ran)
}

func TestSwitchToReleasedPanics(t *testing.T) {
	main := Here("main")
	worker := Here("worker")
	Release(worker)
	assert.Panics(t, func() { Switch(main, worker) })
}

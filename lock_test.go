package sham

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestIssueLockToken(t *testing.T) {
	token, hash, err := issueLockToken("")
	require.NoError(t, err)
	assert.Len(t, token, 36)
	assert.NoError(t, bcrypt.CompareHashAndPassword(hash, []byte(token)))

	token, _, err = issueLockToken("2016-25933")
	require.NoError(t, err)
	assert.Equal(t, "2016-25933", token)

	shamOS := newTestOS(t, func(cfg *Config) { cfg.LockSecret = "2016-25933" })
	assert.Equal(t, "2016-25933", shamOS.LockToken())
	assert.True(t, shamOS.checkSecret("2016-25933"))
	assert.False(t, shamOS.checkSecret("2016-25934"))
}

// userContext 给一个没跑起来的进程造一个 Contextual，当它在匿名 CPU 上
func userContext(shamOS *OS, p *Process) *Contextual {
	p.cpu = anonCPU
	return &Contextual{ctx: context.Background(), os: shamOS, proc: p, thread: &p.threads[0]}
}

func TestSchedulerLockUnit(t *testing.T) {
	shamOS := newTestOS(t)
	shamOS.ptable.acquire(anonCPU)
	a := spawn(t, shamOS)
	b := spawn(t, shamOS)
	shamOS.ptable.move(anonCPU, a, 1, false)
	a.quantum = 2
	shamOS.ptable.release(anonCPU)

	ca, cb := userContext(shamOS, a), userContext(shamOS, b)

	shamOS.schedulerLock(ca, shamOS.LockToken())
	assert.Equal(t, a.Pid, shamOS.SchedulerLockHolder())
	assert.False(t, a.killed.Load())

	// 别人持有锁
	shamOS.schedulerLock(cb, shamOS.LockToken())
	assert.True(t, b.killed.Load())
	assert.Equal(t, a.Pid, shamOS.SchedulerLockHolder())

	// 不是持有者，解不了
	b.killed.Store(false)
	shamOS.schedulerUnlock(cb, shamOS.LockToken())
	assert.False(t, b.killed.Load())
	assert.Equal(t, a.Pid, shamOS.SchedulerLockHolder())

	shamOS.schedulerUnlock(ca, shamOS.LockToken())
	assert.Equal(t, 0, shamOS.SchedulerLockHolder())
	assert.Equal(t, 0, a.level)
	assert.Equal(t, MaxPriority, a.priority)
	assert.Equal(t, 0, a.quantum)
	assert.Equal(t, a.Pid, shamOS.Queues()[0][0])

	// 口令不对
	shamOS.schedulerLock(cb, "guess")
	assert.True(t, b.killed.Load())
	assert.Equal(t, 0, shamOS.SchedulerLockHolder())
}

// 持有锁的进程独占 CPU，解锁之后回到 0 层队头
func TestSchedulerLockMonopoly(t *testing.T) {
	const locked = 50
	var trace []string
	var afterUnlock ProcInfo
	var child int

	runInit(t, func(c *Contextual) {
		token := c.os.LockToken()
		pid, err := c.Fork(func(c *Contextual) {
			c.SchedulerLock(token)
			for i := 0; i < locked; i++ {
				trace = append(trace, "child")
				c.Commit()
			}
			c.SchedulerUnlock(token)
			afterUnlock = findProc(t, c.os.Snapshot(), c.GetPid())
			assert.Equal(t, c.GetPid(), c.os.Queues()[0][0])
			for i := 0; i < 5; i++ {
				trace = append(trace, "child")
				c.Commit()
			}
		})
		assert.NoError(t, err)
		child = pid
		for i := 0; i < locked; i++ {
			trace = append(trace, "init")
			c.Commit()
		}
		wpid, err := c.Wait()
		assert.NoError(t, err)
		assert.Equal(t, child, wpid)
	}, func(cfg *Config) {
		cfg.BoostInterval = 1000
	})

	first := -1
	for i, who := range trace {
		if who == "child" {
			first = i
			break
		}
	}
	require.GreaterOrEqual(t, first, 0)
	require.GreaterOrEqual(t, len(trace), first+locked)
	for i := first; i < first+locked; i++ {
		assert.Equal(t, "child", trace[i], "trace[%d]", i)
	}
	assert.Contains(t, trace[first+locked:], "init")

	assert.Equal(t, 0, afterUnlock.Level)
	assert.Equal(t, MaxPriority, afterUnlock.Priority)
	assert.Equal(t, 0, afterUnlock.Quantum)
}

func TestSchedulerLockWrongSecret(t *testing.T) {
	survived := false
	shamOS := runInit(t, func(c *Contextual) {
		_, err := c.Fork(func(c *Contextual) {
			c.SchedulerLock("guess")
			survived = true
		})
		assert.NoError(t, err)
		_, err = c.Wait()
		assert.NoError(t, err)
	})
	assert.False(t, survived)
	assert.Equal(t, 0, shamOS.SchedulerLockHolder())
}

func TestSchedulerUnlockNotHolder(t *testing.T) {
	survived := false
	runInit(t, func(c *Contextual) {
		c.SchedulerUnlock(c.os.LockToken())
		survived = true
	})
	assert.True(t, survived)
}

func TestSchedulerLockReleasedOnExit(t *testing.T) {
	shamOS := runInit(t, func(c *Contextual) {
		token := c.os.LockToken()
		_, err := c.Fork(func(c *Contextual) {
			c.SchedulerLock(token)
		})
		assert.NoError(t, err)
		_, err = c.Wait()
		assert.NoError(t, err)
		assert.Equal(t, 0, c.os.SchedulerLockHolder())
	})
	assert.Equal(t, 0, shamOS.SchedulerLockHolder())
}

func TestSchedulerLockReleasedOnSleep(t *testing.T) {
	var trace []string
	runInit(t, func(c *Contextual) {
		token := c.os.LockToken()
		_, err := c.Fork(func(c *Contextual) {
			c.SchedulerLock(token)
			trace = append(trace, "child locked")
			assert.NoError(t, c.Sleep(3))
			trace = append(trace, "child woke")
		})
		assert.NoError(t, err)
		for i := 0; i < 3; i++ {
			c.Commit()
		}
		trace = append(trace, "init")
		_, err = c.Wait()
		assert.NoError(t, err)
	})
	assert.Equal(t, []string{"child locked", "init", "child woke"}, trace)
}

func TestSchedulerLockReleasedOnBoost(t *testing.T) {
	var trace []string
	var holderAtEnd int
	runInit(t, func(c *Contextual) {
		token := c.os.LockToken()
		_, err := c.Fork(func(c *Contextual) {
			c.SchedulerLock(token)
			for i := 0; i < 30; i++ {
				trace = append(trace, "child")
				c.Commit()
			}
		})
		assert.NoError(t, err)
		for i := 0; i < 30; i++ {
			trace = append(trace, "init")
			c.Commit()
		}
		_, err = c.Wait()
		assert.NoError(t, err)
		holderAtEnd = c.os.SchedulerLockHolder()
	}, func(cfg *Config) {
		cfg.BoostInterval = 10
	})

	first, last := -1, -1
	for i, who := range trace {
		if who == "child" {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	require.GreaterOrEqual(t, first, 0)
	assert.Contains(t, trace[first:last], "init", "boost must end the monopoly")
	assert.Equal(t, 0, holderAtEnd)
}

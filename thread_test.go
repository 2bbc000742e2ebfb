package sham

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreadCreateJoin(t *testing.T) {
	var rets []interface{}
	var tids []int
	runInit(t, func(c *Contextual) {
		for i := 0; i < 5; i++ {
			tid, err := c.ThreadCreate(func(c *Contextual, arg interface{}) interface{} {
				c.Commit()
				return 10 * arg.(int)
			}, i)
			assert.NoError(t, err)
			tids = append(tids, tid)
		}
		for _, tid := range tids {
			ret, err := c.ThreadJoin(tid)
			assert.NoError(t, err)
			rets = append(rets, ret)
		}
	})
	assert.Equal(t, []interface{}{0, 10, 20, 30, 40}, rets)
	for i := 1; i < len(tids); i++ {
		assert.Greater(t, tids[i], tids[i-1], "tids are unique and increasing")
	}
}

func TestThreadExitRetval(t *testing.T) {
	runInit(t, func(c *Contextual) {
		tid, err := c.ThreadCreate(func(c *Contextual, arg interface{}) interface{} {
			c.ThreadExit("bye " + arg.(string))
			return "unreachable"
		}, "lwp")
		assert.NoError(t, err)
		ret, err := c.ThreadJoin(tid)
		assert.NoError(t, err)
		assert.Equal(t, "bye lwp", ret)
	})
}

func TestThreadJoinErrors(t *testing.T) {
	runInit(t, func(c *Contextual) {
		_, err := c.ThreadJoin(c.Tid())
		assert.ErrorIs(t, err, ErrBadThread, "join self")

		_, err = c.ThreadJoin(999)
		assert.ErrorIs(t, err, ErrBadThread, "no such thread")

		tid, err := c.ThreadCreate(func(c *Contextual, arg interface{}) interface{} { return nil }, nil)
		assert.NoError(t, err)
		_, err = c.ThreadJoin(tid)
		assert.NoError(t, err)
		_, err = c.ThreadJoin(tid)
		assert.ErrorIs(t, err, ErrBadThread, "already joined")

		// 别的进程的线程
		var foreign int
		_, err = c.Fork(func(c *Contextual) {
			foreign = c.Tid()
			c.Sleep(2)
		})
		assert.NoError(t, err)
		c.Commit()
		c.Commit()
		_, err = c.ThreadJoin(foreign)
		assert.ErrorIs(t, err, ErrBadThread, "thread of another process")
		_, err = c.Wait()
		assert.NoError(t, err)
	})
}

func TestThreadSlotsExhausted(t *testing.T) {
	runInit(t, func(c *Contextual) {
		spin := func(c *Contextual, arg interface{}) interface{} { return nil }
		tid, err := c.ThreadCreate(spin, nil)
		assert.NoError(t, err)
		_, err = c.ThreadCreate(spin, nil)
		assert.ErrorIs(t, err, ErrNoThreadSlot)

		// 回收之后槽又能用了
		_, err = c.ThreadJoin(tid)
		assert.NoError(t, err)
		_, err = c.ThreadCreate(spin, nil)
		assert.NoError(t, err)
	}, func(cfg *Config) {
		cfg.NThread = 2
	})
}

func TestThreadStackLayout(t *testing.T) {
	runInit(t, func(c *Contextual) {
		sz0, _ := c.Sbrk(0)
		assert.NoError(t, c.SetStackSize(3))
		assert.ErrorIs(t, c.SetStackSize(0), ErrLimit)

		tid, err := c.ThreadCreate(func(c *Contextual, arg interface{}) interface{} { return arg }, 42)
		assert.NoError(t, err)

		ps := c.os.mem.PageSize()
		sz1, _ := c.Sbrk(0)
		assert.Equal(t, pgRoundUp(sz0, ps)+4*ps, sz1, "guard page plus three stack pages")

		th := &c.proc.threads[c.proc.threadIndex(tid)]
		assert.Equal(t, sz1-2*wordSize, th.tf.SP)

		// 保护页用户不能访问
		_, err = c.proc.as.CopyIn(sz1-4*ps, 1)
		assert.Error(t, err)

		ret, err := c.ThreadJoin(tid)
		assert.NoError(t, err)
		assert.Equal(t, 42, ret)
	})
}

func TestThreadCreateLimit(t *testing.T) {
	runInit(t, func(c *Contextual) {
		sz, _ := c.Sbrk(0)
		assert.NoError(t, c.SetMemoryLimit(c.GetPid(), int(sz+c.os.mem.PageSize())))

		_, err := c.ThreadCreate(func(c *Contextual, arg interface{}) interface{} { return nil }, nil)
		assert.ErrorIs(t, err, ErrLimit)

		after, _ := c.Sbrk(0)
		assert.Equal(t, sz, after)
		info := findProc(t, c.os.Snapshot(), c.GetPid())
		assert.Len(t, info.Threads, 1)
	})
}

func TestThreadCreateOutOfMemory(t *testing.T) {
	mem := NewMemory(4096, 4).(*vmMemory)
	shamOS, err := NewOS(WithConfig(testConfig()), WithMemory(mem))
	assert.NoError(t, err)

	bootTestOS(t, shamOS, func(c *Contextual) {
		free := mem.m.FreeFrames()
		sz, _ := c.Sbrk(0)

		// 内核栈一页 + 栈两页，只剩两页
		_, err := c.ThreadCreate(func(c *Contextual, arg interface{}) interface{} { return nil }, nil)
		assert.ErrorIs(t, err, ErrNoMem)

		assert.Equal(t, free, mem.m.FreeFrames(), "everything rolled back")
		after, _ := c.Sbrk(0)
		assert.Equal(t, sz, after)
		assert.Len(t, findProc(t, c.os.Snapshot(), c.GetPid()).Threads, 1)
	})
}

// 最后一个线程 ThreadExit 等于进程 exit
func TestThreadExitLastThread(t *testing.T) {
	runInit(t, func(c *Contextual) {
		pid, err := c.Fork(func(c *Contextual) {
			c.ThreadExit(nil)
		})
		assert.NoError(t, err)
		wpid, err := c.Wait()
		assert.NoError(t, err)
		assert.Equal(t, pid, wpid)
	})
}

// 进程 exit 带走所有线程，包括睡着的
func TestExitKillsThreads(t *testing.T) {
	finished := false
	shamOS := runInit(t, func(c *Contextual) {
		_, err := c.Fork(func(c *Contextual) {
			_, err := c.ThreadCreate(func(c *Contextual, arg interface{}) interface{} {
				c.Sleep(1 << 20)
				finished = true
				return nil
			}, nil)
			assert.NoError(t, err)
			c.Commit()
			c.Exit()
		})
		assert.NoError(t, err)
		_, err = c.Wait()
		assert.NoError(t, err)
	})
	assert.False(t, finished)
	assert.Len(t, shamOS.Snapshot(), 1)
}

// 别的线程 exit 的时候主线程正睡在 ThreadJoin 里：回收之后机器照常运行
func TestExitWhileJoining(t *testing.T) {
	joined := false
	shamOS := runInit(t, func(c *Contextual) {
		pid, err := c.Fork(func(c *Contextual) {
			tid, err := c.ThreadCreate(func(c *Contextual, arg interface{}) interface{} {
				c.Commit()
				c.Commit()
				c.Exit()
				return nil
			}, nil)
			assert.NoError(t, err)
			_, err = c.ThreadJoin(tid)
			joined = true
			assert.NoError(t, err)
		})
		assert.NoError(t, err)

		wpid, err := c.Wait()
		assert.NoError(t, err)
		assert.Equal(t, pid, wpid)
		for i := 0; i < 3; i++ {
			c.Commit()
		}
		assert.Equal(t, 0, c.os.SchedulerLockHolder())
	})
	assert.False(t, joined, "exit takes the joining thread too")
	assert.Len(t, shamOS.Snapshot(), 1)
}

// 线程之间的切换：一个进程里的线程轮流跑
func TestThreadRoundRobin(t *testing.T) {
	var trace []int
	runInit(t, func(c *Contextual) {
		worker := func(c *Contextual, arg interface{}) interface{} {
			for i := 0; i < 3; i++ {
				trace = append(trace, arg.(int))
				c.Yield()
			}
			return nil
		}
		var tids []int
		for i := 1; i <= 2; i++ {
			tid, err := c.ThreadCreate(worker, i)
			assert.NoError(t, err)
			tids = append(tids, tid)
		}
		for _, tid := range tids {
			_, err := c.ThreadJoin(tid)
			assert.NoError(t, err)
		}
	})
	assert.Equal(t, []int{1, 2, 1, 2, 1, 2}, trace)
}

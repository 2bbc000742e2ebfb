package sham

import log "github.com/sirupsen/logrus"

// sleep 让当前线程睡在 ch 上。必须持有进程表锁：锁交给调度器，而不是放掉，
// 所以不会错过持锁做的 wakeup。醒来时仍然持锁。
func (os *OS) sleep(c *Contextual, ch interface{}) {
	if !os.ptable.lock.holding(c.cpu()) {
		panicf("sleep without lock", map[string]interface{}{"pid": c.proc.Pid, "tid": c.thread.Tid})
	}
	th := c.thread
	th.chan_ = ch
	th.State = StatusSleeping
	c.proc.settle()

	os.sched(c)

	th.chan_ = nil
}

// wakeup1 把所有睡在 ch 上的线程变成 Runnable。不保证谁先跑，扫描顺序就是进程表顺序。持锁调用。
func (os *OS) wakeup1(ch interface{}) {
	t := &os.ptable
	for i := range t.procs {
		p := &t.procs[i]
		if p.State == StatusUnused || p.State == StatusZombie {
			continue
		}
		woke := false
		for j := range p.threads {
			th := &p.threads[j]
			if th.State == StatusSleeping && th.chan_ == ch {
				th.State = StatusRunnable
				woke = true
			}
		}
		if woke && p.State == StatusSleeping {
			p.State = StatusRunnable
		}
	}
}

// sleepTicks 睡 n 个 tick。期间被 kill 了就提前返回 ErrKilled。
func (os *OS) sleepTicks(c *Contextual, n int) error {
	os.ptable.acquire(c.cpu())
	ticks0 := os.ticks
	for os.ticks-ticks0 < n {
		if c.proc.killed.Load() {
			os.ptable.release(c.cpu())
			return ErrKilled
		}
		os.sleep(c, &os.ticks)
	}
	os.ptable.release(c.cpu())
	log.WithFields(log.Fields{"pid": c.proc.Pid, "ticks": n}).Trace("[SLEEP] woke up")
	return nil
}

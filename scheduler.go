package sham

import (
	"context"
	"fmt"
	"time"

	"github.com/cdfmlr/sham-lwp/internal/swtch"
	"github.com/cdfmlr/sham-lwp/internal/tracing"
	log "github.com/sirupsen/logrus"
)

// mlfq 是调度器的全局状态，由进程表锁保护
type mlfq struct {
	// holder 是持有独占调度锁的进程 pid，0 表示没人持有
	holder int
	// ticks 是距上次 boost（或上锁）以来的 tick 数
	ticks int
}

// timeQuantum 是 level 层的时间片
func timeQuantum(level int) int {
	return 2*level + 4
}

func (os *OS) lowestLevel() int {
	return os.cfg.NQueue - 1
}

// candidate 选一个候选进程：先从高到低扫 0..N-2 层，取第一个 Runnable 的；
// 都没有才扫最低层，取 priority 最小的，相等时先到先得。持锁调用。
func (os *OS) candidate() *Process {
	t := &os.ptable
	for level := 0; level < os.lowestLevel(); level++ {
		for i := t.queues[level].front; i != nilIndex; i = t.procs[i].next {
			if p := &t.procs[i]; p.State == StatusRunnable {
				return p
			}
		}
	}
	var best *Process
	for i := t.queues[os.lowestLevel()].front; i != nilIndex; i = t.procs[i].next {
		p := &t.procs[i]
		if p.State != StatusRunnable {
			continue
		}
		if best == nil || p.priority < best.priority {
			best = p
		}
	}
	return best
}

// expire 处理用完时间片的进程：不在最低层就降一层，在最低层就 priority 减一（不低于 0）
func (os *OS) expire(c *CPU, p *Process) {
	p.quantum = 0
	if p.level < os.lowestLevel() {
		os.ptable.move(c, p, p.level+1, false)
		log.WithFields(log.Fields{"pid": p.Pid, "level": p.level}).Debug("[MLFQ] time quantum expired: demote")
		return
	}
	if p.priority > 0 {
		p.priority--
	}
	log.WithFields(log.Fields{"pid": p.Pid, "priority": p.priority}).Debug("[MLFQ] time quantum expired at lowest level")
}

// pick 决定下一个要跑的进程和它的线程下标，没有返回 nil。c 持锁调用。
func (os *OS) pick(c *CPU) (*Process, int) {
	for {
		if os.mlfq.holder != 0 {
			p := os.ptable.find(os.mlfq.holder)
			switch {
			case p != nil && p.State == StatusRunnable:
				return p, p.nextRunnableThread()
			case p != nil && p.State == StatusRunning:
				// 在别的 CPU 上跑着，这个 CPU 只能闲着
				return nil, -1
			default:
				log.WithField("holder", os.mlfq.holder).Warn("[MLFQ] scheduler lock holder is not runnable: force unlock")
				os.forceUnlock(c, p)
			}
		}

		p := os.candidate()
		if p == nil {
			return nil, -1
		}
		if p.quantum >= timeQuantum(p.level) {
			os.expire(c, p)
			continue
		}
		idx := p.nextRunnableThread()
		if idx < 0 {
			panicf("runnable process without runnable thread", map[string]interface{}{"pid": p.Pid})
		}
		return p, idx
	}
}

// account 在派发之前记账：用掉一个 tick 的时间片，不在最低层就排到本层队尾。
// 放在派发之前，一跑就阻塞的进程也不会多占一次队头。
func (os *OS) account(c *CPU, p *Process) {
	if os.mlfq.holder == p.Pid {
		return
	}
	p.quantum++
	if p.level < os.lowestLevel() {
		os.ptable.move(c, p, p.level, false)
	}
}

// boost 把所有进程拉回 0 层队尾，priority、quantum 复位。持有独占锁的先被强制解锁。
func (os *OS) boost(c *CPU) {
	_, span := tracing.StartSpan(os.ctx, "mlfq.boost")
	defer tracing.EndSpan(span, nil)

	os.mlfq.ticks = 0
	if os.mlfq.holder != 0 {
		log.WithField("holder", os.mlfq.holder).Warn("[MLFQ] priority boost while scheduler locked: force unlock")
		os.forceUnlock(c, os.ptable.find(os.mlfq.holder))
	}
	t := &os.ptable
	n := 0
	for i := range t.procs {
		p := &t.procs[i]
		if p.State == StatusUnused {
			continue
		}
		p.priority = MaxPriority
		p.quantum = 0
		t.move(c, p, 0, false)
		n++
	}
	span.WithAttributes(map[string]int{"procs": n})
	log.WithField("procs", n).Debug("[MLFQ] priority boost")
}

// scheduler 是每个 CPU 的调度器循环。
// 持锁选出一个线程，切过去；锁跟着切换交给被选中的线程，线程切回来时又带着锁回来。
func (os *OS) scheduler(ctx context.Context, c *CPU) {
	defer os.wg.Done()
	defer os.recoverPanic(fmt.Sprintf("scheduler cpu%d", c.Id), func() *CPU { return c })

	ticker := time.NewTicker(os.cfg.IdleTick)
	defer ticker.Stop()

	log.WithField("cpu", c.Id).Info("[MLFQ] scheduler on")
	for !os.stopping(ctx) {
		os.ptable.acquire(c)
		if os.halted.Load() {
			os.ptable.release(c)
			break
		}

		p, idx := os.pick(c)
		if p == nil {
			os.ptable.release(c)
			os.idle(ctx, c, ticker)
			continue
		}

		os.account(c, p)
		os.dispatch(c, p, idx)

		if os.mlfq.ticks >= os.cfg.BoostInterval {
			os.boost(c)
		}
		os.ptable.release(c)
	}
	log.WithField("cpu", c.Id).Info("[MLFQ] scheduler off")
}

// dispatch 把 CPU 交给 p 的第 idx 个线程，直到它切回调度器
func (os *OS) dispatch(c *CPU, p *Process, idx int) {
	if p.State == StatusZombie {
		panicf("dispatch zombie", map[string]interface{}{"pid": p.Pid})
	}
	th := p.makeActive(idx)

	p.State = StatusRunning
	th.State = StatusRunning
	p.cpu = c
	c.proc, c.thread = p, th
	c.Clock++
	log.WithFields(log.Fields{
		"cpu":     c.Id,
		"pid":     p.Pid,
		"tid":     th.Tid,
		"level":   p.level,
		"quantum": p.quantum,
	}).Trace("[MLFQ] dispatch")

	os.mem.Switch(p.as)
	swtch.Switch(c.scheduler, th.context)
	os.mem.Switch(nil)

	p.makeInactive(idx)
	c.proc, c.thread = nil, nil
}

// idle 没东西可跑：等下一个时钟。只有 0 号 CPU 投递时钟中断。
func (os *OS) idle(ctx context.Context, c *CPU, ticker *time.Ticker) {
	select {
	case <-ctx.Done():
	case <-os.haltCh:
	case <-ticker.C:
		if c.Id == 0 {
			os.clockTick(c)
		}
	}
}

// sched 从当前线程切回调度器。必须持有进程表锁，且已经改好了线程状态。
func (os *OS) sched(c *Contextual) {
	cpu := c.cpu()
	if !os.ptable.lock.holding(cpu) {
		panicf("sched ptable.lock", map[string]interface{}{"pid": c.proc.Pid, "tid": c.thread.Tid})
	}
	if c.thread.State == StatusRunning {
		panicf("sched running", map[string]interface{}{"pid": c.proc.Pid, "tid": c.thread.Tid})
	}
	swtch.Switch(c.thread.context, cpu.scheduler)
}

// yield 让出 CPU 一轮
func (os *OS) yield(c *Contextual) {
	os.ptable.acquire(c.cpu())
	c.thread.State = StatusRunnable
	c.proc.settle()
	os.sched(c)
	os.ptable.release(c.cpu())
}

package sham

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// threadCreate 在当前进程里新建一个 LWP，从 routine(arg) 开始跑。
//
// 新线程的用户栈是 (1+stackPages) 页，从 PGROUNDUP(sz) 起长出来，
// 最低的一页做保护页，栈顶放 [假返回地址, arg]。任何一步失败都回滚到调用前的样子。
func (os *OS) threadCreate(c *Contextual, routine ThreadRoutine, arg interface{}) (int, error) {
	p := c.proc
	os.ptable.acquire(c.cpu())
	defer os.ptable.release(c.cpu())

	_, th := os.allocThread(p)
	if th == nil {
		log.WithField("pid", p.Pid).Warn("[LWP] thread_create: no free thread slot")
		return 0, ErrNoThreadSlot
	}
	fail := func(err error) (int, error) {
		os.freeThread(th)
		log.WithError(err).WithField("pid", p.Pid).Warn("[LWP] thread_create failed")
		return 0, err
	}

	if err := os.setupThread(th); err != nil {
		return fail(err)
	}

	ps := os.mem.PageSize()
	base := pgRoundUp(p.sz, ps)
	stack := uint64(1+p.stackPages) * ps
	if p.limit != 0 && base+stack > p.limit {
		return fail(fmt.Errorf("stack of %d bytes over limit %d: %w", stack, p.limit, ErrLimit))
	}
	top, err := p.as.Alloc(base, base+stack)
	if err != nil {
		return fail(fmt.Errorf("user stack: %v: %w", err, ErrNoMem))
	}
	undo := func(err error) (int, error) {
		p.as.Dealloc(top, p.sz)
		return fail(err)
	}
	if err := p.as.ClearUser(top - stack); err != nil {
		return undo(fmt.Errorf("guard page: %v: %w", err, ErrNoMem))
	}
	sp := top - 2*wordSize
	if err := p.as.CopyOut(sp, fakeReturnPC, arg); err != nil {
		return undo(fmt.Errorf("copy out arg: %v: %w", err, ErrNoMem))
	}

	tf := *c.thread.tf
	tf.Routine = routine
	tf.SP = sp
	tf.Ret = 0
	th.tf = &tf
	p.sz = top
	th.State = StatusRunnable

	log.WithFields(log.Fields{"pid": p.Pid, "tid": th.Tid, "sp": sp}).Debug("[LWP] thread_create")
	return th.Tid, nil
}

// threadExit 结束当前线程，retval 留给 join 的人。不会返回。
// 最后一个活着的线程结束等于整个进程 exit。
func (os *OS) threadExit(c *Contextual, retval interface{}) {
	p, th := c.proc, c.thread

	os.ptable.acquire(c.cpu())
	if p.liveThreads() <= 1 {
		os.ptable.release(c.cpu())
		log.WithFields(log.Fields{"pid": p.Pid, "tid": th.Tid}).Debug("[LWP] thread_exit: last thread, exit process")
		if p == os.initproc {
			os.halt(c)
		}
		os.exit(c)
	}

	th.retval = retval
	th.State = StatusZombie
	os.wakeup1(th)
	p.settle()
	log.WithFields(log.Fields{"pid": p.Pid, "tid": th.Tid}).Debug("[LWP] thread_exit")

	os.sched(c)
	panicf("zombie thread exit", map[string]interface{}{"pid": p.Pid, "tid": th.Tid})
}

// threadJoin 等同一进程里的 tid 线程结束，回收它，返回它的 retval。
// sleep 里可能被 exit 收走再也不回来，所以锁在每个返回处放，不用 defer。
func (os *OS) threadJoin(c *Contextual, tid int) (interface{}, error) {
	p := c.proc
	os.ptable.acquire(c.cpu())
	for {
		idx := p.threadIndex(tid)
		if idx < 0 || &p.threads[idx] == c.thread {
			os.ptable.release(c.cpu())
			return nil, fmt.Errorf("join %d: %w", tid, ErrBadThread)
		}
		th := &p.threads[idx]
		if th.State == StatusZombie {
			ret := th.retval
			os.freeThread(th)
			os.ptable.release(c.cpu())
			log.WithFields(log.Fields{"pid": p.Pid, "tid": tid}).Debug("[LWP] thread_join: reaped")
			return ret, nil
		}
		if p.killed.Load() {
			os.ptable.release(c.cpu())
			return nil, fmt.Errorf("join %d: %w", tid, ErrKilled)
		}
		// sleep 之后可能换了 CPU，c.cpu() 每次重新取
		os.sleep(c, th)
	}
}

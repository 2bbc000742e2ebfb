package sham

import (
	"fmt"

	"github.com/cdfmlr/sham-lwp/internal/swtch"
	log "github.com/sirupsen/logrus"
)

// setupThread 给线程分配内核栈，建好它的执行上下文：第一次被切入时跑 forkret。
// 失败时线程的状态由调用者回收。
func (os *OS) setupThread(th *Thread) error {
	ks, err := os.mem.AllocKernelStack()
	if err != nil {
		return fmt.Errorf("kernel stack: %w", ErrNoMem)
	}
	th.kstack = ks
	th.context = swtch.New(fmt.Sprintf("pid%d/tid%d", th.proc.Pid, th.Tid), os.forkret(th))
	return nil
}

// userinit 建立第一个用户进程 init：它持有控制台的 0、1、2 号描述符。
func (os *OS) userinit(init Runnable) error {
	os.ptable.acquire(anonCPU)
	p := os.allocProc(anonCPU)
	os.ptable.release(anonCPU)
	if p == nil {
		return ErrNoProcSlot
	}
	th := &p.threads[0]

	fail := func(err error) error {
		os.ptable.acquire(anonCPU)
		os.freeProc(anonCPU, p)
		os.ptable.release(anonCPU)
		return fmt.Errorf("userinit: %w", err)
	}
	if err := os.setupThread(th); err != nil {
		return fail(err)
	}
	as, err := os.mem.NewAddressSpace()
	if err != nil {
		return fail(fmt.Errorf("%v: %w", err, ErrNoMem))
	}

	os.ptable.acquire(anonCPU)
	p.as = as
	p.sz = os.mem.PageSize()
	p.stackPages = os.cfg.StackPages
	p.Name = "initcode"
	for fd := 0; fd < 3; fd++ {
		p.files[fd] = os.console.Open()
	}
	th.tf = &TrapFrame{Entry: init}
	os.initproc = p
	p.State = StatusRunnable
	th.State = StatusRunnable
	os.ptable.release(anonCPU)

	log.WithField("pid", p.Pid).Info("[OS] userinit")
	return nil
}

// fork 创建一个复制了当前进程的新进程，新进程从 child 开始跑。
// 地址空间、大小、打开的文件、内存限制、线程栈大小都继承下来。
func (os *OS) fork(c *Contextual, child Runnable) (int, error) {
	cur := c.proc

	os.ptable.acquire(c.cpu())
	np := os.allocProc(c.cpu())
	os.ptable.release(c.cpu())
	if np == nil {
		log.WithField("pid", cur.Pid).Warn("[PROC] fork: process table full")
		return 0, ErrNoProcSlot
	}
	th := &np.threads[0]

	fail := func(err error) (int, error) {
		os.ptable.acquire(c.cpu())
		os.freeProc(c.cpu(), np)
		os.ptable.release(c.cpu())
		log.WithError(err).WithField("pid", cur.Pid).Warn("[PROC] fork failed")
		return 0, err
	}
	if err := os.setupThread(th); err != nil {
		return fail(err)
	}
	as, err := cur.as.Copy(cur.sz)
	if err != nil {
		return fail(fmt.Errorf("copy address space: %v: %w", err, ErrNoMem))
	}

	tf := *c.thread.tf
	tf.Entry = child
	tf.Routine = nil
	tf.Ret = 0

	files := make([]File, len(cur.files))
	for fd, f := range cur.files {
		if f != nil {
			files[fd] = f.Dup()
		}
	}

	os.ptable.acquire(c.cpu())
	np.as = as
	np.sz = cur.sz
	np.parent = cur
	np.files = files
	np.Name = cur.Name
	np.limit = cur.limit
	np.stackPages = cur.stackPages
	th.tf = &tf
	np.State = StatusRunnable
	th.State = StatusRunnable
	pid := np.Pid
	os.ptable.release(c.cpu())

	log.WithFields(log.Fields{"parent": cur.Pid, "child": pid}).Debug("[PROC] fork")
	return pid, nil
}

// exit 结束当前进程，不会返回。
// 进程在 Zombie 状态下一直留着，直到父进程 wait 它。
func (os *OS) exit(c *Contextual) {
	p := c.proc
	if p == os.initproc {
		panicf("init exiting", map[string]interface{}{"pid": p.Pid})
	}

	for fd, f := range p.files {
		if f != nil {
			if err := f.Close(); err != nil {
				log.WithError(err).WithFields(log.Fields{"pid": p.Pid, "fd": fd}).Warn("[PROC] exit: close file")
			}
			p.files[fd] = nil
		}
	}

	os.ptable.acquire(c.cpu())

	if os.mlfq.holder == p.Pid {
		log.WithField("pid", p.Pid).Warn("[PROC] exit while holding the scheduler lock: force unlock")
		os.forceUnlock(c.cpu(), p)
	}

	for i := range p.threads {
		if th := &p.threads[i]; th.State != StatusUnused {
			th.State = StatusZombie
		}
	}
	os.exitLocked(p)

	os.sched(c)
	panicf("zombie exit", map[string]interface{}{"pid": p.Pid})
}

// exitLocked 在所有线程都结束之后把进程变成 Zombie：
// 唤醒可能在 wait 的父进程，孩子们过继给 init。持锁调用。
func (os *OS) exitLocked(p *Process) {
	if p.liveThreads() != 0 {
		panicf("exit with live threads", map[string]interface{}{"pid": p.Pid})
	}
	os.wakeup1(p.parent)

	t := &os.ptable
	for i := range t.procs {
		q := &t.procs[i]
		if q.State != StatusUnused && q.parent == p {
			q.parent = os.initproc
			if q.State == StatusZombie {
				os.wakeup1(os.initproc)
			}
		}
	}
	p.State = StatusZombie
	log.WithField("pid", p.Pid).Debug("[PROC] exit: zombie")
}

// wait 等一个子进程退出，回收它并返回它的 pid。
// 没有子进程（或者自己被 kill 了）立即返回 ErrNoChildren。
func (os *OS) wait(c *Contextual) (int, error) {
	cur := c.proc
	os.ptable.acquire(c.cpu())
	for {
		havekids := false
		t := &os.ptable
		for i := range t.procs {
			p := &t.procs[i]
			if p.State == StatusUnused || p.parent != cur {
				continue
			}
			havekids = true
			if p.State == StatusZombie {
				pid := p.Pid
				os.freeProc(c.cpu(), p)
				os.ptable.release(c.cpu())
				log.WithFields(log.Fields{"parent": cur.Pid, "child": pid}).Debug("[PROC] wait: reaped")
				return pid, nil
			}
		}

		if !havekids || cur.killed.Load() {
			os.ptable.release(c.cpu())
			return 0, ErrNoChildren
		}

		os.sleep(c, cur)
	}
}

// kill 标记 pid 进程为 killed，睡着的线程都叫醒，让它们自己发现。
func (os *OS) kill(c *CPU, pid int) error {
	os.ptable.acquire(c)
	defer os.ptable.release(c)

	p := os.ptable.find(pid)
	if p == nil {
		return fmt.Errorf("kill %d: %w", pid, ErrNoProcess)
	}
	p.killed.Store(true)
	for i := range p.threads {
		if th := &p.threads[i]; th.State == StatusSleeping {
			th.State = StatusRunnable
		}
	}
	if p.State == StatusSleeping {
		p.State = StatusRunnable
	}
	log.WithField("pid", pid).Debug("[PROC] kill")
	return nil
}

// getLevel 返回当前进程所在的层
func (os *OS) getLevel(c *Contextual) (int, error) {
	if c.proc == nil {
		return 0, ErrNoProcess
	}
	os.ptable.acquire(c.cpu())
	defer os.ptable.release(c.cpu())
	return c.proc.level, nil
}

// setPriority 设置 pid 的 priority。不合法的输入只记日志。
func (os *OS) setPriority(c *CPU, pid, priority int) {
	if priority < 0 || priority > MaxPriority {
		log.WithFields(log.Fields{"pid": pid, "priority": priority}).Warn("[MLFQ] setPriority: invalid priority")
		return
	}
	os.ptable.acquire(c)
	defer os.ptable.release(c)
	p := os.ptable.find(pid)
	if p == nil {
		log.WithField("pid", pid).Warn("[MLFQ] setPriority: no such process")
		return
	}
	p.priority = priority
}

// setLevel 把 pid 强行挪到 level 层队尾（调试用），时间片清零
func (os *OS) setLevel(c *CPU, pid, level int) {
	if level < 0 || level >= os.cfg.NQueue {
		log.WithFields(log.Fields{"pid": pid, "level": level}).Warn("[MLFQ] setLevel: invalid level")
		return
	}
	os.ptable.acquire(c)
	defer os.ptable.release(c)
	p := os.ptable.find(pid)
	if p == nil {
		log.WithField("pid", pid).Warn("[MLFQ] setLevel: no such process")
		return
	}
	p.quantum = 0
	os.ptable.move(c, p, level, false)
}

// setMemoryLimit 限制 pid 的内存大小。limit 为 0 表示不限；小于当前大小或为负失败。
func (os *OS) setMemoryLimit(c *CPU, pid, limit int) error {
	if limit < 0 {
		return fmt.Errorf("setmemorylimit %d: negative limit: %w", pid, ErrLimit)
	}
	os.ptable.acquire(c)
	defer os.ptable.release(c)
	p := os.ptable.find(pid)
	if p == nil {
		return fmt.Errorf("setmemorylimit %d: %w", pid, ErrNoProcess)
	}
	if limit != 0 && p.sz > uint64(limit) {
		return fmt.Errorf("setmemorylimit %d: %d below current size %d: %w", pid, limit, p.sz, ErrLimit)
	}
	p.limit = uint64(limit)
	return nil
}

// growproc 把当前进程的内存增减 n 字节，返回原来的大小。
// 有限制时最多长到限制为止。
func (os *OS) growproc(c *Contextual, n int) (uint64, error) {
	p := c.proc
	os.ptable.acquire(c.cpu())
	defer os.ptable.release(c.cpu())

	sz := p.sz
	if n < 0 && uint64(-n) > sz {
		return sz, fmt.Errorf("sbrk %d: %w", n, ErrNoMem)
	}
	newsz := uint64(int64(sz) + int64(n))
	if n > 0 && p.limit != 0 && newsz > p.limit {
		log.WithFields(log.Fields{"pid": p.Pid, "limit": p.limit, "want": newsz}).
			Warn("[PROC] growproc: trying to exceed limit, growing till limit")
		newsz = p.limit
	}
	switch {
	case n > 0:
		grown, err := p.as.Alloc(sz, newsz)
		if err != nil {
			return sz, fmt.Errorf("sbrk %d: %v: %w", n, err, ErrNoMem)
		}
		newsz = grown
	case n < 0:
		newsz = p.as.Dealloc(sz, newsz)
	}
	p.sz = newsz
	return sz, nil
}

// setStackSize 设置之后创建的线程的用户栈页数
func (os *OS) setStackSize(c *Contextual, pages int) error {
	if pages <= 0 {
		return fmt.Errorf("stack size %d: %w", pages, ErrLimit)
	}
	os.ptable.acquire(c.cpu())
	c.proc.stackPages = pages
	os.ptable.release(c.cpu())
	return nil
}

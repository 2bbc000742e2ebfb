package sham

import (
	"github.com/cdfmlr/sham-lwp/internal/swtch"
	log "github.com/sirupsen/logrus"
)

// ptable 是进程表：定长的 PCB 数组、每层一个就绪队列，都由同一把锁保护。
// 除了 sleep 的交接，持锁期间不允许阻塞。
type ptable struct {
	lock   spinlock
	procs  []Process
	queues []runQueue
}

// init 按配置的容量建好进程表，所有槽都是 Unused，队列都是空的
func (t *ptable) init(cfg *Config) {
	t.lock.name = "ptable"
	t.procs = make([]Process, cfg.NProc)
	t.queues = newRunQueues(cfg.NQueue)
	for i := range t.procs {
		p := &t.procs[i]
		p.slot = i
		p.threads = make([]Thread, cfg.NThread)
		p.resetLinks()
	}
}

func (t *ptable) acquire(c *CPU) { t.lock.acquire(c) }

func (t *ptable) release(c *CPU) { t.lock.release(c) }

// assertLocked 要求锁在 c 手里，别的 CPU 持锁也不行
func (t *ptable) assertLocked(c *CPU, where string) {
	if !t.lock.holding(c) {
		log.WithFields(log.Fields{"where": where, "cpu": cpuId(c)}).Panic("[PTABLE] lock not held")
	}
}

func (p *Process) resetLinks() {
	p.queue, p.prev, p.next = nilIndex, nilIndex, nilIndex
}

// find 按 pid 找一个在用的进程。持锁调用。
func (t *ptable) find(pid int) *Process {
	if pid <= 0 {
		return nil
	}
	for i := range t.procs {
		p := &t.procs[i]
		if p.Pid == pid && p.State != StatusUnused {
			return p
		}
	}
	return nil
}

// allocProc 在进程表里找一个 Unused 的槽：标成 Embryo、分配 pid，
// 主线程占 0 号线程槽，MLFQ 字段取初值并排到 0 层队尾。
// 没有空槽返回 nil。c 持锁调用。
func (os *OS) allocProc(c *CPU) *Process {
	t := &os.ptable
	var p *Process
	for i := range t.procs {
		if t.procs[i].State == StatusUnused {
			p = &t.procs[i]
			break
		}
	}
	if p == nil {
		return nil
	}

	os.nextpid++
	p.Pid = os.nextpid
	p.State = StatusEmbryo
	p.limit = 0
	p.priority = MaxPriority
	p.level = 0
	p.quantum = 0
	p.active = 0
	p.killed.Store(false)
	p.files = make([]File, os.cfg.NOFile)
	os.allocThread(p)
	t.pushBack(c, 0, p)

	log.WithFields(log.Fields{"pid": p.Pid, "slot": p.slot}).Debug("[PTABLE] allocproc")
	return p
}

// freeProc 回收一个 Zombie（或者创建到一半失败的）进程：
// 释放所有线程的内核栈和上下文、地址空间，摘出队列，字段回到 Unused 的默认值。c 持锁调用。
func (os *OS) freeProc(c *CPU, p *Process) {
	for i := range p.threads {
		os.freeThread(&p.threads[i])
	}
	if p.as != nil {
		p.as.Free()
	}
	if p.queue != nilIndex {
		os.ptable.erase(c, p.queue, p)
	}
	p.Pid = 0
	p.State = StatusUnused
	p.Name = ""
	p.parent = nil
	p.as = nil
	p.sz = 0
	p.limit = 0
	p.stackPages = 0
	p.files = nil
	p.level, p.priority, p.quantum = 0, 0, 0
	p.killed.Store(false)
	p.active = 0
	p.cpu = nil
}

// freeThread 释放线程的内核栈和上下文，回到 Unused
func (os *OS) freeThread(th *Thread) {
	if th.State == StatusUnused {
		return
	}
	if th.kstack != 0 {
		os.mem.FreeKernelStack(th.kstack)
	}
	swtch.Release(th.context)
	*th = Thread{}
}

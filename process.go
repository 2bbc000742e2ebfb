package sham

import (
	"sync/atomic"

	"github.com/cdfmlr/sham-lwp/internal/swtch"
)

// Runnable 是进程要跑的程序。返回就等于调用了 Exit。
type Runnable func(c *Contextual)

// ThreadRoutine 是线程要跑的程序，arg 从线程的用户栈上取。返回就等于调用了 ThreadExit。
type ThreadRoutine func(c *Contextual, arg interface{}) interface{}

// ProcState 是进程和线程共用的状态
type ProcState int

const (
	StatusUnused ProcState = iota
	StatusEmbryo
	StatusSleeping
	StatusRunnable
	StatusRunning
	StatusZombie
)

var procStateNames = [...]string{
	StatusUnused:   "unused",
	StatusEmbryo:   "embryo",
	StatusSleeping: "sleep",
	StatusRunnable: "runble",
	StatusRunning:  "run",
	StatusZombie:   "zombie",
}

func (s ProcState) String() string {
	if s < 0 || int(s) >= len(procStateNames) {
		return "???"
	}
	return procStateNames[s]
}

// fakeReturnPC 是压在线程用户栈上的假返回地址
const fakeReturnPC = uint32(0xffffffff)

// nilIndex 是 run queue 链接里的「空」
const nilIndex = -1

// TrapFrame 是进入内核时保存下来的用户态现场
type TrapFrame struct {
	// Entry 是进程的入口（fork 时由父进程给出）
	Entry Runnable
	// Routine 非空时，这是一个 LWP 的入口，参数在 SP+WordSize
	Routine ThreadRoutine
	SP      uint64
	// Ret 是系统调用返回值寄存器，fork 的子进程里是 0
	Ret int
}

// Thread 线程 (TCB)：一个可以在 CPU 里跑的东西。
// 内核栈、trap frame、上下文都只放在这里，调度器直接操作被选中的线程。
type Thread struct {
	Tid   int
	State ProcState

	kstack  uint64
	tf      *TrapFrame
	context *swtch.Context
	chan_   interface{}
	retval  interface{}

	proc *Process // 所属进程，不持有
}

// Process 进程 (PCB)：集合了资源，持有若干个 Thread。
// 所有字段都在进程表锁的保护下。
type Process struct {
	Pid   int
	State ProcState
	Name  string

	parent     *Process
	as         AddressSpace
	sz         uint64
	limit      uint64 // 0 表示不限
	stackPages int
	files      []File

	// MLFQ
	level    int
	priority int
	quantum  int

	// run queue 链接，都是进程表下标
	queue int
	prev  int
	next  int

	// killed 会在不持锁的用户态被读，所以用原子量
	killed atomic.Bool

	threads []Thread
	active  int // 当前被指定为「活跃」的线程下标
	cpu     *CPU

	slot int
}

// liveThreads 返回还没结束（不是 Unused 也不是 Zombie）的线程个数
func (p *Process) liveThreads() int {
	n := 0
	for i := range p.threads {
		if s := p.threads[i].State; s != StatusUnused && s != StatusZombie {
			n++
		}
	}
	return n
}

// runnableThreads 返回 Runnable 的线程个数
func (p *Process) runnableThreads() int {
	n := 0
	for i := range p.threads {
		if p.threads[i].State == StatusRunnable {
			n++
		}
	}
	return n
}

// settle 根据线程的状态重新算出进程状态。只在进程没有被分派时调用。
// 有可跑的线程就是 Runnable，否则还有活着的就是 Sleeping；
// 全部结束的情况由 exit 路径负责，这里不动。
func (p *Process) settle() {
	switch {
	case p.runnableThreads() > 0:
		p.State = StatusRunnable
	case p.liveThreads() > 0:
		p.State = StatusSleeping
	}
}

// nextRunnableThread 从上一个活跃线程的下一个开始轮转地找 Runnable 的线程，
// 上一个活跃线程自己最后才看。没有返回 -1。
func (p *Process) nextRunnableThread() int {
	n := len(p.threads)
	for k := 1; k <= n; k++ {
		i := (p.active + k) % n
		if p.threads[i].State == StatusRunnable {
			return i
		}
	}
	return -1
}

// makeActive 指定 idx 为活跃线程。派发直接使用该线程自己的内核栈和上下文，不做拷贝。
func (p *Process) makeActive(idx int) *Thread {
	th := &p.threads[idx]
	if th.proc != p {
		panicf("thread proc inconsistent", map[string]interface{}{"pid": p.Pid, "tid": th.Tid})
	}
	p.active = idx
	return th
}

// makeInactive 取消 idx 的活跃指定。下标保留作为下次轮转的起点。
func (p *Process) makeInactive(idx int) {
	if p.active != idx {
		panicf("make inactive: not the active thread", map[string]interface{}{"pid": p.Pid, "idx": idx, "active": p.active})
	}
}

// allocThread 在 p 里找一个 Unused 的线程槽，标成 Embryo 并分配 tid
func (os *OS) allocThread(p *Process) (int, *Thread) {
	for i := range p.threads {
		th := &p.threads[i]
		if th.State == StatusUnused {
			os.nexttid++
			*th = Thread{
				Tid:   os.nexttid,
				State: StatusEmbryo,
				proc:  p,
			}
			return i, th
		}
	}
	return -1, nil
}

// threadIndex 返回 p 里 tid 对应的线程下标
func (p *Process) threadIndex(tid int) int {
	if tid <= 0 {
		return -1
	}
	for i := range p.threads {
		if p.threads[i].Tid == tid && p.threads[i].State != StatusUnused {
			return i
		}
	}
	return -1
}

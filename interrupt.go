package sham

import log "github.com/sirupsen/logrus"

// Interrupt 是代表中断的对象
type Interrupt struct {
	Typ     string
	Handler InterruptHandler
	Data    InterruptData
}

// InterruptData 是中断的数据
type InterruptData struct {
	Pid int
	Tid int
	// Call 是系统调用的内核部分，时钟中断没有
	Call func()
}

// InterruptHandler 是「中断处理程序」
type InterruptHandler func(os *OS, c *Contextual, data InterruptData)

// 所有支持的中断类型
const (
	ClockInterrupt   = "ClockInterrupt"
	SyscallInterrupt = "SyscallInterrupt"
)

// 中断类型与中断处理程序的映射
var interrupts = map[string]InterruptHandler{
	ClockInterrupt:   HandleClockInterrupt,
	SyscallInterrupt: HandleSyscallInterrupt,
}

// GetInterrupt 获取中断，即 Interrupt 对象。
// 操作系统处理中断请求的时候，通过这个工厂来获取中断。
func GetInterrupt(c *Contextual, typ string, call func()) Interrupt {
	return Interrupt{
		Typ:     typ,
		Handler: interrupts[typ],
		Data: InterruptData{
			Pid:  c.proc.Pid,
			Tid:  c.thread.Tid,
			Call: call,
		},
	}
}

// 下面是各种「中断处理程序」，即 InterruptHandler 的具体实现
// 这些「程序」打印的日志前面统一加 [INT] 标签

// HandleClockInterrupt 处理时钟中断：tick 加一，叫醒等 tick 的人。
// 让出 CPU 由 trap 在返回用户态之前做。
func HandleClockInterrupt(os *OS, c *Contextual, data InterruptData) {
	log.WithFields(log.Fields{"pid": data.Pid, "tid": data.Tid}).Trace("[INT] Handle ClockInterrupt")
	os.clockTick(c.cpu())
}

// HandleSyscallInterrupt 处理系统调用：在内核里跑 data.Call
func HandleSyscallInterrupt(os *OS, c *Contextual, data InterruptData) {
	log.WithFields(log.Fields{"pid": data.Pid, "tid": data.Tid}).Trace("[INT] Handle SyscallInterrupt")
	if data.Call != nil {
		data.Call()
	}
}

// trap 是用户态进入内核的唯一入口：
// 进来先看是不是被 kill 了，处理中断，时钟中断让出 CPU，出去之前再看一次。
func (os *OS) trap(c *Contextual, i Interrupt) {
	if i.Handler == nil {
		panicf("unknown interrupt", map[string]interface{}{"type": i.Typ, "pid": i.Data.Pid})
	}
	if c.proc.killed.Load() {
		os.exit(c)
	}

	i.Handler(os, c, i.Data)

	if c.proc.killed.Load() {
		os.exit(c)
	}
	if i.Typ == ClockInterrupt {
		os.yield(c)
	}
	if c.proc.killed.Load() {
		os.exit(c)
	}
}

// clockTick 时钟增长
// 这里模拟需要，所以是软的实现，而不是真的「硬件」时钟：
// 跑着的程序每 Commit 一次，或者 CPU 空闲的时候每过 IdleTick，算一个 tick。
func (os *OS) clockTick(c *CPU) {
	os.ptable.acquire(c)
	os.ticks++
	os.mlfq.ticks++
	os.wakeup1(&os.ticks)
	os.ptable.release(c)
}

package sham

import (
	"context"
	"fmt"

	"github.com/cdfmlr/sham-lwp/internal/tracing"
	log "github.com/sirupsen/logrus"
)

// Contextual 是程序运行的上下文：程序通过它发出系统调用。
// 每个线程有自己的一个，不要在线程之间传。
type Contextual struct {
	ctx    context.Context
	os     *OS
	proc   *Process
	thread *Thread
}

// cpu 是当前线程此刻所在的 CPU。切换之后可能变，所以每次都重新取。
func (c *Contextual) cpu() *CPU {
	return c.proc.cpu
}

// Context 返回机器启动时的 context
func (c *Contextual) Context() context.Context {
	return c.ctx
}

// syscall 把 call 包成一个系统调用中断，走 trap
func (c *Contextual) syscall(name string, call func()) {
	log.WithFields(log.Fields{
		"pid":     c.proc.Pid,
		"tid":     c.thread.Tid,
		"syscall": name,
	}).Trace("[SYSCALL]")
	c.os.trap(c, GetInterrupt(c, SyscallInterrupt, call))
}

// traced 是带 span 的 syscall
func (c *Contextual) traced(name string, call func() error) {
	c.syscall(name, func() {
		_, span := tracing.StartSpan(c.ctx, "sys."+name)
		span.WithAttributes(map[string]int{"pid": c.proc.Pid, "tid": c.thread.Tid})
		err := call()
		tracing.EndSpan(span, err)
	})
}

/********* 👇 SYSTEM CALLS 👇 ***************/

// Commit 提交一个 tick 的工作：发出时钟中断，可能被抢占。
func (c *Contextual) Commit() {
	c.os.trap(c, GetInterrupt(c, ClockInterrupt, nil))
}

// Fork 创建子进程，子进程从 child 开始跑。返回子进程的 pid。
func (c *Contextual) Fork(child Runnable) (pid int, err error) {
	c.traced("fork", func() error {
		pid, err = c.os.fork(c, child)
		return err
	})
	return pid, err
}

// Exit 结束当前进程，不返回
func (c *Contextual) Exit() {
	c.syscall("exit", func() { c.os.exit(c) })
}

// Wait 等一个子进程退出，返回它的 pid
func (c *Contextual) Wait() (pid int, err error) {
	c.traced("wait", func() error {
		pid, err = c.os.wait(c)
		return err
	})
	return pid, err
}

// Kill 杀掉 pid 进程
func (c *Contextual) Kill(pid int) (err error) {
	c.traced("kill", func() error {
		err = c.os.kill(c.cpu(), pid)
		return err
	})
	return err
}

// Yield 主动让出 CPU
func (c *Contextual) Yield() {
	c.syscall("yield", func() { c.os.yield(c) })
}

// GetLevel 返回当前进程所在的 MLFQ 层
func (c *Contextual) GetLevel() (level int, err error) {
	c.syscall("getlev", func() { level, err = c.os.getLevel(c) })
	return level, err
}

// SetPriority 设置 pid 进程的 priority (0..MaxPriority)
func (c *Contextual) SetPriority(pid, priority int) {
	c.syscall("setpriority", func() { c.os.setPriority(c.cpu(), pid, priority) })
}

// SetLevel 把 pid 进程挪到 level 层（调试用）
func (c *Contextual) SetLevel(pid, level int) {
	c.syscall("setlevel", func() { c.os.setLevel(c.cpu(), pid, level) })
}

// SchedulerLock 让当前进程独占调度。口令不对的话，当前进程会被杀掉。
func (c *Contextual) SchedulerLock(secret string) {
	c.syscall("schedulerLock", func() { c.os.schedulerLock(c, secret) })
}

// SchedulerUnlock 解除独占调度
func (c *Contextual) SchedulerUnlock(secret string) {
	c.syscall("schedulerUnlock", func() { c.os.schedulerUnlock(c, secret) })
}

// ThreadCreate 在当前进程里新建一个线程跑 routine(arg)，返回 tid
func (c *Contextual) ThreadCreate(routine ThreadRoutine, arg interface{}) (tid int, err error) {
	c.traced("thread_create", func() error {
		tid, err = c.os.threadCreate(c, routine, arg)
		return err
	})
	return tid, err
}

// ThreadJoin 等 tid 线程结束，返回它的 retval
func (c *Contextual) ThreadJoin(tid int) (retval interface{}, err error) {
	c.traced("thread_join", func() error {
		retval, err = c.os.threadJoin(c, tid)
		return err
	})
	return retval, err
}

// ThreadExit 结束当前线程，不返回
func (c *Contextual) ThreadExit(retval interface{}) {
	c.syscall("thread_exit", func() { c.os.threadExit(c, retval) })
}

// SetMemoryLimit 限制 pid 进程的内存字节数，0 表示不限
func (c *Contextual) SetMemoryLimit(pid, limit int) (err error) {
	c.syscall("setmemorylimit", func() { err = c.os.setMemoryLimit(c.cpu(), pid, limit) })
	return err
}

// GetPid 返回当前进程的 pid
func (c *Contextual) GetPid() (pid int) {
	c.syscall("getpid", func() { pid = c.proc.Pid })
	return pid
}

// Tid 返回当前线程的 tid
func (c *Contextual) Tid() int {
	return c.thread.Tid
}

// Sbrk 增减 n 字节内存，返回原来的大小
func (c *Contextual) Sbrk(n int) (addr uint64, err error) {
	c.syscall("sbrk", func() { addr, err = c.os.growproc(c, n) })
	return addr, err
}

// Sleep 睡 n 个 tick
func (c *Contextual) Sleep(n int) (err error) {
	c.syscall("sleep", func() { err = c.os.sleepTicks(c, n) })
	return err
}

// Uptime 返回开机以来的 tick 数
func (c *Contextual) Uptime() (ticks int) {
	c.syscall("uptime", func() {
		c.os.ptable.acquire(c.cpu())
		ticks = c.os.ticks
		c.os.ptable.release(c.cpu())
	})
	return ticks
}

// SetStackSize 设置之后创建的线程的用户栈页数
func (c *Contextual) SetStackSize(pages int) (err error) {
	c.syscall("setstacksize", func() { err = c.os.setStackSize(c, pages) })
	return err
}

// Write 往 fd 写 v
func (c *Contextual) Write(fd int, v interface{}) (err error) {
	c.syscall("write", func() {
		files := c.proc.files
		if fd < 0 || fd >= len(files) || files[fd] == nil {
			err = fmt.Errorf("write fd %d: %w", fd, ErrBadFd)
			return
		}
		w, ok := files[fd].(Writer)
		if !ok {
			err = fmt.Errorf("write fd %d: not writable: %w", fd, ErrBadFd)
			return
		}
		err = w.Write(v)
	})
	return err
}

/********* 👆 SYSTEM CALLS 👆 ***************/

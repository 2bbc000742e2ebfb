package sham

import (
	"context"
	"errors"
	"fmt"
	"io"
	sysos "os"
	"sync"
	"sync/atomic"

	"github.com/cdfmlr/sham-lwp/internal/idgen"
	"github.com/cdfmlr/sham-lwp/internal/swtch"
	"github.com/cdfmlr/sham-lwp/internal/tracing"
	log "github.com/sirupsen/logrus"
)

// Version 是这个「操作系统」的版本，出现在 trace 的 resource 里
const Version = "v0.2.0"

// ErrBooted 是对同一个 OS 第二次 Boot
var ErrBooted = errors.New("already booted")

// OS 是模拟的「操作系统」，一个持有并管理 CPU，内存、IO 设备的东西。
// 多核，进程表是所有 CPU 共享的，MLFQ 调度，支持 LWP。
type OS struct {
	cfg *Config

	mem        Memory
	console    *Console
	consoleOut io.Writer

	ptable   ptable
	mlfq     mlfq
	cpus     []*CPU
	initproc *Process

	// 下面这些由进程表锁保护
	nextpid int
	nexttid int
	ticks   int

	lockToken string
	lockHash  []byte

	bootId string
	ctx    context.Context
	wg     sync.WaitGroup

	booted   atomic.Bool
	halted   atomic.Bool
	initDone atomic.Bool
	haltCh   chan struct{}
	haltOnce sync.Once
	crash    atomic.Pointer[KernelPanic]
}

// NewOS 构建一个「操作系统」。
// 新的操作系统有自己控制的 CPU、内存、控制台，进程表是空的，等 Boot 放进 init。
func NewOS(opts ...Option) (*OS, error) {
	os := &OS{
		cfg:        DefaultConfig(),
		consoleOut: sysos.Stdout,
		ctx:        context.Background(),
		haltCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(os)
	}
	if err := os.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	setupLogger(os.cfg.Log)

	token, hash, err := issueLockToken(os.cfg.LockSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to issue scheduler lock token: %w", err)
	}
	os.lockToken, os.lockHash = token, hash

	if os.mem == nil {
		os.mem = NewMemory(os.cfg.PageSize, os.cfg.MemPages)
	}
	os.console = NewConsole(os.consoleOut)
	os.ptable.init(os.cfg)
	for i := 0; i < os.cfg.NCPU; i++ {
		os.cpus = append(os.cpus, &CPU{Id: i})
	}
	os.bootId = idgen.New()
	return os, nil
}

// Config 返回生效的配置
func (os *OS) Config() Config {
	return *os.cfg
}

// BootId 是这台机器的唯一标识
func (os *OS) BootId() string {
	return os.bootId
}

// Console 返回控制台设备
func (os *OS) Console() *Console {
	return os.console
}

// Boot 启动操作系统：放进 init 进程，每个 CPU 跑起调度器。
// init 返回标志着操作系统的退出，也就是关机；ctx 取消也会关机。
// 内核 panic 时返回 *KernelPanic。
func (os *OS) Boot(ctx context.Context, init Runnable) error {
	if !os.booted.CompareAndSwap(false, true) {
		return ErrBooted
	}
	logger := log.WithField("boot", os.bootId)

	if tc := os.cfg.Tracing; tc.Enabled {
		if err := tracing.Init(tc.ServiceName, Version, tc.Output); err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
	}
	ctx, span := tracing.StartSpan(ctx, "os.boot")
	os.ctx = ctx

	if err := os.userinit(init); err != nil {
		tracing.EndSpan(span, err)
		return err
	}

	logger.WithField("ncpu", len(os.cpus)).Info("[OS] OS Boot: start scheduler")
	for _, c := range os.cpus {
		c.scheduler = swtch.Here(fmt.Sprintf("cpu%d", c.Id))
		os.wg.Add(1)
		go os.scheduler(ctx, c)
	}
	go func() {
		select {
		case <-ctx.Done():
			os.stop()
		case <-os.haltCh:
		}
	}()

	os.wg.Wait()
	os.shutdown()

	var err error
	switch kp := os.crash.Load(); {
	case kp != nil:
		err = kp
	case ctx.Err() != nil && !os.initDone.Load():
		err = ctx.Err()
	}
	tracing.EndSpan(span, err)

	if err != nil {
		logger.WithError(err).Warn("[OS] Shutdown OS.")
	} else {
		logger.Info("[OS] init returned. Shutdown OS.")
	}
	return err
}

// stopping 报告调度器是否该停了
func (os *OS) stopping(ctx context.Context) bool {
	return os.halted.Load() || ctx.Err() != nil
}

// stop 让所有 CPU 在下一个调度点停下
func (os *OS) stop() {
	os.halted.Store(true)
	os.haltOnce.Do(func() { close(os.haltCh) })
}

// halt 是 init 的返回：关机。当前线程再也不会被派发。
func (os *OS) halt(c *Contextual) {
	os.ptable.acquire(c.cpu())
	os.initDone.Store(true)
	os.stop()
	c.thread.State = StatusSleeping
	c.proc.settle()
	log.WithField("pid", c.proc.Pid).Debug("[OS] halt")
	os.sched(c)
	panicf("halted thread resumed", map[string]interface{}{"pid": c.proc.Pid})
}

// shutdown 在所有 CPU 都停下之后，放掉还停着的线程上下文
func (os *OS) shutdown() {
	os.ptable.acquire(anonCPU)
	defer os.ptable.release(anonCPU)
	n := 0
	for i := range os.ptable.procs {
		p := &os.ptable.procs[i]
		for j := range p.threads {
			if th := &p.threads[j]; th.context != nil && !th.context.Released() {
				swtch.Release(th.context)
				n++
			}
		}
	}
	for _, c := range os.cpus {
		swtch.Release(c.scheduler)
	}
	log.WithField("contexts", n).Debug("[OS] shutdown: released parked contexts")
}

// recoverPanic 在 goroutine 的根上接住内核 panic：记下来，停机。
// 如果 panic 的时候 cpu 持有进程表锁，替它放掉；它的调度器上下文也放掉，
// 那个 CPU 的 goroutine 就能退出了。
func (os *OS) recoverPanic(where string, cpu func() *CPU) {
	r := recover()
	if r == nil {
		return
	}
	kp := &KernelPanic{Where: where, Value: panicValue(r)}
	os.crash.CompareAndSwap(nil, kp)
	log.WithError(kp).Error("[OS] kernel panic")
	os.stop()

	c := cpu()
	if c == nil {
		return
	}
	if l := &os.ptable.lock; l.holding(c) {
		l.holder.Store(nil)
		l.mu.Unlock()
	}
	swtch.Release(c.scheduler)
}

func panicValue(r interface{}) interface{} {
	if e, ok := r.(*log.Entry); ok {
		return fmt.Sprintf("%s %v", e.Message, e.Data)
	}
	return r
}

// forkret 是新线程第一次被调度时跑的东西：
// 从调度器那里带着进程表锁过来，先把锁放了，再「返回」用户态。
// 进程的程序返回等于 Exit，init 的程序返回就关机；线程的程序返回等于 ThreadExit。
func (os *OS) forkret(th *Thread) func() {
	return func() {
		p := th.proc
		c := &Contextual{ctx: os.ctx, os: os, proc: p, thread: th}
		defer os.recoverPanic(fmt.Sprintf("pid%d/tid%d", p.Pid, th.Tid), c.cpu)

		os.ptable.release(c.cpu())

		if p.killed.Load() {
			os.exit(c)
		}

		tf := th.tf
		if tf.Routine != nil {
			words, err := p.as.CopyIn(tf.SP, 2)
			if err != nil {
				panicf("forkret: bad user stack", map[string]interface{}{"pid": p.Pid, "tid": th.Tid, "sp": tf.SP, "err": err})
			}
			if words[0] != fakeReturnPC {
				panicf("forkret: bad return pc", map[string]interface{}{"pid": p.Pid, "tid": th.Tid, "pc": words[0]})
			}
			ret := tf.Routine(c, words[1])
			c.ThreadExit(ret)
		}

		tf.Entry(c)
		if p == os.initproc {
			os.halt(c)
		}
		c.Exit()
	}
}

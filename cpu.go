package sham

import (
	"sync"
	"sync/atomic"

	"github.com/cdfmlr/sham-lwp/internal/swtch"
	log "github.com/sirupsen/logrus"
)

// CPU 处理器：是一个模拟的「CPU」，背后是一个跑调度器循环的 goroutine。
// scheduler 是调度器自己的上下文，切到线程时保存在这里。
type CPU struct {
	Id int

	scheduler *swtch.Context
	proc      *Process
	thread    *Thread

	// Clock 是这个 CPU 做过的派发次数
	Clock uint
}

// anonCPU 是不在任何 CPU 上的调用者（诊断、测试）持锁时用的身份
var anonCPU = &CPU{Id: -1}

// spinlock 是进程表锁。
// 和 xv6 一样锁的持有者记的是 CPU 而不是 goroutine：
// 锁会跟着上下文切换在调度器和线程之间交接。
type spinlock struct {
	name   string
	mu     sync.Mutex
	holder atomic.Pointer[CPU]
}

func (l *spinlock) holding(c *CPU) bool {
	return c != nil && l.holder.Load() == c
}

func (l *spinlock) acquire(c *CPU) {
	if c == nil {
		log.WithField("lock", l.name).Panic("[LOCK] acquire: no cpu")
	}
	if c != anonCPU && l.holding(c) {
		log.WithFields(log.Fields{"lock": l.name, "cpu": c.Id}).Panic("[LOCK] acquire: already holding")
	}
	l.mu.Lock()
	l.holder.Store(c)
}

func (l *spinlock) release(c *CPU) {
	if !l.holding(c) {
		log.WithFields(log.Fields{"lock": l.name, "cpu": cpuId(c)}).Panic("[LOCK] release: not holding")
	}
	l.holder.Store(nil)
	l.mu.Unlock()
}

func cpuId(c *CPU) int {
	if c == nil {
		return -1
	}
	return c.Id
}

// panicf 是内核 panic：破坏了不变式，带上现场信息
func panicf(msg string, fields map[string]interface{}) {
	log.WithFields(fields).Panic("[PANIC] " + msg)
}

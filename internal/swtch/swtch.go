// Package swtch 提供上下文切换原语。
//
// 每个执行上下文背后是一个 goroutine，平时停在自己的 resume 信道上。
// Switch(from, to) 唤醒 to 并让调用者停在 from 上，直到别人再切回来。
// 同一时刻一组互相切换的上下文里只有一个在跑，就像一个 CPU 上只有一个寄存器组。
package swtch

import (
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Context 是一个保存下来的执行上下文
type Context struct {
	Name string

	resume chan struct{}
	dead   chan struct{}
	once   sync.Once
}

// New 新建一个上下文。entry 在第一次被 Switch 切入时才开始执行。
// entry 不应该返回：返回了 goroutine 就结束了，再也切不回来。
func New(name string, entry func()) *Context {
	c := newContext(name)
	go func() {
		if !c.park() {
			return
		}
		entry()
	}()
	return c
}

// Here 把调用者所在的 goroutine 包装成一个上下文（不会新开 goroutine），
// 调度器循环用它来保存自己。
func Here(name string) *Context {
	return newContext(name)
}

func newContext(name string) *Context {
	return &Context{
		Name:   name,
		resume: make(chan struct{}),
		dead:   make(chan struct{}),
	}
}

// park 停下等待被切入。被 Release 时返回 false。
func (c *Context) park() bool {
	select {
	case <-c.resume:
		return true
	case <-c.dead:
		return false
	}
}

// Released 报告 c 是否已被释放
func (c *Context) Released() bool {
	select {
	case <-c.dead:
		return true
	default:
		return false
	}
}

// Switch 保存当前上下文 from，恢复 to。
// 返回意味着有人又切回了 from。如果 from 在停着时被 Release，调用者所在的 goroutine 直接退出。
func Switch(from, to *Context) {
	select {
	case to.resume <- struct{}{}:
	case <-to.dead:
		log.WithFields(log.Fields{
			"from": from.Name,
			"to":   to.Name,
		}).Panic("[SWTCH] switch to a released context")
	}
	if !from.park() {
		runtime.Goexit()
	}
}

// Release 丢弃上下文 c。停在 c 上的 goroutine 会退出；正在跑的会在下次停下时退出。
// 重复 Release 是安全的。
func Release(c *Context) {
	if c == nil {
		return
	}
	c.once.Do(func() { close(c.dead) })
}

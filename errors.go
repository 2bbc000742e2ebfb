package sham

import (
	"errors"
	"fmt"
)

// 可恢复的错误：系统调用失败，共享状态不变
var (
	ErrNoProcess    = errors.New("no such process")
	ErrNoChildren   = errors.New("no children")
	ErrNoMem        = errors.New("out of memory")
	ErrNoProcSlot   = errors.New("process table full")
	ErrNoThreadSlot = errors.New("thread table full")
	ErrBadThread    = errors.New("no such thread")
	ErrKilled       = errors.New("killed")
	ErrLimit        = errors.New("memory limit")
	ErrBadFd        = errors.New("bad file descriptor")
)

// KernelPanic 是不可恢复的错误：某个内部不变式被破坏了，整个机器停下。
type KernelPanic struct {
	Where string
	Value interface{}
}

func (k *KernelPanic) Error() string {
	return fmt.Sprintf("kernel panic in %s: %v", k.Where, k.Value)
}

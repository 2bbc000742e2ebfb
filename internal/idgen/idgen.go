// Package idgen 生成 uuid：机器的 boot id，随机发的调度锁口令。
package idgen

import "github.com/google/uuid"

// NewFunc 是真正干活的函数，测试里可以换掉它拿到固定的 id
var NewFunc = func() string { return uuid.New().String() }

// New 返回一个新的 uuid 字符串
func New() string { return NewFunc() }

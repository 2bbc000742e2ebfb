package sham

import (
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// File 是进程持有的打开资源句柄。
// 文件层是外部协作者，内核只负责在 fork 时 Dup、在 exit 时 Close。
type File interface {
	Dup() File
	Close() error
}

// Writer 是可以往里写东西的 File
type Writer interface {
	File
	Write(v interface{}) error
}

// Console 是控制台设备：写进来的东西一行一行打到 out 上。
// Inspired by *nix /dev/console。引用计数，所有人 Close 完之后就关了。
type Console struct {
	Id string
	sync.Mutex

	out  io.Writer
	refs int
}

// NewConsole 新建控制台设备，初始引用数为 0
func NewConsole(out io.Writer) *Console {
	return &Console{Id: "console", out: out}
}

// Open 打开控制台，得到一个引用
func (c *Console) Open() File {
	c.Lock()
	defer c.Unlock()
	c.refs++
	return c
}

// Dup 增加引用
func (c *Console) Dup() File {
	return c.Open()
}

// Close 减少引用
func (c *Console) Close() error {
	c.Lock()
	defer c.Unlock()
	if c.refs <= 0 {
		return fmt.Errorf("console: close without open")
	}
	c.refs--
	return nil
}

// Refs 返回当前引用数
func (c *Console) Refs() int {
	c.Lock()
	defer c.Unlock()
	return c.refs
}

// Write 打印 v
func (c *Console) Write(v interface{}) error {
	c.Lock()
	defer c.Unlock()
	if c.refs <= 0 {
		return fmt.Errorf("console: write to closed device")
	}
	log.WithField("device", c.Id).Trace("[Device] write")
	_, err := fmt.Fprintln(c.out, "<STDOUT>", v)
	return err
}

package sham

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// ThreadInfo 是线程的快照
type ThreadInfo struct {
	Tid   int       `json:"tid" yaml:"tid"`
	State ProcState `json:"state" yaml:"state"`
	Chan  bool      `json:"sleeping_on_chan,omitempty" yaml:"sleeping_on_chan,omitempty"`
}

// ProcInfo 是进程的快照
type ProcInfo struct {
	Pid        int          `json:"pid" yaml:"pid"`
	Parent     int          `json:"parent" yaml:"parent"`
	Name       string       `json:"name" yaml:"name"`
	State      ProcState    `json:"state" yaml:"state"`
	Level      int          `json:"level" yaml:"level"`
	Priority   int          `json:"priority" yaml:"priority"`
	Quantum    int          `json:"quantum" yaml:"quantum"`
	Size       uint64       `json:"size" yaml:"size"`
	Limit      uint64       `json:"limit" yaml:"limit"`
	StackPages int          `json:"stack_pages" yaml:"stack_pages"`
	Killed     bool         `json:"killed" yaml:"killed"`
	Threads    []ThreadInfo `json:"threads" yaml:"threads"`
}

// RunnableThreads 数一下快照里可跑的线程
func (pi ProcInfo) RunnableThreads() int {
	n := 0
	for _, t := range pi.Threads {
		if t.State == StatusRunnable {
			n++
		}
	}
	return n
}

// Snapshot 返回所有在用进程的快照，按进程表顺序
func (os *OS) Snapshot() []ProcInfo {
	os.ptable.acquire(anonCPU)
	defer os.ptable.release(anonCPU)

	var ps []ProcInfo
	for i := range os.ptable.procs {
		p := &os.ptable.procs[i]
		if p.State == StatusUnused {
			continue
		}
		pi := ProcInfo{
			Pid:        p.Pid,
			Name:       p.Name,
			State:      p.State,
			Level:      p.level,
			Priority:   p.priority,
			Quantum:    p.quantum,
			Size:       p.sz,
			Limit:      p.limit,
			StackPages: p.stackPages,
			Killed:     p.killed.Load(),
		}
		if p.parent != nil {
			pi.Parent = p.parent.Pid
		}
		for j := range p.threads {
			th := &p.threads[j]
			if th.State == StatusUnused {
				continue
			}
			pi.Threads = append(pi.Threads, ThreadInfo{Tid: th.Tid, State: th.State, Chan: th.chan_ != nil})
		}
		ps = append(ps, pi)
	}
	return ps
}

// Queues 返回每一层就绪队列里的 pid，按队列顺序
func (os *OS) Queues() [][]int {
	os.ptable.acquire(anonCPU)
	defer os.ptable.release(anonCPU)

	qs := make([][]int, len(os.ptable.queues))
	for level := range qs {
		qs[level] = os.ptable.queuePids(level)
	}
	return qs
}

// SchedulerLockHolder 返回持有独占调度锁的 pid，没有是 0
func (os *OS) SchedulerLockHolder() int {
	os.ptable.acquire(anonCPU)
	defer os.ptable.release(anonCPU)
	return os.mlfq.holder
}

// Ticks 返回开机以来的 tick 数
func (os *OS) Ticks() int {
	os.ptable.acquire(anonCPU)
	defer os.ptable.release(anonCPU)
	return os.ticks
}

// PrintProcList 把进程列表打成一张表
func (os *OS) PrintProcList(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tSTATE\tRUNNABLE\tSTACK\tSIZE\tLIMIT\tLEVEL\tPRIO\tQUANTUM\tNAME")
	for _, p := range os.Snapshot() {
		limit := "-"
		if p.Limit != 0 {
			limit = fmt.Sprint(p.Limit)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\t%d\t%d\t%d\t%s\n",
			p.Pid, p.State, p.RunnableThreads(), p.StackPages, p.Size, limit,
			p.Level, p.Priority, p.Quantum, p.Name)
	}
	return tw.Flush()
}

// DumpProcList 把进程列表写到 URL（任何 afs 支持的地址，包括本地路径）
func (os *OS) DumpProcList(ctx context.Context, URL string) error {
	var buf bytes.Buffer
	if err := os.PrintProcList(&buf); err != nil {
		return err
	}
	fs := afs.New()
	if err := fs.Upload(ctx, URL, file.DefaultFileOsMode, &buf); err != nil {
		return fmt.Errorf("failed to dump proc list to %s: %w", URL, err)
	}
	return nil
}

package sham

import (
	"fmt"
	"strings"
)

// runQueue 是一层 MLFQ 的就绪队列：进程表上的侵入式双向链表。
// 链接（Process.queue/prev/next）都是进程表下标，nilIndex 表示空。
// 不变式：size 等于从 front 走到底的结点数；front、back 为空当且仅当 size == 0。
type runQueue struct {
	level int
	front int
	back  int
	size  int
}

func newRunQueues(n int) []runQueue {
	qs := make([]runQueue, n)
	for i := range qs {
		qs[i] = runQueue{level: i, front: nilIndex, back: nilIndex}
	}
	return qs
}

// 下面这些是 run queue 仅有的修改者，调用方 c 必须持有进程表锁，这里不再加锁。

func (t *ptable) at(i int) *Process {
	if i == nilIndex {
		return nil
	}
	return &t.procs[i]
}

// pushBack 把 p 放到 level 队尾。p 已经在某个队列里是致命错误。
func (t *ptable) pushBack(c *CPU, level int, p *Process) {
	t.assertLocked(c, "pushqueue")
	if p.queue != nilIndex {
		panicf("pushqueue: already enqueued", map[string]interface{}{"pid": p.Pid, "queue": p.queue, "level": level})
	}
	q := &t.queues[level]
	p.queue = level
	p.prev = q.back
	p.next = nilIndex
	if q.back == nilIndex {
		q.front = p.slot
	} else {
		t.procs[q.back].next = p.slot
	}
	q.back = p.slot
	q.size++
}

// pushFront 把 p 放到 level 队头
func (t *ptable) pushFront(c *CPU, level int, p *Process) {
	t.assertLocked(c, "pushfrontqueue")
	if p.queue != nilIndex {
		panicf("pushfrontqueue: already enqueued", map[string]interface{}{"pid": p.Pid, "queue": p.queue, "level": level})
	}
	q := &t.queues[level]
	p.queue = level
	p.prev = nilIndex
	p.next = q.front
	if q.front == nilIndex {
		q.back = p.slot
	} else {
		t.procs[q.front].prev = p.slot
	}
	q.front = p.slot
	q.size++
}

// erase 把 p 从 level 队列里摘掉。
// p 记录的队列不是 level，或者在链表上找不到 p，都说明链表坏了。
func (t *ptable) erase(c *CPU, level int, p *Process) {
	t.assertLocked(c, "erasequeue")
	if p.queue != level {
		panicf("erasequeue: wrong queue", map[string]interface{}{"pid": p.Pid, "queue": p.queue, "level": level})
	}
	q := &t.queues[level]
	found := false
	for i := q.front; i != nilIndex; i = t.procs[i].next {
		if i == p.slot {
			found = true
			break
		}
	}
	if !found {
		panicf("erasequeue: not in queue", map[string]interface{}{"pid": p.Pid, "level": level, "dump": t.dumpQueue(level)})
	}

	if p.prev == nilIndex {
		q.front = p.next
	} else {
		t.procs[p.prev].next = p.next
	}
	if p.next == nilIndex {
		q.back = p.prev
	} else {
		t.procs[p.next].prev = p.prev
	}
	p.queue, p.prev, p.next = nilIndex, nilIndex, nilIndex
	q.size--
}

// popFront 摘下并返回 level 队头，空队列返回 nil
func (t *ptable) popFront(c *CPU, level int) *Process {
	p := t.front(level)
	if p != nil {
		t.erase(c, level, p)
	}
	return p
}

// front 看一眼 level 队头
func (t *ptable) front(level int) *Process {
	return t.at(t.queues[level].front)
}

// move 把 p 挪到 level 的队头或队尾，不管它原来在哪
func (t *ptable) move(c *CPU, p *Process, level int, front bool) {
	if p.queue != nilIndex {
		t.erase(c, p.queue, p)
	}
	p.level = level
	if front {
		t.pushFront(c, level, p)
	} else {
		t.pushBack(c, level, p)
	}
}

// queuePids 按队列顺序返回 level 里的 pid
func (t *ptable) queuePids(level int) []int {
	var pids []int
	for i := t.queues[level].front; i != nilIndex; i = t.procs[i].next {
		pids = append(pids, t.procs[i].Pid)
	}
	return pids
}

func (t *ptable) dumpQueue(level int) string {
	q := t.queues[level]
	var sb strings.Builder
	fmt.Fprintf(&sb, "front %d / back %d / size %d:", q.front, q.back, q.size)
	for i, n := q.front, 0; i != nilIndex && n <= len(t.procs); i, n = t.procs[i].next, n+1 {
		p := &t.procs[i]
		fmt.Fprintf(&sb, " [pid=%d state=%s]", p.Pid, p.State)
	}
	return sb.String()
}

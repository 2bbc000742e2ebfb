// Package vm 是一个模拟的虚拟内存层：物理页帧池、用户地址空间、内核栈。
//
// 地址空间按页映射，页里存的是「对象」而不是字节：每个 8 字节对齐的地址
// 放一个任意值，和 sham 的 Memory []Object 一样。
package vm

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// WordSize 是一个内存单元占的字节数
const WordSize = 8

var (
	// ErrOutOfMemory 没有空闲的物理页帧了
	ErrOutOfMemory = errors.New("vm: out of physical memory")
	// ErrFault 访问了没有映射或者用户不可访问的地址
	ErrFault = errors.New("vm: page fault")
)

// Machine 持有物理页帧池，分配地址空间和内核栈
type Machine struct {
	mu       sync.Mutex
	pageSize uint64
	free     []uint64
	nframes  int
	current  *Space
}

// New 建一个有 nframes 个页帧、页大小为 pageSize 的机器
func New(pageSize uint64, nframes int) *Machine {
	m := &Machine{
		pageSize: pageSize,
		nframes:  nframes,
		free:     make([]uint64, 0, nframes),
	}
	for i := nframes - 1; i >= 0; i-- {
		m.free = append(m.free, uint64(i+1)*pageSize)
	}
	return m
}

// PageSize 返回页大小
func (m *Machine) PageSize() uint64 { return m.pageSize }

// FreeFrames 返回剩余空闲页帧数
func (m *Machine) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}

// kalloc 分一个页帧
func (m *Machine) kalloc() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.free) == 0 {
		return 0, ErrOutOfMemory
	}
	pa := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	return pa, nil
}

// kfree 还一个页帧
func (m *Machine) kfree(pa uint64) {
	if pa == 0 || pa%m.pageSize != 0 {
		log.WithField("pa", pa).Panic("[VM] kfree: bad frame")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = append(m.free, pa)
}

// AllocKernelStack 分配一个内核栈（一页）
func (m *Machine) AllocKernelStack() (uint64, error) {
	return m.kalloc()
}

// FreeKernelStack 释放内核栈
func (m *Machine) FreeKernelStack(pa uint64) {
	m.kfree(pa)
}

// NewSpace 建一个新的用户地址空间，并映射第一页（initcode 用）
func (m *Machine) NewSpace() (*Space, error) {
	s := &Space{
		m:     m,
		ptes:  map[uint64]*pte{},
		cells: map[uint64]interface{}{},
	}
	if _, err := s.Alloc(0, m.pageSize); err != nil {
		return nil, err
	}
	return s, nil
}

// Switch 切换当前使用的地址空间，nil 表示只用内核地址空间
func (m *Machine) Switch(s *Space) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

// Current 返回当前使用的地址空间
func (m *Machine) Current() *Space {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

type pte struct {
	pa   uint64
	user bool
}

// Space 是一个用户地址空间
type Space struct {
	mu    sync.Mutex
	m     *Machine
	ptes  map[uint64]*pte
	cells map[uint64]interface{}
	freed bool
}

func (s *Space) pgRoundUp(a uint64) uint64 {
	ps := s.m.pageSize
	return (a + ps - 1) / ps * ps
}

func (s *Space) pgRoundDown(a uint64) uint64 {
	return a / s.m.pageSize * s.m.pageSize
}

// Pages 返回已映射的页数
func (s *Space) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ptes)
}

// Alloc 把地址空间从 oldsz 长到 newsz，返回新大小。失败时回滚到 oldsz。
func (s *Space) Alloc(oldsz, newsz uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newsz < oldsz {
		return oldsz, nil
	}
	for a := s.pgRoundUp(oldsz); a < newsz; a += s.m.pageSize {
		pa, err := s.m.kalloc()
		if err != nil {
			log.WithFields(log.Fields{
				"oldsz": oldsz,
				"newsz": newsz,
			}).Warn("[VM] allocuvm out of memory")
			s.dealloc(a, oldsz)
			return 0, fmt.Errorf("alloc %d..%d: %w", oldsz, newsz, err)
		}
		s.ptes[a] = &pte{pa: pa, user: true}
	}
	return newsz, nil
}

// Dealloc 把地址空间从 oldsz 缩到 newsz，返回新大小
func (s *Space) Dealloc(oldsz, newsz uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dealloc(oldsz, newsz)
}

func (s *Space) dealloc(oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	for a := s.pgRoundUp(newsz); a < oldsz; a += s.m.pageSize {
		e, ok := s.ptes[a]
		if !ok {
			continue
		}
		s.m.kfree(e.pa)
		delete(s.ptes, a)
		for off := uint64(0); off < s.m.pageSize; off += WordSize {
			delete(s.cells, a+off)
		}
	}
	return newsz
}

// ClearUser 把 va 所在的页标成用户不可访问，用作栈下面的保护页
func (s *Space) ClearUser(va uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ptes[s.pgRoundDown(va)]
	if !ok {
		return fmt.Errorf("clearpteu %#x: %w", va, ErrFault)
	}
	e.user = false
	return nil
}

func (s *Space) checkUser(va uint64) error {
	if va%WordSize != 0 {
		return fmt.Errorf("unaligned %#x: %w", va, ErrFault)
	}
	e, ok := s.ptes[s.pgRoundDown(va)]
	if !ok || !e.user {
		return fmt.Errorf("user access %#x: %w", va, ErrFault)
	}
	return nil
}

// CopyOut 把 words 依次写到 va 开始的用户内存
func (s *Space) CopyOut(va uint64, words ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range words {
		if err := s.checkUser(va + uint64(i)*WordSize); err != nil {
			return err
		}
	}
	for i, w := range words {
		s.cells[va+uint64(i)*WordSize] = w
	}
	return nil
}

// CopyIn 从 va 开始读 n 个单元
func (s *Space) CopyIn(va uint64, n int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	words := make([]interface{}, n)
	for i := range words {
		a := va + uint64(i)*WordSize
		if err := s.checkUser(a); err != nil {
			return nil, err
		}
		words[i] = s.cells[a]
	}
	return words, nil
}

// Copy 复制前 sz 字节，得到一个新的地址空间（fork 用）。
// 保护页也照样复制（仍然不可访问）。
func (s *Space) Copy(sz uint64) (*Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &Space{
		m:     s.m,
		ptes:  map[uint64]*pte{},
		cells: map[uint64]interface{}{},
	}
	for a := uint64(0); a < sz; a += s.m.pageSize {
		e, ok := s.ptes[a]
		if !ok {
			log.WithField("va", a).Panic("[VM] copyuvm: page not present")
		}
		pa, err := s.m.kalloc()
		if err != nil {
			d.free()
			return nil, fmt.Errorf("copyuvm: %w", err)
		}
		d.ptes[a] = &pte{pa: pa, user: e.user}
		for off := uint64(0); off < s.m.pageSize; off += WordSize {
			if v, ok := s.cells[a+off]; ok {
				d.cells[a+off] = v
			}
		}
	}
	return d, nil
}

// Free 释放整个地址空间
func (s *Space) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free()
}

func (s *Space) free() {
	if s.freed {
		log.Panic("[VM] freevm: double free")
	}
	for a, e := range s.ptes {
		s.m.kfree(e.pa)
		delete(s.ptes, a)
	}
	s.cells = map[uint64]interface{}{}
	s.freed = true
}

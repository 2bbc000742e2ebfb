package sham

import "github.com/cdfmlr/sham-lwp/internal/vm"

// AddressSpace 是一个进程的用户地址空间（页表）。
// 虚拟内存层是外部协作者，内核只通过这些操作使用它。
// 内存单元里放的是「对象」（任意值），不是字节。
type AddressSpace interface {
	// Copy 复制前 sz 字节到一个新的地址空间 (copyuvm)
	Copy(sz uint64) (AddressSpace, error)
	// Alloc 从 oldsz 长到 newsz (allocuvm)，失败时自行回滚
	Alloc(oldsz, newsz uint64) (uint64, error)
	// Dealloc 从 oldsz 缩到 newsz (deallocuvm)
	Dealloc(oldsz, newsz uint64) uint64
	// ClearUser 让 va 所在页对用户不可访问 (clearpteu)
	ClearUser(va uint64) error
	CopyOut(va uint64, words ...interface{}) error
	CopyIn(va uint64, n int) ([]interface{}, error)
	// Free 释放整个地址空间 (freevm)
	Free()
}

// Memory 是虚拟内存层：分配地址空间、内核栈，切换页表。
type Memory interface {
	PageSize() uint64
	NewAddressSpace() (AddressSpace, error)
	AllocKernelStack() (uint64, error)
	FreeKernelStack(ks uint64)
	// Switch 切到 as 的页表；nil 切回内核页表
	Switch(as AddressSpace)
}

// NewMemory 用 internal/vm 建一个有 pages 个页帧的 Memory
func NewMemory(pageSize uint64, pages int) Memory {
	return &vmMemory{m: vm.New(pageSize, pages)}
}

type vmMemory struct {
	m *vm.Machine
}

func (v *vmMemory) PageSize() uint64 { return v.m.PageSize() }

func (v *vmMemory) NewAddressSpace() (AddressSpace, error) {
	s, err := v.m.NewSpace()
	if err != nil {
		return nil, err
	}
	return vmSpace{s}, nil
}

func (v *vmMemory) AllocKernelStack() (uint64, error) { return v.m.AllocKernelStack() }

func (v *vmMemory) FreeKernelStack(ks uint64) { v.m.FreeKernelStack(ks) }

func (v *vmMemory) Switch(as AddressSpace) {
	if s, ok := as.(vmSpace); ok {
		v.m.Switch(s.Space)
		return
	}
	v.m.Switch(nil)
}

type vmSpace struct {
	*vm.Space
}

func (s vmSpace) Copy(sz uint64) (AddressSpace, error) {
	d, err := s.Space.Copy(sz)
	if err != nil {
		return nil, err
	}
	return vmSpace{d}, nil
}

func pgRoundUp(a, pageSize uint64) uint64 {
	return (a + pageSize - 1) / pageSize * pageSize
}

// wordSize 是用户内存单元的大小
const wordSize = vm.WordSize

// Package kvmapi wraps the ioctl surface of Linux's /dev/kvm that this
// hypervisor actually uses: opening the control device, creating a VM and a
// single vCPU, registering guest memory, mapping the per-vCPU shared run
// region, and driving KVM_RUN.
package kvmapi

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request codes (linux/kvm.h). These are stable ABI constants,
// not probed at runtime.
const (
	ioctlGetAPIVersion       = 0xAE00
	ioctlCreateVM            = 0xAE01
	ioctlGetVCPUMmapSize     = 0xAE04
	ioctlCreateVCPU          = 0xAE41
	ioctlSetUserMemoryRegion = 0x4020AE46
	ioctlGetRegs             = 0x8090AE81
	ioctlSetRegs             = 0x4090AE82
	ioctlGetSregs            = 0x8138AE83
	ioctlSetSregs            = 0x4138AE84
	ioctlRun                 = 0xAE80
)

// Exit reasons reported in RunData.ExitReason (linux/kvm.h KVM_EXIT_*).
const (
	ExitUnknown       uint32 = 0
	ExitException     uint32 = 1
	ExitIO            uint32 = 2
	ExitHypercall     uint32 = 3
	ExitDebug         uint32 = 4
	ExitHLT           uint32 = 5
	ExitMMIO          uint32 = 6
	ExitIRQWindowOpen uint32 = 7
	ExitShutdown      uint32 = 8
	ExitFailEntry     uint32 = 9
	ExitIntr          uint32 = 10
	ExitInternalError uint32 = 17
)

// IO directions for RunData's embedded exit-IO payload.
const (
	IODirIn  uint8 = 0
	IODirOut uint8 = 1
)

// VMM is the process-wide handle on the host virtualization control
// device. It is opened once and shared read-only across every guest
// goroutine (C1 in the design).
type VMM struct {
	fd             *os.File
	vcpuSharedSize int
}

// Open acquires the host virtualization control channel and caches the
// per-vCPU shared-region size, so every later vCPU mmap can reuse it
// without a repeat ioctl.
func Open() (*VMM, error) {
	fd, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	size, err := ioctl(fd.Fd(), ioctlGetVCPUMmapSize, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	if size <= 0 {
		fd.Close()
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned %d", size)
	}

	return &VMM{fd: fd, vcpuSharedSize: int(size)}, nil
}

// VCPUSharedSize returns the byte size of the per-vCPU shared run region.
func (v *VMM) VCPUSharedSize() int { return v.vcpuSharedSize }

// Close releases the control channel. Safe to call once, after every guest
// using it has been torn down.
func (v *VMM) Close() error {
	return v.fd.Close()
}

// VM is a single KVM virtual machine: one guest-physical address space,
// currently mapped with exactly one memory slot (slot 0), and the vCPUs
// created against it.
type VM struct {
	fd  uintptr
	mem []byte
}

// CreateVM asks the kernel for a new VM object.
func (v *VMM) CreateVM() (*VM, error) {
	fd, err := ioctl(v.fd.Fd(), ioctlCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	return &VM{fd: fd}, nil
}

// MapGuestMemory allocates memSize bytes of host-shared, read/write/execute
// memory and registers it as guest-physical slot 0 starting at guest
// address 0. The returned slice *is* the guest's physical address space:
// mem[g] aliases guest-physical byte g.
func (vm *VM) MapGuestMemory(memSize uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(memSize),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	region := struct {
		Slot          uint32
		Flags         uint32
		GuestPhysAddr uint64
		MemorySize    uint64
		UserspaceAddr uint64
	}{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if _, err := ioctl(vm.fd, ioctlSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	vm.mem = mem
	return mem, nil
}

// Close unmaps guest memory and closes the VM file descriptor.
func (vm *VM) Close() error {
	if vm.mem != nil {
		unix.Munmap(vm.mem)
		vm.mem = nil
	}
	return unix.Close(int(vm.fd))
}

// VCPU is a single virtual CPU and its mmap'd shared run region.
type VCPU struct {
	fd      uintptr
	run     []byte
	RunData *RunData
}

// CreateVCPU creates vCPU 0 for vm and maps its shared run region, sized
// per the VMM's cached vcpu_shared_size.
func (vm *VM) CreateVCPU(vmm *VMM) (*VCPU, error) {
	fd, err := ioctl(vm.fd, ioctlCreateVCPU, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}

	run, err := unix.Mmap(int(fd), 0, vmm.vcpuSharedSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("mmap vcpu run region: %w", err)
	}

	return &VCPU{
		fd:      fd,
		run:     run,
		RunData: (*RunData)(unsafe.Pointer(&run[0])),
	}, nil
}

// Run issues KVM_RUN, blocking until the guest exits back to userspace.
func (c *VCPU) Run() error {
	_, err := ioctl(c.fd, ioctlRun, 0)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("KVM_RUN: %w", err)
	}
	return nil
}

// GetRegs reads the vCPU's general-purpose registers.
func (c *VCPU) GetRegs() (*Regs, error) {
	var regs Regs
	if _, err := ioctl(c.fd, ioctlGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	return &regs, nil
}

// SetRegs writes the vCPU's general-purpose registers.
func (c *VCPU) SetRegs(regs *Regs) error {
	if _, err := ioctl(c.fd, ioctlSetRegs, uintptr(unsafe.Pointer(regs))); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// GetSregs reads the vCPU's special (segment/control) registers.
func (c *VCPU) GetSregs() (*Sregs, error) {
	var sregs Sregs
	if _, err := ioctl(c.fd, ioctlGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	return &sregs, nil
}

// SetSregs writes the vCPU's special (segment/control) registers.
func (c *VCPU) SetSregs(sregs *Sregs) error {
	if _, err := ioctl(c.fd, ioctlSetSregs, uintptr(unsafe.Pointer(sregs))); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// Close unmaps the run region and closes the vCPU file descriptor.
func (c *VCPU) Close() error {
	if c.run != nil {
		unix.Munmap(c.run)
		c.run = nil
		c.RunData = nil
	}
	return unix.Close(int(c.fd))
}

func ioctl(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

package kvmapi

import "unsafe"

// Regs holds the x86-64 general-purpose registers (struct kvm_regs).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment is an x86 segment descriptor as KVM represents it in kvm_sregs.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Dtable is a descriptor-table pointer (GDT/IDT base+limit).
type Dtable struct {
	Base    uint64
	Limit   uint16
	_       [3]uint16
}

const numInterruptBits = 256

// Sregs holds the special (segment and control) registers (kvm_sregs).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [(numInterruptBits + 63) / 64]uint64
}

// exitIO mirrors the `struct kvm_run.io` union member.
type exitIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// exitInternalError mirrors `struct kvm_run.internal`.
type exitInternalError struct {
	Suberror uint32
	Ndata    uint32
	Data     [16]uint64
}

// RunData is the layout of the mmap'd per-vCPU shared region (struct
// kvm_run), trimmed to the fields this hypervisor reads: the exit reason
// and the union payload for IO and internal-error exits. The union itself
// is addressed by taking the address of exitDataUnion and reinterpreting
// it, exactly as the kernel's C union does.
type RunData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8

	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	Flags                      uint16

	CR8      uint64
	ApicBase uint64

	exitDataUnion [256]byte

	kvmValidRegs uint64
	kvmDirtyRegs uint64

	_ [2048]byte
}

// ExitIO returns the IO-exit payload for the current exit. Only valid
// when ExitReason == ExitIO.
func (r *RunData) ExitIO() (direction uint8, size uint8, port uint16, count uint32) {
	io := (*exitIO)(unsafe.Pointer(&r.exitDataUnion[0]))
	return io.Direction, io.Size, io.Port, io.Count
}

// IOData returns a live slice over the data buffer for the current IO
// exit, aliasing the mmap'd run region directly. Writes to this slice
// (for an IN exit) are visible to the guest on the next KVM_RUN; reads see
// exactly what the guest wrote (for an OUT exit).
func (r *RunData) IOData() []byte {
	_, size, _, _ := r.ExitIO()
	io := (*exitIO)(unsafe.Pointer(&r.exitDataUnion[0]))
	base := unsafe.Add(unsafe.Pointer(r), uintptr(io.DataOffset))
	return unsafe.Slice((*byte)(base), int(size))
}

// InternalErrorSuberror returns the kernel-reported suberror code for an
// ExitInternalError exit.
func (r *RunData) InternalErrorSuberror() uint32 {
	ie := (*exitInternalError)(unsafe.Pointer(&r.exitDataUnion[0]))
	return ie.Suberror
}

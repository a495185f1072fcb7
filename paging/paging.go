// Package paging builds the 4-level long-mode page tables and the flat
// segment/control-register state this hypervisor boots every guest into
// (design component C3). It knows nothing about KVM ioctls: it writes
// directly into a guest-physical memory view and fills in the CR3/CR4/CR0/
// EFER and segment-register fields of a kvmapi.Sregs for the caller to
// program.
package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/vlah02/miniHypervisor/kvmapi"
)

// Page/entry flag bits shared by PML4, PDPT, PD and PT entries.
const (
	flagPresent uint64 = 1 << 0
	flagRW      uint64 = 1 << 1
	flagUser    uint64 = 1 << 2
	flagPS      uint64 = 1 << 7 // PD entry: leaf maps a 2 MiB page, not a PT
)

const (
	size2MiB = 2 * 1024 * 1024
	size4KiB = 4 * 1024

	pml4Addr = 0x0000
	pdptAddr = 0x1000
	pdAddr   = 0x2000
	// firstPTAddr is where the first page table lands in 4 KiB mode, and
	// also where the guest image is loaded in 4 KiB mode: one PT covers
	// exactly one PD entry's worth (2 MiB) of address space at 4 KiB
	// granularity, so PTs and the image never overlap as long as the
	// image is loaded after all PTs have been allocated.
	firstPTAddr = 0x3000
)

// Mode selects 2 MiB leaf mappings in the page directory versus 4 KiB leaf
// mappings through per-entry page tables.
type Mode int

const (
	Mode2MiB Mode = iota
	Mode4KiB
)

// ParseMode maps the CLI's raw --page value to a Mode: 4 means 4 KiB
// pages, anything else (including an unrecognized value) means 2 MiB,
// matching the original's `(atoi(optarg) == 4) ? KB4 : MB2`.
func ParseMode(raw int) Mode {
	if raw == 4 {
		return Mode4KiB
	}
	return Mode2MiB
}

// View is a bounds-checked accessor over a guest's physical memory, used
// so paging setup never indexes mem[] with a raw, unchecked offset.
type View struct {
	mem []byte
}

// NewView wraps a guest memory slice for bounds-checked table writes.
func NewView(mem []byte) View { return View{mem: mem} }

func (v View) putU64(addr uint64, val uint64) error {
	if addr+8 > uint64(len(v.mem)) {
		return fmt.Errorf("paging: write at 0x%x exceeds guest memory (%d bytes)", addr, len(v.mem))
	}
	binary.LittleEndian.PutUint64(v.mem[addr:addr+8], val)
	return nil
}

// Build writes PML4/PDPT/PD (and, in 4 KiB mode, one PT per populated PD
// entry) into guest memory per §4.3, and returns the guest-physical
// address at which the guest image must be loaded.
func Build(mem []byte, memSize uint64, mode Mode) (startAddress uint64, err error) {
	if memSize%size2MiB != 0 {
		return 0, fmt.Errorf("paging: guest memory size %d is not a multiple of 2 MiB", memSize)
	}

	v := NewView(mem)

	if err := v.putU64(pml4Addr, flagPresent|flagRW|flagUser|pdptAddr); err != nil {
		return 0, err
	}
	if err := v.putU64(pdptAddr, flagPresent|flagRW|flagUser|pdAddr); err != nil {
		return 0, err
	}

	switch mode {
	case Mode2MiB:
		return buildLeafPages(v, memSize)
	default:
		return buildPageTables(v, memSize)
	}
}

// buildLeafPages populates PD with 2 MiB leaf mappings starting at the
// first 2 MiB boundary strictly above firstPTAddr (0x3000), per §4.3's
// "2 MiB mode" rule. The loop bound is mem_size/2MiB - 1: the original's
// boundary behavior (the last would-be page is never mapped) is preserved
// rather than fixed.
func buildLeafPages(v View, memSize uint64) (uint64, error) {
	base := (firstPTAddr/size2MiB + 1) * size2MiB

	pageAddr := uint64(base)
	entries := memSize/size2MiB - 1
	for i := uint64(0); i < entries; i++ {
		entry := flagPresent | flagRW | flagUser | flagPS | pageAddr
		if err := v.putU64(pdAddr+i*8, entry); err != nil {
			return 0, err
		}
		pageAddr += size2MiB
	}

	return uint64(base), nil
}

// buildPageTables populates PD with pointers to freshly bumped page
// tables starting at firstPTAddr, then fills each PT with 4 KiB leaf
// mappings, stopping as soon as the rolling physical address would exceed
// memSize. This mirrors the original's two-pass loop (and its
// under-population at non-2MiB-aligned sizes) exactly: the inner loop
// breaks on `page_address > mem_size`, it does not clamp j to the exact
// remaining count.
func buildPageTables(v View, memSize uint64) (uint64, error) {
	ptCount := memSize / size2MiB

	page := uint64(firstPTAddr)
	for i := uint64(0); i < ptCount; i++ {
		entry := flagPresent | flagRW | flagUser | page
		if err := v.putU64(pdAddr+i*8, entry); err != nil {
			return 0, err
		}
		page += size4KiB
	}

	pageAddress := uint64(firstPTAddr) + ptCount*size4KiB
	for i := uint64(0); i < ptCount; i++ {
		ptAddr := firstPTAddr + i*size4KiB
		for j := uint64(0); j < 512; j++ {
			if pageAddress > memSize {
				break
			}
			entry := pageAddress | flagPresent | flagRW | flagUser
			if err := v.putU64(ptAddr+j*8, entry); err != nil {
				return 0, err
			}
			pageAddress += size4KiB
		}
	}

	return firstPTAddr, nil
}

// ApplyLongMode programs CR3/CR4/CR0/EFER and the flat 64-bit code/data
// segments into sregs, per §4.3. It does not touch the GDT/IDT descriptor
// table pointers: this hypervisor runs a single flat code segment with no
// privilege transitions, so the in-memory GDT the original never builds
// either is simply left at KVM's default.
func ApplyLongMode(sregs *kvmapi.Sregs) {
	sregs.CR3 = pml4Addr
	sregs.CR4 |= crPAE
	sregs.CR0 |= cr0PE | cr0PG
	sregs.EFER |= eferLME | eferLMA

	code := kvmapi.Segment{
		Base:    0,
		Limit:   0xFFFFFFFF,
		Present: 1,
		Type:    11, // execute/read, accessed
		DPL:     0,
		DB:      0,
		S:       1,
		L:       1, // 64-bit code segment
		G:       1,
	}
	data := code
	data.Type = 3 // read/write, accessed

	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data
}

const (
	crPAE   uint64 = 1 << 5
	cr0PE   uint64 = 1 << 0
	cr0PG   uint64 = 1 << 31
	eferLME uint64 = 1 << 8
	eferLMA uint64 = 1 << 10
)

package paging

import (
	"encoding/binary"
	"testing"

	"github.com/vlah02/miniHypervisor/kvmapi"
)

func readU64(t *testing.T, mem []byte, addr uint64) uint64 {
	t.Helper()
	return binary.LittleEndian.Uint64(mem[addr : addr+8])
}

func TestBuildPML4AndPDPT(t *testing.T) {
	mem := make([]byte, 8*1024*1024)
	if _, err := Build(mem, uint64(len(mem)), Mode2MiB); err != nil {
		t.Fatalf("Build: %v", err)
	}

	pml4 := readU64(t, mem, pml4Addr)
	if pml4&flagPresent == 0 || pml4&flagRW == 0 || pml4&flagUser == 0 {
		t.Fatalf("PML4[0] missing PRESENT|RW|USER: got 0x%x", pml4)
	}
	if pml4&^0xFFF != pdptAddr {
		t.Fatalf("PML4[0] does not point at PDPT: got 0x%x", pml4)
	}

	pdpt := readU64(t, mem, pdptAddr)
	if pdpt&^0xFFF != pdAddr {
		t.Fatalf("PDPT[0] does not point at PD: got 0x%x", pdpt)
	}
}

func TestBuild2MiBModeLoopBound(t *testing.T) {
	// mem_size = 4 MiB: loop bound is mem_size/2MiB - 1 = 1, so exactly
	// one PD leaf is populated (§8 "2 MiB mode with mem_size = 4 MiB").
	mem := make([]byte, 4*1024*1024)
	start, err := Build(mem, uint64(len(mem)), Mode2MiB)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if start != size2MiB {
		t.Fatalf("start_address = 0x%x, want 0x%x", start, size2MiB)
	}

	pd0 := readU64(t, mem, pdAddr)
	if pd0&flagPresent == 0 || pd0&flagPS == 0 {
		t.Fatalf("PD[0] not a present 2 MiB leaf: got 0x%x", pd0)
	}
	pd1 := readU64(t, mem, pdAddr+8)
	if pd1&flagPresent != 0 {
		t.Fatalf("PD[1] should be unpopulated, got 0x%x", pd1)
	}
}

func TestBuild4KiBModeSmallest(t *testing.T) {
	// mem_size = 2 MiB: PD[0] populated, PT[0..511] populated.
	mem := make([]byte, 2*1024*1024)
	start, err := Build(mem, uint64(len(mem)), Mode4KiB)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if start != firstPTAddr {
		t.Fatalf("start_address = 0x%x, want 0x%x", start, firstPTAddr)
	}

	pd0 := readU64(t, mem, pdAddr)
	if pd0&flagPresent == 0 {
		t.Fatalf("PD[0] not present: got 0x%x", pd0)
	}
	if pd0&flagPS != 0 {
		t.Fatalf("PD[0] should not be a PS leaf in 4 KiB mode: got 0x%x", pd0)
	}

	ptAddr := pd0 &^ 0xFFF
	last := readU64(t, mem, ptAddr+511*8)
	if last&flagPresent == 0 {
		t.Fatalf("PT[511] not present: got 0x%x", last)
	}
}

func TestBuildRejectsUnalignedMemSize(t *testing.T) {
	mem := make([]byte, 3*1024*1024)
	if _, err := Build(mem, uint64(len(mem)), Mode2MiB); err == nil {
		t.Fatal("expected error for mem_size not a multiple of 2 MiB")
	}
}

func TestApplyLongMode(t *testing.T) {
	var sregs kvmapi.Sregs
	ApplyLongMode(&sregs)

	if sregs.CR3 != pml4Addr {
		t.Errorf("CR3 = 0x%x, want 0x%x", sregs.CR3, pml4Addr)
	}
	if sregs.CR4&crPAE == 0 {
		t.Error("CR4.PAE not set")
	}
	if sregs.CR0&(cr0PE|cr0PG) != cr0PE|cr0PG {
		t.Error("CR0.PE/PG not set")
	}
	if sregs.EFER&(eferLME|eferLMA) != eferLME|eferLMA {
		t.Error("EFER.LME/LMA not set")
	}
	if sregs.CS.L != 1 || sregs.CS.Type != 11 {
		t.Errorf("CS = %+v, want 64-bit code segment type 11", sregs.CS)
	}
	if sregs.DS.Type != 3 {
		t.Errorf("DS.Type = %d, want 3", sregs.DS.Type)
	}
	if sregs.SS != sregs.DS || sregs.ES != sregs.DS || sregs.FS != sregs.DS || sregs.GS != sregs.DS {
		t.Error("data segments are not all identical")
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		raw  int
		want Mode
	}{
		{2, Mode2MiB},
		{4, Mode4KiB},
		{0, Mode2MiB},
		{99, Mode2MiB},
	}
	for _, c := range cases {
		if got := ParseMode(c.raw); got != c.want {
			t.Errorf("ParseMode(%d) = %v, want %v", c.raw, got, c.want)
		}
	}
}

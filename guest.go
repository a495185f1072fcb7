package minihv

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/vlah02/miniHypervisor/devices"
	"github.com/vlah02/miniHypervisor/kvmapi"
	"github.com/vlah02/miniHypervisor/paging"
	"github.com/vlah02/miniHypervisor/pty"
)

// entryRIP and entryRFLAGS are the fixed register values every guest boots
// into (§4.4). rsp sits exactly at the top of the first 2 MiB page; guests
// that push before anything is mapped past that boundary depend on this.
const (
	entryRIP    uint64 = 0
	entryRSP    uint64 = 1 << 21
	entryRFLAGS uint64 = 2
)

// Debug gates the verbose per-exit tracing this package logs through the
// standard logger; the user-visible protocol lines (KVM_EXIT_HLT,
// Shutdown, Unknown exit reason N, ...) are always printed regardless.
var Debug bool

func debugf(format string, args ...any) {
	if Debug {
		log.Printf("minihv: "+format, args...)
	}
}

// Guest is one virtual machine: its vCPU, its guest-physical memory, and
// the device state (debug port, file protocol engine) wired to its I/O
// bus (design component "Guest" in §3).
type Guest struct {
	id int

	vm      *kvmapi.VM
	vcpu    *kvmapi.VCPU
	mem     []byte
	memSize uint64

	startAddress uint64
	mode         paging.Mode

	bus        *devices.IOBus
	debugChan  *pty.Pair
	debugPort  *devices.DebugPort
	fileEngine *devices.FileEngine
}

// NewGuest creates a VM and vCPU against vmm, builds its paging and
// register state, and wires its I/O bus. fileMutex must be the single
// mutex shared by every guest in the process (§4.7/§5).
func NewGuest(vmm *kvmapi.VMM, id int, memSize uint64, mode paging.Mode, fileMutex *sync.Mutex) (*Guest, error) {
	if memSize%(2*1024*1024) != 0 {
		return nil, newError(ConfigInvalid, "NewGuest", fmt.Errorf("memory size %d is not a multiple of 2 MiB", memSize))
	}

	vm, err := vmm.CreateVM()
	if err != nil {
		return nil, newError(HostProtocol, "CreateVM", err)
	}

	mem, err := vm.MapGuestMemory(memSize)
	if err != nil {
		vm.Close()
		return nil, newError(HostProtocol, "MapGuestMemory", err)
	}

	startAddress, err := paging.Build(mem, memSize, mode)
	if err != nil {
		vm.Close()
		return nil, newError(HostProtocol, "paging.Build", err)
	}

	vcpu, err := vm.CreateVCPU(vmm)
	if err != nil {
		vm.Close()
		return nil, newError(HostProtocol, "CreateVCPU", err)
	}

	sregs, err := vcpu.GetSregs()
	if err != nil {
		vcpu.Close()
		vm.Close()
		return nil, newError(HostProtocol, "GetSregs", err)
	}
	paging.ApplyLongMode(sregs)
	if err := vcpu.SetSregs(sregs); err != nil {
		vcpu.Close()
		vm.Close()
		return nil, newError(HostProtocol, "SetSregs", err)
	}

	regs, err := vcpu.GetRegs()
	if err != nil {
		vcpu.Close()
		vm.Close()
		return nil, newError(HostProtocol, "GetRegs", err)
	}
	*regs = kvmapi.Regs{RIP: entryRIP, RSP: entryRSP, RFLAGS: entryRFLAGS}
	if err := vcpu.SetRegs(regs); err != nil {
		vcpu.Close()
		vm.Close()
		return nil, newError(HostProtocol, "SetRegs", err)
	}

	debugChan, err := pty.Open()
	if err != nil {
		vcpu.Close()
		vm.Close()
		return nil, newError(HostProtocol, "pty.Open", err)
	}

	g := &Guest{
		id:           id,
		vm:           vm,
		vcpu:         vcpu,
		mem:          mem,
		memSize:      memSize,
		startAddress: startAddress,
		mode:         mode,
		debugChan:    debugChan,
		debugPort:    devices.NewDebugPort(debugChan.Master),
		fileEngine:   devices.NewFileEngine(id, fileMutex),
	}

	g.bus = devices.NewIOBus()
	g.bus.Register(g.debugPort, devices.DebugCharPort)
	g.bus.Register(g.fileEngine, devices.FilePort)

	debugf("guest %d: built, start_address=0x%x, mode=%v, debug pty=%s", id, startAddress, mode, debugChan.Path)
	return g, nil
}

// ID returns this guest's monotonically assigned id.
func (g *Guest) ID() int { return g.id }

// StartAddress returns the guest-physical address the image must be
// loaded at (§4.3).
func (g *Guest) StartAddress() uint64 { return g.startAddress }

// DebugPTYPath returns the pseudo-terminal slave path wired to this
// guest's debug port.
func (g *Guest) DebugPTYPath() string { return g.debugChan.Path }

// LoadImage copies the bytes at path into guest memory starting at
// StartAddress().
func (g *Guest) LoadImage(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return newError(ConfigInvalid, "LoadImage", err)
	}
	if g.startAddress+uint64(len(image)) > g.memSize {
		return newError(ConfigInvalid, "LoadImage",
			fmt.Errorf("image %q (%d bytes) does not fit in guest memory at 0x%x", path, len(image), g.startAddress))
	}
	copy(g.mem[g.startAddress:], image)
	return nil
}

// Run drives the vCPU until a terminal exit (§4.5): HLT/SHUTDOWN end the
// guest normally, an internal error or unrecognized exit reason end it
// with a GuestFault, and an I/O exit dispatches to the I/O bus and
// loops. The handler for one exit always runs to completion before the
// next KVM_RUN, so the guest observes synchronous device semantics.
func (g *Guest) Run() error {
	for {
		if err := g.vcpu.Run(); err != nil {
			return newError(HostProtocol, "KVM_RUN", err)
		}

		reason := g.vcpu.RunData.ExitReason
		switch reason {
		case kvmapi.ExitIO:
			if err := g.handleIO(); err != nil {
				debugf("guest %d: io handler error: %v", g.id, err)
			}
		case kvmapi.ExitHLT:
			fmt.Println("KVM_EXIT_HLT")
			return newError(GuestTerminated, "Run", nil)
		case kvmapi.ExitShutdown:
			fmt.Println("Shutdown")
			return newError(GuestTerminated, "Run", nil)
		case kvmapi.ExitInternalError:
			suberror := g.vcpu.RunData.InternalErrorSuberror()
			fmt.Printf("ERROR: Internal error: suberror = 0x%x\n", suberror)
			return newError(GuestFault, "Run", fmt.Errorf("internal error suberror 0x%x", suberror))
		default:
			fmt.Printf("Unknown exit reason %d\n", reason)
			return newError(GuestFault, "Run", fmt.Errorf("unknown exit reason %d", reason))
		}
	}
}

// handleIO routes one KVM_EXIT_IO exit to the registered port device,
// aliasing the live mmap'd data buffer so IN-direction writes reach the
// guest.
func (g *Guest) handleIO() error {
	direction, size, port, _ := g.vcpu.RunData.ExitIO()
	data := g.vcpu.RunData.IOData()
	return g.bus.Dispatch(port, direction, size, data)
}

// Close tears down everything this guest owns: the file engine (closing
// any files still open and releasing the file mutex if held), the debug
// pty, the vCPU, and the VM.
func (g *Guest) Close() {
	g.fileEngine.Close()
	g.debugChan.Close()
	g.vcpu.Close()
	g.vm.Close()
}

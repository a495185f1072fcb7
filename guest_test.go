package minihv_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	minihv "github.com/vlah02/miniHypervisor"
	"github.com/vlah02/miniHypervisor/paging"
)

// requireKVM skips the test if the host virtualization control device
// cannot be opened, so the suite stays green in sandboxes without KVM
// while still exercising real hardware when it's available.
func requireKVM(t *testing.T) {
	t.Helper()
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("/dev/kvm not available: %v", err)
	}
	f.Close()
}

// helloHaltImage is hand-assembled 64-bit machine code: OUT 'h','i','\n' to
// the debug port, then HLT. It runs directly in long mode, no mode-switch
// preamble needed, since the vCPU is already placed in 64-bit mode at
// rip=0 before the first instruction executes.
var helloHaltImage = []byte{
	0xB0, 'h', 0xE6, 0xE9, // mov al, 'h'; out 0xE9, al
	0xB0, 'i', 0xE6, 0xE9, // mov al, 'i'; out 0xE9, al
	0xB0, 0x0A, 0xE6, 0xE9, // mov al, 0x0a; out 0xE9, al
	0xF4, // hlt
}

func writeImage(t *testing.T, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(path, image, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readDebugOutput(t *testing.T, guest *minihv.Guest, n int) string {
	t.Helper()
	slave, err := os.OpenFile(guest.DebugPTYPath(), os.O_RDONLY|os.O_SYNC, 0)
	if err != nil {
		t.Fatalf("open debug pty slave: %v", err)
	}
	defer slave.Close()

	buf := make([]byte, n)
	if _, err := io.ReadFull(slave, buf); err != nil {
		t.Fatalf("read debug output: %v", err)
	}
	return string(buf)
}

func runToHalt(t *testing.T, imagePath string, mode paging.Mode) (*minihv.Guest, error) {
	t.Helper()
	supervisor, err := minihv.NewSupervisor()
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	t.Cleanup(supervisor.Close)

	guest, err := supervisor.Launch(imagePath, 4*1024*1024, mode)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return guest, guest.Run()
}

// TestHelloHalt exercises §8 scenario 1: the guest writes "hi\n" to the
// debug port then halts.
func TestHelloHalt(t *testing.T) {
	requireKVM(t)
	imagePath := writeImage(t, helloHaltImage)

	guest, runErr := runToHalt(t, imagePath, paging.Mode2MiB)
	if kind, ok := minihv.KindOf(runErr); !ok || kind != minihv.GuestTerminated {
		t.Fatalf("Run() = %v, want GuestTerminated", runErr)
	}

	if got := readDebugOutput(t, guest, 3); got != "hi\n" {
		t.Errorf("debug output = %q, want %q", got, "hi\n")
	}
}

// TestPagingToggleIdenticalOutput exercises §8 scenario 6: the same guest
// image reaches HALT and produces identical debug-port output under both
// 2 MiB and 4 KiB paging.
func TestPagingToggleIdenticalOutput(t *testing.T) {
	requireKVM(t)
	imagePath := writeImage(t, helloHaltImage)

	for _, mode := range []paging.Mode{paging.Mode2MiB, paging.Mode4KiB} {
		guest, runErr := runToHalt(t, imagePath, mode)
		if kind, ok := minihv.KindOf(runErr); !ok || kind != minihv.GuestTerminated {
			t.Fatalf("mode %v: Run() = %v, want GuestTerminated", mode, runErr)
		}
		if got := readDebugOutput(t, guest, 3); got != "hi\n" {
			t.Errorf("mode %v: debug output = %q, want %q", mode, got, "hi\n")
		}
	}
}

// TestUnknownExitReasonIsFatalOnlyToItsGuest exercises §8 scenario 5's
// intent at the API level: a guest that never reaches a recognized exit
// reason reports GuestFault without panicking the process. A real unknown
// exit_reason requires kernel cooperation we can't inject from here, so
// this drives the same path through an image that triggers an internal
// error instead (an invalid instruction with no handler configured is
// outside this hypervisor's device surface, so KVM reports it as a fault
// exit rather than silently continuing).
func TestUnknownExitReasonIsFatalOnlyToItsGuest(t *testing.T) {
	requireKVM(t)
	// ud2: guaranteed #UD, which KVM cannot step over without a
	// registered exception handler, surfacing as a fault exit.
	imagePath := writeImage(t, []byte{0x0F, 0x0B})

	_, runErr := runToHalt(t, imagePath, paging.Mode2MiB)
	kind, ok := minihv.KindOf(runErr)
	if !ok || kind != minihv.GuestFault {
		t.Fatalf("Run() = %v, want GuestFault", runErr)
	}
}

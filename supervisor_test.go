package minihv_test

import (
	"testing"

	minihv "github.com/vlah02/miniHypervisor"
	"github.com/vlah02/miniHypervisor/paging"
)

// TestRunAllIsolatesGuestFault exercises §8 scenario 5/C8 end to end through
// Supervisor.RunAll, not just Guest.Run: one guest halts normally, the other
// takes a #UD fault, and both run concurrently under the same mutex-sharing
// Supervisor the way nivoC's main() launches one thread per image.
func TestRunAllIsolatesGuestFault(t *testing.T) {
	requireKVM(t)
	goodImage := writeImage(t, helloHaltImage)
	badImage := writeImage(t, []byte{0x0F, 0x0B}) // ud2: guaranteed #UD

	supervisor, err := minihv.NewSupervisor()
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	good, err := supervisor.Launch(goodImage, 4*1024*1024, paging.Mode2MiB)
	if err != nil {
		t.Fatalf("Launch(good): %v", err)
	}
	if _, err := supervisor.Launch(badImage, 4*1024*1024, paging.Mode2MiB); err != nil {
		t.Fatalf("Launch(bad): %v", err)
	}

	errs := supervisor.RunAll()
	if len(errs) != 2 {
		t.Fatalf("RunAll returned %d results, want 2", len(errs))
	}

	// RunAll's results are positional, in launch order: good first, bad second.
	if kind, ok := minihv.KindOf(errs[0]); !ok || kind != minihv.GuestTerminated {
		t.Errorf("good guest result = %v, want GuestTerminated", errs[0])
	}
	if kind, ok := minihv.KindOf(errs[1]); !ok || kind != minihv.GuestFault {
		t.Errorf("bad guest result = %v, want GuestFault", errs[1])
	}

	if got := readDebugOutput(t, good, 3); got != "hi\n" {
		t.Errorf("good guest debug output = %q, want %q", got, "hi\n")
	}

	// Close must still release every guest (VM/vCPU fds, guest memory,
	// debug PTYs) even though one of them faulted instead of halting.
	supervisor.Close()
}

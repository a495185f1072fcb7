package minihv

import (
	"fmt"
	"os"
	"sync"

	"github.com/vlah02/miniHypervisor/kvmapi"
	"github.com/vlah02/miniHypervisor/paging"
)

// Supervisor launches every guest image given on the command line, each on
// its own goroutine, sharing one VMM handle and one file-protocol mutex
// (design component C8).
type Supervisor struct {
	vmm       *kvmapi.VMM
	fileMutex sync.Mutex
	nextID    int
	guests    []*Guest
}

// NewSupervisor opens the host virtualization control channel once, for
// every guest this process will run.
func NewSupervisor() (*Supervisor, error) {
	vmm, err := kvmapi.Open()
	if err != nil {
		return nil, newError(HostUnavailable, "kvmapi.Open", err)
	}
	return &Supervisor{vmm: vmm}, nil
}

// Launch builds a guest, loads imagePath into it, and assigns it the next
// id from this process's single monotonic counter (in the order Launch is
// called, i.e. the order image paths were given on the command line).
func (s *Supervisor) Launch(imagePath string, memSize uint64, mode paging.Mode) (*Guest, error) {
	id := s.nextID
	s.nextID++

	guest, err := NewGuest(s.vmm, id, memSize, mode, &s.fileMutex)
	if err != nil {
		return nil, err
	}
	if err := guest.LoadImage(imagePath); err != nil {
		guest.Close()
		return nil, err
	}

	s.guests = append(s.guests, guest)
	return guest, nil
}

// RunAll starts every launched guest's run loop on its own goroutine and
// waits for all of them to terminate; results are returned, and faults
// reported, in launch order. A per-guest error
// (GuestTerminated is the normal case, GuestFault the abnormal one) is
// reported but never aborts the other guests, matching §7's propagation
// policy.
func (s *Supervisor) RunAll() []error {
	var wg sync.WaitGroup
	errs := make([]error, len(s.guests))

	for i, guest := range s.guests {
		wg.Add(1)
		go func(i int, g *Guest) {
			defer wg.Done()
			errs[i] = g.Run()
		}(i, guest)
	}
	wg.Wait()

	for i, err := range errs {
		if kind, ok := KindOf(err); ok && kind == GuestFault {
			fmt.Fprintf(os.Stderr, "minihv: guest %d: %v\n", s.guests[i].ID(), err)
		}
	}
	return errs
}

// Close tears down every guest and the shared VMM handle. Call after
// RunAll returns.
func (s *Supervisor) Close() {
	for _, guest := range s.guests {
		guest.Close()
	}
	s.vmm.Close()
}

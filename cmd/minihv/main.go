// Command minihv boots one or more guest images, each in its own minimal
// virtual machine, and bridges their debug and file ports to the host.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	minihv "github.com/vlah02/miniHypervisor"
	"github.com/vlah02/miniHypervisor/paging"
	"github.com/spf13/cobra"
)

var (
	memoryMiB int
	pageKind  int
	guest     bool
	file      string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:   "minihv [flags] -- image [image...]",
	Short: "Run one or more guest images under KVM",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVarP(&memoryMiB, "memory", "m", 64, "guest memory in MiB (multiple of 2)")
	rootCmd.Flags().IntVarP(&pageKind, "page", "p", 2, "page size: 2 (2 MiB) or 4 (4 KiB); any other value is treated as 2")
	rootCmd.Flags().BoolVarP(&guest, "guest", "g", false, "marker introducing positional guest image paths")
	rootCmd.Flags().StringVar(&file, "file", "", "accepted and ignored by the core")
	rootCmd.Flags().BoolVarP(&debug, "debug", "v", false, "verbose per-exit tracing")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "minihv: %v\n", err)
		// run() only ever returns an error before any guest is launched
		// (flag validation, NewSupervisor, Launch) or after every guest
		// has already run; a per-guest GuestFault is reported on stderr
		// by RunAll and never surfaces here, so any error reaching this
		// point is by construction a startup failure and warrants exit 1.
		code := 1
		if kind, ok := minihv.KindOf(err); ok && !kind.IsStartupFailure() {
			code = 0
		}
		os.Exit(code)
	}
}

func run(cmd *cobra.Command, images []string) error {
	minihv.Debug = debug
	log.SetFlags(0)

	if len(images) == 0 {
		return errors.New("no guest image paths given (use --guest / -g before them)")
	}
	if memoryMiB <= 0 || memoryMiB%2 != 0 {
		return fmt.Errorf("--memory %d is not a positive multiple of 2", memoryMiB)
	}
	memSize := uint64(memoryMiB) * 1024 * 1024
	mode := paging.ParseMode(pageKind)

	supervisor, err := minihv.NewSupervisor()
	if err != nil {
		return err
	}
	defer supervisor.Close()

	for _, image := range images {
		if _, err := os.Stat(image); err != nil {
			return fmt.Errorf("guest image %q: %w", image, err)
		}
		if _, err := supervisor.Launch(image, memSize, mode); err != nil {
			return err
		}
	}

	// A guest's own fault is reported by RunAll, not returned here: exit
	// code 0 means every guest ran to completion, fault or not (§6).
	supervisor.RunAll()
	return nil
}

// Package cli holds the pieces shared by shockpkg's command-line
// front end: version reporting, the failure-exit helper, and the
// event printer that turns pmevents traffic into terminal output.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"

	"github.com/shockpkg-go/shockpkg/internal/pmevents"
)

// Version and Commit identify the binary; both are meant to be
// stamped at build time via -ldflags. The defaults mark a source
// build.
var (
	Version = "0.1.0-dev"
	Commit  = ""
)

// PrintVersion writes the binary's version line to w, as JSON when
// jsonOut is set.
func PrintVersion(w io.Writer, jsonOut bool) {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]string{
			"version": Version,
			"commit":  Commit,
			"go":      runtime.Version(),
			"os":      runtime.GOOS,
			"arch":    runtime.GOARCH,
		})
		return
	}
	fmt.Fprintf(w, "shockpkg %s", Version)
	if Commit != "" {
		fmt.Fprintf(w, " (%s)", Commit)
	}
	fmt.Fprintf(w, " %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// ExitWithError prints a failure the way every subcommand reports one
// and exits nonzero.
func ExitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "shockpkg: "+format+"\n", args...)
	os.Exit(1)
}

// EventPrinter renders Manager lifecycle events as terminal output:
// progress lines on Out, warnings on ErrOut, and extra per-stage
// detail when Verbose is set.
type EventPrinter struct {
	Out     io.Writer
	ErrOut  io.Writer
	Verbose bool
}

// NewEventPrinter builds an EventPrinter writing to stdout/stderr.
func NewEventPrinter(verbose bool) *EventPrinter {
	return &EventPrinter{Out: os.Stdout, ErrOut: os.Stderr, Verbose: verbose}
}

// Attach subscribes the printer to every event kind it renders.
// Handlers run inline during the operation that emits them, so output
// interleaves naturally with the subcommand's own prints.
func (p *EventPrinter) Attach(bus *pmevents.Bus) {
	bus.On(pmevents.KindDownloadBefore, func(e pmevents.Event) {
		if p.Verbose {
			fmt.Fprintf(p.Out, "downloading %s\n", e.Package)
		}
	})
	bus.On(pmevents.KindDownloadProgress, func(e pmevents.Event) {
		if e.Total > 0 && e.Amount == e.Total {
			fmt.Fprintf(p.Out, "  %s: %s\n", e.Package, humanize.Bytes(uint64(e.Total)))
		}
	})
	bus.On(pmevents.KindDownloadAfter, func(e pmevents.Event) {
		fmt.Fprintf(p.Out, "downloaded %s\n", e.Package)
	})
	bus.On(pmevents.KindExtractBefore, func(e pmevents.Event) {
		if p.Verbose {
			fmt.Fprintf(p.Out, "extracting %s\n", e.Package)
		}
	})
	bus.On(pmevents.KindExtractAfter, func(e pmevents.Event) {
		fmt.Fprintf(p.Out, "extracted %s\n", e.Package)
	})
	bus.On(pmevents.KindCleanupBefore, func(e pmevents.Event) {
		if p.Verbose {
			fmt.Fprintf(p.Out, "removing obsolete slot %s\n", e.Package)
		}
	})
	bus.On(pmevents.KindLockCompromised, func(e pmevents.Event) {
		fmt.Fprintln(p.ErrOut, "warning: installation lock was compromised")
	})
	bus.On(pmevents.KindCatalogError, func(e pmevents.Event) {
		fmt.Fprintf(p.ErrOut, "warning: catalog error: %v\n", e.Err)
	})
}

// Sessionf prints a session diagnostic line, only when verbose.
func (p *EventPrinter) Sessionf(format string, args ...any) {
	if p.Verbose {
		fmt.Fprintf(p.Out, "# "+format+"\n", args...)
	}
}

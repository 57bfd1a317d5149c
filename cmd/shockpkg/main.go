// Command shockpkg is the CLI front-end over internal/manager: one
// subcommand per Manager operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/shockpkg-go/shockpkg/internal/cli"
	"github.com/shockpkg-go/shockpkg/internal/manager"
	"github.com/shockpkg-go/shockpkg/internal/model"
	"github.com/shockpkg-go/shockpkg/internal/pmconfig"
	"github.com/shockpkg-go/shockpkg/internal/pmerr"
	"github.com/shockpkg-go/shockpkg/internal/pmlog"
)

func main() {
	var (
		showVersion bool
		jsonVersion bool
		verbose     bool
		debug       bool
	)
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.BoolVar(&jsonVersion, "json", false, "print --version output as JSON")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose session logging")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	if showVersion {
		cli.PrintVersion(os.Stdout, jsonVersion)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "help" {
		printUsage()
		return
	}

	printer := cli.NewEventPrinter(verbose || debug)

	log := pmlog.New(os.Stderr, debug)
	cfg := pmconfig.Load()
	printer.Sessionf("installation root is %s", cfg.Path)
	m := manager.New(cfg, log)
	printer.Attach(m.Events())

	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		cli.ExitWithError("failed to initialize: %v", err)
	}
	defer m.Destroy()

	command := args[0]
	rest := args[1:]

	switch command {
	case "update":
		handleUpdate(ctx, m)
	case "install":
		handleInstall(ctx, m, rest, false)
	case "install-full":
		handleInstall(ctx, m, rest, true)
	case "upgrade":
		handleUpgrade(ctx, m, false)
	case "upgrade-full":
		handleUpgrade(ctx, m, true)
	case "remove":
		handleRemove(m, rest)
	case "verify":
		handleVerify(m, rest)
	case "list":
		handleList(m)
	case "outdated":
		handleOutdated(m)
	case "obsolete":
		handleObsolete(m)
	case "cleanup":
		handleCleanup(m)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`shockpkg - local package manager for a curated catalog of binary archives

Usage: shockpkg [options] <command> [args...]

Commands:
  update                     Refresh the catalog from the manifest URL
  install <name>             Install a package (slim: streams nested archives)
  install-full <name>        Install a package and every ancestor in full
  upgrade                    Slim-upgrade every outdated package
  upgrade-full               Full-upgrade every outdated package
  remove <name>              Remove an installed package
  verify <name>              Recheck an installed package's size and hash
  list                       List installed packages
  outdated                   List installed packages that are no longer current
  obsolete                   List obsolete slot directories
  cleanup                    Remove scratch files and obsolete slots
  help                       Show this help

Options:
  -version                  Print version information and exit
  -json                     Print -version output as JSON
  -verbose                  Print per-stage progress and session detail
  -debug                    Enable debug logging

Environment:
  SHOCKPKG_PATH              Installation root (default: shockpkg)
  SHOCKPKG_PACKAGES_URL      Manifest URL
  SHOCKPKG_MAX_RETRIES       Fetcher retry attempt count (default: 3)
`)
}

func resolvePackage(m *manager.Manager, name string) *model.Package {
	pkg, err := m.ByName(name)
	if err != nil {
		cli.ExitWithError("failed to look up %q: %v", name, err)
	}
	if pkg == nil {
		cli.ExitWithError("%v", pmerr.New(pmerr.CategoryCatalog, pmerr.CodeUnknownPackage,
			fmt.Sprintf("unknown package %q", name), nil))
	}
	return pkg
}

func handleUpdate(ctx context.Context, m *manager.Manager) {
	diff, err := m.Update(ctx)
	if err != nil {
		cli.ExitWithError("update failed: %v", err)
	}
	fmt.Printf("added %d, updated %d, removed %d\n", len(diff.Added), len(diff.Updated), len(diff.Removed))
}

func handleInstall(ctx context.Context, m *manager.Manager, args []string, full bool) {
	if len(args) == 0 {
		cli.ExitWithError("package name required")
	}
	pkg := resolvePackage(m, args[0])

	var touched []*model.Package
	var err error
	if full {
		touched, err = m.InstallFull(ctx, pkg)
	} else {
		touched, err = m.Install(ctx, pkg)
	}
	if err != nil {
		cli.ExitWithError("install failed: %v", err)
	}
	if len(touched) == 0 {
		fmt.Printf("%s is already current\n", pkg.Name)
		return
	}
	fmt.Printf("installed %d package(s)\n", len(touched))
}

func handleUpgrade(ctx context.Context, m *manager.Manager, full bool) {
	var touched []*model.Package
	var err error
	if full {
		touched, err = m.UpgradeFull(ctx)
	} else {
		touched, err = m.Upgrade(ctx)
	}
	if err != nil {
		cli.ExitWithError("upgrade failed: %v", err)
	}
	fmt.Printf("upgraded %d package(s)\n", len(touched))
}

func handleRemove(m *manager.Manager, args []string) {
	if len(args) == 0 {
		cli.ExitWithError("package name required")
	}
	pkg := resolvePackage(m, args[0])
	if err := m.Remove(pkg); err != nil {
		cli.ExitWithError("remove failed: %v", err)
	}
	fmt.Printf("removed %s\n", pkg.Name)
}

func handleVerify(m *manager.Manager, args []string) {
	if len(args) == 0 {
		cli.ExitWithError("package name required")
	}
	pkg := resolvePackage(m, args[0])
	if err := m.Verify(pkg); err != nil {
		if perr, ok := err.(*pmerr.Error); ok {
			cli.ExitWithError("verification failed: %s", perr.Message)
		} else {
			cli.ExitWithError("verification failed: %v", err)
		}
	}
	fmt.Printf("%s verified OK\n", pkg.Name)
}

func handleList(m *manager.Manager) {
	installed, err := m.Installed()
	if err != nil {
		cli.ExitWithError("list failed: %v", err)
	}
	if len(installed) == 0 {
		fmt.Println("no packages installed")
		return
	}
	for _, pkg := range installed {
		fmt.Printf("  %s (%s)\n", pkg.Name, humanize.Bytes(uint64(pkg.Size)))
	}
}

func handleOutdated(m *manager.Manager) {
	outdated, err := m.Outdated()
	if err != nil {
		cli.ExitWithError("outdated check failed: %v", err)
	}
	if len(outdated) == 0 {
		fmt.Println("everything is current")
		return
	}
	for _, pkg := range outdated {
		fmt.Printf("  %s\n", pkg.Name)
	}
}

func handleObsolete(m *manager.Manager) {
	slots, err := m.Obsolete()
	if err != nil {
		cli.ExitWithError("obsolete check failed: %v", err)
	}
	if len(slots) == 0 {
		fmt.Println("no obsolete slots")
		return
	}
	for _, name := range slots {
		fmt.Printf("  %s\n", name)
	}
}

func handleCleanup(m *manager.Manager) {
	results, err := m.Cleanup()
	if err != nil {
		cli.ExitWithError("cleanup failed: %v", err)
	}
	for _, r := range results {
		fmt.Printf("  %s: removed=%v\n", r.Name, r.Removed)
	}
	fmt.Printf("cleaned %d obsolete slot(s)\n", len(results))
}

// Package installer orchestrates the download/extract pipelines that
// materialize a package, applying crash-safe rename and emitting the
// lifecycle events described in the component design.
package installer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/shockpkg-go/shockpkg/internal/fetch"
	"github.com/shockpkg-go/shockpkg/internal/hashedio"
	"github.com/shockpkg-go/shockpkg/internal/model"
	"github.com/shockpkg-go/shockpkg/internal/planner"
	"github.com/shockpkg-go/shockpkg/internal/pmerr"
	"github.com/shockpkg-go/shockpkg/internal/pmevents"
	"github.com/shockpkg-go/shockpkg/internal/pmlog"
	"github.com/shockpkg-go/shockpkg/internal/receipt"
	"github.com/shockpkg-go/shockpkg/internal/ziputil"
)

// Installer orchestrates installs of a single package at a time; the
// scheduling model above it (Manager) is what serializes calls.
type Installer struct {
	root     string
	fetcher  *fetch.Fetcher
	receipts *receipt.Store
	bus      *pmevents.Bus
	log      *pmlog.Logger
}

// New builds an Installer rooted at the installation directory.
func New(root string, fetcher *fetch.Fetcher, receipts *receipt.Store, bus *pmevents.Bus, log *pmlog.Logger) *Installer {
	if log == nil {
		log = pmlog.Default
	}
	return &Installer{root: root, fetcher: fetcher, receipts: receipts, bus: bus, log: log}
}

func (in *Installer) scratchDir() string { return filepath.Join(in.root, ".meta", "tmp") }

func (in *Installer) resetScratch() error {
	if err := os.RemoveAll(in.scratchDir()); err != nil {
		return pmerr.Filesystem("remove_scratch", err)
	}
	if err := os.MkdirAll(in.scratchDir(), 0o755); err != nil {
		return pmerr.Filesystem("mkdir_scratch", err)
	}
	return nil
}

func (in *Installer) installedPath(pkg *model.Package) string {
	return filepath.Join(in.root, pkg.Name, pkg.File)
}

func (in *Installer) emit(ev pmevents.Event) {
	if in.bus != nil {
		in.bus.Emit(ev)
	}
}

// InstallSlim materializes only target. When the outermost needed
// ancestor is a remote root, it is read through a streamed ZIP reader
// over ranged GETs rather than downloaded in full; a target that is
// itself a root is downloaded, and a chain headed by a child starts
// with a local extract from its installed parent. Returns the packages
// touched (empty if target was already current).
func (in *Installer) InstallSlim(ctx context.Context, target *model.Package, current planner.CurrentChecker) ([]*model.Package, error) {
	if current.IsCurrent(target) {
		in.emit(pmevents.Event{Kind: pmevents.KindInstallCurrent, Package: target.Name})
		return nil, nil
	}
	in.emit(pmevents.Event{Kind: pmevents.KindInstallBefore, Package: target.Name})

	list := planner.InstallList(target, current)
	if err := in.resetScratch(); err != nil {
		return nil, err
	}
	defer os.RemoveAll(in.scratchDir())

	if len(list) == 1 {
		only := list[0]
		var tmp string
		var err error
		if only.IsRoot() {
			tmp, err = in.downloadToTmp(ctx, only)
		} else {
			tmp, err = in.extractFromFile(ctx, in.installedPath(only.Parent()), only)
		}
		if err != nil {
			return nil, err
		}
		if err := in.promote(tmp, only); err != nil {
			return nil, err
		}
		in.emit(pmevents.Event{Kind: pmevents.KindInstallAfter, Package: target.Name})
		return list, nil
	}

	// Materialize list[0]'s bytes as an extraction source only. A root
	// is streamed via ranged GETs (central directory plus list[1]'s
	// compressed bytes) and never reported as touched; a child has a
	// current parent on disk and starts the chain with a local extract.
	var touched []*model.Package
	var prevTmp string
	next := 1
	if l0 := list[0]; l0.IsRoot() {
		size, err := in.fetcher.ContentLength(ctx, l0.Source)
		if err != nil {
			return nil, err
		}
		rr := fetch.NewRangeReader(ctx, in.fetcher, l0.Source, size)
		zr, err := ziputil.OpenReaderAt(rr, size)
		if err != nil {
			return nil, err
		}
		prevTmp, err = in.extractFromReader(zr, list[1])
		if err != nil {
			return nil, err
		}
		touched = append(touched, list[1])
		next = 2
	} else {
		var err error
		prevTmp, err = in.extractFromFile(ctx, in.installedPath(l0.Parent()), l0)
		if err != nil {
			return nil, err
		}
		touched = append(touched, l0)
	}

	for i := next; i < len(list); i++ {
		nextTmp, err := in.extractFromFile(ctx, prevTmp, list[i])
		if err != nil {
			os.Remove(prevTmp)
			return nil, err
		}
		// The previous tmp file has served as the extraction source and
		// the next stage's tmp file is complete; drop it now rather
		// than holding the whole chain on disk at once.
		os.Remove(prevTmp)
		prevTmp = nextTmp
		touched = append(touched, list[i])
	}

	if err := in.promote(prevTmp, target); err != nil {
		return nil, err
	}
	in.emit(pmevents.Event{Kind: pmevents.KindInstallAfter, Package: target.Name})
	return touched, nil
}

// InstallFull materializes target and every ancestor above it that is
// not already current, each to its own installed slot with its own
// receipt.
func (in *Installer) InstallFull(ctx context.Context, target *model.Package, current planner.CurrentChecker) ([]*model.Package, error) {
	if current.IsCurrent(target) {
		in.emit(pmevents.Event{Kind: pmevents.KindInstallCurrent, Package: target.Name})
		return nil, nil
	}
	in.emit(pmevents.Event{Kind: pmevents.KindInstallBefore, Package: target.Name})

	list := planner.InstallList(target, current)
	if err := in.resetScratch(); err != nil {
		return nil, err
	}
	defer os.RemoveAll(in.scratchDir())

	touched := make([]*model.Package, 0, len(list))
	for _, li := range list {
		var tmp string
		var err error
		if li.IsRoot() {
			tmp, err = in.downloadToTmp(ctx, li)
		} else {
			tmp, err = in.extractFromFile(ctx, in.installedPath(li.Parent()), li)
		}
		if err != nil {
			return touched, err
		}
		if err := in.promote(tmp, li); err != nil {
			return touched, err
		}
		touched = append(touched, li)
	}

	in.emit(pmevents.Event{Kind: pmevents.KindInstallAfter, Package: target.Name})
	return touched, nil
}

func want(pkg *model.Package) hashedio.Want {
	return hashedio.Want{Size: pkg.Size, SHA256: pkg.SHA256, SHA1: pkg.SHA1, MD5: pkg.MD5}
}

func (in *Installer) downloadToTmp(ctx context.Context, pkg *model.Package) (string, error) {
	in.emit(pmevents.Event{Kind: pmevents.KindDownloadBefore, Package: pkg.Name})

	in.log.Infof("install", "downloading %s (%d bytes)", pkg.Name, pkg.Size)
	dl, err := in.fetcher.OpenDownload(ctx, pkg.Source)
	if err != nil {
		return "", err
	}
	defer dl.Body.Close()

	if dl.ContentLength >= 0 && dl.ContentLength != pkg.Size {
		return "", pmerr.BadContentLength(pkg.Size, dl.ContentLength)
	}

	tmpFile, err := os.CreateTemp(in.scratchDir(), "download-*")
	if err != nil {
		return "", pmerr.Filesystem("create_temp_download", err)
	}
	tmpPath := tmpFile.Name()

	hw := hashedio.New(tmpFile, want(pkg))
	in.emit(pmevents.Event{Kind: pmevents.KindDownloadProgress, Package: pkg.Name, Amount: 0, Total: pkg.Size})

	if _, err := io.Copy(hw, dl.Body); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := hw.Finish(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", pmerr.Filesystem("close_temp_download", err)
	}

	in.emit(pmevents.Event{Kind: pmevents.KindDownloadProgress, Package: pkg.Name, Amount: pkg.Size, Total: pkg.Size})
	in.emit(pmevents.Event{Kind: pmevents.KindDownloadAfter, Package: pkg.Name})
	return tmpPath, nil
}

func (in *Installer) extractFromFile(ctx context.Context, parentFilePath string, child *model.Package) (string, error) {
	zr, closeFn, err := ziputil.OpenFile(parentFilePath)
	if err != nil {
		return "", err
	}
	defer closeFn()
	return in.extractFromReader(zr, child)
}

func (in *Installer) extractFromReader(zr *ziputil.Reader, child *model.Package) (string, error) {
	in.log.Infof("install", "extracting %s (%d bytes)", child.Name, child.Size)
	in.emit(pmevents.Event{Kind: pmevents.KindExtractBefore, Package: child.Name})

	rc, err := zr.OpenEntry(child.Source)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	tmpFile, err := os.CreateTemp(in.scratchDir(), "extract-*")
	if err != nil {
		return "", pmerr.Filesystem("create_temp_extract", err)
	}
	tmpPath := tmpFile.Name()

	hw := hashedio.New(tmpFile, want(child))
	in.emit(pmevents.Event{Kind: pmevents.KindExtractProgress, Package: child.Name, Amount: 0, Total: child.Size})

	if _, err := io.Copy(hw, rc); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := hw.Finish(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", pmerr.Filesystem("close_temp_extract", err)
	}

	in.emit(pmevents.Event{Kind: pmevents.KindExtractProgress, Package: child.Name, Amount: child.Size, Total: child.Size})
	in.emit(pmevents.Event{Kind: pmevents.KindExtractAfter, Package: child.Name})
	return tmpPath, nil
}

// promote moves tmpPath into pkg's installed slot, removing any
// previous payload first, then writes the receipt. The receipt write
// is always the last step: a crash between rename and receipt leaves
// a payload with no receipt, which no query reports as installed.
func (in *Installer) promote(tmpPath string, pkg *model.Package) error {
	destDir := filepath.Join(in.root, pkg.Name)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return pmerr.Filesystem("mkdir_package_dir", err)
	}
	destPath := in.installedPath(pkg)
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return pmerr.Filesystem("remove_previous_payload", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return pmerr.Filesystem("rename_payload", err)
	}
	return in.receipts.Save(pkg.Name, receipt.FromPackage(pkg))
}

// Verify reads the receipt for pkg, locates the installed payload, and
// recomputes its size and sha256 against the receipt.
func (in *Installer) Verify(pkg *model.Package) error {
	r, ok, err := in.receipts.Load(pkg.Name)
	if err != nil {
		return err
	}
	if !ok {
		return pmerr.NotInstalled(pkg.Name)
	}
	path := filepath.Join(in.root, pkg.Name, r.File)
	fi, err := os.Stat(path)
	if err != nil {
		return pmerr.Filesystem("stat_payload", err)
	}
	if fi.Size() != r.Size {
		return pmerr.BadSize(r.Size, fi.Size())
	}
	f, err := os.Open(path)
	if err != nil {
		return pmerr.Filesystem("open_payload", err)
	}
	defer f.Close()

	hw := hashedio.New(io.Discard, hashedio.Want{Size: r.Size, SHA256: r.SHA256})
	if _, err := io.Copy(hw, f); err != nil {
		return pmerr.Filesystem("read_payload", err)
	}
	return hw.Finish()
}

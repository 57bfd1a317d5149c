// Package manager is the public facade wiring catalog, fetcher,
// installer, receipt store, and cross-process lock into the single
// entry point a CLI or embedding program drives.
package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/shockpkg-go/shockpkg/internal/catalog"
	"github.com/shockpkg-go/shockpkg/internal/fetch"
	"github.com/shockpkg-go/shockpkg/internal/installer"
	"github.com/shockpkg-go/shockpkg/internal/lockfile"
	"github.com/shockpkg-go/shockpkg/internal/model"
	"github.com/shockpkg-go/shockpkg/internal/planner"
	"github.com/shockpkg-go/shockpkg/internal/pmconfig"
	"github.com/shockpkg-go/shockpkg/internal/pmerr"
	"github.com/shockpkg-go/shockpkg/internal/pmevents"
	"github.com/shockpkg-go/shockpkg/internal/pmlog"
	"github.com/shockpkg-go/shockpkg/internal/receipt"
)

type lifecycleState int

const (
	stateNew lifecycleState = iota
	stateReady
	stateDead
)

// CleanupResult reports the fate of one obsolete slot after Cleanup.
type CleanupResult struct {
	Name    string
	Removed bool
}

// Manager is the package-manager facade. The zero value is unusable;
// build one with New. A Manager may be Init'd, Destroy'd, and Init'd
// again.
type Manager struct {
	cfg pmconfig.Config
	log *pmlog.Logger
	bus *pmevents.Bus

	mu          sync.Mutex
	state       lifecycleState
	busy        bool
	compromised bool

	lock      *lockfile.LockFile
	fetcher   *fetch.Fetcher
	catalog   *catalog.Catalog
	receipts  *receipt.Store
	installer *installer.Installer
}

// New builds an unstarted Manager. Call Init before any other method.
func New(cfg pmconfig.Config, log *pmlog.Logger) *Manager {
	if log == nil {
		log = pmlog.Default
	}
	return &Manager{cfg: cfg, log: log, bus: pmevents.NewBus()}
}

// Events returns the bus every lifecycle event is published on.
func (m *Manager) Events() *pmevents.Bus { return m.bus }

func (m *Manager) metaDir() string      { return filepath.Join(m.cfg.Path, ".meta") }
func (m *Manager) lockPath() string     { return filepath.Join(m.metaDir(), "lock") }
func (m *Manager) manifestPath() string { return filepath.Join(m.metaDir(), "packages.json") }

// Init transitions NEW or DEAD to READY: creates the installation
// directory, acquires the cross-process lock, loads any persisted
// catalog, and wires the fetcher/installer. Double-Init from READY
// fails with AlreadyInited.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateReady {
		return pmerr.ErrAlreadyInited
	}

	if err := os.MkdirAll(m.cfg.Path, 0o755); err != nil {
		return pmerr.Filesystem("mkdir_root", err)
	}
	if err := os.MkdirAll(m.metaDir(), 0o755); err != nil {
		return pmerr.Filesystem("mkdir_meta", err)
	}

	m.compromised = false
	m.lock = lockfile.New(m.lockPath(), m.onLockCompromised, m.log)
	if err := m.lock.Acquire(); err != nil {
		return err
	}

	m.fetcher = fetch.New(m.cfg.MaxRetries, m.log)
	m.receipts = receipt.NewStore(m.cfg.Path)
	m.catalog = catalog.New(m.fetcher, m.cfg.PackagesURL, m.manifestPath(), m.log)
	m.installer = installer.New(m.cfg.Path, m.fetcher, m.receipts, m.bus, m.log)

	if err := m.catalog.Load(ctx); err != nil {
		m.bus.Emit(pmevents.Event{Kind: pmevents.KindCatalogError, Err: err})
	}

	m.busy = false
	m.state = stateReady
	m.log.Infof("manager", "initialized installation root %s", m.cfg.Path)
	return nil
}

func (m *Manager) onLockCompromised() {
	m.mu.Lock()
	m.compromised = true
	m.mu.Unlock()
	m.bus.Emit(pmevents.Event{Kind: pmevents.KindLockCompromised})
}

// Destroy transitions READY to DEAD: releases the lock (tolerating a
// compromised one) and clears the wired collaborators. Destroy from
// NEW or DEAD fails with NotInited.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateReady {
		return pmerr.ErrNotInited
	}
	var err error
	if m.lock != nil {
		err = m.lock.Release()
	}
	m.lock = nil
	m.fetcher = nil
	m.catalog = nil
	m.receipts = nil
	m.installer = nil
	m.state = stateDead
	return err
}

// With Inits, runs f, and Destroys on every exit path, including a
// panic or an error from f.
func (m *Manager) With(ctx context.Context, f func(*Manager) error) error {
	if err := m.Init(ctx); err != nil {
		return err
	}
	defer m.Destroy()
	return f(m)
}

// enter marks the non-reentrant flag busy for the duration of one
// public operation, returning Reentrant if an operation is already in
// flight (directly, or transitively via a nested public call) and
// NotInited/Destroyed/LockCompromised if the Manager isn't usable.
func (m *Manager) enter() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateDead {
		return nil, pmerr.ErrDestroyed
	}
	if m.state != stateReady {
		return nil, pmerr.ErrNotInited
	}
	if m.compromised {
		return nil, pmerr.ErrLockCompromised
	}
	if m.busy {
		return nil, pmerr.ErrReentrant
	}
	m.busy = true
	return func() {
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
	}, nil
}

func (m *Manager) requireLoaded() error {
	if !m.catalog.IsLoaded() {
		return pmerr.ErrCatalogNotLoaded
	}
	return nil
}

func (m *Manager) requireMember(pkg *model.Package) error {
	if err := m.requireLoaded(); err != nil {
		return err
	}
	if pkg == nil || !m.catalog.Has(pkg) {
		return pmerr.ErrNotMember
	}
	return nil
}

func (m *Manager) checker() planner.CurrentChecker { return planner.NewStoreChecker(m.receipts) }

// ---- Queries ----

func (m *Manager) ByName(name string) (*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	return m.catalog.ByName(name), nil
}

func (m *Manager) BySHA256(sum string) (*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	return m.catalog.BySHA256(sum), nil
}

func (m *Manager) BySHA1(sum string) (*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	return m.catalog.BySHA1(sum), nil
}

func (m *Manager) ByMD5(sum string) (*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	return m.catalog.ByMD5(sum), nil
}

func (m *Manager) ByUnique(s string) (*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	return m.catalog.ByUnique(s), nil
}

// IsMember reports whether pkg belongs to the currently loaded catalog.
func (m *Manager) IsMember(pkg *model.Package) (bool, error) {
	release, err := m.enter()
	if err != nil {
		return false, err
	}
	defer release()
	return m.catalog.Has(pkg), nil
}

// Iter returns every package in the catalog, pre-order.
func (m *Manager) Iter() ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	return m.catalog.Iter(), nil
}

// Installed returns every catalog package with a receipt on disk.
func (m *Manager) Installed() ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	var out []*model.Package
	for _, pkg := range m.catalog.Iter() {
		if m.receipts.Exists(pkg.Name) {
			out = append(out, pkg)
		}
	}
	return out, nil
}

// Outdated returns every installed package whose receipt disagrees
// with its current catalog declaration.
func (m *Manager) Outdated() ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	return m.outdatedLocked(), nil
}

func (m *Manager) outdatedLocked() []*model.Package {
	var out []*model.Package
	for _, pkg := range m.catalog.Iter() {
		r, ok, err := m.receipts.Load(pkg.Name)
		if err != nil || !ok {
			continue
		}
		if !r.IsCurrent(pkg) {
			out = append(out, pkg)
		}
	}
	return out
}

// Obsolete lists top-level slot directories that carry a `.meta`
// directory but whose name is no longer present in the catalog.
func (m *Manager) Obsolete() ([]string, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	return m.obsoleteLocked()
}

func (m *Manager) obsoleteLocked() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pmerr.Filesystem("readdir_root", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == ".meta" || name[0] == '.' {
			continue
		}
		if m.catalog.ByName(name) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.cfg.Path, name, ".meta")); err == nil {
			out = append(out, name)
		}
	}
	return out, nil
}

// IsInstalled reports whether pkg has a receipt on disk.
func (m *Manager) IsInstalled(pkg *model.Package) (bool, error) {
	release, err := m.enter()
	if err != nil {
		return false, err
	}
	defer release()
	if err := m.requireMember(pkg); err != nil {
		return false, err
	}
	return m.receipts.Exists(pkg.Name), nil
}

// IsCurrent reports whether pkg is installed and its receipt agrees
// with the catalog.
func (m *Manager) IsCurrent(pkg *model.Package) (bool, error) {
	release, err := m.enter()
	if err != nil {
		return false, err
	}
	defer release()
	if err := m.requireMember(pkg); err != nil {
		return false, err
	}
	return m.checker().IsCurrent(pkg), nil
}

// IsObsolete reports whether name is an obsolete slot.
func (m *Manager) IsObsolete(name string) (bool, error) {
	release, err := m.enter()
	if err != nil {
		return false, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return false, err
	}
	slots, err := m.obsoleteLocked()
	if err != nil {
		return false, err
	}
	for _, s := range slots {
		if s == name {
			return true, nil
		}
	}
	return false, nil
}

// Receipt returns pkg's on-disk receipt, if any.
func (m *Manager) Receipt(pkg *model.Package) (receipt.Receipt, bool, error) {
	release, err := m.enter()
	if err != nil {
		return receipt.Receipt{}, false, err
	}
	defer release()
	if err := m.requireMember(pkg); err != nil {
		return receipt.Receipt{}, false, err
	}
	return m.receipts.Load(pkg.Name)
}

// InstalledFile returns the filesystem path to pkg's installed
// payload. Fails with NotInstalled if there is no receipt.
func (m *Manager) InstalledFile(pkg *model.Package) (string, error) {
	release, err := m.enter()
	if err != nil {
		return "", err
	}
	defer release()
	if err := m.requireMember(pkg); err != nil {
		return "", err
	}
	r, ok, err := m.receipts.Load(pkg.Name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", pmerr.NotInstalled(pkg.Name)
	}
	return filepath.Join(m.cfg.Path, pkg.Name, r.File), nil
}

// Verify recomputes pkg's installed payload size and sha256 against
// its receipt.
func (m *Manager) Verify(pkg *model.Package) error {
	release, err := m.enter()
	if err != nil {
		return err
	}
	defer release()
	if err := m.requireMember(pkg); err != nil {
		return err
	}
	return m.installer.Verify(pkg)
}

// DependOrdered stably sorts pkgs so ancestors precede descendants.
func (m *Manager) DependOrdered(pkgs []*model.Package) ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return planner.DependOrdered(pkgs), nil
}

// PathTo returns the filesystem path to pkg's slot directory, joined
// with any additional path components.
func (m *Manager) PathTo(pkg *model.Package, parts ...string) (string, error) {
	release, err := m.enter()
	if err != nil {
		return "", err
	}
	defer release()
	if err := m.requireMember(pkg); err != nil {
		return "", err
	}
	all := append([]string{m.cfg.Path, pkg.Name}, parts...)
	return filepath.Join(all...), nil
}

// ---- Mutations ----

// Update refreshes the catalog from the manifest URL and returns the
// diff relative to the previously loaded state.
func (m *Manager) Update(ctx context.Context) (catalog.Diff, error) {
	release, err := m.enter()
	if err != nil {
		return catalog.Diff{}, err
	}
	defer release()
	diff, err := m.catalog.Update(ctx)
	if err != nil {
		m.bus.Emit(pmevents.Event{Kind: pmevents.KindCatalogError, Err: err})
		return diff, err
	}
	m.log.Infof("catalog", "refreshed: %d added, %d updated, %d removed",
		len(diff.Added), len(diff.Updated), len(diff.Removed))
	return diff, nil
}

// Install materializes only pkg (slim: streams through remote ZIPs
// rather than downloading ancestors in full).
func (m *Manager) Install(ctx context.Context, pkg *model.Package) ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return m.installLocked(ctx, pkg)
}

func (m *Manager) installLocked(ctx context.Context, pkg *model.Package) ([]*model.Package, error) {
	if err := m.requireMember(pkg); err != nil {
		return nil, err
	}
	return m.installer.InstallSlim(ctx, pkg, m.checker())
}

// InstallFull materializes pkg and every non-current ancestor above
// it, each to its own installed slot.
func (m *Manager) InstallFull(ctx context.Context, pkg *model.Package) ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return m.installFullLocked(ctx, pkg)
}

func (m *Manager) installFullLocked(ctx context.Context, pkg *model.Package) ([]*model.Package, error) {
	if err := m.requireMember(pkg); err != nil {
		return nil, err
	}
	return m.installer.InstallFull(ctx, pkg, m.checker())
}

// InstallMany runs Install (slim) for each of pkgs, in order,
// returning the concatenation of what each call touched.
func (m *Manager) InstallMany(ctx context.Context, pkgs []*model.Package) ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	var out []*model.Package
	for _, pkg := range pkgs {
		touched, err := m.installLocked(ctx, pkg)
		if err != nil {
			return out, err
		}
		out = append(out, touched...)
	}
	return out, nil
}

// InstallFullMany runs InstallFull for each of pkgs, in order.
func (m *Manager) InstallFullMany(ctx context.Context, pkgs []*model.Package) ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	var out []*model.Package
	for _, pkg := range pkgs {
		touched, err := m.installFullLocked(ctx, pkg)
		if err != nil {
			return out, err
		}
		out = append(out, touched...)
	}
	return out, nil
}

// Upgrade runs Install (slim) over every currently outdated package.
func (m *Manager) Upgrade(ctx context.Context) ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	var out []*model.Package
	for _, pkg := range m.outdatedLocked() {
		touched, err := m.installLocked(ctx, pkg)
		if err != nil {
			return out, err
		}
		out = append(out, touched...)
	}
	return out, nil
}

// UpgradeFull runs InstallFull over every currently outdated package.
func (m *Manager) UpgradeFull(ctx context.Context) ([]*model.Package, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}
	var out []*model.Package
	for _, pkg := range m.outdatedLocked() {
		touched, err := m.installFullLocked(ctx, pkg)
		if err != nil {
			return out, err
		}
		out = append(out, touched...)
	}
	return out, nil
}

// Remove deletes pkg's receipt first, then its slot directory, so a
// crash mid-removal never leaves a slot that still appears installed.
func (m *Manager) Remove(pkg *model.Package) error {
	release, err := m.enter()
	if err != nil {
		return err
	}
	defer release()
	if err := m.requireMember(pkg); err != nil {
		return err
	}
	if err := m.receipts.Delete(pkg.Name); err != nil {
		return err
	}
	dir := filepath.Join(m.cfg.Path, pkg.Name)
	if err := os.RemoveAll(dir); err != nil {
		return pmerr.Filesystem("remove_slot", err)
	}
	m.log.Infof("manager", "removed %s", pkg.Name)
	return nil
}

// Cleanup purges the scratch directory, then removes every obsolete
// slot, emitting a cleanup-before/after event pair per slot.
func (m *Manager) Cleanup() ([]CleanupResult, error) {
	release, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.requireLoaded(); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(filepath.Join(m.metaDir(), "tmp")); err != nil {
		return nil, pmerr.Filesystem("remove_scratch", err)
	}

	slots, err := m.obsoleteLocked()
	if err != nil {
		return nil, err
	}

	var results []CleanupResult
	for _, name := range slots {
		m.bus.Emit(pmevents.Event{Kind: pmevents.KindCleanupBefore, Package: name})
		removeErr := os.RemoveAll(filepath.Join(m.cfg.Path, name))
		removed := removeErr == nil
		m.bus.Emit(pmevents.Event{Kind: pmevents.KindCleanupAfter, Package: name, Removed: removed})
		results = append(results, CleanupResult{Name: name, Removed: removed})
		if removeErr != nil {
			return results, pmerr.Filesystem("remove_obsolete_slot", removeErr)
		}
	}
	return results, nil
}

// Package planner computes the ordered chain of archives that must be
// materialized to install a target package, given what is already
// installed.
package planner

import (
	"sort"

	"github.com/shockpkg-go/shockpkg/internal/model"
	"github.com/shockpkg-go/shockpkg/internal/receipt"
)

// CurrentChecker reports whether a package's receipt, if any, still
// agrees with its current manifest declaration. It is the narrow
// surface Planner needs from a receipt.Store, letting the caller
// supply a fake in tests without touching a filesystem.
type CurrentChecker interface {
	IsCurrent(pkg *model.Package) bool
}

// storeChecker adapts a *receipt.Store to CurrentChecker.
type storeChecker struct{ store *receipt.Store }

func (c storeChecker) IsCurrent(pkg *model.Package) bool {
	r, ok, err := c.store.Load(pkg.Name)
	if err != nil || !ok {
		return false
	}
	return r.IsCurrent(pkg)
}

// NewStoreChecker wraps a receipt.Store as a CurrentChecker.
func NewStoreChecker(store *receipt.Store) CurrentChecker { return storeChecker{store: store} }

// InstallList walks target's parent chain collecting the prefix of
// ancestors that are NOT current, stopping at the first current
// ancestor (or the root). The result is ordered ancestors-first,
// target last: L[0] is the outermost archive that needs touching,
// L[len(L)-1] is always target.
func InstallList(target *model.Package, current CurrentChecker) []*model.Package {
	var notCurrent []*model.Package
	cur := target
	for {
		parent := cur.Parent()
		if parent == nil {
			break
		}
		if current.IsCurrent(parent) {
			break
		}
		notCurrent = append(notCurrent, parent)
		cur = parent
	}
	// notCurrent was collected target-to-root; reverse to root-to-target.
	for i, j := 0, len(notCurrent)-1; i < j; i, j = i+1, j-1 {
		notCurrent[i], notCurrent[j] = notCurrent[j], notCurrent[i]
	}
	return append(notCurrent, target)
}

// DependOrdered stably sorts pkgs so that A precedes B whenever B's
// ancestor chain contains A. Packages with no such relationship retain
// their relative input order.
func DependOrdered(pkgs []*model.Package) []*model.Package {
	out := append([]*model.Package(nil), pkgs...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsAncestorOf(b) {
			return true
		}
		if b.IsAncestorOf(a) {
			return false
		}
		return false // no relationship: stable sort keeps input order
	})
	return out
}

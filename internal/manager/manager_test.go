package manager

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shockpkg-go/shockpkg/internal/model"
	"github.com/shockpkg-go/shockpkg/internal/pmconfig"
	"github.com/shockpkg-go/shockpkg/internal/pmerr"
	"github.com/shockpkg-go/shockpkg/internal/pmevents"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	singlePayload []byte
	leafPayload   []byte
	midZip        []byte
	outerZip      []byte
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		singlePayload: []byte("single-payload-bytes"),
		leafPayload:   []byte("nested-leaf-payload"),
	}
	f.midZip = buildZip(t, map[string][]byte{"nested.bin": f.leafPayload})
	f.outerZip = buildZip(t, map[string][]byte{"nested-1.zip": f.midZip})
	return f
}

// newTestManager starts an httptest.Server serving a manifest built
// from fx plus every download/range endpoint the manifest's roots
// reference, and returns a Manager Init'd against a fresh temp root.
func newTestManager(t *testing.T, fx fixture) (*Manager, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/single.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(fx.singlePayload)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/nested-2.zip", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "nested-2.zip", time.Time{}, bytes.NewReader(fx.outerZip))
	})

	manifest := fmt.Sprintf(`{
		"format": "1.0",
		"packages": [
			{"name": "single", "file": "single.bin", "size": %d, "sha256": %q, "source": %q},
			{"name": "nested-2", "file": "nested-2.zip", "size": %d, "sha256": %q, "source": %q,
				"packages": [
					{"name": "nested-1", "file": "nested-1.zip", "size": %d, "sha256": %q, "source": "nested-1.zip", "zipped": "8-0-1",
						"packages": [
							{"name": "nested", "file": "nested.bin", "size": %d, "sha256": %q, "source": "nested.bin", "zipped": "8-0-1"}
						]}
				]}
		]
	}`,
		len(fx.singlePayload), sha256Hex(fx.singlePayload), srv.URL+"/single.bin",
		len(fx.outerZip), sha256Hex(fx.outerZip), srv.URL+"/nested-2.zip",
		len(fx.midZip), sha256Hex(fx.midZip),
		len(fx.leafPayload), sha256Hex(fx.leafPayload),
	)
	mux.HandleFunc("/packages.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(manifest))
	})

	root := t.TempDir()
	cfg := pmconfig.Config{Path: root, PackagesURL: srv.URL + "/packages.json", MaxRetries: 1}
	m := New(cfg, nil)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := m.Update(context.Background()); err != nil {
		t.Fatalf("initial Update: %v", err)
	}
	t.Cleanup(func() { m.Destroy() })
	return m, root
}

func TestManager_SingleRootInstall(t *testing.T) {
	fx := newFixture(t)
	m, _ := newTestManager(t, fx)
	ctx := context.Background()

	var kinds []pmevents.Kind
	m.Events().On(pmevents.KindInstallBefore, func(e pmevents.Event) { kinds = append(kinds, e.Kind) })
	m.Events().On(pmevents.KindInstallAfter, func(e pmevents.Event) { kinds = append(kinds, e.Kind) })
	m.Events().On(pmevents.KindInstallCurrent, func(e pmevents.Event) { kinds = append(kinds, e.Kind) })
	m.Events().On(pmevents.KindDownloadBefore, func(e pmevents.Event) { kinds = append(kinds, e.Kind) })
	m.Events().On(pmevents.KindDownloadAfter, func(e pmevents.Event) { kinds = append(kinds, e.Kind) })

	single, err := m.ByName("single")
	if err != nil || single == nil {
		t.Fatalf("ByName(single): %v", err)
	}

	touched, err := m.Install(ctx, single)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(touched) != 1 || touched[0] != single {
		t.Fatalf("expected [single], got %v", touched)
	}
	expect := []pmevents.Kind{
		pmevents.KindInstallBefore, pmevents.KindDownloadBefore,
		pmevents.KindDownloadAfter, pmevents.KindInstallAfter,
	}
	if !equalKinds(kinds, expect) {
		t.Fatalf("unexpected event sequence: %v", kinds)
	}

	kinds = nil
	touched, err = m.Install(ctx, single)
	if err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if len(touched) != 0 {
		t.Fatalf("expected second install to touch nothing, got %v", touched)
	}
	if !equalKinds(kinds, []pmevents.Kind{pmevents.KindInstallCurrent}) {
		t.Fatalf("expected exactly one install-current on reinstall, got %v", kinds)
	}
}

func TestManager_SlimInstallOfDeepLeaf(t *testing.T) {
	fx := newFixture(t)
	m, root := newTestManager(t, fx)
	ctx := context.Background()

	nested, err := m.ByName("nested")
	if err != nil || nested == nil {
		t.Fatalf("ByName(nested): %v", err)
	}

	touched, err := m.Install(ctx, nested)
	if err != nil {
		t.Fatalf("Install(nested): %v", err)
	}
	if len(touched) != 2 || touched[0].Name != "nested-1" || touched[1].Name != "nested" {
		t.Fatalf("expected [nested-1, nested], got %v", names(touched))
	}

	installedNested, err := m.IsInstalled(nested)
	if err != nil || !installedNested {
		t.Fatalf("expected nested installed: %v %v", installedNested, err)
	}
	for _, absent := range []string{"nested-1", "nested-2"} {
		if _, err := os.Stat(filepath.Join(root, absent, ".meta", "package.json")); !os.IsNotExist(err) {
			t.Fatalf("expected %s to have no receipt after a slim install", absent)
		}
	}
}

func TestManager_ReuseClosestCurrentAncestor(t *testing.T) {
	fx := newFixture(t)
	m, _ := newTestManager(t, fx)
	ctx := context.Background()

	nested1, err := m.ByName("nested-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Install(ctx, nested1); err != nil {
		t.Fatalf("Install(nested-1): %v", err)
	}

	nested, err := m.ByName("nested")
	if err != nil {
		t.Fatal(err)
	}
	var kinds []pmevents.Kind
	m.Events().On(pmevents.KindExtractBefore, func(e pmevents.Event) { kinds = append(kinds, e.Kind) })
	m.Events().On(pmevents.KindDownloadBefore, func(e pmevents.Event) { kinds = append(kinds, e.Kind) })

	touched, err := m.Install(ctx, nested)
	if err != nil {
		t.Fatalf("Install(nested): %v", err)
	}
	if len(touched) != 1 || touched[0] != nested {
		t.Fatalf("expected only nested touched, got %v", names(touched))
	}
	for _, k := range kinds {
		if k == pmevents.KindDownloadBefore {
			t.Fatal("expected no download event once nested-1 is current")
		}
	}
}

func TestManager_FullInstall(t *testing.T) {
	fx := newFixture(t)
	m, _ := newTestManager(t, fx)
	ctx := context.Background()

	nested, err := m.ByName("nested")
	if err != nil {
		t.Fatal(err)
	}
	touched, err := m.InstallFull(ctx, nested)
	if err != nil {
		t.Fatalf("InstallFull(nested): %v", err)
	}
	if len(touched) != 3 {
		t.Fatalf("expected 3 packages touched, got %v", names(touched))
	}
	want := []string{"nested-2", "nested-1", "nested"}
	for i, w := range want {
		if touched[i].Name != w {
			t.Fatalf("expected order %v, got %v", want, names(touched))
		}
		installed, err := m.IsInstalled(touched[i])
		if err != nil || !installed {
			t.Fatalf("expected %s installed: %v %v", w, installed, err)
		}
	}
}

func TestManager_ObsoleteCleanup(t *testing.T) {
	fx := newFixture(t)
	m, root := newTestManager(t, fx)

	for _, slot := range []string{"obsolete-a", "obsolete-b"} {
		if err := os.MkdirAll(filepath.Join(root, slot, ".meta"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "unknown-dir-empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	results, err := m.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 cleanup results, got %v", results)
	}
	for _, r := range results {
		if !r.Removed {
			t.Fatalf("expected %s removed", r.Name)
		}
	}
	for _, slot := range []string{"obsolete-a", "obsolete-b"} {
		if _, err := os.Stat(filepath.Join(root, slot)); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed from disk", slot)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "unknown-dir-empty")); err != nil {
		t.Fatal("expected unknown-dir-empty (no .meta) to be preserved")
	}
}

func TestManager_VerificationFailure(t *testing.T) {
	fx := newFixture(t)
	m, root := newTestManager(t, fx)
	ctx := context.Background()

	single, err := m.ByName("single")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Install(ctx, single); err != nil {
		t.Fatalf("Install: %v", err)
	}

	installedPath := filepath.Join(root, "single", "single.bin")
	oversized := make([]byte, len(fx.singlePayload)+1)
	if err := os.WriteFile(installedPath, oversized, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(single); err == nil {
		t.Fatal("expected Verify to fail on a size mismatch")
	}

	zeroFilled := make([]byte, len(fx.singlePayload))
	if err := os.WriteFile(installedPath, zeroFilled, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(single); err == nil {
		t.Fatal("expected Verify to fail on a hash mismatch")
	}
}

func TestManager_LifecycleStateMachine(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	cfg := pmconfig.Config{Path: t.TempDir(), PackagesURL: srv.URL + "/packages.json", MaxRetries: 1}
	m := New(cfg, nil)
	ctx := context.Background()

	if err := m.Destroy(); !errors.Is(err, pmerr.ErrNotInited) {
		t.Fatalf("Destroy before Init: want NotInited, got %v", err)
	}
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Init(ctx); !errors.Is(err, pmerr.ErrAlreadyInited) {
		t.Fatalf("double Init: want AlreadyInited, got %v", err)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := m.Destroy(); !errors.Is(err, pmerr.ErrNotInited) {
		t.Fatalf("double Destroy: want NotInited, got %v", err)
	}
	if _, err := m.ByName("single"); !errors.Is(err, pmerr.ErrDestroyed) {
		t.Fatalf("operation after Destroy: want Destroyed, got %v", err)
	}

	// A destroyed Manager is reusable.
	if err := m.Init(ctx); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("final Destroy: %v", err)
	}
}

func TestManager_With_DestroysOnEveryExitPath(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	cfg := pmconfig.Config{Path: t.TempDir(), PackagesURL: srv.URL + "/packages.json", MaxRetries: 1}
	m := New(cfg, nil)

	ranErr := errors.New("callback failure")
	if err := m.With(context.Background(), func(*Manager) error { return ranErr }); !errors.Is(err, ranErr) {
		t.Fatalf("expected callback error surfaced, got %v", err)
	}
	// Destroy already ran: a fresh Init must succeed (the lock was
	// released).
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init after With: %v", err)
	}
	m.Destroy()
}

func TestManager_QueriesFailUntilCatalogLoaded(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	cfg := pmconfig.Config{Path: t.TempDir(), PackagesURL: srv.URL + "/packages.json", MaxRetries: 1}
	m := New(cfg, nil)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { m.Destroy() })

	if _, err := m.ByName("single"); !errors.Is(err, pmerr.ErrCatalogNotLoaded) {
		t.Fatalf("ByName on fresh root: want CatalogNotLoaded, got %v", err)
	}
	if _, err := m.Cleanup(); !errors.Is(err, pmerr.ErrCatalogNotLoaded) {
		t.Fatalf("Cleanup on fresh root: want CatalogNotLoaded, got %v", err)
	}
}

func TestManager_SecondManagerOnSameRootFailsLocked(t *testing.T) {
	fx := newFixture(t)
	m, root := newTestManager(t, fx)
	_ = m

	other := New(pmconfig.Config{Path: root, PackagesURL: "https://example.invalid/packages.json", MaxRetries: 1}, nil)
	if err := other.Init(context.Background()); !errors.Is(err, pmerr.ErrLocked) {
		t.Fatalf("expected Locked for a second manager on the same root, got %v", err)
	}
}

func TestManager_ReentrantCallFails(t *testing.T) {
	fx := newFixture(t)
	m, _ := newTestManager(t, fx)

	release, err := m.enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer release()

	if _, err := m.ByName("single"); !errors.Is(err, pmerr.ErrReentrant) {
		t.Fatalf("expected a nested call while busy to fail with Reentrant, got %v", err)
	}
}

func equalKinds(got, want []pmevents.Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func names(pkgs []*model.Package) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Name
	}
	return out
}

// Package catalog parses and validates the published manifest and
// indexes its packages by name and by each supported hash.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	semver "github.com/Masterminds/semver/v3"

	"github.com/shockpkg-go/shockpkg/internal/fetch"
	"github.com/shockpkg-go/shockpkg/internal/model"
	"github.com/shockpkg-go/shockpkg/internal/pmerr"
	"github.com/shockpkg-go/shockpkg/internal/pmlog"
)

// CompiledMajor/CompiledMinor are this build's supported manifest
// format. A manifest declaring a newer minor is rejected rather than
// silently misread; a manifest declaring a different major is always
// rejected.
const (
	CompiledMajor = 1
	CompiledMinor = 0
)

// ManifestFetcher is the narrow collaborator Catalog needs from
// *fetch.Fetcher: enough to refresh a manifest by URL, nothing more.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, url string) (fetch.ManifestResult, error)
}

// Diff is what Update returns: the packages added, updated (by
// file/size/sha256 change only — a source-only change is not an
// update), and removed relative to the catalog's prior state.
type Diff struct {
	Added   []*model.Package
	Updated []*model.Package
	Removed []*model.Package
}

// Catalog is the parsed, indexed, currently-loaded manifest. The zero
// value is not loaded; construct with New.
type Catalog struct {
	fetcher      ManifestFetcher
	url          string
	manifestPath string
	log          *pmlog.Logger

	mu       sync.RWMutex
	loaded   bool
	tree     *model.Tree
	byName   map[string]*model.Package
	bySHA256 map[string]*model.Package
	bySHA1   map[string]*model.Package
	byMD5    map[string]*model.Package
	byUnique map[string]*model.Package
}

// New constructs an unloaded Catalog. manifestPath is where the
// last-fetched manifest body is persisted (<root>/.meta/packages.json).
func New(fetcher ManifestFetcher, url, manifestPath string, log *pmlog.Logger) *Catalog {
	if log == nil {
		log = pmlog.Default
	}
	return &Catalog{fetcher: fetcher, url: url, manifestPath: manifestPath, log: log}
}

// Load reads the last-persisted manifest from disk, if present, and
// builds the in-memory catalog from it. A missing file is not an
// error: the catalog simply stays unloaded until the first Update. Any
// other I/O or parse error leaves the catalog unloaded and is returned
// to the caller to surface as a catalog-error event.
func (c *Catalog) Load(ctx context.Context) error {
	data, err := os.ReadFile(c.manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return pmerr.Filesystem("read_manifest", err)
	}
	parsed, err := parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.adopt(parsed)
	c.mu.Unlock()
	return nil
}

// Update refreshes the catalog from the manifest URL and returns the
// diff relative to the packages known before the call. A conditional
// GET is used when a prior ETag is cached; a 304 response yields an
// empty diff without touching the loaded catalog.
func (c *Catalog) Update(ctx context.Context) (Diff, error) {
	res, err := c.fetcher.FetchManifest(ctx, c.url)
	if err != nil {
		return Diff{}, err
	}
	if res.NotModified {
		return Diff{}, nil
	}

	parsed, err := parse(res.Body)
	if err != nil {
		return Diff{}, err
	}

	c.mu.Lock()
	prev := c.byName
	c.adopt(parsed)
	c.mu.Unlock()

	diff := computeDiff(prev, parsed.byName)

	if err := c.persist(res.Body); err != nil {
		c.log.Errorf("catalog", "failed to persist manifest: %v", err)
		return diff, err
	}
	return diff, nil
}

func (c *Catalog) persist(body []byte) error {
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return os.WriteFile(c.manifestPath, body, 0o644)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return os.WriteFile(c.manifestPath, body, 0o644)
	}
	if err := os.MkdirAll(filepath.Dir(c.manifestPath), 0o755); err != nil {
		return pmerr.Filesystem("mkdir_meta", err)
	}
	return os.WriteFile(c.manifestPath, out, 0o644)
}

// adopt swaps in a freshly parsed catalog state. Caller holds c.mu.
func (c *Catalog) adopt(p *parsedCatalog) {
	c.loaded = true
	c.tree = p.tree
	c.byName = p.byName
	c.bySHA256 = p.bySHA256
	c.bySHA1 = p.bySHA1
	c.byMD5 = p.byMD5
	c.byUnique = p.byUnique
}

func computeDiff(prev, cur map[string]*model.Package) Diff {
	var d Diff
	for name, np := range cur {
		op, existed := prev[name]
		if !existed {
			d.Added = append(d.Added, np)
			continue
		}
		if op.File != np.File || op.Size != np.Size || op.SHA256 != np.SHA256 {
			d.Updated = append(d.Updated, np)
		}
	}
	for name, op := range prev {
		if _, stillThere := cur[name]; !stillThere {
			d.Removed = append(d.Removed, op)
		}
	}
	return d
}

// IsLoaded reports whether a manifest has been successfully parsed
// and indexed.
func (c *Catalog) IsLoaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// ByName returns the package with the given name, or nil.
func (c *Catalog) ByName(name string) *model.Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// BySHA256 returns the package with the given sha256 digest, or nil.
func (c *Catalog) BySHA256(sum string) *model.Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bySHA256[sum]
}

// BySHA1 returns the package with the given sha1 digest, or nil.
func (c *Catalog) BySHA1(sum string) *model.Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bySHA1[sum]
}

// ByMD5 returns the package with the given md5 digest, or nil.
func (c *Catalog) ByMD5(sum string) *model.Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byMD5[sum]
}

// ByUnique returns the package whose name or any declared hash equals
// s, or nil.
func (c *Catalog) ByUnique(s string) *model.Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byUnique[s]
}

// Iter returns every package in the catalog in deterministic pre-order
// (declaration order, parents before children).
func (c *Catalog) Iter() []*model.Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tree == nil {
		return nil
	}
	return c.tree.PreOrder()
}

// Has reports whether pkg is a member of this catalog's current tree.
func (c *Catalog) Has(pkg *model.Package) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree != nil && c.tree.Has(pkg)
}

// parsedCatalog is the result of parse: a built tree plus its indices,
// not yet adopted into a Catalog.
type parsedCatalog struct {
	tree     *model.Tree
	byName   map[string]*model.Package
	bySHA256 map[string]*model.Package
	bySHA1   map[string]*model.Package
	byMD5    map[string]*model.Package
	byUnique map[string]*model.Package
}

type rawManifest struct {
	Format   string        `json:"format"`
	Packages []rawPackage `json:"packages"`
}

type rawPackage struct {
	Name     string       `json:"name"`
	File     string       `json:"file"`
	Size     int64        `json:"size"`
	SHA256   string       `json:"sha256"`
	SHA1     string       `json:"sha1,omitempty"`
	MD5      string       `json:"md5,omitempty"`
	Source   string       `json:"source"`
	Zipped   string       `json:"zipped,omitempty"`
	Packages []rawPackage `json:"packages,omitempty"`
}

// parse validates and builds a parsedCatalog from manifest bytes.
// Unknown top-level or per-package fields are ignored by
// encoding/json's default decode behavior (no DisallowUnknownFields).
func parse(data []byte) (*parsedCatalog, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, pmerr.New(pmerr.CategoryCatalog, pmerr.CodeBadManifest, "manifest is not valid JSON", map[string]any{"cause": err.Error()})
	}
	if raw.Format == "" || raw.Packages == nil {
		return nil, pmerr.New(pmerr.CategoryCatalog, pmerr.CodeBadManifest, "manifest must have a string \"format\" and an array \"packages\"", nil)
	}
	if err := checkFormatVersion(raw.Format); err != nil {
		return nil, err
	}

	p := &parsedCatalog{
		tree:     model.NewTree(),
		byName:   make(map[string]*model.Package),
		bySHA256: make(map[string]*model.Package),
		bySHA1:   make(map[string]*model.Package),
		byMD5:    make(map[string]*model.Package),
		byUnique: make(map[string]*model.Package),
	}

	for _, rp := range raw.Packages {
		if rp.Zipped != "" {
			return nil, pmerr.New(pmerr.CategoryCatalog, pmerr.CodeBadManifest, fmt.Sprintf("root package %q must not declare zipped", rp.Name), nil)
		}
		node := p.tree.AddRoot(model.Package{
			Name: rp.Name, File: rp.File, Size: rp.Size,
			SHA256: rp.SHA256, SHA1: rp.SHA1, MD5: rp.MD5, Source: rp.Source,
		})
		if err := p.index(node); err != nil {
			return nil, err
		}
		if err := addChildren(p, node, rp.Packages); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func addChildren(p *parsedCatalog, parent *model.Package, raws []rawPackage) error {
	for _, rc := range raws {
		if rc.Zipped == "" {
			return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeBadManifest, fmt.Sprintf("child package %q must declare zipped", rc.Name), nil)
		}
		z, err := parseZipped(rc.Zipped)
		if err != nil {
			return err
		}
		node := p.tree.AddChild(parent, model.Package{
			Name: rc.Name, File: rc.File, Size: rc.Size,
			SHA256: rc.SHA256, SHA1: rc.SHA1, MD5: rc.MD5, Source: rc.Source,
			Zipped: z,
		})
		if err := p.index(node); err != nil {
			return err
		}
		if err := addChildren(p, node, rc.Packages); err != nil {
			return err
		}
	}
	return nil
}

func parseZipped(s string) (*model.Zipped, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return nil, pmerr.New(pmerr.CategoryCatalog, pmerr.CodeBadManifest, fmt.Sprintf("malformed zipped value %q", s), nil)
	}
	method, err1 := strconv.ParseUint(parts[0], 10, 16)
	offset, err2 := strconv.ParseUint(parts[1], 10, 64)
	size, err3 := strconv.ParseUint(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, pmerr.New(pmerr.CategoryCatalog, pmerr.CodeBadManifest, fmt.Sprintf("malformed zipped value %q", s), nil)
	}
	return &model.Zipped{Method: uint16(method), OffsetCompressed: offset, SizeCompressed: size}, nil
}

// index registers node in every applicable map, failing with
// DuplicateName/DuplicateHash on any collision across the whole tree
// (children included).
func (p *parsedCatalog) index(node *model.Package) error {
	if _, dup := p.byName[node.Name]; dup {
		return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeDuplicateName, fmt.Sprintf("duplicate package name %q", node.Name), nil)
	}
	if _, dup := p.byUnique[node.Name]; dup {
		return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeDuplicateName, fmt.Sprintf("duplicate package name %q", node.Name), nil)
	}
	p.byName[node.Name] = node
	p.byUnique[node.Name] = node

	if node.SHA256 != "" {
		if _, dup := p.bySHA256[node.SHA256]; dup {
			return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeDuplicateHash, fmt.Sprintf("duplicate sha256 %q", node.SHA256), nil)
		}
		if _, dup := p.byUnique[node.SHA256]; dup {
			return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeDuplicateHash, fmt.Sprintf("duplicate hash %q", node.SHA256), nil)
		}
		p.bySHA256[node.SHA256] = node
		p.byUnique[node.SHA256] = node
	}
	if node.SHA1 != "" {
		if _, dup := p.byUnique[node.SHA1]; dup {
			return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeDuplicateHash, fmt.Sprintf("duplicate hash %q", node.SHA1), nil)
		}
		p.bySHA1[node.SHA1] = node
		p.byUnique[node.SHA1] = node
	}
	if node.MD5 != "" {
		if _, dup := p.byUnique[node.MD5]; dup {
			return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeDuplicateHash, fmt.Sprintf("duplicate hash %q", node.MD5), nil)
		}
		p.byMD5[node.MD5] = node
		p.byUnique[node.MD5] = node
	}
	return nil
}

// checkFormatVersion accepts only the compiled major, and rejects a
// minor newer than the compiled minor: an older minor is assumed
// forward-compatible, a newer one may use fields this build doesn't
// know to validate.
func checkFormatVersion(format string) error {
	parts := strings.SplitN(format, ".", 2)
	if len(parts) != 2 {
		return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeBadManifest, fmt.Sprintf("format %q is not MAJOR.MINOR", format), nil)
	}
	v, err := semver.NewVersion(format + ".0")
	if err != nil {
		return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeBadManifest, fmt.Sprintf("format %q is not a valid version", format), nil)
	}
	if v.Major() != CompiledMajor {
		return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeFormatMajorMismatch,
			fmt.Sprintf("manifest format major %d does not match compiled major %d", v.Major(), CompiledMajor), nil)
	}
	if v.Minor() > CompiledMinor {
		return pmerr.New(pmerr.CategoryCatalog, pmerr.CodeFormatMinorTooNew,
			fmt.Sprintf("manifest format minor %d is newer than compiled minor %d", v.Minor(), CompiledMinor), nil)
	}
	return nil
}

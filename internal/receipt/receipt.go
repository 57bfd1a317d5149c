// Package receipt reads and writes per-package install receipts under
// a per-package meta directory. A receipt's presence is the
// authoritative signal that a package is installed.
package receipt

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/shockpkg-go/shockpkg/internal/model"
	"github.com/shockpkg-go/shockpkg/internal/pmerr"
)

// Receipt is the on-disk record written at the end of a successful
// install. SHA1/MD5 are omitted when the source Package didn't
// declare them and are never required when reading one back.
type Receipt struct {
	Name   string `json:"name"`
	File   string `json:"file"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	SHA1   string `json:"sha1,omitempty"`
	MD5    string `json:"md5,omitempty"`
	Source string `json:"source"`
}

// FromPackage builds the Receipt that a successful install of pkg
// must write.
func FromPackage(pkg *model.Package) Receipt {
	return Receipt{
		Name: pkg.Name, File: pkg.File, Size: pkg.Size,
		SHA256: pkg.SHA256, SHA1: pkg.SHA1, MD5: pkg.MD5, Source: pkg.Source,
	}
}

// IsCurrent reports whether the receipt still agrees with pkg on the
// fields that define "current" (name, file, size, sha256); source is
// informational only and never makes a receipt stale by itself.
func (r Receipt) IsCurrent(pkg *model.Package) bool {
	return r.Name == pkg.Name && r.File == pkg.File && r.Size == pkg.Size && r.SHA256 == pkg.SHA256
}

// Store reads/writes receipts under <root>/<name>/.meta/package.json.
type Store struct {
	root string
}

// NewStore builds a Store rooted at the installation directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name, ".meta", "package.json")
}

// Load reads the receipt for name. Returns (Receipt{}, false, nil) if
// no receipt exists; any other I/O or parse error is returned.
func (s *Store) Load(name string) (Receipt, bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Receipt{}, false, nil
		}
		return Receipt{}, false, pmerr.Filesystem("read_receipt", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, false, pmerr.New(pmerr.CategoryFilesystem, "FS_BAD_RECEIPT", "receipt is not valid JSON", nil)
	}
	return r, true, nil
}

// Exists reports whether a receipt is present for name, without
// parsing it.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Save writes r for name atomically: write to a temp file in the same
// directory, then rename over the final path, so a crash mid-write
// never leaves a half-written receipt that could be misread as
// installed.
func (s *Store) Save(name string, r Receipt) error {
	metaDir := filepath.Join(s.root, name, ".meta")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return pmerr.Filesystem("mkdir_meta", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(metaDir, "package.json.tmp-*")
	if err != nil {
		return pmerr.Filesystem("create_temp_receipt", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return pmerr.Filesystem("write_temp_receipt", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return pmerr.Filesystem("close_temp_receipt", err)
	}
	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		os.Remove(tmpPath)
		return pmerr.Filesystem("rename_receipt", err)
	}
	return nil
}

// Delete removes the receipt for name, if any. This is the first step
// of a package removal, so a partially removed slot never appears
// installed.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return pmerr.Filesystem("remove_receipt", err)
	}
	return nil
}

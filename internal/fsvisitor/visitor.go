// Package fsvisitor implements C8: path canonicalization, file-vs-app
// classification, and modification-time-filtered directory
// enumeration.
package fsvisitor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"csrd/internal/wire"
)

// blacklistPrefixes short-circuit canonicalization silently before
// any stat is attempted (§4.6).
var blacklistPrefixes = []string{"/proc", "/sys", "/dev"}

// defaultAppRootTemplates are regex-anchored directory templates
// identifying an installed application's root directory and capturing
// its package id; IsAppRoot, Create and Walk use them when passed nil
// templates.
var defaultAppRootTemplates = []*regexp.Regexp{
	regexp.MustCompile(`^(/opt/usr/apps/([^/]+))(?:/|$)`),
	regexp.MustCompile(`^(/usr/apps/([^/]+))(?:/|$)`),
}

// Canonicalize resolves path in two stages, deliberately kept
// separate per §9 "Path canonicalization": first a pure lexical
// clean (rejecting any remaining ".." escape), then a realpath
// resolution through symlinks. The lexical stage alone is unit
// testable without touching the filesystem.
func Canonicalize(path string) (string, error) {
	cleaned, err := lexicalClean(path)
	if err != nil {
		return "", err
	}
	for _, prefix := range blacklistPrefixes {
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return "", wire.ErrFileDoNotExist
		}
	}
	real, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return "", wire.ErrFileDoNotExist
		}
		return "", fmt.Errorf("fsvisitor: resolving %s: %w", path, err)
	}
	return real, nil
}

// lexicalClean performs the pure, filesystem-free half of
// Canonicalize: it is exported indirectly through Canonicalize but
// kept separate so invalid traversal can be rejected before any stat.
func lexicalClean(path string) (string, error) {
	if path == "" {
		return "", wire.ErrInvalidParameter
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return "", wire.ErrInvalidParameter
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", wire.ErrInvalidParameter
	}
	return cleaned, nil
}

// File is one canonicalized, classified filesystem target.
type File struct {
	Path    string
	IsDir   bool
	InApp   bool
	PkgID   string
	PkgRoot string
	ModTime time.Time
}

// IsAppRoot reports whether path lies under a configured app-root
// template, and if so returns the matched package id and root.
func IsAppRoot(path string, templates []*regexp.Regexp) (ok bool, pkgID, pkgRoot string) {
	if templates == nil {
		templates = defaultAppRootTemplates
	}
	for _, re := range templates {
		m := re.FindStringSubmatch(path)
		if m != nil {
			return true, m[2], m[1]
		}
	}
	return false, "", ""
}

// Create resolves path (File mode, §4.6): if it lies inside an app,
// the app root is reported instead and the caller is expected to
// scan the app as a unit.
func Create(path string, templates []*regexp.Regexp) (File, error) {
	real, err := Canonicalize(path)
	if err != nil {
		return File{}, err
	}
	info, err := os.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, wire.ErrFileDoNotExist
		}
		return File{}, fmt.Errorf("fsvisitor: stat %s: %w", real, err)
	}
	if ok, pkgID, pkgRoot := IsAppRoot(real, templates); ok {
		rootInfo, err := os.Stat(pkgRoot)
		if err != nil {
			return File{}, wire.ErrFileDoNotExist
		}
		return File{
			Path: pkgRoot, IsDir: true, InApp: true,
			PkgID: pkgID, PkgRoot: pkgRoot, ModTime: rootInfo.ModTime(),
		}, nil
	}
	return File{Path: real, IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

// Walk enumerates files under dir whose mtime exceeds since
// (Recursive mode, §4.6). Each regular file newer than since is
// passed to visit; a subdirectory that is itself an app-root is
// emitted once (without descending further). visit returning false
// stops the walk early — the cooperative-cancellation boundary scan
// loops use to honor a job's stop flag.
func Walk(dir string, since time.Time, templates []*regexp.Regexp, visit func(File) bool) error {
	real, err := Canonicalize(dir)
	if err != nil {
		return err
	}
	stopped := false
	err = filepath.Walk(real, func(p string, info os.FileInfo, err error) error {
		if stopped {
			return filepath.SkipDir
		}
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			if p == real {
				return nil
			}
			if ok, pkgID, pkgRoot := IsAppRoot(p, templates); ok && pkgRoot == p {
				if !visit(File{Path: pkgRoot, IsDir: true, InApp: true, PkgID: pkgID, PkgRoot: pkgRoot, ModTime: info.ModTime()}) {
					stopped = true
				}
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if !info.ModTime().After(since) {
			return nil
		}
		if !visit(File{Path: p, ModTime: info.ModTime()}) {
			stopped = true
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && !stopped {
		return fmt.Errorf("fsvisitor: walking %s: %w", dir, err)
	}
	return nil
}

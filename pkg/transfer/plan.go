// Package transfer uploads a local file or directory tree to a remote host over
// SFTP, optionally restricted to a selection of files.
package transfer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Error is a failure that aborted a transfer. Files copied before it remain on
// the remote host.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("transfer %s %s: %v", e.Op, e.Path, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Plan is the resolved work of one upload. It is computed before anything is
// copied and not changed afterwards.
type Plan struct {
	Root   string
	Remote string
	IsDir  bool
	// Selected holds root-relative slash paths; nil means every file.
	Selected map[string]struct{}
	// DirPrefixes holds the proper ancestors of every selected file.
	DirPrefixes map[string]struct{}
	// Dirs and Files are root-relative slash paths in walk order. The root
	// directory itself is "".
	Dirs  []string
	Files []string
}

func (p *Plan) Total() int { return len(p.Files) }

// NewPlan walks localPath and resolves the directories to create and the files
// to copy. A remotePath ending in "/" receives the base name of localPath. The
// selection is ignored when localPath is a single file.
func NewPlan(localPath, remotePath string, selection []string) (*Plan, error) {
	root := filepath.Clean(localPath)
	info, err := os.Stat(root)
	if err != nil {
		return nil, &Error{Op: "stat", Path: localPath, Err: err}
	}
	if strings.HasSuffix(remotePath, "/") {
		remotePath += filepath.Base(root)
	}

	p := &Plan{Root: root, Remote: remotePath, IsDir: info.IsDir()}
	if !p.IsDir {
		p.Files = []string{filepath.Base(root)}
		return p, nil
	}

	if selection != nil {
		p.Selected = make(map[string]struct{}, len(selection))
		p.DirPrefixes = make(map[string]struct{})
		for _, rel := range selection {
			rel = strings.Trim(filepath.ToSlash(rel), "/")
			if rel == "" {
				continue
			}
			p.Selected[rel] = struct{}{}
			for _, prefix := range ancestors(rel) {
				p.DirPrefixes[prefix] = struct{}{}
			}
		}
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			p.Dirs = append(p.Dirs, "")
			return nil
		}
		if d.IsDir() {
			if p.DirPrefixes != nil {
				if _, ok := p.DirPrefixes[rel]; !ok {
					return filepath.SkipDir
				}
			}
			p.Dirs = append(p.Dirs, rel)
			return nil
		}
		if !isRegularFile(path, d) {
			return nil
		}
		if p.Selected != nil {
			if _, ok := p.Selected[rel]; !ok {
				return nil
			}
		}
		p.Files = append(p.Files, rel)
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "walk", Path: localPath, Err: err}
	}
	return p, nil
}

// isRegularFile accepts regular files and symlinks resolving to one.
func isRegularFile(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ancestors returns the proper ancestor directories of a slash path, outermost
// first: "a/b/c.txt" yields "a" and "a/b".
func ancestors(rel string) []string {
	parts := strings.Split(rel, "/")
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}

// Prefixes returns DirPrefixes sorted.
func (p *Plan) Prefixes() []string {
	out := make([]string, 0, len(p.DirPrefixes))
	for prefix := range p.DirPrefixes {
		out = append(out, prefix)
	}
	sort.Strings(out)
	return out
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// scanParallelism bounds concurrent manifest reads during a scan. Roots
// routinely sit on network filesystems; a bounded fan-out keeps scans
// fast without stampeding the mount.
const scanParallelism = 8

// Discovered is one extension found on disk: its validated manifest and
// the directory it was read from.
type Discovered struct {
	Manifest *Manifest
	Dir      string
}

// Scanner finds extensions under a list of root directories. Each
// immediate subdirectory of a root that contains an extension.yaml is a
// candidate; everything else is ignored.
type Scanner struct {
	roots  []string
	logger *slog.Logger
}

// NewScanner builds a scanner over the given roots. Root order is
// preserved in scan results, which makes it the duplicate-resolution
// order: earlier roots win.
func NewScanner(roots []string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{roots: roots, logger: logger}
}

// Scan walks every root and returns the valid extensions it found, in
// root order then lexical directory order within each root. Directories
// with invalid manifests are logged and skipped so one broken extension
// never blocks the rest; missing or unreadable roots are logged and
// skipped too. Scan fails only when the context is done.
func (s *Scanner) Scan(ctx context.Context) ([]Discovered, error) {
	var out []Discovered
	for _, root := range s.roots {
		found, err := s.scanRoot(ctx, root)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (s *Scanner) scanRoot(ctx context.Context, root string) ([]Discovered, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("extension root does not exist, skipping", "root", root)
		} else {
			s.logger.Error("cannot read extension root", "root", root, "error", err)
		}
		return nil, nil
	}

	// os.ReadDir sorts by name; index into results keeps that order
	// stable across the fan-out.
	results := make([]*Discovered, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanParallelism)

	for i, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		i, entry := i, entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dir := filepath.Join(root, entry.Name())
			d, err := s.probe(dir)
			if err != nil {
				s.logger.Warn("skipping extension with invalid manifest",
					"dir", dir, "error", err)
				return nil
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	found := make([]Discovered, 0, len(entries))
	for _, d := range results {
		if d != nil {
			found = append(found, *d)
		}
	}
	return found, nil
}

// probe reads and validates one candidate directory. A directory without
// a manifest is not an extension and yields (nil, nil).
func (s *Scanner) probe(dir string) (*Discovered, error) {
	d, err := Probe(dir)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("no manifest in directory, skipping", "dir", dir)
		return nil, nil
	}
	return d, err
}

// Probe reads and validates one extension directory's manifest. It is
// the single-directory form of a scan, shared with the validate and
// list commands. A directory without a manifest fails with an error
// matching fs.ErrNotExist.
func Probe(dir string) (*Discovered, error) {
	path := filepath.Join(dir, ManifestFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}

	if err := ValidateSchema(raw); err != nil {
		return nil, decorate(err, path)
	}
	man, err := ParseManifest(raw)
	if err != nil {
		return nil, decorate(err, path)
	}
	return &Discovered{Manifest: man, Dir: dir}, nil
}

// decorate stamps the manifest path onto a ManifestError that was built
// without one.
func decorate(err error, path string) error {
	var merr *ManifestError
	if errors.As(err, &merr) && merr.Path == "" {
		merr.Path = path
	}
	return err
}

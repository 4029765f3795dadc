// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension_test

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cradlehq/cradle/internal/extension"
)

// Helper functions for creating extension fixtures with secure permissions.
func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

func writeExtension(t *testing.T, root, dir, manifest string) string {
	t.Helper()
	extDir := filepath.Join(root, dir)
	mkdirAll(t, extDir)
	writeFile(t, filepath.Join(extDir, extension.ManifestFileName), []byte(manifest))
	return extDir
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanner_FindsExtensions(t *testing.T) {
	root := filepath.Join(t.TempDir(), "extensions")

	echoDir := writeExtension(t, root, "echo-bot", `
id: echo-bot
version: 1.0.0
entry_reference: lua:main.lua
`)
	writeFile(t, filepath.Join(echoDir, "main.lua"), []byte("-- entry"))

	s := extension.NewScanner([]string{root}, quietLogger())
	found, err := s.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, "echo-bot", found[0].Manifest.ID)
	assert.Equal(t, echoDir, found[0].Dir)
}

func TestScanner_SkipsInvalidManifests(t *testing.T) {
	root := filepath.Join(t.TempDir(), "extensions")

	writeExtension(t, root, "valid", `
id: valid
version: 1.0.0
entry_reference: lua:main.lua
`)
	writeExtension(t, root, "broken-yaml", "id: [unclosed")
	writeExtension(t, root, "bad-version", `
id: bad-version
version: not-semver
entry_reference: lua:main.lua
`)

	s := extension.NewScanner([]string{root}, quietLogger())
	found, err := s.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, found, 1, "only the valid extension should survive")
	assert.Equal(t, "valid", found[0].Manifest.ID)
}

func TestScanner_LexicalOrderWithinRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "extensions")

	for _, id := range []string{"zeta", "alpha", "midway"} {
		writeExtension(t, root, id, `
id: `+id+`
version: 1.0.0
entry_reference: lua:main.lua
`)
	}

	s := extension.NewScanner([]string{root}, quietLogger())
	found, err := s.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, found, 3)
	assert.Equal(t, "alpha", found[0].Manifest.ID)
	assert.Equal(t, "midway", found[1].Manifest.ID)
	assert.Equal(t, "zeta", found[2].Manifest.ID)
}

func TestScanner_RootOrderAcrossRoots(t *testing.T) {
	first := filepath.Join(t.TempDir(), "first")
	second := filepath.Join(t.TempDir(), "second")

	writeExtension(t, first, "zz-from-first", `
id: zz-from-first
version: 1.0.0
entry_reference: lua:main.lua
`)
	writeExtension(t, second, "aa-from-second", `
id: aa-from-second
version: 1.0.0
entry_reference: lua:main.lua
`)

	s := extension.NewScanner([]string{first, second}, quietLogger())
	found, err := s.Scan(context.Background())
	require.NoError(t, err)

	// Root order beats lexical order across roots.
	require.Len(t, found, 2)
	assert.Equal(t, "zz-from-first", found[0].Manifest.ID)
	assert.Equal(t, "aa-from-second", found[1].Manifest.ID)
}

func TestScanner_MissingRootIsNotAnError(t *testing.T) {
	s := extension.NewScanner([]string{filepath.Join(t.TempDir(), "nope")}, quietLogger())
	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestScanner_SkipsFilesAndBareDirectories(t *testing.T) {
	root := filepath.Join(t.TempDir(), "extensions")
	mkdirAll(t, root)

	writeFile(t, filepath.Join(root, "README.md"), []byte("not an extension"))
	mkdirAll(t, filepath.Join(root, "no-manifest-here"))
	writeExtension(t, root, "real", `
id: real
version: 1.0.0
entry_reference: lua:main.lua
`)

	s := extension.NewScanner([]string{root}, quietLogger())
	found, err := s.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, "real", found[0].Manifest.ID)
}

func TestScanner_CanceledContext(t *testing.T) {
	root := filepath.Join(t.TempDir(), "extensions")
	writeExtension(t, root, "echo", `
id: echo
version: 1.0.0
entry_reference: lua:main.lua
`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := extension.NewScanner([]string{root}, quietLogger())
	_, err := s.Scan(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbe_ValidDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "extensions")
	dir := writeExtension(t, root, "echo", `
id: echo
version: 1.0.0
entry_reference: lua:main.lua
`)

	d, err := extension.Probe(dir)
	require.NoError(t, err)
	assert.Equal(t, "echo", d.Manifest.ID)
	assert.Equal(t, dir, d.Dir)
}

func TestProbe_MissingManifest(t *testing.T) {
	_, err := extension.Probe(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestProbe_InvalidManifest(t *testing.T) {
	root := filepath.Join(t.TempDir(), "extensions")
	dir := writeExtension(t, root, "bad", `
id: bad
version: not-semver
entry_reference: lua:main.lua
`)

	_, err := extension.Probe(dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
}

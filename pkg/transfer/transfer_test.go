package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/devterm/internal/sshtest"
	"github.com/andrej220/devterm/pkg/executor"
	"github.com/andrej220/devterm/pkg/profile"
)

type memFile struct {
	fs   *memFS
	path string
	buf  bytes.Buffer
}

func (f *memFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *memFile) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.fs.files[f.path] = f.buf.String()
	return nil
}

type memFS struct {
	mu         sync.Mutex
	dirs       []string
	files      map[string]string
	modes      map[string]os.FileMode
	failCreate string
}

func newMemFS() *memFS {
	return &memFS{files: map[string]string{}, modes: map[string]os.FileMode{}}
}

func (m *memFS) MkdirAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, p)
	return nil
}

func (m *memFS) Create(p string) (io.WriteCloser, error) {
	if p == m.failCreate {
		return nil, errors.New("permission denied")
	}
	return &memFile{fs: m, path: p}, nil
}

func (m *memFS) Chmod(p string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[p] = mode
	return nil
}

func (m *memFS) fileNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeTree creates files (slash paths relative to root) with their own path as content.
func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, rel := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(rel), 0o644))
	}
}

func TestNewPlan(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a/x.txt", "a/y.txt", "b/z.txt", "a/deep/er/w.txt", "top.txt")

	tests := []struct {
		name      string
		selection []string
		dirs      []string
		files     []string
		prefixes  []string
	}{
		{
			name:  "everything",
			dirs:  []string{"", "a", "a/deep", "a/deep/er", "b"},
			files: []string{"a/deep/er/w.txt", "a/x.txt", "a/y.txt", "b/z.txt", "top.txt"},
		},
		{
			name:      "single selected file",
			selection: []string{"a/x.txt"},
			dirs:      []string{"", "a"},
			files:     []string{"a/x.txt"},
			prefixes:  []string{"a"},
		},
		{
			name:      "nested selection creates every ancestor",
			selection: []string{"a/deep/er/w.txt", "top.txt"},
			dirs:      []string{"", "a", "a/deep", "a/deep/er"},
			files:     []string{"a/deep/er/w.txt", "top.txt"},
			prefixes:  []string{"a", "a/deep", "a/deep/er"},
		},
		{
			name:      "unknown selection copies nothing",
			selection: []string{"c/missing.txt"},
			dirs:      []string{""},
			files:     nil,
			prefixes:  []string{"c"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewPlan(root, "/srv/app", tt.selection)
			require.NoError(t, err)
			assert.True(t, plan.IsDir)
			assert.Equal(t, tt.dirs, plan.Dirs)
			assert.Equal(t, tt.files, plan.Files)
			assert.Equal(t, len(tt.files), plan.Total())
			if tt.selection != nil {
				assert.Equal(t, tt.prefixes, plan.Prefixes())
			}
		})
	}
}

func TestPlanTrailingSlash(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, "proj/main.go", "notes.txt")

	plan, err := NewPlan(filepath.Join(dir, "notes.txt"), "/srv/", []string{"ignored"})
	require.NoError(t, err)
	assert.False(t, plan.IsDir)
	assert.Equal(t, "/srv/notes.txt", plan.Remote)
	assert.Equal(t, 1, plan.Total())
	assert.Nil(t, plan.Selected)

	plan, err = NewPlan(filepath.Join(dir, "proj")+"/", "/srv/", nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/proj", plan.Remote)
}

func TestPlanMissingSource(t *testing.T) {
	_, err := NewPlan(filepath.Join(t.TempDir(), "absent"), "/srv/", nil)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "stat", terr.Op)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadSelection(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a/x.txt", "a/y.txt", "b/z.txt")
	fs := newMemFS()
	var progress []Progress

	sum, err := (&Uploader{FS: fs}).Upload(context.Background(), root, "/srv/app", []string{"a/x.txt"},
		func(p Progress) { progress = append(progress, p) })

	require.NoError(t, err)
	assert.Equal(t, Summary{Uploaded: 1}, sum)
	assert.Equal(t, []string{"/srv/app", "/srv/app/a"}, fs.dirs)
	assert.Equal(t, []string{"/srv/app/a/x.txt"}, fs.fileNames())
	assert.Equal(t, "a/x.txt", fs.files["/srv/app/a/x.txt"])
	assert.Equal(t, []Progress{{Uploaded: 1, Total: 1, File: "x.txt"}}, progress)
}

func TestUploadProgressIsMonotonic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a/x.txt", "a/y.txt", "b/z.txt")
	var progress []Progress

	sum, err := (&Uploader{FS: newMemFS()}).Upload(context.Background(), root, "/srv/app", nil,
		func(p Progress) { progress = append(progress, p) })

	require.NoError(t, err)
	assert.Equal(t, 3, sum.Uploaded)
	require.Len(t, progress, 3)
	for i, p := range progress {
		assert.Equal(t, i+1, p.Uploaded)
		assert.Equal(t, 3, p.Total)
	}
	assert.Equal(t, "z.txt", progress[2].File)
}

func TestUploadSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, "run.sh")
	require.NoError(t, os.Chmod(filepath.Join(dir, "run.sh"), 0o750))
	fs := newMemFS()

	sum, err := (&Uploader{FS: fs}).Upload(context.Background(), filepath.Join(dir, "run.sh"), "/opt/bin/", nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, sum.Uploaded)
	assert.Equal(t, []string{"/opt/bin"}, fs.dirs)
	assert.Equal(t, "run.sh", fs.files["/opt/bin/run.sh"])
	assert.Equal(t, os.FileMode(0o750), fs.modes["/opt/bin/run.sh"])

	fs = newMemFS()
	_, err = (&Uploader{FS: fs}).Upload(context.Background(), filepath.Join(dir, "run.sh"), "run.sh", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, fs.dirs)
}

func TestUploadFirstErrorAborts(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.txt", "b.txt", "c.txt")
	fs := newMemFS()
	fs.failCreate = "/dst/b.txt"
	var progress []Progress

	sum, err := (&Uploader{FS: fs}).Upload(context.Background(), root, "/dst", nil,
		func(p Progress) { progress = append(progress, p) })

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "create", terr.Op)
	assert.Equal(t, "/dst/b.txt", terr.Path)
	assert.Equal(t, 1, sum.Uploaded)
	assert.Len(t, progress, 1)
	assert.Equal(t, []string{"/dst/a.txt"}, fs.fileNames())
}

func TestUploadCanceled(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.txt")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Uploader{FS: newMemFS()}).Upload(ctx, root, "/dst", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineTransferOverSFTP(t *testing.T) {
	srv := sshtest.Start(t, nil)
	p := profile.Profile{
		ID: "box", Host: srv.Host(), Port: srv.Port(),
		Username: sshtest.User, AuthKind: profile.AuthPassword, Password: sshtest.Password,
	}
	dialer, err := executor.NewDialer(executor.DialerOptions{ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	engine := &Engine{Connector: &executor.Connector{Resolver: profile.Static{p.ID: p}, Dialer: dialer}}

	src := t.TempDir()
	writeTree(t, src, "a/x.txt", "a/y.txt", "b/z.txt")
	dst := filepath.ToSlash(t.TempDir())

	// an existing remote directory is not an error
	require.NoError(t, os.MkdirAll(filepath.Join(dst, "app", "a"), 0o755))

	sum, err := engine.Transfer(context.Background(), "box", src, dst+"/app", []string{"a/x.txt"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Uploaded)

	got, err := os.ReadFile(filepath.Join(dst, "app", "a", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a/x.txt", string(got))
	assert.NoFileExists(t, filepath.Join(dst, "app", "a", "y.txt"))
	assert.NoDirExists(t, filepath.Join(dst, "app", "b"))
}

func TestEngineUnknownProfile(t *testing.T) {
	dialer, err := executor.NewDialer(executor.DialerOptions{})
	require.NoError(t, err)
	engine := &Engine{Connector: &executor.Connector{Resolver: profile.Static{}, Dialer: dialer}}

	_, err = engine.Transfer(context.Background(), "nope", t.TempDir(), "/srv/", nil, nil)
	assert.ErrorIs(t, err, profile.ErrNotFound)
}

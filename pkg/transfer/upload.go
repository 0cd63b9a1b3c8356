package transfer

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"

	"github.com/andrej220/devterm/pkg/lg"
)

// RemoteFS is the remote side of a transfer.
type RemoteFS interface {
	// MkdirAll creates path and its parents; existing directories are not an error.
	MkdirAll(path string) error
	Create(path string) (io.WriteCloser, error)
	Chmod(path string, mode os.FileMode) error
}

type Progress struct {
	Uploaded int    `json:"uploaded"`
	Total    int    `json:"total"`
	File     string `json:"file"`
}

type ProgressFunc func(Progress)

type Summary struct {
	Uploaded int `json:"uploaded"`
}

type Uploader struct {
	FS     RemoteFS
	Logger lg.Logger
}

// Upload plans and runs a transfer of localPath to remotePath.
func (u *Uploader) Upload(ctx context.Context, localPath, remotePath string, selection []string, onProgress ProgressFunc) (Summary, error) {
	plan, err := NewPlan(localPath, remotePath, selection)
	if err != nil {
		return Summary{}, err
	}
	return u.Run(ctx, plan, onProgress)
}

// Run creates the planned directories and copies the planned files in order.
// onProgress is called after each file. The first error stops the transfer.
func (u *Uploader) Run(ctx context.Context, plan *Plan, onProgress ProgressFunc) (Summary, error) {
	logger := lg.OrDiscard(u.Logger)
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	total := plan.Total()

	if !plan.IsDir {
		if i := strings.LastIndex(plan.Remote, "/"); i > 0 {
			if err := u.FS.MkdirAll(plan.Remote[:i]); err != nil {
				return Summary{}, &Error{Op: "mkdir", Path: plan.Remote[:i], Err: err}
			}
		}
		if err := u.copyFile(plan.Root, plan.Remote); err != nil {
			return Summary{}, err
		}
		onProgress(Progress{Uploaded: 1, Total: 1, File: filepath.Base(plan.Root)})
		return Summary{Uploaded: 1}, nil
	}

	for _, dir := range plan.Dirs {
		remoteDir := remoteJoin(plan.Remote, dir)
		if err := u.FS.MkdirAll(remoteDir); err != nil {
			return Summary{}, &Error{Op: "mkdir", Path: remoteDir, Err: err}
		}
	}

	var sum Summary
	for _, rel := range plan.Files {
		if err := ctx.Err(); err != nil {
			return sum, &Error{Op: "copy", Path: rel, Err: err}
		}
		local := filepath.Join(plan.Root, filepath.FromSlash(rel))
		if err := u.copyFile(local, remoteJoin(plan.Remote, rel)); err != nil {
			return sum, err
		}
		sum.Uploaded++
		onProgress(Progress{Uploaded: sum.Uploaded, Total: total, File: path.Base(rel)})
	}

	logger.Info("upload finished",
		lg.String("local", plan.Root), lg.String("remote", plan.Remote), lg.Int("files", sum.Uploaded))
	return sum, nil
}

func (u *Uploader) copyFile(local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return &Error{Op: "open", Path: local, Err: err}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return &Error{Op: "open", Path: local, Err: err}
	}

	dst, err := u.FS.Create(remote)
	if err != nil {
		return &Error{Op: "create", Path: remote, Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return &Error{Op: "copy", Path: remote, Err: err}
	}
	if err := dst.Close(); err != nil {
		return &Error{Op: "copy", Path: remote, Err: err}
	}
	if err := u.FS.Chmod(remote, info.Mode().Perm()); err != nil {
		lg.OrDiscard(u.Logger).Warn("failed to set permissions on remote file",
			lg.String("path", remote), lg.Err(err))
	}
	return nil
}

func remoteJoin(base, rel string) string {
	if rel == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + rel
}

// SFTP adapts an *sftp.Client to RemoteFS.
type SFTP struct {
	Client *sftp.Client
}

func (s SFTP) MkdirAll(p string) error { return s.Client.MkdirAll(p) }

func (s SFTP) Create(p string) (io.WriteCloser, error) { return s.Client.Create(p) }

func (s SFTP) Chmod(p string, mode os.FileMode) error { return s.Client.Chmod(p, mode) }

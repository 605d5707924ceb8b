package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/nghyane/llm-rotor/internal/logging"
)

// Remote is a read-only credential source. Fetch returns the remote's
// credential files keyed by bare filename.
type Remote interface {
	Name() string
	Fetch(ctx context.Context) (map[string][]byte, error)
}

// NewRemote builds the backend for a SYNC_REMOTE value: "git+<url>" clones
// into cacheDir, "s3://bucket/prefix" lists the prefix. token is the git
// token or "access:secret" for S3.
func NewRemote(remoteURL, token, cacheDir string) (Remote, error) {
	switch {
	case remoteURL == "":
		return nil, errors.New("empty sync remote")
	case strings.HasPrefix(remoteURL, "git+"):
		return newGitRemote(strings.TrimPrefix(remoteURL, "git+"), token, cacheDir)
	case strings.HasPrefix(remoteURL, "s3://"):
		return newS3Remote(remoteURL, token)
	default:
		return nil, fmt.Errorf("unsupported sync remote %q (want git+https://... or s3://bucket/prefix)", remoteURL)
	}
}

// Report summarises one sync pass.
type Report struct {
	Added     int
	Updated   int
	Removed   int
	Unchanged int
	Kept      int
}

func (r *Report) String() string {
	return fmt.Sprintf("%d added, %d updated, %d removed, %d unchanged, %d kept local",
		r.Added, r.Updated, r.Removed, r.Unchanged, r.Kept)
}

// Sync mirrors the remote into dir. Remote files are written with the
// manifest marking them remote-managed; files the remote dropped are
// deleted; local files the manifest does not claim stay untouched, even
// on a name collision.
func Sync(ctx context.Context, remote Remote, dir string) (*Report, error) {
	files, err := remote.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync from %s: %w", remote.Name(), err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	manifest := LoadManifest(dir)
	report := &Report{}
	for name, content := range files {
		if !safeName(name) {
			log.Warnf("sync: skipping remote file with unsafe name %q", name)
			continue
		}
		local, readErr := os.ReadFile(filepath.Join(dir, name))
		existed := readErr == nil
		switch {
		case existed && bytes.Equal(local, content):
			manifest.Mark(name, content, true)
			report.Unchanged++
			continue
		case existed && !manifest.FromRemote(name):
			log.Warnf("sync: %s differs from remote but is not remote-managed, keeping local copy", name)
			report.Kept++
			continue
		}
		if err := writeFile(dir, name, content); err != nil {
			return report, err
		}
		manifest.Mark(name, content, true)
		if existed {
			report.Updated++
		} else {
			report.Added++
		}
	}

	for _, name := range manifest.Orphans(files) {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			log.Warnf("sync: removing orphan %s: %v", name, err)
			continue
		}
		manifest.Forget(name)
		report.Removed++
	}

	manifest.LastSync = time.Now()
	if err := manifest.Save(dir); err != nil {
		return report, err
	}
	log.Infof("sync from %s: %s", remote.Name(), report)
	return report, nil
}

// safeName admits bare filenames only: no path separators, no dotfiles
// (which also covers the manifest itself).
func safeName(name string) bool {
	return name != "" &&
		!strings.ContainsAny(name, `/\`) &&
		!strings.HasPrefix(name, ".")
}

func writeFile(dir, name string, content []byte) error {
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readCredentialFiles lists the top-level .json files of dir, the shape
// both backends and the local credential directory share.
func readCredentialFiles(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !safeName(name) || !strings.HasSuffix(name, ".json") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		files[name] = content
	}
	return files, nil
}

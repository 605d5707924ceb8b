// Package store mirrors the credential directory from a remote store (git
// repository or S3 prefix) before discovery runs. A manifest distinguishes
// remote-managed files from local additions: local-only files survive every
// sync, remote-managed files disappear when the remote drops them.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/nghyane/llm-rotor/internal/json"
)

// ManifestFileName sits inside the credential directory and records which
// files the remote owns.
const ManifestFileName = ".llm-rotor-manifest.json"

// Manifest tracks remote-managed files across syncs.
type Manifest struct {
	LastSync time.Time           `json:"last_sync"`
	Files    map[string]FileInfo `json:"managed_files"`
}

// FileInfo is one tracked file. FromRemote files are deleted locally when
// the remote no longer has them; local-only entries are never touched.
type FileInfo struct {
	Checksum   string    `json:"checksum"`
	ModifiedAt time.Time `json:"modified_at"`
	FromRemote bool      `json:"from_remote"`
}

// LoadManifest reads the manifest from dir. Missing or corrupt manifests
// yield an empty one; sync then treats every local file as local-only,
// which fails safe (nothing gets deleted).
func LoadManifest(dir string) *Manifest {
	empty := &Manifest{Files: make(map[string]FileInfo)}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return empty
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return empty
	}
	if m.Files == nil {
		m.Files = make(map[string]FileInfo)
	}
	return &m
}

// Save writes the manifest atomically.
func (m *Manifest) Save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Mark records a file with its content checksum and origin.
func (m *Manifest) Mark(name string, content []byte, fromRemote bool) {
	m.Files[name] = FileInfo{
		Checksum:   Checksum(content),
		ModifiedAt: time.Now(),
		FromRemote: fromRemote,
	}
}

// Forget drops a file entry.
func (m *Manifest) Forget(name string) {
	delete(m.Files, name)
}

// FromRemote reports whether the remote owns name.
func (m *Manifest) FromRemote(name string) bool {
	info, ok := m.Files[name]
	return ok && info.FromRemote
}

// Unchanged reports whether name's tracked checksum matches content.
func (m *Manifest) Unchanged(name string, content []byte) bool {
	info, ok := m.Files[name]
	return ok && info.Checksum == Checksum(content)
}

// Orphans lists remote-managed files no longer present in the remote set.
func (m *Manifest) Orphans(remote map[string][]byte) []string {
	var out []string
	for name, info := range m.Files {
		if info.FromRemote {
			if _, still := remote[name]; !still {
				out = append(out, name)
			}
		}
	}
	return out
}

// Checksum is a truncated SHA-256 of the content, enough for change
// detection.
func Checksum(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:8])
}

// IsManifestFile guards the manifest against being treated as a credential
// file by discovery or by the remote copy.
func IsManifestFile(path string) bool {
	return filepath.Base(path) == ManifestFileName
}

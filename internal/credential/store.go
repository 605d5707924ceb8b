package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nghyane/llm-rotor/internal/json"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/resilience"
)

// filePayload is the on-disk credential shape.
type filePayload struct {
	TokenState
	Meta Metadata `json:"_proxy_metadata"`
}

// ReadFile parses one credential file into a Credential whose accessor is the
// file path.
func ReadFile(provider, path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	var payload filePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse credential file %s: %w", filepath.Base(path), err)
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		return nil, fmt.Errorf("credential file %s missing token fields", filepath.Base(path))
	}
	token := payload.TokenState
	meta := payload.Meta
	backfillFromTokens(&token, &meta)
	return NewOAuth(provider, path, token, meta), nil
}

// Store owns credential persistence: it serialises disk writes, keeps the
// in-memory credentials in sync with their files, and watches the credential
// directory for edits made by other processes.
type Store struct {
	dataDir string

	mu         sync.RWMutex
	byAccessor map[string]*Credential

	watcher   *fsnotify.Watcher
	debounce  sync.Map // path -> *time.Timer
	onUpdate  func(*Credential)
	closeOnce sync.Once
	done      chan struct{}
}

// NewStore indexes the discovered catalog by accessor.
func NewStore(dataDir string, catalog map[string][]*Credential) *Store {
	s := &Store{
		dataDir:    dataDir,
		byAccessor: make(map[string]*Credential),
		done:       make(chan struct{}),
	}
	for _, creds := range catalog {
		for _, c := range creds {
			s.byAccessor[c.Accessor] = c
		}
	}
	return s
}

// Get resolves a credential by accessor.
func (s *Store) Get(accessor string) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byAccessor[accessor]
	return c, ok
}

// Reload re-reads the credential's backing source into memory. Called before
// a token refresh so concurrent edits by other processes are not clobbered.
func (s *Store) Reload(c *Credential) error {
	if c.Kind != KindOAuth {
		return nil
	}
	if provider, index, ok := ParseEnvAccessor(c.Accessor); ok {
		fresh := loadEnvCredential(provider, index)
		if fresh == nil {
			return fmt.Errorf("environment credential %s no longer set", c.Accessor)
		}
		c.SetToken(fresh.Token())
		c.SetMeta(fresh.Meta())
		return nil
	}
	fresh, err := ReadFile(c.Provider, c.Accessor)
	if err != nil {
		return err
	}
	c.SetToken(fresh.Token())
	c.SetMeta(fresh.Meta())
	return nil
}

// Save persists new token state. For file-backed credentials the disk write
// must succeed before the in-memory state changes: refresh tokens rotate, and
// a cache ahead of disk would strand the only working token in memory.
func (s *Store) Save(c *Credential, token TokenState, meta Metadata) error {
	backfillFromTokens(&token, &meta)
	meta.LastCheckTimestamp = float64(time.Now().UnixMilli()) / 1000

	if !c.EnvBacked() {
		payload := filePayload{TokenState: token, Meta: meta}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("encode credential: %w", err)
		}
		if err := resilience.WriteFileAtomic(c.Accessor, data, 0o600); err != nil {
			return fmt.Errorf("persist credential %s: %w", c.DisplayName(), err)
		}
	}

	c.SetToken(token)
	c.SetMeta(meta)
	return nil
}

var credFileNumber = regexp.MustCompile(`_oauth_(\d+)\.json$`)

// NextPath allocates the next numbered credential file for a provider.
func (s *Store) NextPath(provider string) string {
	dir := OAuthDir(s.dataDir)
	matches, _ := filepath.Glob(CredentialFilePattern(s.dataDir, provider))
	next := 1
	for _, m := range matches {
		if sub := credFileNumber.FindStringSubmatch(m); sub != nil {
			if n, err := strconv.Atoi(sub[1]); err == nil && n >= next {
				next = n + 1
			}
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_oauth_%d.json", provider, next))
}

// FindByIdentity locates an existing credential file for the same account so
// a re-login updates in place instead of duplicating.
func (s *Store) FindByIdentity(provider, email, accountID string) (string, bool) {
	matches, _ := filepath.Glob(CredentialFilePattern(s.dataDir, provider))
	sort.Strings(matches)
	for _, path := range matches {
		cred, err := ReadFile(provider, path)
		if err != nil {
			continue
		}
		if accountID != "" && cred.AccountID() == accountID {
			return path, true
		}
		if email != "" && strings.EqualFold(cred.Email(), email) {
			return path, true
		}
	}
	return "", false
}

// WriteNew persists a freshly authorised credential to a new or matching
// numbered file and returns the path.
func (s *Store) WriteNew(provider string, token TokenState, meta Metadata) (string, error) {
	if err := os.MkdirAll(OAuthDir(s.dataDir), 0o700); err != nil {
		return "", fmt.Errorf("create credential dir: %w", err)
	}
	backfillFromTokens(&token, &meta)

	path, exists := s.FindByIdentity(provider, meta.Email, meta.AccountID)
	if !exists {
		path = s.NextPath(provider)
	}
	payload := filePayload{TokenState: token, Meta: meta}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	if err := resilience.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", err
	}

	s.mu.Lock()
	if existing, ok := s.byAccessor[path]; ok {
		existing.SetToken(token)
		existing.SetMeta(meta)
	}
	s.mu.Unlock()
	return path, nil
}

// Watch reloads credentials whose files are edited externally. New files are
// logged but not added: the catalog is fixed at startup.
func (s *Store) Watch(onUpdate func(*Credential)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start credential watcher: %w", err)
	}
	dir := OAuthDir(s.dataDir)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	s.onUpdate = onUpdate

	go s.watchLoop()
	log.Infof("watching %s for credential changes", dir)
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") || !credFileNumber.MatchString(ev.Name) {
				continue
			}
			s.scheduleReload(ev.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("credential watcher error: %v", err)
		}
	}
}

// scheduleReload coalesces bursts of events for the same file. Editors and
// atomic renames produce several events per logical change.
func (s *Store) scheduleReload(path string) {
	const settle = 500 * time.Millisecond
	if t, ok := s.debounce.Load(path); ok {
		t.(*time.Timer).Reset(settle)
		return
	}
	timer := time.AfterFunc(settle, func() {
		s.debounce.Delete(path)
		s.reloadPath(path)
	})
	s.debounce.Store(path, timer)
}

func (s *Store) reloadPath(path string) {
	s.mu.RLock()
	cred, ok := s.byAccessor[path]
	s.mu.RUnlock()
	if !ok {
		log.Debugf("credential file %s changed but is not in the catalog; restart to pick it up", filepath.Base(path))
		return
	}
	if err := s.Reload(cred); err != nil {
		log.Warnf("reload credential %s: %v", cred.DisplayName(), err)
		return
	}
	log.Infof("reloaded credential %s from disk", cred.DisplayName())
	if s.onUpdate != nil {
		s.onUpdate(cred)
	}
}

// Close stops the watcher.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

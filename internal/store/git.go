package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/transport"
	githttp "github.com/go-git/go-git/v6/plumbing/transport/http"

	log "github.com/nghyane/llm-rotor/internal/logging"
)

// gitRemote keeps a shallow clone under cacheDir and pulls it on each
// fetch. A pull that cannot fast-forward (force-pushed remote) falls back
// to a fresh clone.
type gitRemote struct {
	url   string
	token string
	dir   string
}

func newGitRemote(repoURL, token, cacheDir string) (*gitRemote, error) {
	if repoURL == "" {
		return nil, errors.New("empty git sync url")
	}
	return &gitRemote{
		url:   repoURL,
		token: token,
		dir:   filepath.Join(cacheDir, "git-sync"),
	}, nil
}

func (g *gitRemote) Name() string { return "git " + g.url }

func (g *gitRemote) Fetch(ctx context.Context) (map[string][]byte, error) {
	if err := g.update(ctx); err != nil {
		return nil, err
	}
	return readCredentialFiles(g.dir)
}

func (g *gitRemote) update(ctx context.Context) error {
	repo, err := git.PlainOpen(g.dir)
	if err != nil {
		return g.clone(ctx)
	}
	w, err := repo.Worktree()
	if err != nil {
		return g.reclone(ctx)
	}
	err = w.PullContext(ctx, &git.PullOptions{
		Auth:         g.auth(),
		Depth:        1,
		SingleBranch: true,
		Force:        true,
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	log.Debugf("sync: pull of %s failed (%v), recloning", g.url, err)
	return g.reclone(ctx)
}

func (g *gitRemote) clone(ctx context.Context) error {
	_, err := git.PlainCloneContext(ctx, g.dir, &git.CloneOptions{
		URL:          g.url,
		Auth:         g.auth(),
		Depth:        1,
		SingleBranch: true,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", g.url, err)
	}
	return nil
}

func (g *gitRemote) reclone(ctx context.Context) error {
	if err := os.RemoveAll(g.dir); err != nil {
		return err
	}
	return g.clone(ctx)
}

func (g *gitRemote) auth() transport.AuthMethod {
	if g.token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: g.token}
}

// Package oauth keeps OAuth credentials usable. Each provider gets an
// Orchestrator that serialises token refreshes behind a queue, routes dead
// refresh tokens to an interactive re-auth queue, and answers the
// availability checks the selector makes before scheduling a credential.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/transport"
)

// ErrNeedsReauth marks refresh tokens the provider has rejected outright.
// Only an interactive login can recover the credential; a re-auth has been
// queued by the time callers see this error.
var ErrNeedsReauth = errors.New("credential needs interactive re-auth")

const (
	// refreshTimeout bounds one token-endpoint round trip.
	refreshTimeout = 20 * time.Second
	// refreshPace spaces queue-driven refreshes so a burst of expiring
	// credentials does not hammer the token endpoint.
	refreshPace = 20 * time.Second
	// maxRequeues is how many times a failed refresh re-enters the queue.
	maxRequeues = 3
	// reauthTimeout bounds one interactive login, including the wait for
	// the operator to finish in the browser.
	reauthTimeout = 300 * time.Second
	// workerIdleExit stops queue workers after this long without work.
	workerIdleExit = 60 * time.Second
	// unavailableTTL caps how long a credential stays hidden from rotation
	// while waiting for re-auth. Stale entries are cleaned on sight.
	unavailableTTL = 360 * time.Second
	// queueDepth bounds both queues; enqueues past it are dropped.
	queueDepth = 64
)

// Coordinator serialises interactive logins across every provider. Two
// browser flows at once would fight over the loopback port and the
// operator's attention.
type Coordinator struct {
	sem chan struct{}
}

// NewCoordinator returns a coordinator admitting one login at a time.
func NewCoordinator() *Coordinator {
	return &Coordinator{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the login slot is free or ctx ends.
func (c *Coordinator) Acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the login slot.
func (c *Coordinator) Release() { <-c.sem }

// CycleResetter clears fair-cycle exhaustion once a credential's token is
// working again. Implemented by usage.Manager.
type CycleResetter interface {
	ClearExhausted(stableID string)
}

type refreshJob struct {
	cred  *credential.Credential
	force bool
}

// Orchestrator owns the token lifecycle for one provider's OAuth
// credentials. Refreshes run serially off a queue so concurrent callers
// never race the token endpoint; logins run serially off a second queue
// gated by the shared Coordinator.
type Orchestrator struct {
	provider string
	spec     provider.OAuthSpec
	store    *credential.Store
	coord    *Coordinator

	cycles    CycleResetter
	client    *http.Client
	loginPort int
	noBrowser bool

	now func() time.Time

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	queued      map[string]bool
	requeues    map[string]int
	unavailable map[string]time.Time
	failures    map[string]int
	nextAfter   map[string]time.Time

	refreshCh   chan refreshJob
	reauthCh    chan *credential.Credential
	refreshLive atomic.Bool
	reauthLive  atomic.Bool
	limiter     *rate.Limiter

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrchestrator builds the orchestrator for one provider. The coordinator
// is shared across providers so interactive logins never overlap.
func NewOrchestrator(providerName string, spec provider.OAuthSpec, store *credential.Store, coord *Coordinator) *Orchestrator {
	if coord == nil {
		coord = NewCoordinator()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		provider:    providerName,
		spec:        spec,
		store:       store,
		coord:       coord,
		client:      &http.Client{Transport: transport.Shared(), Timeout: refreshTimeout},
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
		queued:      make(map[string]bool),
		requeues:    make(map[string]int),
		unavailable: make(map[string]time.Time),
		failures:    make(map[string]int),
		nextAfter:   make(map[string]time.Time),
		refreshCh:   make(chan refreshJob, queueDepth),
		reauthCh:    make(chan *credential.Credential, queueDepth),
		limiter:     rate.NewLimiter(rate.Every(refreshPace), 1),
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// AttachCycles wires fair-cycle resets for recovered credentials.
func (o *Orchestrator) AttachCycles(r CycleResetter) { o.cycles = r }

// SetHTTPClient overrides the token-endpoint client.
func (o *Orchestrator) SetHTTPClient(c *http.Client) {
	if c != nil {
		o.client = c
	}
}

// SetLoginOptions configures the interactive flow spawned by re-auths.
func (o *Orchestrator) SetLoginOptions(port int, noBrowser bool) {
	o.loginPort = port
	o.noBrowser = noBrowser
}

// Provider returns the provider name this orchestrator serves.
func (o *Orchestrator) Provider() string { return o.provider }

// Stop cancels in-flight work and waits for the queue workers to exit.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(o.cancel)
	o.wg.Wait()
}

// credLock returns the per-credential refresh mutex, creating it on first
// use. Serialising per credential lets distinct credentials refresh through
// the synchronous path concurrently while the queue stays strictly serial.
func (o *Orchestrator) credLock(stableID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[stableID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[stableID] = l
	}
	return l
}

// Available reports whether the selector may schedule this credential now.
// Credentials waiting on re-auth are hidden; entries older than the TTL are
// treated as stale and cleared, since a wedged login flow should not
// blackhole a credential forever. Truly expired tokens are refreshed in the
// background and hidden until the refresh lands.
func (o *Orchestrator) Available(cred *credential.Credential) bool {
	if cred == nil || cred.Kind != credential.KindOAuth {
		return true
	}
	now := o.now()

	o.mu.Lock()
	if marked, ok := o.unavailable[cred.StableID]; ok {
		if now.Sub(marked) > unavailableTTL {
			log.Warnf("%s credential %s stuck awaiting re-auth for %ds; clearing stale entry",
				o.provider, cred.DisplayName(), int(now.Sub(marked).Seconds()))
			delete(o.unavailable, cred.StableID)
			delete(o.queued, cred.StableID)
		} else {
			o.mu.Unlock()
			return false
		}
	}
	o.mu.Unlock()

	if cred.TrulyExpired(now) {
		o.EnqueueRefresh(cred, true)
		return false
	}
	return true
}

// EnqueueRefresh queues a background token refresh. Duplicate enqueues and
// credentials still inside their failure backoff are dropped; force only
// skips the freshness check when the job runs. Callers needing an immediate
// retry use Refresh directly.
func (o *Orchestrator) EnqueueRefresh(cred *credential.Credential, force bool) {
	if cred == nil || cred.Kind != credential.KindOAuth {
		return
	}
	o.mu.Lock()
	if until, ok := o.nextAfter[cred.StableID]; ok && o.now().Before(until) {
		o.mu.Unlock()
		return
	}
	if o.queued[cred.StableID] {
		o.mu.Unlock()
		return
	}
	o.queued[cred.StableID] = true
	o.mu.Unlock()

	select {
	case o.refreshCh <- refreshJob{cred: cred, force: force}:
		o.ensureRefreshWorker()
	default:
		o.mu.Lock()
		delete(o.queued, cred.StableID)
		o.mu.Unlock()
		log.Warnf("%s refresh queue full; dropping refresh for %s", o.provider, cred.DisplayName())
	}
}

// EnqueueReauth queues an interactive login for a credential whose refresh
// token is dead. The credential is hidden from rotation until the login
// finishes or the unavailable TTL lapses.
func (o *Orchestrator) EnqueueReauth(cred *credential.Credential) {
	if cred == nil {
		return
	}
	o.mu.Lock()
	if o.queued[cred.StableID] {
		o.mu.Unlock()
		return
	}
	o.queued[cred.StableID] = true
	o.unavailable[cred.StableID] = o.now()
	o.mu.Unlock()

	select {
	case o.reauthCh <- cred:
		o.ensureReauthWorker()
	default:
		o.mu.Lock()
		delete(o.queued, cred.StableID)
		delete(o.unavailable, cred.StableID)
		o.mu.Unlock()
		log.Warnf("%s re-auth queue full; dropping re-auth for %s", o.provider, cred.DisplayName())
	}
}

// Preflight queues refreshes for credentials already inside the expiry
// buffer so the first proxied requests do not pay the refresh latency.
func (o *Orchestrator) Preflight(creds []*credential.Credential) {
	now := o.now()
	for _, c := range creds {
		if c.Kind == credential.KindOAuth && c.Expired(now) {
			o.EnqueueRefresh(c, false)
		}
	}
}

func (o *Orchestrator) ensureRefreshWorker() {
	if o.refreshLive.CompareAndSwap(false, true) {
		o.wg.Add(1)
		go o.refreshWorker()
	}
}

func (o *Orchestrator) ensureReauthWorker() {
	if o.reauthLive.CompareAndSwap(false, true) {
		o.wg.Add(1)
		go o.reauthWorker()
	}
}

// refreshWorker drains the refresh queue serially, pacing items through the
// limiter. It exits after an idle period; enqueuers respawn it on demand.
func (o *Orchestrator) refreshWorker() {
	defer o.wg.Done()
	idle := time.NewTimer(workerIdleExit)
	defer idle.Stop()

	for {
		select {
		case <-o.baseCtx.Done():
			o.refreshLive.Store(false)
			return
		case job := <-o.refreshCh:
			o.runRefreshJob(job)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleExit)
		case <-idle.C:
			o.refreshLive.Store(false)
			// An enqueue may have raced the idle timer. If work remains,
			// respawn; the CAS keeps this to one worker.
			if len(o.refreshCh) > 0 {
				o.ensureRefreshWorker()
			}
			o.mu.Lock()
			clear(o.requeues)
			o.mu.Unlock()
			return
		}
	}
}

// runRefreshJob refreshes one credential and decides what happens to it
// next: drop on success, hand to the re-auth queue on dead tokens, requeue
// a bounded number of times on anything else.
func (o *Orchestrator) runRefreshJob(job refreshJob) {
	id := job.cred.StableID
	defer func() {
		o.mu.Lock()
		if o.queued[id] && o.requeues[id] == 0 {
			delete(o.queued, id)
		}
		o.mu.Unlock()
	}()

	if err := o.limiter.Wait(o.baseCtx); err != nil {
		return
	}
	if !job.force && !job.cred.Expired(o.now()) {
		o.mu.Lock()
		delete(o.requeues, id)
		o.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(o.baseCtx, refreshTimeout)
	err := o.Refresh(ctx, job.cred, job.force)
	cancel()

	switch {
	case err == nil:
		o.mu.Lock()
		delete(o.requeues, id)
		o.mu.Unlock()
	case errors.Is(err, ErrNeedsReauth):
		// Refresh already queued the re-auth; stop retrying here.
		o.mu.Lock()
		delete(o.requeues, id)
		o.mu.Unlock()
	default:
		o.handleRefreshFailure(job, err)
	}
}

func (o *Orchestrator) handleRefreshFailure(job refreshJob, err error) {
	id := job.cred.StableID
	o.mu.Lock()
	o.requeues[id]++
	n := o.requeues[id]
	if n >= maxRequeues {
		delete(o.requeues, id)
		delete(o.queued, id)
		o.mu.Unlock()
		log.Errorf("%s refresh gave up on %s after %d attempts: %v",
			o.provider, job.cred.DisplayName(), maxRequeues, err)
		return
	}
	o.mu.Unlock()
	log.Warnf("%s refresh failed for %s (attempt %d/%d): %v",
		o.provider, job.cred.DisplayName(), n, maxRequeues, err)

	select {
	case o.refreshCh <- job:
	default:
		o.mu.Lock()
		delete(o.requeues, id)
		delete(o.queued, id)
		o.mu.Unlock()
	}
}

// reauthWorker drains the re-auth queue serially. Each item takes the
// global coordinator slot so at most one interactive login runs across all
// providers.
func (o *Orchestrator) reauthWorker() {
	defer o.wg.Done()
	idle := time.NewTimer(workerIdleExit)
	defer idle.Stop()

	for {
		select {
		case <-o.baseCtx.Done():
			o.reauthLive.Store(false)
			return
		case cred := <-o.reauthCh:
			o.runReauth(cred)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleExit)
		case <-idle.C:
			o.reauthLive.Store(false)
			if len(o.reauthCh) > 0 {
				o.ensureReauthWorker()
			}
			return
		}
	}
}

func (o *Orchestrator) runReauth(cred *credential.Credential) {
	defer func() {
		o.mu.Lock()
		delete(o.queued, cred.StableID)
		delete(o.unavailable, cred.StableID)
		o.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(o.baseCtx, reauthTimeout)
	defer cancel()
	if err := o.coord.Acquire(ctx); err != nil {
		log.Warnf("%s re-auth for %s skipped: %v", o.provider, cred.DisplayName(), err)
		return
	}
	defer o.coord.Release()

	log.Infof("starting interactive %s re-auth for %s", o.provider, cred.DisplayName())
	if err := o.Reauthorize(ctx, cred); err != nil {
		log.Errorf("interactive %s re-auth failed for %s: %v", o.provider, cred.DisplayName(), err)
		return
	}
	log.Infof("%s re-auth succeeded for %s", o.provider, cred.DisplayName())
}

// Refresh exchanges the credential's refresh token for a new access token.
// The backing source is re-read first so a rotation done by another process
// is not clobbered, and the result is persisted to disk before the in-memory
// token changes. Fresh tokens short-circuit unless force is set.
func (o *Orchestrator) Refresh(ctx context.Context, cred *credential.Credential, force bool) error {
	if cred.Kind != credential.KindOAuth {
		return nil
	}
	lock := o.credLock(cred.StableID)
	lock.Lock()
	defer lock.Unlock()

	if !force && !cred.Expired(o.now()) {
		return nil
	}
	if err := o.store.Reload(cred); err != nil {
		return fmt.Errorf("reload %s before refresh: %w", cred.DisplayName(), err)
	}
	if !force && !cred.Expired(o.now()) {
		// Another process already rotated the token.
		return nil
	}

	tok := cred.Token()
	if tok.RefreshToken == "" {
		return fmt.Errorf("credential %s has no refresh token", cred.DisplayName())
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)
	src := o.Config("").TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return o.refreshFailed(cred, err)
	}

	next := credential.TokenState{
		AccessToken:  fresh.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      tok.IDToken,
		TokenURI:     o.spec.TokenURL,
	}
	if fresh.RefreshToken != "" {
		next.RefreshToken = fresh.RefreshToken
	}
	if id, ok := fresh.Extra("id_token").(string); ok && id != "" {
		next.IDToken = id
	}
	if !fresh.Expiry.IsZero() {
		next.ExpiryDate = fresh.Expiry.UnixMilli()
	} else {
		next.ExpiryDate = o.now().Add(time.Hour).UnixMilli()
	}

	if err := o.store.Save(cred, next, cred.Meta()); err != nil {
		return err
	}
	o.clearCredential(cred.StableID)
	log.Infof("refreshed %s token for %s", o.provider, cred.DisplayName())
	return nil
}

// refreshFailed classifies a token-endpoint error, records the failure
// backoff, and queues a re-auth when the refresh token itself is dead.
func (o *Orchestrator) refreshFailed(cred *credential.Credential, err error) error {
	o.mu.Lock()
	o.failures[cred.StableID]++
	n := o.failures[cred.StableID]
	backoff := totalFailureBackoff(n)
	o.nextAfter[cred.StableID] = o.now().Add(backoff)
	o.mu.Unlock()

	if needsReauth(err) {
		o.EnqueueReauth(cred)
		return fmt.Errorf("%s refresh token rejected for %s: %w", o.provider, cred.DisplayName(), ErrNeedsReauth)
	}
	if wait, ok := retryAfterHint(err); ok {
		o.mu.Lock()
		o.nextAfter[cred.StableID] = o.now().Add(wait)
		o.mu.Unlock()
		return fmt.Errorf("%s token endpoint rate limited (retry in %s): %w", o.provider, wait, err)
	}
	return fmt.Errorf("refresh %s token for %s: %w", o.provider, cred.DisplayName(), err)
}

// clearCredential drops all failure and availability tracking after a
// working token is observed, and resets fair-cycle exhaustion.
func (o *Orchestrator) clearCredential(stableID string) {
	o.mu.Lock()
	delete(o.failures, stableID)
	delete(o.nextAfter, stableID)
	delete(o.unavailable, stableID)
	o.mu.Unlock()
	if o.cycles != nil {
		o.cycles.ClearExhausted(stableID)
	}
}

// Reauthorize runs the interactive login flow and stores the fresh token
// bundle under the credential's existing accessor.
func (o *Orchestrator) Reauthorize(ctx context.Context, cred *credential.Credential) error {
	flow := &Flow{
		Provider:  o.provider,
		Spec:      o.spec,
		Port:      o.loginPort,
		NoBrowser: o.noBrowser,
		Client:    o.client,
	}
	token, err := flow.Run(ctx)
	if err != nil {
		return err
	}
	if err := o.store.Save(cred, token, cred.Meta()); err != nil {
		return err
	}
	o.clearCredential(cred.StableID)
	return nil
}

// Config builds the oauth2 client config. PKCE public clients carry the
// client id in the POST body, not basic auth. redirectURL may be empty for
// refresh-only use.
func (o *Orchestrator) Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: o.spec.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   o.spec.AuthURL,
			TokenURL:  o.spec.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes:      o.spec.Scopes,
		RedirectURL: redirectURL,
	}
}

// totalFailureBackoff is the gate between whole failed refresh calls,
// distinct from the per-attempt requeue pacing.
func totalFailureBackoff(failures int) time.Duration {
	if failures > 4 {
		failures = 4
	}
	d := 30 * time.Second << failures
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// needsReauth reports whether the token endpoint rejected the refresh token
// itself: invalid_grant on 400, or any 401/403.
func needsReauth(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		desc := strings.ToLower(rerr.ErrorCode + " " + rerr.ErrorDescription + " " + string(rerr.Body))
		return strings.Contains(desc, "invalid_grant") || strings.Contains(desc, "invalid")
	}
	return false
}

// retryAfterHint extracts the Retry-After wait from a 429 token-endpoint
// response, defaulting to 60s when the header is missing or malformed.
func retryAfterHint(err error) (time.Duration, bool) {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.Response == nil || rerr.Response.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	wait := 60 * time.Second
	if ra := rerr.Response.Header.Get("Retry-After"); ra != "" {
		if secs, perr := strconv.ParseFloat(strings.TrimSpace(ra), 64); perr == nil && secs >= 1 {
			wait = time.Duration(secs * float64(time.Second))
		}
	}
	return wait, true
}

package rotation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nghyane/llm-rotor/internal/cooldown"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/resilience"
	"github.com/nghyane/llm-rotor/internal/usage"
)

const (
	// waitStep caps one wait for a cooldown expiry so the deadline and the
	// candidate set are rechecked at least every five seconds.
	waitStep = 5 * time.Second

	// transientBase/transientCap bound the synthetic cooldown ladder applied
	// after transient failures: 1s, 2s, 4s, ... capped at 60s.
	transientBase = time.Second
	transientCap  = 60 * time.Second

	// defaultRetryAfter covers rate limits whose response carried no hint.
	defaultRetryAfter = 60 * time.Second

	// authRetryDelay keeps a credential out of selection while its token
	// refresh is in flight.
	authRetryDelay = 60 * time.Second
	// authUnavailableTTL sidelines a static key the upstream rejected;
	// nothing will fix it without operator action.
	authUnavailableTTL = 360 * time.Second

	streamBuffer = 64
)

// PreRequestFunc runs before the first attempt of a request.
type PreRequestFunc func(ctx context.Context, req *provider.Request) error

// Executor drives one request through the candidate sequence until a
// credential succeeds, the deadline passes, or a non-retryable error
// surfaces.
type Executor struct {
	providers map[string]*Provider
	usage     *usage.Manager
	cools     *cooldown.Manager

	globalTimeout time.Duration
	maxRetries    int

	preRequest           PreRequestFunc
	abortOnCallbackError bool

	now func() time.Time
}

// NewExecutor builds the request loop over the given provider runtimes.
func NewExecutor(providers []*Provider, um *usage.Manager, cm *cooldown.Manager, globalTimeout time.Duration, maxRetries int) *Executor {
	byName := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		byName[p.name] = p
	}
	return &Executor{
		providers:     byName,
		usage:         um,
		cools:         cm,
		globalTimeout: globalTimeout,
		maxRetries:    maxRetries,
		now:           time.Now,
	}
}

// SetPreRequest installs the optional pre-request hook. When abort is true a
// hook error fails the request instead of being logged and ignored.
func (e *Executor) SetPreRequest(fn PreRequestFunc, abort bool) {
	e.preRequest = fn
	e.abortOnCallbackError = abort
}

// Provider returns the runtime registered under name.
func (e *Executor) Provider(name string) (*Provider, bool) {
	p, ok := e.providers[name]
	return p, ok
}

func (e *Executor) provider(name string) (*Provider, error) {
	p, ok := e.providers[name]
	if !ok {
		return nil, &provider.Error{
			Kind:       provider.KindInvalidRequest,
			Code:       "unknown_provider",
			Message:    fmt.Sprintf("no provider named %q", name),
			HTTPStatus: 400,
		}
	}
	return p, nil
}

func (e *Executor) deadline(req *provider.Request) time.Time {
	timeout := e.globalTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	return e.now().Add(timeout)
}

// Execute runs a non-streaming request, rotating across credentials until
// one succeeds.
func (e *Executor) Execute(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p, err := e.provider(req.Provider)
	if err != nil {
		return nil, err
	}
	if p.breaker.State() == gobreaker.StateOpen {
		return nil, breakerOpenError(p.name)
	}

	deadline := e.deadline(req)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	group := p.group(req.Model)
	attempted := make(map[string]struct{})
	attempts := 0
	var surfaced error

	for e.now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		cred, limit, ok := p.Next(req.Model, req.Priority, attempted)
		if !ok {
			if !e.awaitCandidate(ctx, p, req, deadline, attempted) {
				break
			}
			continue
		}
		attempted[cred.StableID] = struct{}{}
		slot, ok := e.usage.StartRequest(cred, limit)
		if !ok {
			continue
		}
		if attempts == 0 && !e.runPreRequest(ctx, req) {
			slot.End()
			return nil, errCallbackAborted()
		}
		attempts++

		resp, err := e.attempt(ctx, p, cred, req, deadline)
		if err == nil {
			e.usage.RecordSuccess(cred, req.Model, group, resp.Usage)
			e.cools.ResetBackoff(cred.StableID, provider.ScopeAll)
			slot.End()
			return &resp, nil
		}
		slot.End()

		if resilience.IsBreakerOpen(err) {
			surfaced = preferError(surfaced, breakerOpenError(p.name))
			break
		}
		e.bookFailure(p, cred, req.Model, group, err)
		surfaced = preferError(surfaced, err)
		if !provider.KindFromError(err).Retryable() {
			return nil, err
		}
		if e.maxRetries > 0 && attempts >= e.maxRetries {
			break
		}
	}

	if surfaced != nil {
		return nil, surfaced
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, provider.ErrNoAvailableCredentials
}

// attempt makes one breaker-wrapped upstream call under the per-attempt
// timeout.
func (e *Executor) attempt(ctx context.Context, p *Provider, cred *credential.Credential, req *provider.Request, deadline time.Time) (provider.Response, error) {
	if p.attemptTimeout > 0 {
		if t := e.now().Add(p.attemptTimeout); t.Before(deadline) {
			deadline = t
		}
	}
	actx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	res, err := p.breaker.Execute(func() (any, error) {
		return p.plugin.Execute(actx, cred, *req)
	})
	if err != nil {
		return provider.Response{}, err
	}
	return res.(provider.Response), nil
}

// ExecuteStream runs a streaming request. Rotation happens until the first
// chunk arrives; from then on the stream is committed and failures are
// delivered as a terminal error chunk instead.
func (e *Executor) ExecuteStream(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error) {
	p, err := e.provider(req.Provider)
	if err != nil {
		return nil, err
	}
	done, err := p.streamBreaker.Allow()
	if err != nil {
		return nil, breakerOpenError(p.name)
	}

	deadline := e.deadline(req)
	sctx, cancel := context.WithDeadline(ctx, deadline)

	group := p.group(req.Model)
	attempted := make(map[string]struct{})
	attempts := 0
	var surfaced error

	fail := func(err error) (<-chan provider.StreamChunk, error) {
		cancel()
		done(breakerSuccess(err))
		return nil, err
	}

	for e.now().Before(deadline) {
		if sctx.Err() != nil {
			break
		}
		cred, limit, ok := p.Next(req.Model, req.Priority, attempted)
		if !ok {
			if !e.awaitCandidate(sctx, p, req, deadline, attempted) {
				break
			}
			continue
		}
		attempted[cred.StableID] = struct{}{}
		slot, ok := e.usage.StartRequest(cred, limit)
		if !ok {
			continue
		}
		if attempts == 0 && !e.runPreRequest(sctx, req) {
			slot.End()
			return fail(errCallbackAborted())
		}
		attempts++

		chunks, err := p.plugin.ExecuteStream(sctx, cred, *req)
		var first provider.StreamChunk
		opened := false
		if err == nil {
			first, opened, err = awaitFirstChunk(sctx, chunks)
		}
		if err != nil {
			slot.End()
			e.bookFailure(p, cred, req.Model, group, err)
			surfaced = preferError(surfaced, err)
			if !provider.KindFromError(err).Retryable() {
				return fail(err)
			}
			if e.maxRetries > 0 && attempts >= e.maxRetries {
				break
			}
			continue
		}

		out := make(chan provider.StreamChunk, streamBuffer)
		go e.pump(sctx, cancel, p, cred, req.Model, group, slot, chunks, first, opened, out, done)
		return out, nil
	}

	if surfaced != nil {
		return fail(surfaced)
	}
	if err := sctx.Err(); err != nil {
		return fail(err)
	}
	return fail(provider.ErrNoAvailableCredentials)
}

// awaitFirstChunk blocks until the upstream stream produces its first event.
// An error chunk before any data is still a rotation opportunity.
func awaitFirstChunk(ctx context.Context, chunks <-chan provider.StreamChunk) (provider.StreamChunk, bool, error) {
	select {
	case <-ctx.Done():
		return provider.StreamChunk{}, false, &provider.Error{
			Kind:    provider.KindTransient,
			Code:    "stream_setup",
			Message: "stream setup: " + ctx.Err().Error(),
		}
	case c, ok := <-chunks:
		if !ok {
			return provider.StreamChunk{}, false, nil
		}
		if c.Err != nil {
			return provider.StreamChunk{}, false, c.Err
		}
		return c, true, nil
	}
}

// pump relays a committed stream to the caller, owning the slot, the breaker
// verdict, and the usage accounting for its lifetime. A mid-stream failure
// becomes a terminal chunk with Err set; the HTTP layer turns that into an
// error frame before the stream-end sentinel.
func (e *Executor) pump(ctx context.Context, cancel context.CancelFunc, p *Provider, cred *credential.Credential, model, group string, slot *usage.Slot, in <-chan provider.StreamChunk, first provider.StreamChunk, opened bool, out chan<- provider.StreamChunk, done func(bool)) {
	var total provider.Usage
	failed := false
	booked := false
	breakerOK := true

	defer func() {
		if failed {
			if !booked {
				e.usage.RecordFailure(cred, model, group)
			}
		} else {
			e.usage.RecordSuccess(cred, model, group, total)
			e.cools.ResetBackoff(cred.StableID, provider.ScopeAll)
		}
		slot.End()
		done(breakerOK)
		cancel()
		close(out)
	}()

	deliver := func(c provider.StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if opened {
		if first.Usage != nil {
			total = *first.Usage
		}
		if !deliver(first) {
			failed = true
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Client disconnect or deadline: the partial stream books one
			// failure but does not count against the provider's breaker.
			failed = true
			select {
			case out <- provider.StreamChunk{Err: ctx.Err()}:
			default:
			}
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if c.Usage != nil {
				total = *c.Usage
			}
			if c.Err != nil {
				failed = true
				booked = true
				breakerOK = breakerSuccess(c.Err)
				e.bookFailure(p, cred, model, group, c.Err)
				deliver(c)
				return
			}
			if !deliver(c) {
				failed = true
				return
			}
		}
	}
}

// awaitCandidate sleeps until the earliest moment a filtered-out credential
// can re-enter selection, in steps of at most waitStep. Returns false when
// nothing frees up before the deadline.
func (e *Executor) awaitCandidate(ctx context.Context, p *Provider, req *provider.Request, deadline time.Time, attempted map[string]struct{}) bool {
	retryAt, ok := p.RetryAt(req.Model, req.Priority, attempted)
	if !ok || retryAt.After(deadline) {
		return false
	}
	d := retryAt.Sub(e.now())
	if d > waitStep {
		d = waitStep
	}
	return resilience.WaitWithContext(ctx, d) == nil
}

// runPreRequest fires the hook before the first attempt. Returns false only
// when the hook failed and aborts are enabled.
func (e *Executor) runPreRequest(ctx context.Context, req *provider.Request) bool {
	if e.preRequest == nil {
		return true
	}
	if err := e.preRequest(ctx, req); err != nil {
		if e.abortOnCallbackError {
			log.Errorf("pre-request callback failed, aborting: %v", err)
			return false
		}
		log.Warnf("pre-request callback failed: %v", err)
	}
	return true
}

// bookFailure applies the side effects of one failed attempt: cooldown,
// fair-cycle bookkeeping, refresh queueing, and the failure counter.
func (e *Executor) bookFailure(p *Provider, cred *credential.Credential, model, group string, err error) {
	cls := provider.Classify(err)
	now := e.now()
	id := cred.StableID

	switch cls.Kind {
	case provider.KindRateLimit:
		d := defaultRetryAfter
		if cls.RetryAfter != nil {
			d = *cls.RetryAfter
		}
		scope := cooldownScope(cls.Scope, model, group)
		e.cools.SetCause(id, scope, now.Add(d), "rate_limit")
		log.Debugf("%s rate limited %s on %s for %s", p.name, cred.DisplayName(), scope, d)

	case provider.KindQuotaExhausted:
		until := now.Add(p.quotaWindow())
		if cls.RetryAfter != nil {
			until = now.Add(*cls.RetryAfter)
		}
		scope := cooldownScope(cls.Scope, model, group)
		fair := fairCycleScope(cls.Scope, model, group)
		e.cools.SetCause(id, scope, until, "quota_exceeded")
		if e.usage.SetExhausted(p.name, id, fair, "quota_exceeded") {
			log.Infof("%s: every credential exhausted for %q, fair cycle reset", p.name, fair)
		}

	case provider.KindAuthFailure:
		if p.auth != nil {
			if cls.NeedsReauth {
				p.auth.EnqueueReauth(cred)
			} else {
				p.auth.EnqueueRefresh(cred, true)
			}
			e.cools.SetCause(id, provider.ScopeAll, now.Add(authRetryDelay), "auth_failure")
		} else {
			log.Warnf("%s rejected key %s; sidelining for %s", p.name, cred.DisplayName(), authUnavailableTTL)
			e.cools.SetCause(id, provider.ScopeAll, now.Add(authUnavailableTTL), "auth_failure")
		}

	case provider.KindTransient:
		level := e.cools.Level(id, provider.ScopeAll)
		e.cools.SetCause(id, provider.ScopeAll, now.Add(transientDelay(level)), "transient")
	}

	e.usage.RecordFailure(cred, model, group)
}

// transientDelay is the synthetic cooldown ladder: 1s doubling to a 60s cap.
func transientDelay(level int) time.Duration {
	if level >= 6 {
		return transientCap
	}
	d := transientBase << level
	if d > transientCap {
		d = transientCap
	}
	return d
}

// cooldownScope converts a classification scope hint into a cooldown key.
// Bare names resolve against the request: the quota group when it matches,
// else a model scope.
func cooldownScope(hint, model, group string) string {
	switch {
	case hint == "" || hint == provider.ScopeAll:
		return provider.ScopeAll
	case strings.HasPrefix(hint, "model:") || strings.HasPrefix(hint, "group:"):
		return hint
	case group != "" && hint == group:
		return provider.ScopeGroup(group)
	default:
		return provider.ScopeModel(hint)
	}
}

// fairCycleScope is the usage-manager scope matching a classification hint:
// the bare group/model name, defaulting to the request's own scope.
func fairCycleScope(hint, model, group string) string {
	switch {
	case hint == "" || hint == provider.ScopeAll:
		if group != "" {
			return group
		}
		return model
	case strings.HasPrefix(hint, "model:"):
		return strings.TrimPrefix(hint, "model:")
	case strings.HasPrefix(hint, "group:"):
		return strings.TrimPrefix(hint, "group:")
	default:
		return hint
	}
}

// preferError keeps the most informative of two attempt errors, later wins
// ties.
func preferError(have, next error) error {
	if have == nil {
		return next
	}
	if next == nil {
		return have
	}
	if provider.KindFromError(next) >= provider.KindFromError(have) {
		return next
	}
	return have
}

// breakerSuccess reports whether an error should count as healthy for the
// provider breaker. Rejections of a single credential or request do not mean
// the upstream is down.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	switch provider.KindFromError(err) {
	case provider.KindInvalidRequest, provider.KindAuthFailure, provider.KindRateLimit, provider.KindQuotaExhausted:
		return true
	default:
		return false
	}
}

func breakerOpenError(name string) error {
	return &provider.Error{
		Kind:       provider.KindTransient,
		Code:       "circuit_open",
		Message:    fmt.Sprintf("%s circuit breaker is open", name),
		HTTPStatus: 503,
	}
}

func errCallbackAborted() error {
	return &provider.Error{
		Kind:       provider.KindInvalidRequest,
		Code:       "callback_aborted",
		Message:    "pre-request callback aborted the request",
		HTTPStatus: 400,
	}
}

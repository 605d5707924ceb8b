package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/resilience"
)

func TestExecuteStreamRelaysChunks(t *testing.T) {
	plugin := newStubPlugin()
	creds := apiKeys("stub", "solo")
	r := newRig(t, plugin, rigOptions{creds: creds})

	u := provider.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}
	plugin.script(creds[0].StableID, outcome{chunks: []provider.StreamChunk{
		{Data: []byte(`{"delta":"hel"}`)},
		{Data: []byte(`{"delta":"lo"}`), Usage: &u},
	}})

	ch, err := r.exec.ExecuteStream(context.Background(), request("m"))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, ch, 2*time.Second)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Err != nil {
			t.Errorf("chunk %d carries error %v, want data only", i, c.Err)
		}
	}

	// The channel closes after the accounting, so the totals are visible.
	ps, ok := r.usage.ProviderSnapshot("stub")
	if !ok {
		t.Fatal("provider snapshot missing")
	}
	cs := ps.Credentials[creds[0].StableID]
	if cs == nil {
		t.Fatal("credential snapshot missing")
	}
	if cs.Totals.SuccessCount != 1 || cs.Totals.FailureCount != 0 {
		t.Errorf("totals = %d success / %d failure, want 1/0", cs.Totals.SuccessCount, cs.Totals.FailureCount)
	}
	if cs.Totals.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want the final usage frame's 12", cs.Totals.TotalTokens)
	}
	if n := r.usage.ActiveRequests(creds[0].StableID); n != 0 {
		t.Errorf("active requests = %d, want the slot released", n)
	}
}

// A failure after the first delivered chunk cannot rotate; the client gets
// the partial output and a terminal error chunk.
func TestExecuteStreamMidStreamError(t *testing.T) {
	plugin := newStubPlugin()
	creds := apiKeys("stub", "solo")
	r := newRig(t, plugin, rigOptions{creds: creds})

	plugin.script(creds[0].StableID, outcome{chunks: []provider.StreamChunk{
		{Data: []byte(`{"delta":"par"}`)},
		{Data: []byte(`{"delta":"tial"}`)},
		{Err: rateLimited(30*time.Second, "m")},
	}})

	ch, err := r.exec.ExecuteStream(context.Background(), request("m"))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, ch, 2*time.Second)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 2 deltas plus the terminal error", len(chunks))
	}
	if chunks[0].Err != nil || chunks[1].Err != nil {
		t.Error("the partial deltas must reach the client unchanged")
	}
	if chunks[2].Err == nil {
		t.Fatal("last chunk should carry the mid-stream failure")
	}
	if kind := provider.KindFromError(chunks[2].Err); kind != provider.KindRateLimit {
		t.Errorf("terminal chunk kind = %v, want rate_limit", kind)
	}

	ps, _ := r.usage.ProviderSnapshot("stub")
	cs := ps.Credentials[creds[0].StableID]
	if cs.Totals.FailureCount != 1 || cs.Totals.SuccessCount != 0 {
		t.Errorf("totals = %d success / %d failure, want exactly one failure", cs.Totals.SuccessCount, cs.Totals.FailureCount)
	}
	if _, blocked := r.cools.UsableAt(creds[0].StableID, "m", ""); !blocked {
		t.Error("the rate limit should cool the credential down like any other attempt")
	}
	if n := r.usage.ActiveRequests(creds[0].StableID); n != 0 {
		t.Errorf("active requests = %d, want the slot released", n)
	}
}

func TestExecuteStreamRotatesOnSetupError(t *testing.T) {
	plugin := newStubPlugin()
	creds := apiKeys("stub", "a", "b")
	prioritize(creds)
	r := newRig(t, plugin, rigOptions{creds: creds})

	plugin.script(creds[0].StableID, outcome{err: transientErr()})
	plugin.script(creds[1].StableID, outcome{chunks: []provider.StreamChunk{
		{Data: []byte(`{"delta":"ok"}`)},
	}})

	ch, err := r.exec.ExecuteStream(context.Background(), request("m"))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, ch, 2*time.Second)
	if len(chunks) != 1 || chunks[0].Err != nil {
		t.Fatalf("chunks = %+v, want the fallback's single delta", chunks)
	}
	if order := plugin.callOrder(); len(order) != 2 || order[1] != creds[1].StableID {
		t.Errorf("call order = %v, want rotation to the fallback", order)
	}
	if _, blocked := r.cools.UsableAt(creds[0].StableID, "m", ""); !blocked {
		t.Error("the failed credential should be cooling down")
	}
}

// An error chunk before any data is still a rotation opportunity: the client
// never learns the first credential failed.
func TestExecuteStreamRotatesOnFirstChunkError(t *testing.T) {
	plugin := newStubPlugin()
	creds := apiKeys("stub", "a", "b")
	prioritize(creds)
	r := newRig(t, plugin, rigOptions{creds: creds})

	plugin.script(creds[0].StableID, outcome{chunks: []provider.StreamChunk{
		{Err: rateLimited(30*time.Second, "")},
	}})
	plugin.script(creds[1].StableID, outcome{chunks: []provider.StreamChunk{
		{Data: []byte(`{"delta":"ok"}`)},
	}})

	ch, err := r.exec.ExecuteStream(context.Background(), request("m"))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, ch, 2*time.Second)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want only the fallback's delta", len(chunks))
	}
	if chunks[0].Err != nil {
		t.Errorf("chunk error = %v, want the first credential's failure hidden", chunks[0].Err)
	}
	if order := plugin.callOrder(); len(order) != 2 {
		t.Errorf("call order = %v, want both credentials tried", order)
	}
	if _, blocked := r.cools.UsableAt(creds[0].StableID, "m", ""); !blocked {
		t.Error("the rate-limited credential should be cooling down")
	}
}

func TestExecuteStreamEmptyUpstream(t *testing.T) {
	plugin := newStubPlugin()
	creds := apiKeys("stub", "solo")
	r := newRig(t, plugin, rigOptions{creds: creds})

	// Unscripted streams close without producing a chunk.
	ch, err := r.exec.ExecuteStream(context.Background(), request("m"))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	if chunks := collect(t, ch, 2*time.Second); len(chunks) != 0 {
		t.Errorf("got %d chunks from an empty stream, want none", len(chunks))
	}
	ps, _ := r.usage.ProviderSnapshot("stub")
	if cs := ps.Credentials[creds[0].StableID]; cs.Totals.SuccessCount != 1 {
		t.Errorf("success count = %d, want a clean close recorded as success", cs.Totals.SuccessCount)
	}
}

func TestExecuteStreamClientCancel(t *testing.T) {
	plugin := newStubPlugin()
	creds := apiKeys("stub", "solo")
	r := newRig(t, plugin, rigOptions{creds: creds})

	hold := make(chan struct{})
	defer close(hold)
	plugin.script(creds[0].StableID, outcome{
		chunks: []provider.StreamChunk{{Data: []byte(`{"delta":"a"}`)}},
		hold:   hold,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := r.exec.ExecuteStream(ctx, request("m"))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	select {
	case c := <-ch:
		if c.Err != nil {
			t.Fatalf("first chunk error = %v, want data", c.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk before the disconnect")
	}

	cancel()
	collect(t, ch, 2*time.Second)

	waitFor(t, 2*time.Second, func() bool {
		return r.usage.ActiveRequests(creds[0].StableID) == 0
	}, "slot not released after the client disconnected")

	// Exactly one request is booked for the aborted stream.
	ps, _ := r.usage.ProviderSnapshot("stub")
	cs := ps.Credentials[creds[0].StableID]
	if total := cs.Totals.SuccessCount + cs.Totals.FailureCount; total != 1 {
		t.Errorf("booked %d outcomes, want exactly 1", total)
	}
	if _, blocked := r.cools.UsableAt(creds[0].StableID, "m", ""); blocked {
		t.Error("a client disconnect must not cool the credential down")
	}
}

func TestExecuteStreamBreakerOpen(t *testing.T) {
	plugin := newStubPlugin()
	creds := apiKeys("stub", "solo")
	r := newRig(t, plugin, rigOptions{creds: creds})
	r.provider.streamBreaker = resilience.NewStreamingCircuitBreaker(trippyBreaker("stub-stream"))

	plugin.script(creds[0].StableID, outcome{err: transientErr()})
	if _, err := r.exec.ExecuteStream(context.Background(), request("m")); err == nil {
		t.Fatal("expected the tripping stream to fail")
	}

	_, err := r.exec.ExecuteStream(context.Background(), request("m"))
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Code != "circuit_open" {
		t.Fatalf("err = %v, want circuit_open", err)
	}
}

func TestExecuteStreamNoCredentials(t *testing.T) {
	plugin := newStubPlugin()
	r := newRig(t, plugin, rigOptions{creds: apiKeys("stub")})

	_, err := r.exec.ExecuteStream(context.Background(), request("m"))
	if !errors.Is(err, provider.ErrNoAvailableCredentials) {
		t.Fatalf("err = %v, want ErrNoAvailableCredentials", err)
	}
}

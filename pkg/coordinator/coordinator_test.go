package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/lightforgemedia/go-uibridge/pkg/registry"
	"github.com/lightforgemedia/go-uibridge/pkg/token"
	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// fakeTransport records every push and exposes them on a channel.
type fakeTransport struct {
	mu     sync.Mutex
	pushes []pushRecord
	ch     chan pushRecord
}

type pushRecord struct {
	Ref     string
	Name    string
	Payload wire.Map
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan pushRecord, 64)}
}

func (f *fakeTransport) Push(_ context.Context, ref, name string, payload wire.Map) error {
	rec := pushRecord{Ref: ref, Name: name, Payload: payload}
	f.mu.Lock()
	f.pushes = append(f.pushes, rec)
	f.mu.Unlock()
	f.ch <- rec
	return nil
}

func (f *fakeTransport) expect(t *testing.T, name string) pushRecord {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case rec := <-f.ch:
			if rec.Name == name {
				return rec
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q push", name)
		}
	}
}

func (f *fakeTransport) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.pushes {
		if rec.Name == name {
			n++
		}
	}
	return n
}

func testTokens(t *testing.T) *token.Service {
	t.Helper()
	ts, err := token.NewService([]byte("coordinator test secret"))
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	return ts
}

// newTestConn builds a connected coordinator for id plus any extra
// registry identities.
func newTestConn(t *testing.T, id *registry.Identity, extra ...*registry.Identity) (*Conn, *fakeTransport) {
	t.Helper()
	reg, err := registry.New(append([]*registry.Identity{id}, extra...)...)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	tr := newFakeTransport()
	c, err := New(id, tr, Config{
		Tokens:         testTokens(t),
		Registry:       reg,
		DefaultTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	if err := c.OnConnect(context.Background(), wire.Map{}); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, tr
}

func mustIdentity(t *testing.T, name string, opts ...registry.IdentityOption) *registry.Identity {
	t.Helper()
	id, err := registry.NewIdentity(name, opts...)
	if err != nil {
		t.Fatalf("NewIdentity(%s): %v", name, err)
	}
	return id
}

func TestStoreRoundTrip(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	id := mustIdentity(t, "Test")
	c, _ := newTestConn(t, id)
	ctx := context.Background()

	want := wire.Map{"a": 1.5, "nested": wire.Map{"b": "x"}}
	if err := c.SetStore(ctx, want); err != nil {
		t.Fatalf("SetStore: %v", err)
	}
	got, err := c.Store(ctx)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("store round trip (-want +got):\n%s", diff)
	}

	// replace wholesale, no merging
	if err := c.SetStore(ctx, wire.Map{"only": true}); err != nil {
		t.Fatalf("SetStore: %v", err)
	}
	got, _ = c.Store(ctx)
	if diff := cmp.Diff(wire.Map{"only": true}, got); diff != "" {
		t.Errorf("second set did not replace wholesale (-want +got):\n%s", diff)
	}
}

func TestStateSerialized(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	id := mustIdentity(t, "Test")
	c, _ := newTestConn(t, id)
	ctx := context.Background()

	// Concurrent whole-map sets; every get must observe one of the fully
	// applied values, never a mix.
	const writers = 8
	const rounds = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				m := wire.Map{"writer": w, "i": i, "check": w*1000 + i}
				if err := c.SetStore(ctx, m); err != nil {
					t.Errorf("SetStore: %v", err)
					return
				}
			}
		}(w)
	}
	readErr := make(chan error, 1)
	go func() {
		defer close(readErr)
		for i := 0; i < writers*rounds; i++ {
			m, err := c.Store(ctx)
			if err != nil {
				readErr <- err
				return
			}
			if len(m) == 0 {
				continue
			}
			w, okW := m["writer"].(int)
			idx, okI := m["i"].(int)
			chk, okC := m["check"].(int)
			if !okW || !okI || !okC || chk != w*1000+idx {
				readErr <- fmt.Errorf("observed torn state: %v", m)
				return
			}
		}
	}()
	wg.Wait()
	if err := <-readErr; err != nil {
		t.Fatal(err)
	}
}

func TestDispatchOrder(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	id := mustIdentity(t, "Counter",
		registry.WithHandler("bump", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			record("bump")
			return "bumped", nil
		}),
		registry.WithBefore("logIt", func(ctx context.Context, c registry.Conn, p wire.Map) (bool, error) {
			record("logIt")
			return true, nil
		}),
		registry.WithAfter("notify", func(ctx context.Context, c registry.Conn, p wire.Map, result any) error {
			if result != "bumped" {
				t.Errorf("after-hook result = %v, want bumped", result)
			}
			record("notify")
			return nil
		}, registry.Only("bump")),
	)
	c, tr := newTestConn(t, id)

	c.Dispatch(Invocation{Target: "bump", Payload: wire.Map{}, ReplyToken: "tok-1"})
	done := tr.expect(t, wire.NameDone)
	if got := done.Payload["finished"]; got != "tok-1" {
		t.Errorf("completion notice token = %v, want tok-1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"logIt", "bump", "notify"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("execution order (-want +got):\n%s", diff)
	}
}

func TestBeforeHookShortCircuit(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	var handlerRan, afterRan bool
	id := mustIdentity(t, "Test",
		registry.WithHandler("guarded", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			handlerRan = true
			return nil, nil
		}),
		registry.WithBefore("deny", func(ctx context.Context, c registry.Conn, p wire.Map) (bool, error) {
			return false, nil
		}),
		registry.WithAfter("after", func(ctx context.Context, c registry.Conn, p wire.Map, r any) error {
			afterRan = true
			return nil
		}),
	)
	c, tr := newTestConn(t, id)

	c.Dispatch(Invocation{Target: "guarded", ReplyToken: "tok-2"})
	tr.expect(t, wire.NameDone)

	if handlerRan {
		t.Error("handler ran despite falsy before-hook")
	}
	if afterRan {
		t.Error("after-hook ran despite falsy before-hook")
	}
	if n := tr.count(wire.NameDone); n != 1 {
		t.Errorf("completion notices = %d, want exactly 1", n)
	}
	if n := tr.count(wire.NameFailure); n != 0 {
		t.Errorf("failure notifications = %d, want 0", n)
	}
}

func TestHookNeverInvocable(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	id := mustIdentity(t, "Test",
		registry.WithHandler("real", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			return nil, nil
		}),
		registry.WithBefore("audit", func(ctx context.Context, c registry.Conn, p wire.Map) (bool, error) {
			return true, nil
		}),
	)
	c, tr := newTestConn(t, id)

	c.Dispatch(Invocation{Target: "audit", ReplyToken: "tok-3"})
	tr.expect(t, wire.NameDone) // completion notice still sent
	tr.expect(t, wire.NameFailure)
}

func TestQualifiedDispatch(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	var publicRan bool
	other := mustIdentity(t, "Other",
		registry.WithPublicHandler("open", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			publicRan = true
			return nil, nil
		}),
		registry.WithHandler("hidden", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			t.Error("non-public handler invoked cross-context")
			return nil, nil
		}),
	)
	id := mustIdentity(t, "Main")
	c, tr := newTestConn(t, id, other)

	c.Dispatch(Invocation{Target: "Other.open", ReplyToken: "a"})
	tr.expect(t, wire.NameDone)
	if !publicRan {
		t.Error("public cross-context handler did not run")
	}

	c.Dispatch(Invocation{Target: "Other.hidden", ReplyToken: "b"})
	tr.expect(t, wire.NameDone)
	tr.expect(t, wire.NameFailure)

	c.Dispatch(Invocation{Target: "Nowhere.thing", ReplyToken: "c"})
	tr.expect(t, wire.NameDone)
	tr.expect(t, wire.NameFailure)
}

func TestResolveErrors(t *testing.T) {
	id := mustIdentity(t, "Test",
		registry.WithHandler("h", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) { return nil, nil }),
		registry.WithBefore("hk", func(ctx context.Context, c registry.Conn, p wire.Map) (bool, error) { return true, nil }),
	)
	c, _ := newTestConn(t, id)

	_, _, _, err := c.resolve("missing")
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Errorf("resolve(missing) = %v, want ResolutionError", err)
	}
	_, _, _, err = c.resolve("hk")
	var ae *AuthorizationError
	if !errors.As(err, &ae) {
		t.Errorf("resolve(hk) = %v, want AuthorizationError", err)
	}
}

func TestHandlerFailureIsolated(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	var calls int
	var mu sync.Mutex
	id := mustIdentity(t, "Test",
		registry.WithHandler("boom", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			return nil, errors.New("kaboom")
		}),
		registry.WithHandler("panics", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			panic("blew up mid-execution")
		}),
		registry.WithHandler("ok", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, nil
		}),
	)
	c, tr := newTestConn(t, id)

	c.Dispatch(Invocation{Target: "boom", ReplyToken: "t1"})
	tr.expect(t, wire.NameDone) // control re-enabled regardless of the failure
	tr.expect(t, wire.NameFailure)

	c.Dispatch(Invocation{Target: "panics", ReplyToken: "t2"})
	tr.expect(t, wire.NameDone)
	tr.expect(t, wire.NameFailure)

	// coordinator still alive and dispatching
	c.Dispatch(Invocation{Target: "ok", ReplyToken: "t3"})
	tr.expect(t, wire.NameDone)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("follow-up handler calls = %d, want 1", calls)
	}
}

func TestPushReply(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	id := mustIdentity(t, "Test")
	c, tr := newTestConn(t, id)

	type result struct {
		reply wire.Map
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		reply, err := c.Push(context.Background(), "query", wire.Map{"q": "value?"}, time.Second)
		resCh <- result{reply, err}
	}()

	rec := tr.expect(t, "query")
	if rec.Ref == "" {
		t.Fatal("push envelope has no correlation reference")
	}
	if _, ok := rec.Payload[wire.SenderKey].(string); !ok {
		t.Fatal("push payload has no sender token")
	}
	c.ResolveReply(rec.Ref, wire.Map{"answer": 42})

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Push: %v", res.err)
	}
	if diff := cmp.Diff(wire.Map{"answer": 42}, res.reply); diff != "" {
		t.Errorf("reply (-want +got):\n%s", diff)
	}
}

func TestPushTimeout(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	id := mustIdentity(t, "Test")
	c, tr := newTestConn(t, id)

	start := time.Now()
	_, err := c.Push(context.Background(), "query", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Push = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, want ~50ms plus slack", elapsed)
	}

	// A late reply has no observable effect: no pending call matches it.
	rec := tr.expect(t, "query")
	c.ResolveReply(rec.Ref, wire.Map{"late": true})

	// The coordinator still answers a fresh push afterwards.
	go func() {
		rec2 := tr.expect(t, "again")
		c.ResolveReply(rec2.Ref, wire.Map{"ok": true})
	}()
	reply, err := c.Push(context.Background(), "again", nil, time.Second)
	if err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if got := reply["ok"]; got != true {
		t.Errorf("second reply = %v, want ok:true", reply)
	}
}

func TestConnectTokenVerification(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	var connectRan bool
	id := mustIdentity(t, "Test",
		registry.WithOnConnect(func(ctx context.Context, c registry.Conn, p wire.Map) error {
			connectRan = true
			return nil
		}),
	)
	reg, err := registry.New(id)
	if err != nil {
		t.Fatal(err)
	}
	ts := testTokens(t)

	t.Run("expired session token fails setup", func(t *testing.T) {
		tr := newFakeTransport()
		c, err := New(id, tr, Config{Tokens: ts, Registry: reg, TokenMaxAge: time.Nanosecond})
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		tok, err := ts.Sign(ScopeSession, wire.Map{"user": "u1"}, saltSession)
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)

		err = c.OnConnect(context.Background(), wire.Map{"sessionToken": tok})
		var verr *token.VerificationError
		if !errors.As(err, &verr) {
			t.Fatalf("OnConnect = %v, want VerificationError", err)
		}
		if connectRan {
			t.Error("onconnect hook ran despite failed verification")
		}
	})

	t.Run("valid tokens restore state", func(t *testing.T) {
		tr := newFakeTransport()
		c, err := New(id, tr, Config{Tokens: ts, Registry: reg})
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		sessTok, _ := ts.Sign(ScopeSession, wire.Map{"user": "u1"}, saltSession)
		storeTok, _ := ts.Sign(ScopeStore, wire.Map{"count": 3.0}, saltStore)
		err = c.OnConnect(context.Background(), wire.Map{
			"sessionToken": sessTok,
			"storeToken":   storeTok,
		})
		if err != nil {
			t.Fatalf("OnConnect: %v", err)
		}
		sess, _ := c.Session(context.Background())
		if got := sess["user"]; got != "u1" {
			t.Errorf("restored session user = %v, want u1", got)
		}
		store, _ := c.Store(context.Background())
		if got := store["count"]; got != 3.0 {
			t.Errorf("restored store count = %v, want 3", got)
		}
	})
}

func TestOnDisconnectSeesFinalState(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	var gotStore, gotSession wire.Map
	id := mustIdentity(t, "Test",
		registry.WithOnDisconnect(func(store, session wire.Map) error {
			gotStore, gotSession = store, session
			return nil
		}),
	)
	c, _ := newTestConn(t, id)
	ctx := context.Background()

	if err := c.SetStore(ctx, wire.Map{"final": "store"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetSession(ctx, wire.Map{"final": "session"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if diff := cmp.Diff(wire.Map{"final": "store"}, gotStore); diff != "" {
		t.Errorf("ondisconnect store (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wire.Map{"final": "session"}, gotSession); diff != "" {
		t.Errorf("ondisconnect session (-want +got):\n%s", diff)
	}
}

func TestOnDisconnectFailureDoesNotBlockTeardown(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	id := mustIdentity(t, "Test",
		registry.WithOnDisconnect(func(store, session wire.Map) error {
			panic("disconnect hook panic")
		}),
	)
	c, _ := newTestConn(t, id)
	if err := c.Close(); err == nil {
		t.Error("Close() = nil, want hook failure to be reported")
	}
	// A second close is a no-op.
	if err := c.Close(); err == nil {
		t.Error("second Close() = nil, want cached failure")
	}
}

func TestWorkerOutcomeTags(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	id := mustIdentity(t, "Test",
		registry.WithHandler("stall", func(ctx context.Context, c registry.Conn, p wire.Map) (any, error) {
			started <- struct{}{}
			select {
			case <-block:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	)
	c, tr := newTestConn(t, id)

	c.Dispatch(Invocation{Target: "stall", ReplyToken: "t"})
	<-started
	c.Kill(errors.New("operator kill"))
	tr.expect(t, wire.NameDone)    // completion notice still sent
	tr.expect(t, wire.NameFailure) // killed workers surface to the client
	close(block)
}

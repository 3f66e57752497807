package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrsync/pkg/consumer"
	"github.com/ryandielhenn/zephyrsync/pkg/ledger"
	"github.com/ryandielhenn/zephyrsync/pkg/registry"
	"github.com/ryandielhenn/zephyrsync/pkg/request"
	"github.com/ryandielhenn/zephyrsync/pkg/watermark"
)

func TestNormalizeHostPort(t *testing.T) {
	for in, want := range map[string]string{
		"node1":                 "node1:8080",
		"node1:9000":            "node1:9000",
		"http://node1":          "node1:8080",
		"https://node1:443/":    "node1:443",
		"http://127.0.0.1:1234": "127.0.0.1:1234",
	} {
		if got := NormalizeHostPort(in, DefaultPort); got != want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

type recordingDeliverer struct {
	mu    sync.Mutex
	calls map[string][]ledger.Range
	err   error
	then  func(requester string, ranges []ledger.Range)
}

func (d *recordingDeliverer) Deliver(_ context.Context, requester string, ranges []ledger.Range) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.calls == nil {
		d.calls = map[string][]ledger.Range{}
	}
	d.calls[requester] = append(d.calls[requester], ranges...)
	if d.then != nil {
		d.then(requester, ranges)
	}
	return nil
}

func newServer(t *testing.T, n *Node) registry.Peer {
	t.Helper()
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return registry.Peer{ID: n.Self(), Addr: srv.URL}
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewMemory()
	require.NoError(t, led.Insert(ctx, "b", 1, 2, 3, 9))
	d := &recordingDeliverer{}
	peer := newServer(t, NewNode("b", "b:8080", led, WithDeliverer(d), WithLogger(zaptest.NewLogger(t))))

	c := NewClient("a", nil)
	last, err := c.RequestLastID(ctx, peer)
	require.NoError(t, err)
	require.EqualValues(t, 9, last)

	require.NoError(t, c.SendFileRequest(ctx, peer, "4-8"))
	require.Equal(t, []ledger.Range{{Start: 4, End: 8}}, d.calls["a"])

	err = c.SendFileRequest(ctx, peer, "8-4")
	require.ErrorIs(t, err, errUnexpectedStatus)
	require.Contains(t, err.Error(), "400")

	d.mu.Lock()
	d.err = errors.New("busy")
	d.mu.Unlock()
	err = c.SendFileRequest(ctx, peer, "4")
	require.ErrorIs(t, err, errUnexpectedStatus)
	require.Contains(t, err.Error(), "503")
}

func TestLastIDUnknownLedger(t *testing.T) {
	peer := newServer(t, NewNode("b", "b:8080", ledger.NewMemory()))
	_, err := NewClient("a", nil).RequestLastID(context.Background(), peer)
	require.ErrorIs(t, err, errUnexpectedStatus)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	_, err := NewClient("a", nil).RequestLastID(context.Background(), registry.Peer{ID: "b", Addr: addr})
	require.Error(t, err)
}

func TestHandlersRejectBadRequests(t *testing.T) {
	n := NewNode("b", "b:8080", ledger.NewMemory())
	h := n.Handler()
	for _, tc := range []struct {
		method, target, body string
		code                 int
	}{
		{http.MethodPost, LastIDPath, "", http.StatusMethodNotAllowed},
		{http.MethodGet, DeliverPath + "?from=a", "", http.StatusMethodNotAllowed},
		{http.MethodPost, DeliverPath, "1-2", http.StatusBadRequest},
		{http.MethodPost, DeliverPath + "?from=a", "", http.StatusBadRequest},
		{http.MethodPost, DeliverPath + "?from=a", "x", http.StatusBadRequest},
		{http.MethodPost, DeliverPath + "?from=a", "1-2,5", http.StatusAccepted},
		{http.MethodGet, "/healthz", "", http.StatusOK},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.target, strings.NewReader(tc.body)))
		require.Equal(t, tc.code, rec.Code, "%s %s %q", tc.method, tc.target, tc.body)
	}
}

func TestInfoIncludesConsumer(t *testing.T) {
	led := ledger.NewMemory()
	s := consumer.New(registry.NewStatic(led), led, NewClient("a", nil), watermark.NewMemStore())
	n := NewNode("a", "a:8080", led, WithConsumer(s))

	rec := httptest.NewRecorder()
	n.Info(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Self     string
		Consumer struct {
			Running bool
			Phase   string
			State   consumer.State
		}
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "a", out.Self)
	require.False(t, out.Consumer.Running)
	require.Equal(t, "idle", out.Consumer.Phase)
	require.Equal(t, "active", string(out.Consumer.State.Mode))
}

func TestModeSwitch(t *testing.T) {
	led := ledger.NewMemory()
	s := consumer.New(registry.NewStatic(led), led, NewClient("a", nil), watermark.NewMemStore())
	h := NewNode("a", "a:8080", led, WithConsumer(s), WithLogger(zaptest.NewLogger(t))).Handler()

	call := func(method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	rec := call(http.MethodGet, ModePath)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"mode":"active"}`, rec.Body.String())

	rec = call(http.MethodPost, ModePath+"?mode=suspend")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"mode":"suspend"}`, rec.Body.String())
	require.Equal(t, request.Suspend, s.Mode())

	rec = call(http.MethodPost, ModePath+"?mode=Active")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, request.Active, s.Mode())

	require.Equal(t, http.StatusBadRequest, call(http.MethodPost, ModePath+"?mode=paused").Code)
	require.Equal(t, request.Active, s.Mode())
	require.Equal(t, http.StatusMethodNotAllowed, call(http.MethodDelete, ModePath).Code)

	bare := NewNode("a", "a:8080", led).Handler()
	rec = httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ModePath, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// Node a replicates node b's ledger. b ships requested rows by inserting
// them into a's replica, standing in for the file transfer.
func TestConsumerCatchesUpOverHTTP(t *testing.T) {
	ctx := context.Background()
	ledA := ledger.NewMemory()
	ledB := ledger.NewMemory()
	require.NoError(t, ledB.Insert(ctx, "b", span(1, 250)...))
	require.NoError(t, ledA.Insert(ctx, "b", 1, 2, 3, 50, 51, 200))

	d := &recordingDeliverer{then: func(_ string, ranges []ledger.Range) {
		for _, r := range ranges {
			_ = ledA.Insert(ctx, "b", span(r.Start, r.End)...)
		}
	}}
	peerB := newServer(t, NewNode("b", "b:8080", ledB, WithDeliverer(d)))

	marks := watermark.NewMemStore()
	cfg := consumer.DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.PageSize = 16
	cfg.Policy.MaxIDs = 100
	s := consumer.New(registry.NewStatic(ledA, peerB), ledA, NewClient("a", nil), marks,
		consumer.WithConfig(cfg), consumer.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		wm, err := marks.Get(ctx, "b")
		return err == nil && wm.ValidatedID == 250
	}, 5*time.Second, 5*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.calls["a"] {
		require.LessOrEqual(t, r.End, uint64(250))
	}
}

func span(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

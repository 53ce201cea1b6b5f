package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"postfilter/internal/model"
)

type vkCall struct {
	method string
	params url.Values
}

// vkTransport fakes the VK API over the HTTPClient seam, recording every
// method call.
type vkTransport struct {
	mu      sync.Mutex
	calls   []vkCall
	respond func(method string, params url.Values) (string, error)
}

func (t *vkTransport) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	params, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	method := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]

	t.mu.Lock()
	t.calls = append(t.calls, vkCall{method: method, params: params})
	t.mu.Unlock()

	resp, err := t.respond(method, params)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewBufferString(resp)),
	}, nil
}

func (t *vkTransport) callsFor(method string) []vkCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []vkCall
	for _, c := range t.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type mockCursorStore struct {
	mu      sync.Mutex
	cursors map[int64]string
}

func newMockCursorStore() *mockCursorStore {
	return &mockCursorStore{cursors: make(map[int64]string)}
}

func (m *mockCursorStore) SetSourceCursor(_ context.Context, id int64, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[id] = cursor
	return nil
}

func vkOK(payload string) string {
	return fmt.Sprintf(`{"response": %s}`, payload)
}

func vkError(code int, msg string) string {
	return fmt.Sprintf(`{"error": {"error_code": %d, "error_msg": %q}}`, code, msg)
}

func wallItems(items string) string {
	return vkOK(fmt.Sprintf(`{"items": [%s]}`, items))
}

func newVKForTest(t *testing.T, respond func(method string, params url.Values) (string, error)) (*VK, *vkTransport, *mockCursorStore) {
	t.Helper()
	transport := &vkTransport{respond: respond}
	cursors := newMockCursorStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewVK(transport, cursors, "test-token", log), transport, cursors
}

func allOK(method string, _ url.Values) (string, error) {
	if method == "users.get" {
		return vkOK(`[{"id": 1}]`), nil
	}
	return vkOK(`{}`), nil
}

func TestVKStartWithoutTokenDisables(t *testing.T) {
	transport := &vkTransport{respond: allOK}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := NewVK(transport, newMockCursorStore(), "", log)

	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(transport.calls) != 0 {
		t.Error("disabled provider should not call the API")
	}
	if err := v.Forward(context.Background(), "-1", model.Post{}, "a"); err == nil {
		t.Error("expected forward to fail on disabled provider")
	}
}

func TestVKStartAuthFailureDisables(t *testing.T) {
	v, _, _ := newVKForTest(t, func(method string, _ url.Values) (string, error) {
		return vkError(5, "invalid access token"), nil
	})

	// A bad token must not fail the process.
	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := v.Forward(context.Background(), "-1", model.Post{}, "a"); err == nil {
		t.Error("expected forward to fail after auth failure")
	}
}

func TestVKPollFirstRunBaselines(t *testing.T) {
	ctx := context.Background()
	v, _, cursors := newVKForTest(t, func(method string, _ url.Values) (string, error) {
		if method == "wall.get" {
			return wallItems(`{"id": 10, "owner_id": -123, "text": "old post"}`), nil
		}
		return allOK(method, nil)
	})

	var emitted []model.Post
	emit := func(_ context.Context, p model.Post) { emitted = append(emitted, p) }

	src := model.Source{ID: 1, Type: model.SourceVK, SourceID: "-123"}
	state := map[int64]int64{}
	if err := v.pollSource(ctx, src, state, emit); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(emitted) != 0 {
		t.Errorf("first poll must only baseline, emitted %d posts", len(emitted))
	}
	if got := cursors.cursors[1]; got != "10" {
		t.Errorf("cursor = %q, want 10", got)
	}
	if state[1] != 10 {
		t.Errorf("in-memory cursor = %d, want 10", state[1])
	}
}

func TestVKPollEmitsNewPostsOldestFirst(t *testing.T) {
	ctx := context.Background()
	// VK returns newest-first.
	v, _, cursors := newVKForTest(t, func(method string, _ url.Values) (string, error) {
		if method == "wall.get" {
			return wallItems(`
				{"id": 12, "owner_id": -123, "text": "newest"},
				{"id": 11, "owner_id": -123, "text": "newer"},
				{"id": 10, "owner_id": -123, "text": "seen"}`), nil
		}
		return allOK(method, nil)
	})

	var emitted []string
	emit := func(_ context.Context, p model.Post) { emitted = append(emitted, p.PostID) }

	src := model.Source{ID: 1, Type: model.SourceVK, SourceID: "-123", Name: "VK Tech"}
	state := map[int64]int64{1: 10}
	if err := v.pollSource(ctx, src, state, emit); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if diff := cmp.Diff([]string{"-123_11", "-123_12"}, emitted); diff != "" {
		t.Errorf("emitted posts mismatch (-want +got):\n%s", diff)
	}
	if got := cursors.cursors[1]; got != "12" {
		t.Errorf("cursor = %q, want 12", got)
	}
}

func TestVKPollSkipsPinned(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newVKForTest(t, func(method string, _ url.Values) (string, error) {
		if method == "wall.get" {
			return wallItems(`
				{"id": 99, "owner_id": -123, "text": "pinned announcement", "is_pinned": 1},
				{"id": 11, "owner_id": -123, "text": "regular"}`), nil
		}
		return allOK(method, nil)
	})

	var emitted []string
	emit := func(_ context.Context, p model.Post) { emitted = append(emitted, p.PostID) }

	src := model.Source{ID: 1, Type: model.SourceVK, SourceID: "-123"}
	state := map[int64]int64{1: 10}
	if err := v.pollSource(ctx, src, state, emit); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if diff := cmp.Diff([]string{"-123_11"}, emitted); diff != "" {
		t.Errorf("emitted posts mismatch (-want +got):\n%s", diff)
	}
}

func TestVKWallGetAddressing(t *testing.T) {
	ctx := context.Background()
	v, transport, _ := newVKForTest(t, func(method string, _ url.Values) (string, error) {
		if method == "wall.get" {
			return wallItems(``), nil
		}
		return allOK(method, nil)
	})

	emit := func(context.Context, model.Post) {}

	// Numeric source ids go through owner_id, screen names through domain.
	_ = v.pollSource(ctx, model.Source{ID: 1, SourceID: "-123"}, map[int64]int64{}, emit)
	_ = v.pollSource(ctx, model.Source{ID: 2, SourceID: "@technews"}, map[int64]int64{}, emit)

	calls := transport.callsFor("wall.get")
	if len(calls) != 2 {
		t.Fatalf("expected 2 wall.get calls, got %d", len(calls))
	}
	if got := calls[0].params.Get("owner_id"); got != "-123" {
		t.Errorf("owner_id = %q", got)
	}
	if got := calls[1].params.Get("domain"); got != "technews" {
		t.Errorf("domain = %q", got)
	}
	for _, c := range calls {
		if c.params.Get("access_token") != "test-token" || c.params.Get("v") != vkAPIVersion {
			t.Errorf("missing auth params in %v", c.params)
		}
	}
}

func TestVKForward(t *testing.T) {
	ctx := context.Background()
	v, transport, _ := newVKForTest(t, allOK)
	if err := v.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	post := model.Post{
		SourceType: model.SourceVK,
		SourceID:   "-123",
		PostID:     "-123_42",
		Text:       "New AI model released",
		Raw: &model.RawRef{
			Type: model.SourceVK,
			VK:   &model.VKRef{OwnerID: -123, PostID: 42},
		},
	}
	if err := v.Forward(ctx, "-777", post, "📌 Category: AI"); err != nil {
		t.Fatalf("forward: %v", err)
	}

	calls := transport.callsFor("wall.post")
	if len(calls) != 1 {
		t.Fatalf("expected 1 wall.post, got %d", len(calls))
	}
	if got := calls[0].params.Get("owner_id"); got != "-777" {
		t.Errorf("owner_id = %q", got)
	}
	msg := calls[0].params.Get("message")
	for _, want := range []string{"📌 Category: AI", "New AI model released", "https://vk.com/wall-123_42"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestVKStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newVKForTest(t, allOK)
	if err := v.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := v.Forward(ctx, "-777", model.Post{}, "a"); err != nil {
		t.Fatalf("forward while running: %v", err)
	}

	// Stop may race with in-flight Forward/Monitor calls on other
	// goroutines; the flag must stay coherent.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = v.Forward(ctx, "-777", model.Post{}, "a")
		}()
	}
	if err := v.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()

	if err := v.Forward(ctx, "-777", model.Post{}, "a"); err == nil {
		t.Fatal("expected forward to fail after stop")
	}
	if err := v.Monitor(ctx, nil, func(context.Context, model.Post) {}); err != nil {
		t.Fatalf("monitor after stop must return immediately: %v", err)
	}
}

func TestVKForwardRejectsBadTarget(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newVKForTest(t, allOK)
	if err := v.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := v.Forward(ctx, "@notanumber", model.Post{}, "a"); err == nil {
		t.Fatal("expected error for non-numeric vk target")
	}
}

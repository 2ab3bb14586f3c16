package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// ============================================================================
// Test Helpers
// ============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

type restServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newRestServer(t *testing.T) *restServer {
	s := &restServer{routes: map[string]func(http.ResponseWriter, *http.Request){}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.mu.Unlock()

		if h, ok := s.routes[r.Method+" "+r.URL.Path]; ok {
			h(w, r)
			return
		}
		writeResult(w, nil)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *restServer) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func writeResult(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	out := map[string]any{"ok": true}
	if data != nil {
		out["data"] = data
	}
	_ = json.NewEncoder(w).Encode(out)
}

func writeError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]string{"code": code, "message": message}})
}

func newTestClient(srv *restServer) *Client {
	return NewClient("test-token", WithBaseURL(srv.URL+"/"), WithTimeout(5*time.Second))
}

// ============================================================================
// REST
// ============================================================================

func TestClientMessages(t *testing.T) {
	srv := newRestServer(t)
	srv.routes["POST /api/messages/bob@example.com"] = func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, MessageData{Message: MessagePayload{ID: "srv-1", ClientID: "local-1", SenderID: testSelf, ReceiverID: testPeer, Content: "hi", CreatedAt: 1000}})
	}
	srv.routes["GET /api/messages/bob@example.com"] = func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, []MessagePayload{{ID: "m1", SenderID: testPeer, Content: "yo", CreatedAt: 500}})
	}
	c := newTestClient(srv)
	ctx := context.Background()

	p, err := c.Messages.Send(ctx, testPeer, &SendOptions{ClientID: "local-1", Content: "hi", Type: "text"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if p.ID != "srv-1" || p.ClientID != "local-1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	req := srv.last()
	if req.Auth != "Bearer test-token" || req.Body["clientId"] != "local-1" || req.Body["content"] != "hi" {
		t.Fatalf("unexpected request: %+v", req)
	}

	before := time.UnixMilli(12345)
	page, err := c.Messages.History(ctx, testPeer, &PaginationOptions{Limit: 20, Before: before})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 1 || page[0].ID != "m1" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if q := srv.last().Query; q != "before=12345&limit=20" {
		t.Fatalf("unexpected query %q", q)
	}

	tests := []struct {
		name string
		call func() error
		want recordedRequest
	}{
		{"react", func() error { return c.Messages.React(ctx, "m1", "👍") }, recordedRequest{Method: "POST", Path: "/api/messages/m1/reactions"}},
		{"recall", func() error { return c.Messages.Recall(ctx, "m1") }, recordedRequest{Method: "POST", Path: "/api/messages/m1/recall"}},
		{"delete", func() error { return c.Messages.Delete(ctx, "m1") }, recordedRequest{Method: "DELETE", Path: "/api/messages/m1"}},
		{"read", func() error { return c.Messages.MarkRead(ctx, "m1") }, recordedRequest{Method: "POST", Path: "/api/messages/m1/read"}},
		{"friend request", func() error { return c.Friends.SendRequest(ctx, testPeer) }, recordedRequest{Method: "POST", Path: "/api/friends/requests"}},
		{"withdraw", func() error { return c.Friends.Withdraw(ctx, testPeer) }, recordedRequest{Method: "DELETE", Path: "/api/friends/requests/bob@example.com"}},
		{"respond", func() error { return c.Friends.Respond(ctx, testPeer, true) }, recordedRequest{Method: "POST", Path: "/api/friends/requests/bob@example.com/respond"}},
		{"unfriend", func() error { return c.Friends.Unfriend(ctx, testPeer) }, recordedRequest{Method: "DELETE", Path: "/api/friends/bob@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := srv.last()
			if got.Method != tt.want.Method || got.Path != tt.want.Path {
				t.Fatalf("expected %s %s, got %s %s", tt.want.Method, tt.want.Path, got.Method, got.Path)
			}
		})
	}
}

func TestClientErrors(t *testing.T) {
	srv := newRestServer(t)
	srv.routes["GET /api/friends"] = func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "UNAUTHORIZED", "token expired")
	}
	c := newTestClient(srv)

	_, err := c.Friends.List(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if IsTransient(err) {
		t.Fatal("expected auth failure to be permanent")
	}

	if _, err := c.Auth.Login(context.Background(), &LoginOptions{Email: testSelf}); ErrorCode(err) != "INVALID_INPUT" {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestClientBackendSnapshot(t *testing.T) {
	srv := newRestServer(t)
	srv.routes["GET /api/friends"] = func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, []UserPayload{{ID: testPeer, Name: "Bob", Online: true}})
	}
	srv.routes["GET /api/friends/requests/received"] = func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, []FriendRequestPayload{{User: UserPayload{ID: "carol@example.com"}, CreatedAt: 1000}})
	}
	srv.routes["GET /api/groups"] = func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, []GroupPayload{{ID: "g1", Name: "Team", Members: []string{testSelf, testPeer}}})
	}
	b := newTestClient(srv).Backend()
	ctx := context.Background()

	friends, err := b.Friends(ctx)
	if err != nil {
		t.Fatalf("friends: %v", err)
	}
	if diff := cmp.Diff([]UserPayload{{ID: testPeer, Name: "Bob", Online: true}}, friends); diff != "" {
		t.Fatalf("friends mismatch (-want +got):\n%s", diff)
	}
	received, err := b.ReceivedRequests(ctx)
	if err != nil || len(received) != 1 || received[0].User.ID != "carol@example.com" {
		t.Fatalf("unexpected received requests %+v, err %v", received, err)
	}
	groups, err := b.Groups(ctx)
	if err != nil || len(groups) != 1 || groups[0].group().Name != "Team" {
		t.Fatalf("unexpected groups %+v, err %v", groups, err)
	}

	srv.routes["GET /api/groups/g1/members"] = func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, []UserPayload{{ID: testSelf}, {ID: testPeer, Name: "Bob"}})
	}
	members, err := newTestClient(srv).Groups.Members(ctx, "g1")
	if err != nil || len(members) != 2 || members[1].Name != "Bob" {
		t.Fatalf("unexpected members %+v, err %v", members, err)
	}
}

// ============================================================================
// Uploads
// ============================================================================

func TestClientUpload(t *testing.T) {
	srv := newRestServer(t)
	var (
		uploaded     []byte
		uploadedAuth string
	)
	srv.routes["POST /api/files/presign"] = func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, PresignResult{UploadID: "up-1", URL: "/api/files/upload/up-1"})
	}
	srv.routes["POST /api/files/upload/up-1"] = func(w http.ResponseWriter, r *http.Request) {
		uploadedAuth = r.Header.Get("Authorization")
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		uploaded, _ = io.ReadAll(f)
		w.WriteHeader(http.StatusNoContent)
	}
	srv.routes["POST /api/files/confirm"] = func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, UploadResult{UploadID: "up-1", URL: "https://cdn.example.com/up-1.png", FileName: "pic.png", FileSize: 4, MimeType: "image/png"})
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, []byte("\x89PNG"), 0o600); err != nil {
		t.Fatal(err)
	}

	var progress int64
	res, err := newTestClient(srv).Files.UploadFile(context.Background(), path, &UploadOptions{
		OnProgress: func(done, total int64) { progress = done },
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if string(uploaded) != "\x89PNG" || uploadedAuth != "Bearer test-token" || progress != 4 {
		t.Fatalf("unexpected upload: data=%q auth=%q progress=%d", uploaded, uploadedAuth, progress)
	}

	draft := DraftFor(res)
	if draft.Kind != KindImage || draft.Content != res.URL || draft.File.Name != "pic.png" {
		t.Fatalf("unexpected draft: %+v", draft)
	}
}

func TestClientUploadRequiresName(t *testing.T) {
	c := NewClient("t")
	if _, err := c.Files.Upload(context.Background(), []byte("x"), nil); err == nil {
		t.Fatal("expected error without file name")
	}
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"a.md":     "text/markdown",
		"a.webp":   "image/webp",
		"a.png":    "image/png",
		"noext":    "application/octet-stream",
		"a.zzzzzz": "application/octet-stream",
	}
	for name, want := range tests {
		if got := guessMimeType(name); got != want {
			t.Errorf("guessMimeType(%q) = %q, want %q", name, got, want)
		}
	}
}

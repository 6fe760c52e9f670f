package topcat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"pollcat/internal/pollcat"
)

type staticSession string

func (s staticSession) SessionID(context.Context) (string, error) { return string(s), nil }

type fakeServer struct {
	mu        sync.Mutex
	statusIDs []string
	offline   string // datafileIds value reported as ARCHIVED
	completed []string
	query     string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/api/v1/admin/downloads":
		f.query = r.URL.Query().Get("queryOffset")
		if r.URL.Query().Get("sessionId") != "sess" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`[{"id":7,"preparedId":"p7","userName":"alice","fileName":"run1","transport":"globus","status":"RESTORING"}]`))
	case r.URL.Path == "/ids/getDatafileIds":
		_, _ = w.Write([]byte(`{"zip":false,"compress":false,"ids":[1,2,3]}`))
	case r.URL.Path == "/ids/getStatus":
		ids := r.URL.Query().Get("datafileIds")
		f.statusIDs = append(f.statusIDs, ids)
		if ids == f.offline {
			_, _ = w.Write([]byte("ARCHIVED"))
			return
		}
		_, _ = w.Write([]byte("ONLINE"))
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/v1/admin/download/"):
		_ = r.ParseForm()
		f.completed = append(f.completed, r.URL.Path+" "+r.PostForm.Get("value"))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		TopCATURL:       srv.URL,
		IDSURL:          srv.URL,
		ICATURL:         "https://icat.example",
		Transport:       "globus",
		StatusChunkSize: 2,
	}, staticSession("sess"), pollcat.NewNopLogger())
	return c, fake
}

func TestClient_Pending(t *testing.T) {
	c, fake := newTestClient(t)
	reqs, err := c.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("Pending() returned %d requests", len(reqs))
	}
	want := pollcat.Request{ID: 7, PreparedID: "p7", Requester: "alice", DownloadName: "run1"}
	if r := reqs[0]; r.ID != want.ID || r.PreparedID != want.PreparedID || r.Requester != want.Requester || r.DownloadName != want.DownloadName {
		t.Errorf("Pending()[0] = %+v, want %+v", *r, want)
	}
	if !strings.Contains(fake.query, "download.transport = 'globus'") {
		t.Errorf("queryOffset = %q", fake.query)
	}
}

func TestClient_IsOnline(t *testing.T) {
	ctx := context.Background()

	t.Run("all chunks online", func(t *testing.T) {
		c, fake := newTestClient(t)
		online, err := c.IsOnline(ctx, "p7", []int64{1, 2, 3})
		if err != nil || !online {
			t.Fatalf("IsOnline() = %v, %v", online, err)
		}
		if !slices.Equal(fake.statusIDs, []string{"1,2", "3"}) {
			t.Errorf("status chunks = %q", fake.statusIDs)
		}
	})

	t.Run("stops at first archived chunk", func(t *testing.T) {
		c, fake := newTestClient(t)
		fake.offline = "1,2"
		online, err := c.IsOnline(ctx, "p7", []int64{1, 2, 3})
		if err != nil || online {
			t.Fatalf("IsOnline() = %v, %v", online, err)
		}
		if len(fake.statusIDs) != 1 {
			t.Errorf("status calls = %d, want 1", len(fake.statusIDs))
		}
	})
}

func TestClient_DatafileIDsAndComplete(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t)

	ids, err := c.DatafileIDs(ctx, "p7")
	if err != nil || !slices.Equal(ids, []int64{1, 2, 3}) {
		t.Fatalf("DatafileIDs() = %v, %v", ids, err)
	}
	if err := c.MarkComplete(ctx, 7); err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}
	if !slices.Equal(fake.completed, []string{"/api/v1/admin/download/7/status COMPLETE"}) {
		t.Errorf("completed = %q", fake.completed)
	}
}

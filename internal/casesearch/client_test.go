package casesearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hakichat/internal/metrics"
)

func newTestClient(pythonURL, nodeURL string) *Client {
	return New(Config{
		PythonURL: pythonURL,
		NodeURL:   nodeURL,
		Timeout:   2 * time.Second,
		Logger:    zerolog.Nop(),
		Metrics:   metrics.New(),
	})
}

func searchServer(t *testing.T, path string, results []CaseSummary) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
			return
		}
		if r.URL.Path != path || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(SearchResponse{Results: results, Total: len(results), Query: req.Query})
	}))
}

func failingServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"detail":"maintenance"}`))
	}))
}

func TestSmartSearchPrefersPython(t *testing.T) {
	py := searchServer(t, "/mobile/search/quick", []CaseSummary{{ID: "c1", Title: "Republic v Mwangi"}})
	defer py.Close()
	node := searchServer(t, "/search", []CaseSummary{{ID: "n1"}})
	defer node.Close()

	res, err := newTestClient(py.URL, node.URL).SmartSearch(context.Background(), ClientContext{UserID: "user_abc"}, SearchRequest{Query: "theft"})
	if err != nil {
		t.Fatalf("smart search: %v", err)
	}
	if res.Backend != BackendPython || len(res.Results) != 1 || res.Results[0].ID != "c1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSmartSearchFallsBackToNode(t *testing.T) {
	py := failingServer()
	defer py.Close()
	node := searchServer(t, "/search", []CaseSummary{{ID: "n1", Title: "Okiya Omtatah v AG"}})
	defer node.Close()

	c := newTestClient(py.URL, node.URL)
	res, err := c.SmartSearch(context.Background(), ClientContext{}, SearchRequest{Query: "constitution"})
	if err != nil {
		t.Fatalf("smart search: %v", err)
	}
	if res.Backend != BackendNode || res.Results[0].ID != "n1" {
		t.Fatalf("expected nodejs result, got %+v", res)
	}
}

func TestSmartSearchBothFail(t *testing.T) {
	py := failingServer()
	defer py.Close()
	node := failingServer()
	defer node.Close()

	_, err := newTestClient(py.URL, node.URL).SmartSearch(context.Background(), ClientContext{}, SearchRequest{Query: "x"})
	if err == nil {
		t.Fatalf("expected error when both backends fail")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "maintenance" {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
	if !strings.Contains(err.Error(), "python backend") || !strings.Contains(err.Error(), "nodejs backend") {
		t.Fatalf("expected both backend failures in %q", err.Error())
	}
}

func TestHealthCheckReportsEachBackend(t *testing.T) {
	py := searchServer(t, "/mobile/search/quick", nil)
	defer py.Close()
	node := failingServer()
	defer node.Close()

	h := newTestClient(py.URL, node.URL).HealthCheck(context.Background())
	if !h.Python.Available || h.Python.Status != "healthy" {
		t.Fatalf("expected python available, got %+v", h.Python)
	}
	if h.Node.Available || h.Node.Error == "" {
		t.Fatalf("expected nodejs unavailable with error, got %+v", h.Node)
	}
}

func TestFavoritesSendUserID(t *testing.T) {
	var gotHeader, gotQuery, gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-User-ID")
		gotQuery = r.URL.Query().Get("user_id")
		gotMethod = r.Method
		gotPath = r.URL.Path
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"favorites":[{"case_id":"c9","title":"Saved"}]}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	cc := ClientContext{UserID: "user_123456789"}

	favs, err := c.ListFavorites(context.Background(), cc)
	if err != nil {
		t.Fatalf("list favorites: %v", err)
	}
	if len(favs) != 1 || favs[0].CaseID != "c9" {
		t.Fatalf("unexpected favorites %+v", favs)
	}
	if gotHeader != cc.UserID || gotQuery != cc.UserID {
		t.Fatalf("expected user id in header and query, got %q %q", gotHeader, gotQuery)
	}

	if err := c.RemoveFavorite(context.Background(), cc, "c/9"); err != nil {
		t.Fatalf("remove favorite: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/mobile/favorites/c/9" {
		t.Fatalf("unexpected delete request %s %s", gotMethod, gotPath)
	}
}

func TestMissingBackendURL(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1", "")
	if _, err := c.FullSearch(context.Background(), ClientContext{}, SearchRequest{Query: "x"}); err == nil {
		t.Fatalf("expected error for unconfigured nodejs backend")
	}
}

var anonymousID = regexp.MustCompile(`^user_[a-z0-9]{9}$`)

func TestNewClientContext(t *testing.T) {
	a, b := NewClientContext(), NewClientContext()
	if !anonymousID.MatchString(a.UserID) {
		t.Fatalf("unexpected anonymous id %q", a.UserID)
	}
	if a.UserID == b.UserID {
		t.Fatalf("expected distinct anonymous ids")
	}
}

func TestDeviceIDsAreStable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ids := NewDeviceIDs(rdb, time.Hour)
	first, err := ids.ClientContext(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	second, err := ids.ClientContext(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if first.UserID != second.UserID {
		t.Fatalf("expected stable id, got %q and %q", first.UserID, second.UserID)
	}
	other, err := ids.ClientContext(context.Background(), "device-2")
	if err != nil {
		t.Fatalf("other lookup: %v", err)
	}
	if other.UserID == first.UserID {
		t.Fatalf("expected per-device ids")
	}
}

type recordedRequest struct {
	method string
	path   string
	query  url.Values
	header string
	body   map[string]any
}

func recordingServer(t *testing.T, reply string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	got := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.Query()
		got.header = r.Header.Get("X-User-ID")
		got.body = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	return srv, got
}

func TestAnalyzeScan(t *testing.T) {
	srv, got := recordingServer(t, `{"extracted_text":"Petition No. 12 of 2020","confidence":0.91,"related_cases":[{"id":"c4","title":"Mwangi v Republic"}]}`)
	defer srv.Close()

	cc := ClientContext{UserID: "user_abcdefghi"}
	res, err := newTestClient(srv.URL, "").AnalyzeScan(context.Background(), cc, ScanRequest{ImageData: "aGVsbG8=", Filename: "page.jpg"})
	if err != nil {
		t.Fatalf("analyze scan: %v", err)
	}
	if got.method != http.MethodPost || got.path != "/mobile/scan/analyze" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.body["image_data"] != "aGVsbG8=" || got.body["filename"] != "page.jpg" || got.header != cc.UserID {
		t.Fatalf("unexpected body %v header %q", got.body, got.header)
	}
	if res.ExtractedText != "Petition No. 12 of 2020" || res.Confidence != 0.91 || len(res.RelatedCases) != 1 || res.RelatedCases[0].ID != "c4" {
		t.Fatalf("unexpected scan response %+v", res)
	}
}

func TestProcessVoiceQuery(t *testing.T) {
	srv, got := recordingServer(t, `{"transcript":"land disputes in Nakuru","results":[{"id":"v1","title":"Kamau v Njoroge"}]}`)
	defer srv.Close()

	res, err := newTestClient(srv.URL, "").ProcessVoiceQuery(context.Background(), ClientContext{}, VoiceRequest{AudioData: "UklGRg==", Language: "sw"})
	if err != nil {
		t.Fatalf("process voice: %v", err)
	}
	if got.method != http.MethodPost || got.path != "/mobile/voice/process" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.body["audio_data"] != "UklGRg==" || got.body["language"] != "sw" {
		t.Fatalf("unexpected body %v", got.body)
	}
	if got.header != "" {
		t.Fatalf("anonymous call should not send a user header, got %q", got.header)
	}
	if res.Transcript != "land disputes in Nakuru" || len(res.Results) != 1 || res.Results[0].ID != "v1" {
		t.Fatalf("unexpected voice response %+v", res)
	}
}

func TestCompareCases(t *testing.T) {
	srv, got := recordingServer(t, `{"cases":[{"id":"a"},{"id":"b"}],"similarities":["same court"],"differences":["outcome"],"summary":"Both concern bail."}`)
	defer srv.Close()

	res, err := newTestClient(srv.URL, "").CompareCases(context.Background(), ClientContext{UserID: "u"}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if got.method != http.MethodPost || got.path != "/mobile/cases/compare" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	ids, _ := got.body["case_ids"].([]any)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected case ids %v", got.body)
	}
	if len(res.Cases) != 2 || res.Summary != "Both concern bail." || len(res.Similarities) != 1 || len(res.Differences) != 1 {
		t.Fatalf("unexpected compare response %+v", res)
	}
}

func TestActivityHistory(t *testing.T) {
	srv, got := recordingServer(t, `{"history":[{"action":"search","query":"bail","timestamp":"2026-03-01T10:00:00Z"}]}`)
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	cc := ClientContext{UserID: "user a&b"}
	entries, err := c.ActivityHistory(context.Background(), cc, 5)
	if err != nil {
		t.Fatalf("activity history: %v", err)
	}
	if got.method != http.MethodGet || got.path != "/mobile/history" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.query.Get("user_id") != cc.UserID || got.query.Get("limit") != "5" {
		t.Fatalf("unexpected query %v", got.query)
	}
	if len(entries) != 1 || entries[0].Action != "search" || entries[0].Query != "bail" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !entries[0].Timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp %v", entries[0].Timestamp)
	}

	if _, err := c.ActivityHistory(context.Background(), cc, 0); err != nil {
		t.Fatalf("activity history without limit: %v", err)
	}
	if got.query.Has("limit") {
		t.Fatalf("limit should be omitted when zero, got %v", got.query)
	}
}

func TestMobileEndpointErrors(t *testing.T) {
	srv := failingServer()
	defer srv.Close()

	_, err := newTestClient(srv.URL, "").CompareCases(context.Background(), ClientContext{}, []string{"a"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "maintenance" {
		t.Fatalf("expected APIError with detail, got %v", err)
	}
}

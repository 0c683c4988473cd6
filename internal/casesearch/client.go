package casesearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hakichat/internal/metrics"
)

type APIError struct {
	Backend Backend
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Backend, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Backend, e.Path, e.Status, e.Message)
}

type Config struct {
	PythonURL  string
	NodeURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Client talks to the mobile-optimized Python backend and the full Node.js backend.
type Client struct {
	bases   map[Backend]string
	http    *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Client{
		bases: map[Backend]string{
			BackendPython: strings.TrimRight(cfg.PythonURL, "/"),
			BackendNode:   strings.TrimRight(cfg.NodeURL, "/"),
		},
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
		metrics: m,
	}
}

func (c *Client) QuickSearch(ctx context.Context, cc ClientContext, req SearchRequest) (SearchResponse, error) {
	var out SearchResponse
	err := c.do(ctx, cc, BackendPython, http.MethodPost, "/mobile/search/quick", req, &out)
	return out, err
}

func (c *Client) FullSearch(ctx context.Context, cc ClientContext, req SearchRequest) (SearchResponse, error) {
	var out SearchResponse
	err := c.do(ctx, cc, BackendNode, http.MethodPost, "/search", req, &out)
	return out, err
}

func (c *Client) AnalyzeScan(ctx context.Context, cc ClientContext, req ScanRequest) (ScanResponse, error) {
	var out ScanResponse
	err := c.do(ctx, cc, BackendPython, http.MethodPost, "/mobile/scan/analyze", req, &out)
	return out, err
}

func (c *Client) ProcessVoiceQuery(ctx context.Context, cc ClientContext, req VoiceRequest) (VoiceResponse, error) {
	var out VoiceResponse
	err := c.do(ctx, cc, BackendPython, http.MethodPost, "/mobile/voice/process", req, &out)
	return out, err
}

func (c *Client) AddFavorite(ctx context.Context, cc ClientContext, fav Favorite) error {
	body := struct {
		Favorite
		UserID string `json:"user_id"`
	}{Favorite: fav, UserID: cc.UserID}
	return c.do(ctx, cc, BackendPython, http.MethodPost, "/mobile/favorites", body, nil)
}

func (c *Client) RemoveFavorite(ctx context.Context, cc ClientContext, caseID string) error {
	path := "/mobile/favorites/" + url.PathEscape(caseID) + "?user_id=" + url.QueryEscape(cc.UserID)
	return c.do(ctx, cc, BackendPython, http.MethodDelete, path, nil, nil)
}

func (c *Client) ListFavorites(ctx context.Context, cc ClientContext) ([]Favorite, error) {
	var out struct {
		Favorites []Favorite `json:"favorites"`
	}
	err := c.do(ctx, cc, BackendPython, http.MethodGet, "/mobile/favorites?user_id="+url.QueryEscape(cc.UserID), nil, &out)
	return out.Favorites, err
}

func (c *Client) CompareCases(ctx context.Context, cc ClientContext, caseIDs []string) (CompareResponse, error) {
	var out CompareResponse
	err := c.do(ctx, cc, BackendPython, http.MethodPost, "/mobile/cases/compare", CompareRequest{CaseIDs: caseIDs}, &out)
	return out, err
}

func (c *Client) ActivityHistory(ctx context.Context, cc ClientContext, limit int) ([]ActivityEntry, error) {
	var out struct {
		History []ActivityEntry `json:"history"`
	}
	path := "/mobile/history?user_id=" + url.QueryEscape(cc.UserID)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	err := c.do(ctx, cc, BackendPython, http.MethodGet, path, nil, &out)
	return out.History, err
}

// SmartSearch asks the Python backend first and falls back to the Node.js backend.
// The response names the backend that served it.
func (c *Client) SmartSearch(ctx context.Context, cc ClientContext, req SearchRequest) (SearchResponse, error) {
	out, primaryErr := c.QuickSearch(ctx, cc, req)
	if primaryErr == nil {
		out.Backend = BackendPython
		return out, nil
	}
	if ctx.Err() != nil {
		return SearchResponse{}, ctx.Err()
	}
	c.logger.Warn().Err(primaryErr).Str("query", req.Query).Msg("python search failed, falling back to nodejs")
	c.metrics.CaseSearchFallbacks.Inc()

	out, fallbackErr := c.FullSearch(ctx, cc, req)
	if fallbackErr != nil {
		return SearchResponse{}, errors.Join(
			fmt.Errorf("python backend: %w", primaryErr),
			fmt.Errorf("nodejs backend: %w", fallbackErr),
		)
	}
	out.Backend = BackendNode
	return out, nil
}

// HealthCheck probes both backends concurrently. A down backend is reported, not returned.
func (c *Client) HealthCheck(ctx context.Context) Health {
	var h Health
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.Python = c.probe(gctx, BackendPython)
		return nil
	})
	g.Go(func() error {
		h.Node = c.probe(gctx, BackendNode)
		return nil
	})
	_ = g.Wait()
	return h
}

func (c *Client) probe(ctx context.Context, backend Backend) BackendHealth {
	start := time.Now()
	var body struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, ClientContext{}, backend, http.MethodGet, "/health", nil, &body)
	res := BackendHealth{Latency: time.Since(start), Status: body.Status}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Available = true
	if res.Status == "" {
		res.Status = "ok"
	}
	return res
}

func (c *Client) do(ctx context.Context, cc ClientContext, backend Backend, method, path string, in, out any) error {
	base := c.bases[backend]
	if base == "" {
		return fmt.Errorf("%s backend url is not configured", backend)
	}

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cc.UserID != "" {
		req.Header.Set("X-User-ID", cc.UserID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("backend", string(backend)).Str("path", path).Msg("case search request failed")
		return fmt.Errorf("%s %s: %w", backend, path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	c.logger.Debug().
		Str("backend", string(backend)).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("case search request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Backend: backend, Path: path, Status: resp.StatusCode, Message: errorMessage(b)}
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		for _, v := range []string{e.Error, e.Message, e.Detail} {
			if v != "" {
				return v
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

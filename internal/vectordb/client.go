package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/tracing"
)

// Client is a minimal Qdrant HTTP client. Per-source circuit breakers sit
// above it in the query engine, so calls here return classified errors and
// nothing else.
type Client struct {
	cfg  Config
	http *http.Client
	base string
	log  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fault.New(fault.InvalidInput, "vector_store.url must be configured")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 32,
		},
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		base: strings.TrimRight(cfg.URL, "/"),
		log:  logger,
	}, nil
}

// qdrant search request/response (simplified)
type qdrantQueryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
	WithVector     bool                   `json:"with_vector,omitempty"`
}

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload json.RawMessage `json:"payload"`
	Vector  []float32       `json:"vector,omitempty"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which has nested structure
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs a similarity query against one collection. It prefers the
// modern /points/query endpoint and falls back to /points/search for older
// deployments.
func (c *Client) Search(ctx context.Context, collection string, vec []float32, opts SearchOptions) ([]Hit, error) {
	if len(vec) == 0 {
		return nil, fault.New(fault.InvalidInput, "search vector is empty")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", urlQuery)
	defer span.End()

	var thr *float64
	if opts.Threshold > 0 {
		thr = &opts.Threshold
	}
	reqBody := qdrantQueryRequest{
		Query:          vec,
		Limit:          limit,
		ScoreThreshold: thr,
		WithPayload:    true,
		Filter:         opts.Filter,
		WithVector:     opts.WithVector,
	}
	buf, _ := json.Marshal(reqBody)

	resp, err := c.send(ctx, http.MethodPost, urlQuery, buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		// fallback to /points/search
		urlSearch := fmt.Sprintf("%s/collections/%s/points/search", c.base, collection)
		legacy := map[string]interface{}{
			"vector":       vec,
			"limit":        limit,
			"with_payload": true,
			"with_vector":  opts.WithVector,
		}
		if opts.Threshold > 0 {
			legacy["score_threshold"] = opts.Threshold
		}
		if opts.Filter != nil {
			legacy["filter"] = opts.Filter
		}
		buf2, _ := json.Marshal(legacy)
		resp2, err2 := c.send(ctx, http.MethodPost, urlSearch, buf2)
		if err2 != nil {
			return nil, err2
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			return nil, statusError(resp2, collection)
		}
		var qr qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&qr); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "decode search response")
		}
		return toHits(qr.Result), nil
	}

	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode query response")
	}
	return toHits(qr.Result.Points), nil
}

// Upsert inserts or replaces points in a collection. Document ingestion runs
// outside the gateway; this is the write half of the store contract, used by
// provisioning tooling and tests.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return fault.New(fault.InvalidInput, "no points to upsert")
	}
	for _, p := range points {
		if len(p.Vector) == 0 {
			return fault.Newf(fault.InvalidInput, "point %s has an empty vector", p.ID)
		}
	}

	url := fmt.Sprintf("%s/collections/%s/points", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "PUT", url)
	defer span.End()

	buf, _ := json.Marshal(map[string]interface{}{"points": points})
	resp, err := c.send(ctx, http.MethodPut, url, buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp, collection)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// Ping checks connectivity by listing collections.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/collections", nil)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "build ping request")
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "")
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Classify(err)
	}
	return resp, nil
}

func (c *Client) auth(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}
}

func statusError(resp *http.Response, collection string) *fault.Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("vector store returned %d", resp.StatusCode)
	if collection != "" {
		msg = fmt.Sprintf("vector store returned %d for collection %s", resp.StatusCode, collection)
	}
	if len(snippet) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(snippet)))
	}
	return fault.FromHTTPStatus(resp.StatusCode, msg)
}

func toHits(points []qdrantPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			ID:      pointID(p.ID),
			Score:   p.Score,
			Payload: p.Payload,
			Vector:  p.Vector,
		})
	}
	return hits
}

// pointID renders a point id without going through float64, which would
// mangle large numeric ids.
func pointID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	return strings.Trim(s, `"`)
}

// BuildFilter translates a flat field→value map into the must-clause shape
// the points API expects. Keys are sorted so request bodies stay stable.
func BuildFilter(match map[string]interface{}) map[string]interface{} {
	if len(match) == 0 {
		return nil
	}
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	must := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]interface{}{
			"key":   k,
			"match": map[string]interface{}{"value": match[k]},
		})
	}
	return map[string]interface{}{"must": must}
}

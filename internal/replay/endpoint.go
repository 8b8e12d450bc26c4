package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"event-replay-service/internal/telemetry"
)

// Per-record outcomes reported by the replay endpoint.
const (
	ResultReplayed = "REPLAYED"
	ResultNotFound = "NOT_FOUND"
	ResultFailed   = "FAILED"
)

// Request is the minimal identifying payload sent downstream.
type Request struct {
	EventKey  string  `json:"eventKey"`
	Day       string  `json:"day"`
	RecordIDs []int64 `json:"recordIds"`
}

// Result is the downstream verdict for one record.
type Result struct {
	RecordID  int64  `json:"recordId"`
	Status    string `json:"status"`
	EmittedID string `json:"emittedId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Endpoint re-emits records onto the event pipeline.
type Endpoint interface {
	Replay(ctx context.Context, req Request) ([]Result, error)
}

// HTTPEndpoint calls the event app's replay route.
type HTTPEndpoint struct {
	url    string
	client *http.Client
}

// NewHTTPEndpoint builds a client for url. Deadlines come from the caller's context.
func NewHTTPEndpoint(url string, client *http.Client) *HTTPEndpoint {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPEndpoint{url: url, client: client}
}

type replayResponse struct {
	Status  string   `json:"status,omitempty"`
	Results []Result `json:"results"`
}

// Replay posts the request. A 404 counts as not found only when its body says
// so, either per record or with a top-level NOT_FOUND status; a bare 404 from a
// misrouted URL is an ordinary failure.
func (e *HTTPEndpoint) Replay(ctx context.Context, req Request) ([]Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal replay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	telemetry.ReplayEndpointLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("call replay endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var decoded replayResponse
		if json.Unmarshal(raw, &decoded) == nil {
			if len(decoded.Results) > 0 {
				return decoded.Results, nil
			}
			if decoded.Status == ResultNotFound {
				out := make([]Result, len(req.RecordIDs))
				for i, id := range req.RecordIDs {
					out[i] = Result{RecordID: id, Status: ResultNotFound}
				}
				return out, nil
			}
		}
		return nil, statusError(resp.StatusCode, raw)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, statusError(resp.StatusCode, msg)
	}

	var decoded replayResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode replay response: %w", err)
	}
	return decoded.Results, nil
}

func statusError(code int, body []byte) error {
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Errorf("replay endpoint: status %d: %s", code, bytes.TrimSpace(body))
}

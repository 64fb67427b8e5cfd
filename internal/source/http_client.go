package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
)

type writesResponse struct {
	Writes []changefeed.SourceWriteEvent `json:"writes"`
}

type propagationResponse struct {
	Events []changefeed.IndexPropagationEvent `json:"events"`
}

// HTTPClient talks to a backend exposing the event, metrics and session
// control queries as JSON over HTTP. Event fetches are never retried here;
// the poll loop retries on its next tick. Session control calls retry
// transient failures with exponential backoff.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListSourceWrites(ctx context.Context, since *int64, limit int) ([]changefeed.SourceWriteEvent, error) {
	var out writesResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/writes?"+pageQuery(since, limit).Encode(), nil, &out, schemaWrites, 0)
	if err != nil {
		return nil, err
	}
	return out.Writes, nil
}

func (c *HTTPClient) ListPropagationEvents(ctx context.Context, since *int64, limit int) ([]changefeed.IndexPropagationEvent, error) {
	var out propagationResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/propagation?"+pageQuery(since, limit).Encode(), nil, &out, schemaPropagation, 0)
	if err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *HTTPClient) SessionMetrics(ctx context.Context) (changefeed.SessionMetrics, error) {
	var out changefeed.SessionMetrics
	err := c.doJSON(ctx, http.MethodGet, "/v1/metrics", nil, &out, schemaMetrics, 0)
	return out, err
}

func (c *HTTPClient) MetricsHistory(ctx context.Context) (changefeed.MetricsHistory, error) {
	var out changefeed.MetricsHistory
	err := c.doJSON(ctx, http.MethodGet, "/v1/metrics/history", nil, &out, schemaHistory, 0)
	return out, err
}

func (c *HTTPClient) StartObservation(ctx context.Context, entityID string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ErrInvalidInput
	}
	body := map[string]any{"entityId": entityID}
	return c.doJSON(ctx, http.MethodPost, "/v1/observation", body, nil, "", c.maxRetries)
}

func (c *HTTPClient) StopObservation(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/observation", nil, nil, "", c.maxRetries)
}

func pageQuery(since *int64, limit int) url.Values {
	q := url.Values{}
	if since != nil {
		q.Set("since", strconv.FormatInt(*since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
	schema string,
	maxRetries int,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			if len(payloadBytes) == 0 {
				return malformed("empty body from %s", requestPath)
			}
			if schema != "" {
				if err := validatePayload(schema, payloadBytes); err != nil {
					return err
				}
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return malformed("decode %s: %v", requestPath, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("watch_%s", uuid.NewString())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

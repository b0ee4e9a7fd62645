package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dairylab/auth"
	"dairylab/records"
	"dairylab/session"
)

// ErrLoginRequired is returned when the API rejects the session and a refresh cannot fix it.
var ErrLoginRequired = errors.New("not logged in, run `labctl login`")

// tokenSource is the part of the session manager the API client needs.
type tokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) session.Result
}

// APIError is a non-401 error answer from the records API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.Status)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Message)
}

type apiClient struct {
	base   string
	http   *http.Client
	tokens tokenSource
	logger *slog.Logger
}

func newAPIClient(base string, tokens tokenSource, httpClient *http.Client, logger *slog.Logger) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &apiClient{base: strings.TrimSuffix(base, "/"), http: httpClient, tokens: tokens, logger: logger}
}

type messageResponse struct {
	Message string          `json:"message"`
	ID      int64           `json:"id,omitempty"`
	Data    *records.Record `json:"data,omitempty"`
}

func (c *apiClient) List(ctx context.Context, kind, from, to string) ([]records.Summary, error) {
	q := url.Values{"startDate": {from}, "endDate": {to}}
	var out struct {
		Reports []records.Summary `json:"reports"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/"+url.PathEscape(kind)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Reports, nil
}

func (c *apiClient) Get(ctx context.Context, kind string, id int64) (*records.Record, error) {
	var rec records.Record
	if err := c.do(ctx, http.MethodGet, recordPath(kind, id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *apiClient) Create(ctx context.Context, kind string, body []byte) (messageResponse, error) {
	var out messageResponse
	err := c.do(ctx, http.MethodPost, "/api/"+url.PathEscape(kind), body, &out)
	return out, err
}

func (c *apiClient) Update(ctx context.Context, kind string, id int64, body []byte) (messageResponse, error) {
	var out messageResponse
	err := c.do(ctx, http.MethodPut, recordPath(kind, id), body, &out)
	return out, err
}

func (c *apiClient) Delete(ctx context.Context, kind string, id int64) (messageResponse, error) {
	var out messageResponse
	err := c.do(ctx, http.MethodDelete, recordPath(kind, id), nil, &out)
	return out, err
}

func recordPath(kind string, id int64) string {
	return "/api/" + url.PathEscape(kind) + "/" + strconv.FormatInt(id, 10)
}

// do sends one request. An expired token is refreshed once and the request replayed.
func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	for attempt := 0; ; attempt++ {
		token := c.tokens.AccessToken()
		if token == "" {
			return ErrLoginRequired
		}

		status, data, err := c.send(ctx, method, path, token, body)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized {
			var reject auth.ErrorBody
			_ = json.Unmarshal(data, &reject)
			if reject.Reason == auth.ReasonTokenExpired && attempt == 0 {
				c.logger.Debug("access token expired, refreshing")
				if res := c.tokens.Refresh(ctx); res.Outcome == session.Authenticated {
					continue
				}
			}
			c.logger.Debug("request rejected", "reason", reject.Reason, "error", reject.Error)
			return ErrLoginRequired
		}

		if status < 200 || status > 299 {
			var e struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(data, &e)
			return &APIError{Status: status, Message: e.Error}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func (c *apiClient) send(ctx context.Context, method, path, token string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

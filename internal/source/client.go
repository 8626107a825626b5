// Package source fetches paginated records from the remote record API.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Record is one raw external record: an opaque identifier plus an
// untyped property bag. Coercion happens downstream.
type Record struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// Page is one fetched page plus the continuation cursor. An empty
// Next marks end of stream. Cursors are opaque strings and safe to
// persist for resumption.
type Page struct {
	Records []Record
	Next    string
}

// statusError carries the HTTP status so retry classification can
// distinguish rate limiting from auth failure.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("source api: status %d: %s", e.status, e.body)
}

// Options tunes retry behavior; zero values fall back to defaults.
type Options struct {
	MaxTries       uint
	InitialBackoff time.Duration
	HTTPClient     *http.Client
}

// Client talks to the source list API with bearer auth.
type Client struct {
	base     string
	token    string
	httpc    *http.Client
	maxTries uint
	initial  time.Duration
	log      *zap.Logger
}

func NewClient(baseURL, token string, opts Options, log *zap.Logger) *Client {
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		token:    token,
		httpc:    opts.HTTPClient,
		maxTries: opts.MaxTries,
		initial:  opts.InitialBackoff,
		log:      log,
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if c.maxTries == 0 {
		c.maxTries = 5
	}
	if c.initial == 0 {
		c.initial = 500 * time.Millisecond
	}
	return c
}

type pageResponse struct {
	Results []Record `json:"results"`
	Paging  struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// Fetch retrieves one page of up to pageSize records for the resource
// path, starting at cursor (empty for the first page). Transient
// failures (429, 5xx, network) are retried with exponential backoff;
// auth failures and retry exhaustion return an error that terminates
// the job. properties narrows the source payload to the mapped fields.
func (c *Client) Fetch(ctx context.Context, path, cursor string, pageSize int, properties []string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("after", cursor)
	}
	if len(properties) > 0 {
		q.Set("properties", strings.Join(properties, ","))
	}
	reqURL := c.base + "/" + strings.TrimLeft(path, "/") + "?" + q.Encode()

	op := func() (*pageResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			// network-level failure: retryable
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
			if retryable(resp.StatusCode) {
				c.log.Warn("transient source error, retrying",
					zap.String("path", path), zap.Int("status", resp.StatusCode))
				return nil, serr
			}
			// 401/403 and other client errors are not worth retrying
			return nil, backoff.Permanent(serr)
		}

		var pr pageResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			return nil, backoff.Permanent(errors.Wrap(err, "decode page"))
		}
		return &pr, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initial

	pr, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", path)
	}

	return &Page{Records: pr.Results, Next: pr.Paging.Next.After}, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// PageLimit computes the size of the next page request so a record
// limit is satisfied without fetching past it. fetched is the count
// already retrieved; limit <= 0 means unlimited.
func PageLimit(pageSize, limit, fetched int) int {
	if limit <= 0 {
		return pageSize
	}
	remaining := limit - fetched
	if remaining < pageSize {
		return remaining
	}
	return pageSize
}

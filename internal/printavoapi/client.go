// Package printavoapi is a read-only client for the printavo v1 rest api.
package printavoapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"printavo-archive/internal/assert"
	"printavo-archive/internal/components/errlist"
	"printavo-archive/internal/components/telemetry"
	"printavo-archive/internal/retry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("printavo-archive/internal/printavoapi")

const (
	report_client_fetch_page      = "client.fetch-page"
	report_client_fetch_paginated = "client.fetch-paginated"
	report_client_fetch_simple    = "client.fetch-simple"
	report_client_order_details   = "client.order-details"
)

// Checkpointer is the subset of the checkpoint accumulator the client needs
// to resume a resource from the middle.
type Checkpointer interface {
	Cursor(resource string) int
	Partial(resource string) []map[string]any
	SetCursor(resource string, page int)
	SetPartial(resource string, items []map[string]any)
	// FailedPages are pages skipped past the cursor.
	FailedPages(resource string) []int
	SetFailedPages(resource string, pages []int)
	ClearResource(resource string)
	IsComplete(scope, id string) bool
	MarkComplete(scope, id string)
}

type Options struct {
	BaseURL string
	Email   string
	Token   string

	// Delay is the minimum time between two consecutive requests, the api
	// allows 10 requests every 5 seconds.
	Delay time.Duration
	// MaxAttempts bounds how many times one request is tried.
	MaxAttempts      int
	RateLimitBackoff time.Duration
	TransientBackoff time.Duration
	Timeout          time.Duration
	// CheckpointEvery is how many pages are fetched between checkpoints.
	CheckpointEvery int

	// Checkpoint is optional, without it nothing is resumable.
	Checkpoint Checkpointer
}

func (o *Options) setDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://www.printavo.com/api/v1"
	}
	if o.Delay == 0 {
		o.Delay = 600 * time.Millisecond
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.RateLimitBackoff == 0 {
		o.RateLimitBackoff = 5 * time.Second
	}
	if o.TransientBackoff == 0 {
		o.TransientBackoff = time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.CheckpointEvery == 0 {
		o.CheckpointEvery = 5
	}
}

type Client struct {
	http       *resty.Client
	opts       Options
	checkpoint Checkpointer
	tel        telemetry.API

	requests    atomic.Int64
	retries     atomic.Int64
	rateLimited atomic.Int64
	pages       atomic.Int64
	entities    atomic.Int64
	errors      *errlist.List
}

func NewClient(opts Options, tel telemetry.API) *Client {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.Email)
	assert.NotEmptyStr(opts.Token)
	opts.setDefaults()

	tel = telemetry.NewScopedAPI("printavo_api", tel)

	httpClient := resty.New()
	httpClient.SetBaseURL(opts.BaseURL)
	httpClient.SetTimeout(opts.Timeout)
	httpClient.SetHeader("user-agent", "printavo-archive/1.0")
	httpClient.SetHeader("accept", "application/json")
	httpClient.SetQueryParams(map[string]string{
		"email": opts.Email,
		"token": opts.Token,
	})

	// one request per Delay, whether or not the previous one failed
	rateLimiter := rate.NewLimiter(rate.Every(opts.Delay), 1)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)

	checkpoint := opts.Checkpoint
	if checkpoint == nil {
		checkpoint = noCheckpoint{}
	}

	return &Client{
		http:       httpClient,
		opts:       opts,
		checkpoint: checkpoint,
		tel:        tel,
		errors:     errlist.New(10),
	}
}

func (c *Client) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.opts.MaxAttempts,
		BaseDelayFor: func(err error) time.Duration {
			if retry.IsRateLimited(err) {
				return c.opts.RateLimitBackoff
			}
			return c.opts.TransientBackoff
		},
		Retryable: func(err error) bool {
			return retry.IsRateLimited(err) || retry.IsTransient(err)
		},
	}
}

// get requests a path relative to the base url and returns the raw body of a
// 2xx response, retrying rate limits and transient failures.
func (c *Client) get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.retryPolicy(), func(attempt int) error {
		if attempt > 0 {
			c.retries.Add(1)
		}
		c.requests.Add(1)

		res, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			Get(path)
		if err != nil {
			return err
		}
		if res.StatusCode() == http.StatusTooManyRequests {
			c.rateLimited.Add(1)
		}
		if res.StatusCode() < 200 || res.StatusCode() > 299 {
			return retry.HTTPStatusError{Code: res.StatusCode(), URL: path}
		}
		body = res.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) fail(id, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	c.errors.Add("%s", err.Error())
	if errors.Is(err, ErrUnexpectedShape) {
		c.tel.ReportWarning(id, err)
		return
	}
	c.tel.ReportBroken(id, err)
}

func (c *Client) fetchPage(ctx context.Context, resource string, page, perPage int) (Page, error) {
	body, err := c.get(ctx, "/"+resource, map[string]string{
		"page":     strconv.Itoa(page),
		"per_page": strconv.Itoa(perPage),
	})
	if err != nil {
		return nil, err
	}
	return decodePage(body)
}

type Stats struct {
	Requests     int64    `json:"requests"`
	Retries      int64    `json:"retries"`
	RateLimited  int64    `json:"rate_limited"`
	Pages        int64    `json:"pages"`
	Entities     int64    `json:"entities"`
	Errors       int64    `json:"errors"`
	RecentErrors []string `json:"error_messages"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		Retries:      c.retries.Load(),
		RateLimited:  c.rateLimited.Load(),
		Pages:        c.pages.Load(),
		Entities:     c.entities.Load(),
		Errors:       c.errors.Total(),
		RecentErrors: c.errors.Recent(),
	}
}

type noCheckpoint struct{}

func (noCheckpoint) Cursor(string) int                   { return 0 }
func (noCheckpoint) Partial(string) []map[string]any     { return nil }
func (noCheckpoint) SetCursor(string, int)               {}
func (noCheckpoint) SetPartial(string, []map[string]any) {}
func (noCheckpoint) FailedPages(string) []int            { return nil }
func (noCheckpoint) SetFailedPages(string, []int)        {}
func (noCheckpoint) ClearResource(string)                {}
func (noCheckpoint) IsComplete(string, string) bool      { return false }
func (noCheckpoint) MarkComplete(string, string)         {}

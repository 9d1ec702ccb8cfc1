package printavo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"printavo-archive/internal/assert"
	"printavo-archive/internal/components/telemetry"
	"printavo-archive/internal/retry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_client_login      = "client.login"
	report_client_fetch_page = "client.fetch-page"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

var (
	ErrLoginFailed        = errors.New("printavo login failed")
	ErrInvalidCredentials = fmt.Errorf("%w: invalid email or password", ErrLoginFailed)
	ErrNotLoggedIn        = errors.New("printavo session is not logged in")
)

// loggedInMarkers are path fragments only reachable with a session.
var loggedInMarkers = []string{"dashboard", "invoices", "calendar"}

type client struct {
	baseURL *url.URL
	// pages carries the session cookie and never leaves the printavo host.
	pages *resty.Client
	// files talks to the cdns, it has no cookie jar and follows redirects
	// anywhere since filestack hands out signed s3 locations.
	files *resty.Client

	downloadLimiter *rate.Limiter
	loggedIn        bool

	tel telemetry.API
}

func newClient(opts Options, tel telemetry.API) (*client, error) {
	assert.NotNil(tel)

	baseURL, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	pages := resty.New()
	pages.SetBaseURL(opts.BaseURL)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	pages.SetCookieJar(jar)
	pages.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(pages.GetClient().Transport)
	pages.SetHeader("user-agent", userAgent)
	pages.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseURL.Hostname()))
	pages.SetTimeout(opts.PageTimeout)

	// detail pages are expensive to render, one every PageDelay
	pageLimiter := rate.NewLimiter(rate.Every(opts.PageDelay), 1)
	pages.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return pageLimiter.Wait(req.Context())
	})
	telemetry.InstrumentResty(pages, tel)

	files := resty.New()
	files.SetHeader("user-agent", userAgent)
	files.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	telemetry.InstrumentResty(files, tel)

	return &client{
		baseURL:         baseURL,
		pages:           pages,
		files:           files,
		downloadLimiter: rate.NewLimiter(rate.Every(opts.DownloadDelay), 1),
		tel:             tel,
	}, nil
}

func parseDocument(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

func csrfToken(doc *goquery.Document) string {
	token := doc.Find("input[name=authenticity_token]").AttrOr("value", "")
	if token != "" {
		return token
	}
	return doc.Find("meta[name=csrf-token]").AttrOr("content", "")
}

func finalURL(res *resty.Response) *url.URL {
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		return res.RawResponse.Request.URL
	}
	return nil
}

// login signs in with the devise form. Anything short of landing on a page
// that requires a session counts as a failure.
func (c *client) login(ctx context.Context, email, password string) error {
	fail := func(err error) error {
		c.tel.ReportBroken(report_client_login, err)
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	res, err := c.pages.R().
		SetContext(ctx).
		Get("/users/sign_in")
	if err != nil {
		return fail(fmt.Errorf("login page request: %w", err))
	}
	if res.StatusCode() != http.StatusOK {
		return fail(fmt.Errorf("login page status %d", res.StatusCode()))
	}
	doc, err := parseDocument(res.Body())
	if err != nil {
		return fail(fmt.Errorf("parse login page: %w", err))
	}

	token := csrfToken(doc)
	if token == "" {
		return fail(fmt.Errorf("could not find authenticity token"))
	}

	res, err = c.pages.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"authenticity_token": token,
			"user[email]":        email,
			"user[password]":     password,
			"user[remember_me]":  "1",
		}).
		Post("/users/sign_in")
	if err != nil {
		return fail(fmt.Errorf("login request: %w", err))
	}

	landed := finalURL(res)
	if landed != nil && res.StatusCode() == http.StatusOK {
		for _, marker := range loggedInMarkers {
			if strings.Contains(landed.Path, marker) {
				c.loggedIn = true
				return nil
			}
		}
	}

	if bytes.Contains(res.Body(), []byte("Invalid Email or password")) {
		c.tel.ReportWarning(report_client_login, "invalid credentials")
		return ErrInvalidCredentials
	}
	where := "<unknown>"
	if landed != nil {
		where = landed.String()
	}
	c.tel.ReportWarning(report_client_login, "ambiguous login result", res.StatusCode(), where)
	return fmt.Errorf("%w: landed on %s with status %d", ErrLoginFailed, where, res.StatusCode())
}

// missingPage is a detail page that does not exist for the order.
func missingPage(code int) bool {
	return code == http.StatusNotFound || code == http.StatusGone
}

// fetchPage requests a detail page. A 404 or 410 is returned as a nil
// document without an error so callers can move on to the next candidate,
// rate limits and transient failures are retried with policy and any other
// status comes back as a retry.HTTPStatusError.
func (c *client) fetchPage(ctx context.Context, endpoint string, policy retry.Policy) (*goquery.Document, *url.URL, error) {
	var res *resty.Response
	err := retry.Do(ctx, policy, func(int) error {
		var err error
		res, err = c.pages.R().
			SetContext(ctx).
			Get(endpoint)
		if err != nil {
			return err
		}
		if res.StatusCode() != http.StatusOK && !missingPage(res.StatusCode()) {
			return retry.HTTPStatusError{Code: res.StatusCode(), URL: endpoint}
		}
		return nil
	})
	if err != nil {
		c.tel.ReportWarning(report_client_fetch_page, fmt.Errorf("fetch: %w", err), endpoint)
		return nil, nil, err
	}
	if missingPage(res.StatusCode()) {
		c.tel.ReportDebug(report_client_fetch_page, endpoint, res.StatusCode())
		return nil, nil, nil
	}

	landed := finalURL(res)
	if landed != nil && strings.Contains(landed.Path, "/users/sign_in") {
		return nil, nil, ErrNotLoggedIn
	}

	doc, err := parseDocument(res.Body())
	if err != nil {
		c.tel.ReportBroken(report_client_fetch_page, fmt.Errorf("parse: %w", err), endpoint)
		return nil, nil, err
	}
	if landed == nil {
		landed, err = c.baseURL.Parse(endpoint)
		if err != nil {
			return nil, nil, err
		}
	}
	return doc, landed, nil
}

// download streams a file into w.
func (c *client) download(ctx context.Context, fileURL string, timeout time.Duration, w io.Writer) (int64, error) {
	err := c.downloadLimiter.Wait(ctx)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.files.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(fileURL)
	if err != nil {
		return 0, err
	}
	body := res.RawBody()
	defer body.Close()

	if res.StatusCode() != http.StatusOK {
		return 0, retry.HTTPStatusError{Code: res.StatusCode(), URL: fileURL}
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", fileURL, err)
	}
	return n, nil
}

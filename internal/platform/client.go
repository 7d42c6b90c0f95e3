// Package platform is the adapter boundary to the course host's private
// API: it builds the listing/handshake requests and parses their JSON into
// typed structs. Free-form response data never leaves this package.
package platform

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

	"github.com/coursepull/coursepull/internal/auth"
	"github.com/coursepull/coursepull/internal/logctx"
)

const (
	loginPath      = "/join/login-popup/?next=organization/home"
	subscribedPath = "/api-2.0/users/me/subscribed-courses"
	curriculumPath = "/api-2.0/courses/%d/cached-subscriber-curriculum-items"

	assetFields   = "title,body,asset_type,file_size,captions,media_license_token,download_urls,stream_urls"
	lectureFields = "title,description,object_index,sort_order,asset,supplementary_assets"
)

// StatusError is a non-success API response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client talks to one subdomain of the course host.
type Client struct {
	baseURL  string
	email    string
	password string
	pageSize int

	// plain performs the unauthenticated handshake; hc carries the bearer
	// credential and is installed by UseSession.
	plain *http.Client
	hc    *http.Client
}

type ClientConfig struct {
	Subdomain string
	Email     string
	Password  string
	PageSize  int
	Timeout   time.Duration
	Base      http.RoundTripper

	// BaseURL overrides the subdomain-derived host. Used by tests.
	BaseURL string
}

func NewClient(cfg ClientConfig) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	plain := &http.Client{Timeout: cfg.Timeout}
	if cfg.Base != nil {
		plain.Transport = cfg.Base
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.udemy.com", cfg.Subdomain)
	}

	return &Client{
		baseURL:  baseURL,
		email:    cfg.Email,
		password: cfg.Password,
		pageSize: pageSize,
		plain:    plain,
		hc:       plain,
	}
}

// UseSession installs the authorized HTTP client for all listing calls.
func (c *Client) UseSession(s *auth.Session, timeout time.Duration) {
	c.hc = s.Client(timeout)
}

// BaseURL exposes the host root, mainly for logs.
func (c *Client) BaseURL() string { return c.baseURL }

// Login implements auth.Handshaker: it fetches the CSRF cookie and exchanges
// the email/password for an access token.
func (c *Client) Login(ctx context.Context) (auth.Credential, error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("logging in", "base_url", c.baseURL)

	csrf, err := c.fetchCSRFToken(ctx)
	if err != nil {
		return auth.Credential{}, err
	}

	form := url.Values{}
	form.Set("email", c.email)
	form.Set("password", c.password)
	form.Set("csrfmiddlewaretoken", csrf)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return auth.Credential{}, fmt.Errorf("failed to build login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL)
	req.AddCookie(&http.Cookie{Name: "csrftoken", Value: csrf})

	resp, err := c.plain.Do(req)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return auth.Credential{}, &StatusError{Code: resp.StatusCode, URL: loginPath}
	}

	if reason := loginRejection(resp.Body); reason != "" {
		return auth.Credential{}, fmt.Errorf("login rejected: %s", reason)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "access_token" && cookie.Value != "" {
			cred := auth.Credential{Token: cookie.Value, Subdomain: subdomainOf(c.baseURL)}
			if !cookie.Expires.IsZero() {
				cred.Expiry = cookie.Expires
			}

			return cred, nil
		}
	}

	return auth.Credential{}, fmt.Errorf("login response carried no access token")
}

func (c *Client) fetchCSRFToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build csrf request: %w", err)
	}

	resp, err := c.plain.Do(req)
	if err != nil {
		return "", fmt.Errorf("csrf request failed: %w", err)
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, URL: c.baseURL}
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "csrftoken" {
			return cookie.Value, nil
		}
	}

	return "", fmt.Errorf("no csrf token cookie in response")
}

// loginRejection extracts the failure message the host embeds in an
// otherwise-200 login response. Empty string means success.
func loginRejection(r io.Reader) string {
	var payload struct {
		Error *struct {
			Data struct {
				Errors map[string]any `json:"errors"`
			} `json:"data"`
		} `json:"error"`
	}

	if err := json.NewDecoder(r).Decode(&payload); err != nil || payload.Error == nil {
		return ""
	}

	if msg, ok := payload.Error.Data.Errors["__all__"]; ok {
		return fmt.Sprint(msg)
	}

	return "unknown rejection"
}

// SubscribedCourses lists the user's courses, following pagination to the
// end marker. keyword filters server-side when non-empty.
func (c *Client) SubscribedCourses(ctx context.Context, keyword string) ([]CourseSummary, error) {
	var out []CourseSummary

	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("page_size", strconv.Itoa(c.pageSize))
		if keyword != "" {
			q.Set("search", keyword)
		}

		var payload struct {
			Count   int             `json:"count"`
			Next    string          `json:"next"`
			Results []CourseSummary `json:"results"`
		}

		if err := c.getJSON(ctx, subscribedPath, q, &payload); err != nil {
			return nil, fmt.Errorf("failed to list subscribed courses: %w", err)
		}

		out = append(out, payload.Results...)

		if payload.Next == "" || len(payload.Results) == 0 {
			return out, nil
		}
	}
}

// Course fetches one course summary by ID.
func (c *Client) Course(ctx context.Context, courseID int64) (*CourseSummary, error) {
	var payload CourseSummary

	q := url.Values{}
	q.Set("fields[course]", "title,url,is_drmed")

	if err := c.getJSON(ctx, fmt.Sprintf("/api-2.0/courses/%d", courseID), q, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch course %d: %w", courseID, err)
	}

	return &payload, nil
}

// CurriculumPage fetches one page of the course's curriculum listing.
// Pages are 1-based; HasNext is false on the last page.
func (c *Client) CurriculumPage(ctx context.Context, courseID int64, page int) (*CurriculumPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.pageSize))
	q.Set("fields[asset]", assetFields)
	q.Set("fields[lecture]", lectureFields)

	var payload struct {
		Count   int              `json:"count"`
		Next    string           `json:"next"`
		Results []CurriculumItem `json:"results"`
	}

	if err := c.getJSON(ctx, fmt.Sprintf(curriculumPath, courseID), q, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch curriculum page %d: %w", page, err)
	}

	return &CurriculumPage{
		Items:   payload.Results,
		Count:   payload.Count,
		HasNext: payload.Next != "" && len(payload.Results) > 0,
	}, nil
}

// FetchText reads a small text resource, such as a stream manifest.
func (c *Client) FetchText(ctx context.Context, rawurl string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, URL: rawurl}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}

	return string(body), nil
}

// HTTPClient exposes the authorized client for media downloads.
func (c *Client) HTTPClient() *http.Client { return c.hc }

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, URL: path}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func subdomainOf(baseURL string) string {
	host := strings.TrimPrefix(baseURL, "https://")
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}

	return host
}

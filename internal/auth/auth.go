// Package auth signs the bot in to niconico and keeps the session cookies.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"nicorepo_bot/internal/fetcher"
)

// DefaultLoginURL is the niconico account login endpoint.
const DefaultLoginURL = "https://account.nicovideo.jp/api/v1/login?site=niconico&mail_or_tel=1"

// Jar is a cookie jar whose contents can be discarded on sign-out.
type Jar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

// NewCookieJar creates an empty Jar that scopes cookies by registrable domain.
func NewCookieJar() (*Jar, error) {
	j := &Jar{}
	if err := j.Reset(); err != nil {
		return nil, err
	}
	return j, nil
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

// Reset discards every stored cookie.
func (j *Jar) Reset() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	j.mu.Lock()
	j.jar = jar
	j.mu.Unlock()
	return nil
}

// Client performs sign-in and sign-out against the account service.
// The http.Client it uses must share jar with the report fetcher.
type Client struct {
	http     fetcher.HTTPClient
	jar      *Jar
	loginURL string
	user     string
	password string
	logger   *slog.Logger

	mu sync.Mutex
}

// New creates a Client. The credentials are sent on every Login.
func New(client fetcher.HTTPClient, jar *Jar, loginURL, user, password string, logger *slog.Logger) *Client {
	return &Client{
		http:     client,
		jar:      jar,
		loginURL: loginURL,
		user:     user,
		password: password,
		logger:   logger,
	}
}

// Login posts the login form. The service redirects to the front page on
// success and back to a login form otherwise, in which case the returned
// error wraps fetcher.ErrUnauthorized.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.user == "" || c.password == "" {
		return fmt.Errorf("no credentials configured: %w", fetcher.ErrUnauthorized)
	}

	form := url.Values{
		"current_form":  {"login_form"},
		"mail_tel":      {c.user},
		"password":      {c.password},
		"login__submit": {"Login"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "NicorepoBot/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("login status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("login status %d: %w", resp.StatusCode, fetcher.ErrUnauthorized)
	}
	if resp.Request != nil && strings.Contains(resp.Request.URL.String(), "/login?") {
		return fmt.Errorf("authentication failed: %w", fetcher.ErrUnauthorized)
	}
	c.logger.Info("signed in", "user", c.user)
	return nil
}

// Logout drops the session cookies. The next report request will then be
// unauthorized and trigger a new Login.
func (c *Client) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.jar.Reset(); err != nil {
		return err
	}
	c.logger.Info("signed out")
	return nil
}

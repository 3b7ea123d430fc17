package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxSessions = 1024
	chatPage           = "/chat/"
	loginPage          = "/login/"
)

// ErrUnauthenticated means a login-only page refused the session.
var ErrUnauthenticated = errors.New("backend: not logged in")

// Credentials is the account the relay signs in with. Stored in SSM as
// {"username": "...", "password": "..."}.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// session is one backend browser session: a cookie jar and the clients that
// share it.
type session struct {
	// web follows redirects like a browser; direct stops at the first answer.
	web    *http.Client
	direct *http.Client

	primeMu  sync.Mutex
	loginMu  sync.Mutex
	loggedIn bool
	lastUsed time.Time
}

func (c *Client) newSession() (*session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("backend: create cookie jar: %w", err)
	}
	web := *c.httpClient
	web.Jar = jar
	direct := web
	direct.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &session{web: &web, direct: &direct}, nil
}

// session returns the session of conversationID, creating it on first use.
// An empty id gets a session that is not kept.
func (c *Client) session(conversationID string) (*session, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return c.newSession()
	}

	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if s, ok := c.sessions[conversationID]; ok {
		s.lastUsed = c.now()
		return s, nil
	}
	if len(c.sessions) >= c.maxSessions {
		c.evictOldestLocked()
	}
	s, err := c.newSession()
	if err != nil {
		return nil, err
	}
	s.lastUsed = c.now()
	c.sessions[conversationID] = s
	return s, nil
}

func (c *Client) existingSession(conversationID string) (*session, bool) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	s, ok := c.sessions[conversationID]
	return s, ok
}

// dropSession forgets conversationID unless it was already replaced.
func (c *Client) dropSession(conversationID string, s *session) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if cur, ok := c.sessions[conversationID]; ok && cur == s {
		delete(c.sessions, conversationID)
	}
}

// Sessions reports how many conversations hold a backend session.
func (c *Client) Sessions() int {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return len(c.sessions)
}

func (c *Client) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
		found    bool
	)
	for id, s := range c.sessions {
		if !found || s.lastUsed.Before(oldest) {
			oldestID, oldest, found = id, s.lastUsed, true
		}
	}
	if found {
		delete(c.sessions, oldestID)
	}
}

// csrfToken reads csrftoken from the session jar, loading primePath once to
// obtain it if the jar is empty.
func (c *Client) csrfToken(ctx context.Context, s *session, base, primePath string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if token, ok := cookieValue(s.web.Jar, u, csrfCookieName); ok {
		return token, nil
	}

	s.primeMu.Lock()
	defer s.primeMu.Unlock()
	if token, ok := cookieValue(s.web.Jar, u, csrfCookieName); ok {
		return token, nil
	}

	target := endpoint(base, primePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create prime request: %w", err)
	}
	if _, err := do(s.web, req, target); err != nil {
		return "", fmt.Errorf("prime csrf cookie: %w", err)
	}
	token, _ := cookieValue(s.web.Jar, u, csrfCookieName)
	return token, nil
}

// ensureLogin signs the session in once. Django answers a good login with a
// redirect away from the login page and a bad one by rendering the form again.
func (c *Client) ensureLogin(ctx context.Context, s *session, base string) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	if s.loggedIn {
		return nil
	}

	creds, err := c.credentials(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	token, err := c.csrfToken(ctx, s, base, loginPage)
	if err != nil {
		return fmt.Errorf("backend: login: %w", err)
	}

	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)
	form.Set("csrfmiddlewaretoken", token)

	target := endpoint(base, loginPage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("backend: create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(csrfHeaderName, token)
	req.Header.Set("Referer", target)

	_, err = do(s.direct, req, target)
	switch {
	case isRedirect(err):
		s.loggedIn = true
		return nil
	case err == nil, errors.Is(err, ErrUnauthenticated):
		return fmt.Errorf("%w: login rejected for %q", ErrUnauthenticated, creds.Username)
	default:
		return fmt.Errorf("backend: login: %w", err)
	}
}

func (c *Client) markLoggedOut(s *session) {
	s.loginMu.Lock()
	s.loggedIn = false
	s.loginMu.Unlock()
}

func (c *Client) credentials(ctx context.Context) (Credentials, error) {
	if c.creds != nil {
		return *c.creds, nil
	}
	c.credsOnce.Do(func() {
		c.resolvedCreds, c.credsErr = fetchCredentialsFromParamStore(ctx, c.getter, c.paramPrefix+"/backend_credentials")
	})
	return c.resolvedCreds, c.credsErr
}

func fetchCredentialsFromParamStore(ctx context.Context, getter Getter, name string) (Credentials, error) {
	if getter == nil {
		return Credentials{}, errors.New("backend: no credentials configured")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return Credentials{}, fmt.Errorf("backend: fetch credentials from paramstore: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return Credentials{}, fmt.Errorf("backend: unmarshal credentials: %w", err)
	}
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return Credentials{}, errors.New("backend: credentials need a username and a password")
	}
	return creds, nil
}

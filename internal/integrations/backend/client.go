package backend

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
	"strings"
	"sync"
	"time"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
)

const (
	csrfCookieName = "csrftoken"
	csrfHeaderName = "X-CSRFToken"
	maxBodyBytes   = 1 << 20
	defaultTimeout = 10 * time.Second
)

// processMessageRequest is the JSON body of /process-message/.
type processMessageRequest struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversation_id"`
}

// urlPayload is the expected JSON shape stored in SSM for the backend URL.
type urlPayload struct {
	URL string `json:"url"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx backend responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) ResponseBody() string {
	return e.Body
}

// Client talks to the chatbot web backend the way its own pages do: JSON for
// chat, form posts for mood entries, and the csrftoken cookie echoed back in
// a header. The backend keys a conversation on its session cookie, so every
// conversation id gets a cookie jar of its own.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	creds       *Credentials
	maxSessions int
	log         *slog.Logger

	urlOnce     sync.Once
	resolvedURL string
	urlErr      error

	credsOnce     sync.Once
	resolvedCreds Credentials
	credsErr      error

	sessMu   sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithHTTPClient sets the template for per-conversation clients. Its Jar is
// ignored: each conversation gets a fresh one.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCredentials sets the account used for login-only pages instead of
// reading <paramPrefix>/backend_credentials from SSM.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.creds = &Credentials{Username: username, Password: password}
	}
}

// WithMaxSessions bounds the number of conversations holding a backend
// session. The least recently used one is dropped first.
func WithMaxSessions(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxSessions = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient creates a Client. Without WithBaseURL the backend URL is read from
// SSM (<paramPrefix>/backend_url) on first use and kept for the process
// lifetime.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		getter:      ps,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		maxSessions: defaultMaxSessions,
		log:         slog.Default(),
		sessions:    make(map[string]*session),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		if c.getter == nil {
			return nil, errors.New("backend: paramstore getter must not be nil without a base URL")
		}
		if c.paramPrefix == "" {
			return nil, errors.New("backend: parameter prefix must not be empty without a base URL")
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return c, nil
}

// BaseURL returns the backend root without a trailing slash.
func (c *Client) BaseURL(ctx context.Context) (string, error) {
	if c.baseURL != "" {
		return c.baseURL, nil
	}
	c.urlOnce.Do(func() {
		c.resolvedURL, c.urlErr = fetchBaseURLFromParamStore(ctx, c.getter, c.urlParameterName())
	})
	return c.resolvedURL, c.urlErr
}

func (c *Client) urlParameterName() string {
	return c.paramPrefix + "/backend_url"
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// PostMessage sends one chat message in the session of msg.ConversationID and
// returns the raw 2xx body. An empty id uses a throwaway session.
func (c *Client) PostMessage(ctx context.Context, msg domain.OutboundMessage) ([]byte, error) {
	base, err := c.BaseURL(ctx)
	if err != nil {
		return nil, err
	}
	s, err := c.session(msg.ConversationID)
	if err != nil {
		return nil, err
	}

	var convID *string
	if id := strings.TrimSpace(msg.ConversationID); id != "" {
		convID = &id
	}
	body, err := json.Marshal(processMessageRequest{Message: msg.Text, ConversationID: convID})
	if err != nil {
		return nil, fmt.Errorf("backend: marshal message: %w", err)
	}

	target := endpoint(base, "/process-message/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.setCSRF(ctx, s, req, base, chatPage)

	raw, err := do(s.web, req, target)
	if err != nil {
		return nil, fmt.Errorf("backend: process message: %w", err)
	}
	return raw, nil
}

// ClearConversation ends the backend conversation of conversationID and
// forgets its session, so the next message starts a new one.
func (c *Client) ClearConversation(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("backend: conversation id is required")
	}
	s, ok := c.existingSession(conversationID)
	if !ok {
		// the backend never saw this conversation
		return nil
	}
	base, err := c.BaseURL(ctx)
	if err != nil {
		return err
	}

	target := endpoint(base, "/clear-chat/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("backend: create clear request: %w", err)
	}
	// clear-chat answers with a redirect to the chat page
	if _, err := do(s.direct, req, target); err != nil && !isRedirect(err) {
		return fmt.Errorf("backend: clear chat: %w", err)
	}
	c.dropSession(conversationID, s)
	return nil
}

func (c *Client) setCSRF(ctx context.Context, s *session, req *http.Request, base, primePath string) {
	token, err := c.csrfToken(ctx, s, base, primePath)
	if err != nil {
		c.log.Warn("backend: csrf token unavailable", "err", err)
		return
	}
	if token != "" {
		req.Header.Set(csrfHeaderName, token)
	}
	// Django checks the referer of secure POSTs against the host.
	req.Header.Set("Referer", endpoint(base, primePath))
}

func cookieValue(jar http.CookieJar, u *url.URL, name string) (string, bool) {
	for _, ck := range jar.Cookies(u) {
		if ck.Name != name {
			continue
		}
		v, err := url.QueryUnescape(ck.Value)
		if err != nil {
			v = ck.Value
		}
		return v, v != ""
	}
	return "", false
}

// redirectError is returned by do for a 3xx answer the client did not follow.
type redirectError struct {
	StatusCode int
	Location   string
}

func (e *redirectError) Error() string {
	return fmt.Sprintf("backend: redirected (%d) to %s", e.StatusCode, e.Location)
}

func isRedirect(err error) bool {
	var re *redirectError
	return errors.As(err, &re)
}

func do(hc *http.Client, req *http.Request, target string) ([]byte, error) {
	res, doErr := hc.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 300 && res.StatusCode < 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		if strings.Contains(res.Header.Get("Location"), loginPage) {
			return nil, fmt.Errorf("%w: %s redirected to login", ErrUnauthenticated, target)
		}
		return nil, &redirectError{StatusCode: res.StatusCode, Location: res.Header.Get("Location")}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        target,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchBaseURLFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("backend: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("backend: url parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("backend: fetch url from paramstore: %w", err)
	}
	var p urlPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", fmt.Errorf("backend: unmarshal paramstore url value as JSON: %w", err)
	}
	base := strings.TrimRight(strings.TrimSpace(p.URL), "/")
	if base == "" {
		return "", errors.New("backend: backend URL is empty")
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("backend: backend URL %q is not an absolute http(s) URL", base)
	}
	return base, nil
}

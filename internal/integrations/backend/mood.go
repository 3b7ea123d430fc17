package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
)

const moodPage = "/mood-tracker/"

var (
	// ErrRejected matches a mood request the backend refused in its JSON body.
	ErrRejected = errors.New("backend: request rejected")
	// ErrMalformedResponse means a 2xx answer that is not the expected JSON.
	ErrMalformedResponse = errors.New("backend: malformed response")
)

// RejectedError carries the backend's own explanation of a refused request.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return ErrRejected.Error() + ": " + e.Message
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// moodResponse covers both the success and the error shape of the mood views.
type moodResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// RecordMood posts a mood entry as the relay account, in the session of
// conversationID, and returns the backend's confirmation text.
func (c *Client) RecordMood(ctx context.Context, conversationID string, level int, notes string) (string, error) {
	if !domain.ValidMoodLevel(level) {
		return "", fmt.Errorf("backend: mood level %d out of range", level)
	}
	form := url.Values{}
	form.Set("mood_level", strconv.Itoa(level))
	form.Set("notes", notes)
	return c.doMood(ctx, conversationID, moodPage, form)
}

// DeleteMood removes a backend mood entry by its numeric id.
func (c *Client) DeleteMood(ctx context.Context, conversationID string, id int64) (string, error) {
	if id <= 0 {
		return "", fmt.Errorf("backend: invalid mood entry id %d", id)
	}
	return c.doMood(ctx, conversationID, moodPage+"delete/"+strconv.FormatInt(id, 10)+"/", url.Values{})
}

// doMood posts form to a login-only mood view. A redirect to the login page
// gets one fresh login before giving up with ErrUnauthenticated.
func (c *Client) doMood(ctx context.Context, conversationID, path string, form url.Values) (string, error) {
	base, err := c.BaseURL(ctx)
	if err != nil {
		return "", err
	}
	s, err := c.session(conversationID)
	if err != nil {
		return "", err
	}

	target := endpoint(base, path)
	var raw []byte
	for attempt := 0; ; attempt++ {
		if err := c.ensureLogin(ctx, s, base); err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return "", fmt.Errorf("backend: create mood request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		c.setCSRF(ctx, s, req, base, moodPage)

		raw, err = do(s.direct, req, target)
		if errors.Is(err, ErrUnauthenticated) && attempt == 0 {
			c.log.Info("backend: session logged out, signing in again", "path", path)
			c.markLoggedOut(s)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("backend: mood request: %w", err)
		}
		break
	}

	var res moodResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("%w: decode mood response: %v", ErrMalformedResponse, err)
	}
	if res.Error != "" {
		return "", &RejectedError{Message: res.Error}
	}
	if res.Status != "success" {
		return "", &RejectedError{Message: fmt.Sprintf("unexpected status %q", res.Status)}
	}
	return res.Message, nil
}

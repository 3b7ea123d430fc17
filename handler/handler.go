package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
	"github.com/GuGu2310/mental-health-chatbot/internal/mood"
	"github.com/GuGu2310/mental-health-chatbot/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	errorNotFound     = "NOT_FOUND"
	errorNotAllowed   = "METHOD_NOT_ALLOWED"
)

type ChatUseCase interface {
	Send(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	History(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)
	Clear(ctx context.Context, conversationID string) error
}

type MoodUseCase interface {
	Record(ctx context.Context, in usecase.MoodInput) (usecase.MoodOutput, error)
	Delete(ctx context.Context, in usecase.DeleteMoodInput) (string, error)
	Stats(ctx context.Context, conversationID string) (usecase.StatsOutput, error)
}

// request is what a route sees of the incoming event.
type request struct {
	event  events.APIGatewayProxyRequest
	params map[string]string
	body   []byte
}

type routeFunc func(ctx context.Context, req request) (int, any, error)

type route struct {
	method   string
	segments []string
	fn       routeFunc
}

type Handler struct {
	chat   ChatUseCase
	mood   MoodUseCase
	routes []route
	log    *slog.Logger
}

func NewHandler(chat ChatUseCase, moodUC MoodUseCase, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if moodUC == nil {
		return nil, errors.New("handler: mood use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{chat: chat, mood: moodUC, log: logger}
	h.register(http.MethodPost, "/chat", h.postChat)
	h.register(http.MethodGet, "/chat/{id}/history", h.getHistory)
	h.register(http.MethodPost, "/chat/{id}/clear", h.clearChat)
	h.register(http.MethodPost, "/mood", h.postMood)
	h.register(http.MethodPost, "/mood/{id}/delete", h.deleteMood)
	h.register(http.MethodGet, "/mood/stats", h.getStats)
	return h, nil
}

func (h *Handler) register(method, pattern string, fn routeFunc) {
	h.routes = append(h.routes, route{method: method, segments: splitPath(pattern), fn: fn})
}

// Handle is the Lambda entrypoint for API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)
	logger := h.log.With("correlation_id", corrID, "method", event.HTTPMethod, "path", event.Path)

	fn, params, status := h.match(event.HTTPMethod, event.Path)
	if fn == nil {
		code := errorNotFound
		if status == http.StatusMethodNotAllowed {
			code = errorNotAllowed
		}
		return respond(status, errorResponse{Error: code}, corrID), nil
	}

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return respond(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body_encoding"}, corrID), nil
		}
		body = decoded
	}

	status, payload, err := fn(ctx, request{event: event, params: params, body: body})
	if err != nil {
		errStatus, resp := mapError(err)
		if errStatus >= http.StatusInternalServerError {
			logger.Error("request failed", "code", resp.Error, "reason", resp.Reason, "err", err)
		} else {
			logger.Info("request rejected", "code", resp.Error, "reason", resp.Reason)
		}
		return respond(errStatus, resp, corrID), nil
	}
	return respond(status, payload, corrID), nil
}

// match returns the route for method and path. When only the method differs
// the status is 405, otherwise 404.
func (h *Handler) match(method, path string) (routeFunc, map[string]string, int) {
	segments := splitPath(path)
	status := http.StatusNotFound
	for _, r := range h.routes {
		params, ok := matchSegments(r.segments, segments)
		if !ok {
			continue
		}
		if !strings.EqualFold(r.method, method) {
			status = http.StatusMethodNotAllowed
			continue
		}
		return r.fn, params, http.StatusOK
	}
	return nil, nil, status
}

func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	params := map[string]string{}
	for i, p := range pattern {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			if path[i] == "" {
				return nil, false
			}
			params[p[1:len(p)-1]] = path[i]
			continue
		}
		if p != path[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ---- routes ----

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

type chatResponse struct {
	ConversationID   string                   `json:"conversationId"`
	Reply            string                   `json:"reply"`
	Crisis           bool                     `json:"crisis"`
	Sentiment        *float64                 `json:"sentiment,omitempty"`
	SupportResources []domain.SupportResource `json:"supportResources,omitempty"`
	Timestamp        string                   `json:"timestamp,omitempty"`
	MessageID        int64                    `json:"messageId,omitempty"`
}

func (h *Handler) postChat(ctx context.Context, req request) (int, any, error) {
	var in chatRequest
	if err := decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	out, err := h.chat.Send(ctx, usecase.ChatInput{Message: in.Message, ConversationID: in.ConversationID})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, chatResponse{
		ConversationID:   out.ConversationID,
		Reply:            out.Reply,
		Crisis:           out.Crisis,
		Sentiment:        out.Sentiment,
		SupportResources: out.SupportResources,
		Timestamp:        out.Timestamp,
		MessageID:        out.MessageID,
	}, nil
}

type turnResponse struct {
	Message   string   `json:"message"`
	Reply     string   `json:"reply"`
	Crisis    bool     `json:"crisis"`
	Sentiment *float64 `json:"sentiment,omitempty"`
}

type historyResponse struct {
	ConversationID string         `json:"conversationId"`
	Turns          []turnResponse `json:"turns"`
}

func (h *Handler) getHistory(ctx context.Context, req request) (int, any, error) {
	limit, err := queryInt(req.event.QueryStringParameters, "limit")
	if err != nil {
		return 0, nil, err
	}
	convID := req.params["id"]
	turns, err := h.chat.History(ctx, convID, limit)
	if err != nil {
		return 0, nil, err
	}
	out := historyResponse{ConversationID: convID, Turns: make([]turnResponse, 0, len(turns))}
	for _, t := range turns {
		out.Turns = append(out.Turns, turnResponse{Message: t.Message, Reply: t.Reply, Crisis: t.Crisis, Sentiment: t.Sentiment})
	}
	return http.StatusOK, out, nil
}

type clearResponse struct {
	ConversationID string `json:"conversationId"`
	Cleared        bool   `json:"cleared"`
}

func (h *Handler) clearChat(ctx context.Context, req request) (int, any, error) {
	convID := req.params["id"]
	if err := h.chat.Clear(ctx, convID); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, clearResponse{ConversationID: convID, Cleared: true}, nil
}

type moodRequest struct {
	ConversationID string `json:"conversationId"`
	MoodLevel      int    `json:"moodLevel"`
	Notes          string `json:"notes"`
}

type moodResponse struct {
	Message  string `json:"message"`
	Label    string `json:"label"`
	EntryKey string `json:"entryKey,omitempty"`
}

func (h *Handler) postMood(ctx context.Context, req request) (int, any, error) {
	var in moodRequest
	if err := decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	out, err := h.mood.Record(ctx, usecase.MoodInput{ConversationID: in.ConversationID, Level: in.MoodLevel, Notes: in.Notes})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, moodResponse{Message: out.Message, Label: out.Label, EntryKey: out.Entry.SK}, nil
}

type deleteMoodRequest struct {
	ConversationID string `json:"conversationId"`
	EntryKey       string `json:"entryKey"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (h *Handler) deleteMood(ctx context.Context, req request) (int, any, error) {
	id, err := strconv.ParseInt(req.params["id"], 10, 64)
	if err != nil {
		return 0, nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_mood_id", Err: err}
	}
	var in deleteMoodRequest
	if err := decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	msg, err := h.mood.Delete(ctx, usecase.DeleteMoodInput{ConversationID: in.ConversationID, ID: id, EntryKey: in.EntryKey})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, messageResponse{Message: msg}, nil
}

type moodEntryResponse struct {
	EntryKey  string `json:"entryKey"`
	Level     int    `json:"level"`
	Label     string `json:"label"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type statsResponse struct {
	Summary mood.Summary        `json:"summary"`
	Entries []moodEntryResponse `json:"entries"`
}

func (h *Handler) getStats(ctx context.Context, req request) (int, any, error) {
	out, err := h.mood.Stats(ctx, req.event.QueryStringParameters["conversationId"])
	if err != nil {
		return 0, nil, err
	}
	resp := statsResponse{Summary: out.Summary, Entries: make([]moodEntryResponse, 0, len(out.Entries))}
	for _, e := range out.Entries {
		resp.Entries = append(resp.Entries, moodEntryResponse{
			EntryKey:  e.SK,
			Level:     e.Level,
			Label:     domain.MoodLabel(e.Level),
			Notes:     e.Notes,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return http.StatusOK, resp, nil
}

// ---- helpers ----

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_body"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

func queryInt(q map[string]string, key string) (int, error) {
	raw, ok := q[key]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_" + key, Err: err}
	}
	return n, nil
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	resp := errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason, Message: ucErr.Message}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, resp
	case usecase.ErrorBusy:
		return http.StatusConflict, resp
	case usecase.ErrorRejected:
		return http.StatusUnprocessableEntity, resp
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, resp
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, resp
	case usecase.ErrorOffline:
		return http.StatusServiceUnavailable, resp
	case usecase.ErrorCanceled:
		return http.StatusGatewayTimeout, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func respond(status int, payload any, corrID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/Capmap-core-v1/server/internal/agent/graph"
	"github.com/Capmap-core-v1/server/internal/agent/graph/progress"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/config"
	"github.com/Capmap-core-v1/server/internal/core"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	sectorsType    = "sectors"
	subsectorsType = "subsectors"

	invalidJSONPayload = "Invalid JSON payload"
)

var publicEndpoints = []string{"/chat", "/api/vote", "/api/sectors", "/api/history"}

type handler struct {
	cfg      config.ServerConfig
	env      core.Environment
	runner   graph.Runner
	history  HistoryReader
	catalog  SectorCatalog
	alerter  model.Alerter
	validate *validator.Validate
	sectors  *gocache.Cache
	now      func() time.Time
}

func newHandler(d Deps) *handler {
	ttl := d.Config.SectorsCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &handler{
		cfg:      d.Config,
		env:      d.Environment,
		runner:   d.Runner,
		history:  d.History,
		catalog:  d.Catalog,
		alerter:  d.Alerter,
		validate: validator.New(),
		sectors:  gocache.New(ttl, 2*ttl),
		now:      time.Now,
	}
}

type chatRequest struct {
	Message           string
	GeneralAgentCheck bool
}

type chatResponse struct {
	Reply       string `json:"reply"`
	OptionsData any    `json:"options_data"`
}

// parseChatRequest decodes a chat body. The returned message is the
// user-facing reason when the body is unusable.
func parseChatRequest(body []byte) (chatRequest, string) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return chatRequest{}, invalidJSONPayload
	}
	msg, ok := raw["message"]
	if !ok {
		return chatRequest{}, errx.MissingMessageKey
	}

	req := chatRequest{Message: strings.TrimSpace(messageText(msg))}
	if flag, ok := raw["general_agent_check"]; ok {
		_ = json.Unmarshal(flag, &req.GeneralAgentCheck)
	}
	if req.Message == "" {
		return req, errx.EmptyMessage
	}
	return req, ""
}

// messageText accepts a plain string or a {content|text} object.
func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Content != "" {
			return obj.Content
		}
		return obj.Text
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func (h *handler) Chat(c *fiber.Ctx) error {
	req, problem := parseChatRequest(c.Body())
	if problem != "" {
		// An unreadable body counts as a missing message key here.
		if problem == invalidJSONPayload {
			problem = errx.MissingMessageKey
		}
		return c.Status(fiber.StatusBadRequest).JSON(chatResponse{Reply: problem})
	}

	sessionID := ensureSession(c, h.cfg.SecureCookies)
	ctx, cancel := h.requestContext(c.UserContext())
	defer cancel()

	reply, err := h.runner.Invoke(ctx, model.QueryInput{
		SessionID:       sessionID,
		Query:           req.Message,
		GeneralOverride: req.GeneralAgentCheck,
	})
	if err != nil {
		h.reportFailure(err, sessionID, req.Message)
		return c.Status(fiber.StatusInternalServerError).JSON(chatResponse{Reply: errx.UnexpectedErrorMessage})
	}
	return c.JSON(chatResponse{Reply: reply.Text})
}

type streamEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Route   string `json:"route,omitempty"`
}

// ChatStream answers like Chat but as server-sent events: status lines while
// the graph runs, then one response (or error) event.
func (h *handler) ChatStream(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	req, problem := parseChatRequest(c.Body())
	if problem != "" {
		if problem == errx.MissingMessageKey {
			problem = "No message field"
		}
		return c.SendString(encodeEvent(streamEvent{Type: "error", Message: problem}))
	}

	// The fiber context must not be touched once the stream writer runs.
	sessionID := ensureSession(c, h.cfg.SecureCookies)
	base := c.UserContext()
	in := model.QueryInput{SessionID: sessionID, Query: req.Message, GeneralOverride: req.GeneralAgentCheck}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		var mu sync.Mutex
		emit := func(ev streamEvent) {
			mu.Lock()
			defer mu.Unlock()
			if _, err := w.WriteString(encodeEvent(ev)); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				logx.Debug().Err(err).Str("session_id", sessionID).Msg("stream client went away")
			}
		}

		ctx, cancel := h.requestContext(base)
		defer cancel()
		ctx = progress.WithReporter(ctx, func(status string) {
			emit(streamEvent{Type: "status", Message: status})
		})

		emit(streamEvent{Type: "status", Message: "Analyzing your query..."})
		reply, err := h.runner.Invoke(ctx, in)
		if err != nil {
			h.reportFailure(err, sessionID, in.Query)
			emit(streamEvent{Type: "error", Message: "Internal server error"})
			return
		}
		emit(streamEvent{Type: "response", Message: reply.Text, Route: reply.Route.String()})
	})
	return nil
}

func encodeEvent(ev streamEvent) string {
	b, err := json.Marshal(ev)
	if err != nil {
		b = []byte(`{"type":"error","message":"Internal server error"}`)
	}
	return fmt.Sprintf("data: %s\n\n", b)
}

func (h *handler) History(c *fiber.Ctx) error {
	sessionID := currentSession(c)
	if sessionID == "" {
		return c.JSON([]model.Turn{})
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return c.JSON(h.history.GetHistory(c.UserContext(), sessionID, limit))
}

func (h *handler) GetVotes(c *fiber.Ctx) error {
	if c.Query("chatId") == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chatId is required"})
	}
	return c.JSON([]any{})
}

type voteRequest struct {
	ChatID    string `json:"chatId" validate:"required"`
	MessageID string `json:"messageId" validate:"required"`
	Type      string `json:"type" validate:"required,oneof=up down"`
}

func (h *handler) Vote(c *fiber.Ctx) error {
	var req voteRequest
	if err := c.BodyParser(&req); err != nil {
		logx.Warn().Err(err).Msg("Invalid vote payload")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process vote"})
	}
	if err := h.validate.Struct(req); err != nil {
		logx.Warn().Err(err).Msg("Vote payload failed validation")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chatId, messageId and type are required"})
	}
	logx.Info().Str("chat_id", req.ChatID).Str("message_id", req.MessageID).Str("type", req.Type).Msg("Message voted")
	return c.JSON(fiber.Map{"message": "Message voted"})
}

func (h *handler) Sectors(c *fiber.Ctx) error {
	kind := c.Query("type")
	if kind != sectorsType && kind != subsectorsType {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "type must be sectors or subsectors"})
	}

	if cached, ok := h.sectors.Get(kind); ok {
		return c.JSON(fiber.Map{kind: cached})
	}

	var (
		names []string
		err   error
	)
	if kind == subsectorsType {
		names, err = h.catalog.Subsectors(c.UserContext())
	} else {
		names, err = h.catalog.Sectors(c.UserContext())
	}
	if err != nil {
		logx.Error().Err(err).Str("type", kind).Msg("Failed to fetch sector list")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch " + kind})
	}
	if names == nil {
		names = []string{}
	}
	h.sectors.SetDefault(kind, names)
	return c.JSON(fiber.Map{kind: names})
}

func (h *handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"service":   core.ServiceName,
		"version":   core.Version,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"endpoints": publicEndpoints,
	})
}

func (h *handler) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if h.cfg.RequestTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, h.cfg.RequestTimeout)
}

func (h *handler) reportFailure(err error, sessionID, input string) {
	logx.Error().Err(err).Str("session_id", sessionID).Msg("Chat request failed")
	if errors.Is(err, graph.ErrEmptyQuery) {
		return
	}
	h.alerter.Notify(model.Alert{
		Source:    "chat_endpoint",
		Err:       err,
		SessionID: sessionID,
		Input:     input,
		Details:   map[string]string{"environment": h.env.String()},
	})
}

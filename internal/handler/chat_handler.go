package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// ChatHandler wires chat endpoints including the websocket upgrade.
type ChatHandler struct {
	service   service.ChatService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group. The websocket route authenticates
// itself from the token query parameter or Authorization header; REST routes run behind protect.
func (h *ChatHandler) Register(router fiber.Router, protect ...fiber.Handler) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		ctx := c.UserContext()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
		c.Locals("request_ctx", ctx)
		c.Locals("credential", upgradeCredential(c))
		return c.Next()
	})
	router.Get("/ws", websocket.New(h.handleConnection))

	router.Get("/rooms", append(append([]fiber.Handler{}, protect...), h.rooms)...)
	router.Get("/history", append(append([]fiber.Handler{}, protect...), h.history)...)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	credential, _ := conn.Locals("credential").(string)
	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	h.service.ServeConnection(conn, service.ChatConnectionOptions{
		Credential:    credential,
		CorrelationID: correlation,
		Context:       baseCtx,
	})
}

func (h *ChatHandler) rooms(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	rooms, err := h.service.Rooms(requestContext(c), userID)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "chat rooms", rooms)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var query dto.ChatHistoryQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}
	query.RoomID = strings.TrimSpace(query.RoomID)

	if err := h.validator.Struct(query); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid query parameters", validationDetails(err))
	}

	messages, err := h.service.History(requestContext(c), userID, query)
	if err != nil {
		return h.fail(c, err)
	}

	meta := fiber.Map{"room_id": query.RoomID, "count": len(messages)}
	if len(messages) > 0 {
		meta["next_before"] = messages[0].ID
	}
	return utils.OK(c, messages, "chat history", meta)
}

func (h *ChatHandler) fail(c *fiber.Ctx, err error) error {
	logger := requestLogger(h.logger, c)
	switch {
	case errors.Is(err, service.ErrValidation):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAccessDenied):
		return utils.SendError(c, fiber.StatusForbidden, "access denied to this room")
	case errors.Is(err, service.ErrNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	default:
		logger.Error().Err(err).Msg("chat request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func upgradeCredential(c *fiber.Ctx) string {
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	return strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
}

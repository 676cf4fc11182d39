package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/agentx/raven-backend/internal/api/middleware"
	"github.com/agentx/raven-backend/internal/services"
)

// TurnStreamer starts a streamed chat turn
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req services.TurnRequest) (<-chan services.TurnChunk, error)
}

// ChatHandler handles chat requests
type ChatHandler struct {
	chat   TurnStreamer
	logger *logrus.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chat TurnStreamer, logger *logrus.Logger) *ChatHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatHandler{chat: chat, logger: logger}
}

func statusFor(err error) int {
	if errors.Is(err, services.ErrInvalidTurn) {
		return fiber.StatusBadRequest
	}
	return fiber.StatusBadGateway
}

// Chat handles POST /api/chat and streams the reply as server-sent events
func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Not authenticated",
		})
	}

	var req services.TurnRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.UserID = userID
	req.UserName = middleware.GetUserName(c)

	// The body is written after this handler returns, so the turn cannot
	// use the request context. It is cancelled when the client goes away.
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := h.chat.StreamTurn(ctx, req)
	if err != nil {
		cancel()
		h.logger.WithError(err).WithField("chat_id", req.ChatID).Warn("Chat turn rejected")
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		for chunk := range stream {
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				h.logger.WithField("chat_id", req.ChatID).Debug("Client disconnected during stream")
				cancel()
				for range stream {
				}
				return
			}
		}

		fmt.Fprintf(w, "data: [DONE]\n\n")
		w.Flush()
	})

	return nil
}

// StreamChat handles websocket /ws/chat: one JSON request, then one JSON
// message per fragment and a final done message
func (h *ChatHandler) StreamChat(c *websocket.Conn) {
	defer c.Close()

	userID, _ := c.Locals("user_id").(string)
	userName, _ := c.Locals("user_name").(string)

	var req services.TurnRequest
	if err := c.ReadJSON(&req); err != nil {
		c.WriteJSON(fiber.Map{"error": "Failed to parse request"})
		return
	}
	req.UserID = userID
	req.UserName = userName

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.chat.StreamTurn(ctx, req)
	if err != nil {
		c.WriteJSON(fiber.Map{"error": err.Error()})
		return
	}

	for chunk := range stream {
		if err := c.WriteJSON(chunk); err != nil {
			// Client disconnected
			cancel()
			for range stream {
			}
			return
		}
	}
	c.WriteJSON(fiber.Map{"done": true})
}

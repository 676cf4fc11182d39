package handlers

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/raven-backend/internal/services"
)

type fakeStreamer struct {
	chunks []services.TurnChunk
	err    error
	got    services.TurnRequest
}

func (f *fakeStreamer) StreamTurn(_ context.Context, req services.TurnRequest) (<-chan services.TurnChunk, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan services.TurnChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestApp(streamer *fakeStreamer, userID string) *fiber.App {
	logger, _ := test.NewNullLogger()
	h := NewChatHandler(streamer, logger)

	app := fiber.New()
	app.Post("/api/chat", func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals("user_id", userID)
			c.Locals("user_name", "Ada")
		}
		return c.Next()
	}, h.Chat)
	return app
}

func post(t *testing.T, app *fiber.App, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestChatHandler_StreamsServerSentEvents(t *testing.T) {
	streamer := &fakeStreamer{chunks: []services.TurnChunk{{Text: "Hello"}, {Text: " world"}}}
	app := newTestApp(streamer, "user-1")

	status, body := post(t, app, `{"chat_id":"chat-1","message":"hi","media":[{"url":"gs://b/cat.png","mime_type":"image/png"}]}`)

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "data: {\"response\":\"Hello\"}\n\ndata: {\"response\":\" world\"}\n\ndata: [DONE]\n\n", body)

	assert.Equal(t, "chat-1", streamer.got.ChatID)
	assert.Equal(t, "user-1", streamer.got.UserID)
	assert.Equal(t, "Ada", streamer.got.UserName)
	assert.Equal(t, "hi", streamer.got.Text)
	require.Len(t, streamer.got.Media, 1)
	assert.Equal(t, "gs://b/cat.png", streamer.got.Media[0].Locator)
}

func TestChatHandler_ErrorChunk(t *testing.T) {
	streamer := &fakeStreamer{chunks: []services.TurnChunk{{Text: "par"}, {Error: "quota exceeded"}}}
	app := newTestApp(streamer, "user-1")

	_, body := post(t, app, `{"chat_id":"chat-1","message":"hi"}`)
	assert.Contains(t, body, "data: {\"error\":\"quota exceeded\"}\n\n")
}

func TestChatHandler_RejectsRequests(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		body   string
		err    error
		status int
	}{
		{"unauthenticated", "", `{"chat_id":"c","message":"hi"}`, nil, fiber.StatusUnauthorized},
		{"malformed body", "user-1", `{"chat_id":`, nil, fiber.StatusBadRequest},
		{"invalid turn", "user-1", `{"chat_id":"c"}`, services.ErrInvalidTurn, fiber.StatusBadRequest},
		{"provider unavailable", "user-1", `{"chat_id":"c","message":"hi"}`, errors.New("upstream down"), fiber.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&fakeStreamer{err: tt.err}, tt.userID)
			status, body := post(t, app, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Contains(t, body, "error")
		})
	}
}

// Package api exposes the REST fallback surface: message history, sending
// and read-marking over plain HTTP for clients without a live socket, plus
// the presence snapshot.
package api

import (
	"context"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/parley/chat-server/internal/metrics"
	"github.com/parley/chat-server/internal/presence"
	"github.com/parley/chat-server/internal/store"
)

// PresenceSource provides the cross-instance presence snapshot. Nil is
// allowed; GET /presence then reports the feature as unavailable.
type PresenceSource interface {
	All(ctx context.Context) ([]presence.UserPresence, error)
}

type Server struct {
	app      *fiber.App
	store    store.Store
	presence PresenceSource
}

func New(st store.Store, src PresenceSource) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			AppName:               "parley-api",
		}),
		store:    st,
		presence: src,
	}
	s.routes()
	return s
}

// App exposes the underlying fiber app for in-process request tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	log.Printf("[api] listening on %s", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)
	s.app.Get("/presence", s.listPresence)
	s.app.Get("/chats/:chatID/messages", s.listMessages)
	s.app.Post("/chats/:chatID/messages", s.sendMessage)
	s.app.Post("/messages/:messageID/read", s.markRead)
}

type errorResponse struct {
	Error string `json:"error"`
}

type sendMessageRequest struct {
	SenderID    string   `json:"senderId"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

type markReadRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// listMessages handles GET /chats/:chatID/messages.
func (s *Server) listMessages(c *fiber.Ctx) error {
	chatID := c.Params("chatID")

	msgs, err := s.store.ListMessages(c.UserContext(), chatID)
	if err != nil {
		log.Printf("[api] list messages chat=%s: %v", chatID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to load messages"})
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(msgs)
}

// sendMessage handles POST /chats/:chatID/messages. The message is persisted
// and the chat's latest-message pointer updated; delivery to connected
// clients happens separately when the sender's socket comes back.
func (s *Server) sendMessage(c *fiber.Ctx) error {
	chatID := c.Params("chatID")

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
	}
	if req.SenderID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "senderId is required"})
	}
	if err := store.ValidateContent(req.Content, req.Attachments); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}

	msg, err := s.store.CreateMessage(c.UserContext(), req.SenderID, chatID, req.Content, req.Attachments)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "chat not found"})
		}
		log.Printf("[api] create message chat=%s sender=%s: %v", chatID, req.SenderID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to store message"})
	}
	if err := s.store.SetChatLatestMessage(c.UserContext(), chatID, msg.ID); err != nil {
		log.Printf("[api] update latest message chat=%s: %v", chatID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to update chat"})
	}

	metrics.MessagesTotal.WithLabelValues("rest").Inc()
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// markRead handles POST /messages/:messageID/read. Repeated marks are
// accepted and return the same message state.
func (s *Server) markRead(c *fiber.Ctx) error {
	messageID := c.Params("messageID")

	var req markReadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "userId is required"})
	}

	msg, err := s.store.AppendReadReceipt(c.UserContext(), messageID, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "message not found"})
		}
		log.Printf("[api] mark read message=%s user=%s: %v", messageID, req.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to record read receipt"})
	}
	return c.JSON(msg)
}

// listPresence handles GET /presence from the Redis snapshot.
func (s *Server) listPresence(c *fiber.Ctx) error {
	if s.presence == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: "presence snapshot not configured"})
	}
	users, err := s.presence.All(c.UserContext())
	if err != nil {
		log.Printf("[api] presence snapshot: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to load presence"})
	}
	if users == nil {
		users = []presence.UserPresence{}
	}
	return c.JSON(users)
}

package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/chat"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/middleware"
	"github.com/noah-isme/lexcoach-api/internal/permission"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
	"github.com/noah-isme/lexcoach-api/internal/service"
	"github.com/noah-isme/lexcoach-api/internal/utils"
)

const (
	chatWriteWait  = 10 * time.Second
	chatPongWait   = 60 * time.Second
	chatPingPeriod = chatPongWait * 9 / 10
	chatMaxMessage = 16 * 1024
)

// ChatHandler upgrades authenticated requests into chat sessions.
type ChatHandler struct {
	conversations service.ConversationService
	messages      service.MessageService
	changes       realtime.Subscriber
	validator     *validator.Validate
	logger        zerolog.Logger
	options       chat.SessionOptions
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(conversations service.ConversationService, messages service.MessageService, changes realtime.Subscriber, validate *validator.Validate, logger zerolog.Logger, opts chat.SessionOptions) *ChatHandler {
	return &ChatHandler{
		conversations: conversations,
		messages:      messages,
		changes:       changes,
		validator:     validate,
		logger:        logger.With().Str("component", "chat_handler").Logger(),
		options:       opts,
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		actor, err := resolveActor(c, h.conversations)
		if err != nil {
			return utils.SendAppError(c, err)
		}
		c.Locals("actor", actor)
		c.Locals("correlation_id", middleware.GetCorrelationID(c))
		return c.Next()
	})

	router.Get("/ws", websocket.New(h.handleConnection, websocket.Config{
		HandshakeTimeout: chatWriteWait,
	}))
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	actor, ok := conn.Locals("actor").(permission.Actor)
	if !ok || actor.ID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user not authenticated"))
		_ = conn.Close()
		return
	}

	correlation, _ := conn.Locals("correlation_id").(string)
	ctx, cancel := context.WithCancel(sessionContext(correlation))
	defer cancel()

	logger := h.logger.With().Str("user_id", actor.ID).Logger()
	if correlation != "" {
		logger = logger.With().Str("correlation_id", correlation).Logger()
	}

	session := chat.NewSession(actor, h.conversations, h.messages, h.changes, logger, h.options)
	dispatcher := chat.NewDispatcher(session, h.validator)

	writerDone := make(chan struct{})
	go h.writeFrames(conn, session, writerDone, logger)

	if err := session.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("chat session failed to start")
		session.Close()
		<-writerDone
		_ = conn.Close()
		return
	}

	logger.Info().Msg("chat websocket connected")
	h.readCommands(ctx, conn, dispatcher, logger)

	cancel()
	session.Close()
	<-writerDone
	_ = conn.Close()
	logger.Info().Msg("chat websocket disconnected")
}

// sessionContext is the root of every goroutine a chat session starts. It carries only the
// correlation id; the upgrade request's context is recycled once the handshake returns.
func sessionContext(correlation string) context.Context {
	return middleware.ContextWithCorrelation(context.Background(), correlation)
}

// readCommands blocks until the client goes away or sends an unreadable frame.
func (h *ChatHandler) readCommands(ctx context.Context, conn *websocket.Conn, dispatcher *chat.Dispatcher, logger zerolog.Logger) {
	conn.SetReadLimit(chatMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(chatPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(chatPongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("chat websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(chatPongWait))

		var cmd dto.ChatCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			dispatcher.Reject(ctx, apperror.Validation("malformed command"))
			continue
		}
		dispatcher.Handle(ctx, cmd)
	}
}

// writeFrames is the only goroutine writing to conn.
func (h *ChatHandler) writeFrames(conn *websocket.Conn, session *chat.Session, done chan<- struct{}, logger zerolog.Logger) {
	defer close(done)

	ticker := time.NewTicker(chatPingPeriod)
	defer ticker.Stop()

	frames := session.Frames()
	failed := false
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debug().Err(err).Str("frame", frame.Type).Msg("chat websocket write failed")
				failed = true
				_ = conn.Close()
			}
		case <-ticker.C:
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				failed = true
				_ = conn.Close()
			}
		}
	}
}

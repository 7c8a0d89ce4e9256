package chat

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
)

// Dispatcher turns websocket commands into session calls.
type Dispatcher struct {
	session  *Session
	validate *validator.Validate
}

// NewDispatcher binds a dispatcher to session.
func NewDispatcher(session *Session, validate *validator.Validate) *Dispatcher {
	return &Dispatcher{session: session, validate: validate}
}

// Handle runs cmd and queues its ack or error frame on the session.
func (d *Dispatcher) Handle(ctx context.Context, cmd dto.ChatCommand) {
	d.session.emit(d.Dispatch(ctx, cmd))
}

// Reject queues an error frame for input that never became a command.
func (d *Dispatcher) Reject(_ context.Context, err error) {
	d.session.emit(errorFrame(dto.ChatCommand{}, err))
}

// Dispatch runs cmd and returns the reply frame. State changes caused by the command
// are emitted separately by the session.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd dto.ChatCommand) dto.ChatFrame {
	if err := d.validate.Struct(cmd); err != nil {
		return errorFrame(cmd, apperror.Invalid(err))
	}

	s := d.session
	reply := dto.ChatFrame{
		Type:      dto.FrameAck,
		RequestID: cmd.RequestID,
		Command:   cmd.Type,
	}

	switch cmd.Type {
	case dto.CommandSelect:
		if err := s.Select(ctx, cmd.ConversationID); err != nil {
			return errorFrame(cmd, err)
		}
		reply.ConversationID = cmd.ConversationID
	case dto.CommandLoadMore:
		if err := s.LoadMore(ctx); err != nil {
			return errorFrame(cmd, err)
		}
		snapshot := s.Messages()
		reply.ConversationID = snapshot.ConversationID
		reply.HasMore = snapshot.HasMore
	case dto.CommandSend:
		result, err := s.Send(ctx, cmd.Content)
		if err != nil {
			return errorFrame(cmd, err)
		}
		reply.ConversationID = result.Message.ConversationID
		reply.Message = &result.Message
		reply.Delivery = &result.Delivery
	case dto.CommandEdit:
		message, err := s.Edit(ctx, cmd.MessageID, cmd.Content)
		if err != nil {
			return errorFrame(cmd, err)
		}
		reply.ConversationID = message.ConversationID
		reply.Message = &message
	case dto.CommandDelete:
		message, err := s.Delete(ctx, cmd.MessageID)
		if err != nil {
			return errorFrame(cmd, err)
		}
		reply.ConversationID = message.ConversationID
		reply.Message = &message
	case dto.CommandMarkRead:
		if err := s.MarkRead(ctx, cmd.ConversationID); err != nil {
			return errorFrame(cmd, err)
		}
		reply.ConversationID = cmd.ConversationID
		reply.TotalUnread = s.TotalUnreadCount()
	case dto.CommandStart:
		conversation, err := s.StartConversation(ctx, dto.ConversationCreateRequest{
			TargetUserIDs: cmd.TargetUserIDs,
			Title:         cmd.Title,
			Type:          cmd.ConvType,
		})
		if err != nil {
			return errorFrame(cmd, err)
		}
		reply.ConversationID = conversation.ID
		reply.Conversation = &conversation
	case dto.CommandQuickChat:
		conversation, err := s.QuickChat(ctx, cmd.TargetUserID)
		if err != nil {
			return errorFrame(cmd, err)
		}
		reply.ConversationID = conversation.ID
		reply.Conversation = &conversation
	case dto.CommandLeave:
		if err := s.Leave(ctx, cmd.ConversationID); err != nil {
			return errorFrame(cmd, err)
		}
		reply.ConversationID = cmd.ConversationID
	case dto.CommandParticipants:
		participants, err := s.Participants(ctx, cmd.ConversationID)
		if err != nil {
			return errorFrame(cmd, err)
		}
		reply.Type = dto.FrameParticipants
		reply.ConversationID = cmd.ConversationID
		if reply.ConversationID == 0 {
			reply.ConversationID = s.ActiveConversationID()
		}
		reply.Participants = participants
	case dto.CommandPartners:
		partners, err := s.AvailablePartners(ctx)
		if err != nil {
			return errorFrame(cmd, err)
		}
		reply.Type = dto.FramePartners
		reply.Partners = partners
	default:
		return errorFrame(cmd, apperror.Validation("unknown command"))
	}

	reply.ActiveConversationID = s.ActiveConversationID()
	return reply
}

func errorFrame(cmd dto.ChatCommand, err error) dto.ChatFrame {
	kind := apperror.KindOf(err)
	message := err.Error()
	if kind == apperror.KindTransientIO {
		message = "temporarily unavailable, try again"
	}
	return dto.ChatFrame{
		Type:      dto.FrameError,
		RequestID: cmd.RequestID,
		Command:   cmd.Type,
		Error: &dto.FrameErrorBody{
			Kind:    string(kind),
			Message: message,
		},
	}
}

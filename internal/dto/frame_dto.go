package dto

// Websocket command types accepted by a chat session.
const (
	CommandSelect       = "select"
	CommandLoadMore     = "load_more"
	CommandSend         = "send"
	CommandEdit         = "edit"
	CommandDelete       = "delete"
	CommandMarkRead     = "mark_read"
	CommandStart        = "start"
	CommandQuickChat    = "quick_chat"
	CommandLeave        = "leave"
	CommandParticipants = "participants"
	CommandPartners     = "partners"
)

// Frame types written to the websocket.
const (
	FrameConversations = "conversations"
	FrameMessages      = "messages"
	FrameParticipants  = "participants"
	FramePartners      = "partners"
	FrameAck           = "ack"
	FrameError         = "error"
)

// ChatCommand is one client instruction read from the websocket.
type ChatCommand struct {
	Type           string   `json:"type" validate:"required,oneof=select load_more send edit delete mark_read start quick_chat leave participants partners"`
	RequestID      string   `json:"request_id,omitempty" validate:"omitempty,max=64"`
	ConversationID uint     `json:"conversation_id,omitempty"`
	MessageID      uint     `json:"message_id,omitempty"`
	Content        string   `json:"content,omitempty" validate:"omitempty,max=4000"`
	TargetUserID   string   `json:"target_user_id,omitempty" validate:"omitempty,max=64"`
	TargetUserIDs  []string `json:"target_user_ids,omitempty" validate:"omitempty,max=50,dive,required,max=64"`
	Title          *string  `json:"title,omitempty" validate:"omitempty,max=255"`
	ConvType       string   `json:"conversation_type,omitempty" validate:"omitempty,oneof=support group"`
}

// FrameErrorBody is the error body of an error frame.
type FrameErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ChatFrame is one server message written to the websocket.
type ChatFrame struct {
	Type                 string                      `json:"type"`
	RequestID            string                      `json:"request_id,omitempty"`
	Command              string                      `json:"command,omitempty"`
	ConversationID       uint                        `json:"conversation_id,omitempty"`
	ActiveConversationID uint                        `json:"active_conversation_id,omitempty"`
	Conversations        []ConversationResponse      `json:"conversations,omitempty"`
	TotalUnread          int                         `json:"total_unread,omitempty"`
	Messages             []MessageResponse           `json:"messages,omitempty"`
	HasMore              bool                        `json:"has_more,omitempty"`
	State                string                      `json:"state,omitempty"`
	Message              *MessageResponse            `json:"message,omitempty"`
	Conversation         *ConversationResponse       `json:"conversation,omitempty"`
	Delivery             *NotificationDeliveryReport `json:"delivery,omitempty"`
	Participants         []ParticipantResponse       `json:"participants,omitempty"`
	Partners             []UserSummary               `json:"partners,omitempty"`
	Error                *FrameErrorBody             `json:"error,omitempty"`
}

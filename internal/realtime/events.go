package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hay-kot/criterio"

	"dmchat/internal/domain"
)

// Inbound event names.
const (
	EventJoinRoom    = "join_room"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// Outbound event names.
const (
	EventOnlineUsers      = "get_online_users"
	EventReceiveMessage   = "receive_message"
	EventUserTyping       = "user_typing"
	EventUserStopTyping   = "user_stop_typing"
	EventNewFriendRequest = "new_friend_request"
	EventRequestAccepted  = "request_accepted"
	EventError            = "error"
)

// MessagePayload is the body of send_message and receive_message.
type MessagePayload struct {
	ID         int64         `json:"id,omitempty"`
	SenderID   domain.UserID `json:"senderId"`
	ReceiverID domain.UserID `json:"receiverId"`
	Message    string        `json:"message"`
	CreatedAt  *time.Time    `json:"createdAt,omitempty"`
}

// TypingPayload is the body of typing and stop_typing.
type TypingPayload struct {
	SenderID   domain.UserID `json:"senderId"`
	ReceiverID domain.UserID `json:"receiverId"`
}

// RequestAccepted is the body of request_accepted.
type RequestAccepted struct {
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"username"`
}

// ErrorPayload is sent to a single connection when one of its events fails.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeJoin(data json.RawMessage) (domain.UserID, error) {
	var userID string
	if err := json.Unmarshal(data, &userID); err != nil {
		// Some clients wrap the id in an object.
		var obj struct {
			UserID string `json:"userId"`
		}
		if objErr := json.Unmarshal(data, &obj); objErr != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrValidation, criterio.NewFieldErrors("userId", err))
		}
		userID = obj.UserID
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: %w", domain.ErrValidation, criterio.NewFieldErrors("userId", fmt.Errorf("is required")))
	}
	return domain.UserID(userID), nil
}

func decodeMessage(data json.RawMessage) (MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %w", domain.ErrValidation, criterio.NewFieldErrors("payload", err))
	}

	var errs criterio.FieldErrorsBuilder
	if p.SenderID == "" {
		errs = errs.Append("senderId", fmt.Errorf("is required"))
	}
	if p.ReceiverID == "" {
		errs = errs.Append("receiverId", fmt.Errorf("is required"))
	}
	if strings.TrimSpace(p.Message) == "" {
		errs = errs.Append("message", fmt.Errorf("must not be empty"))
	}
	if err := errs.ToError(); err != nil {
		return p, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return p, nil
}

func decodeTyping(data json.RawMessage) (TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %w", domain.ErrValidation, criterio.NewFieldErrors("payload", err))
	}

	var errs criterio.FieldErrorsBuilder
	if p.SenderID == "" {
		errs = errs.Append("senderId", fmt.Errorf("is required"))
	}
	if p.ReceiverID == "" {
		errs = errs.Append("receiverId", fmt.Errorf("is required"))
	}
	if err := errs.ToError(); err != nil {
		return p, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return p, nil
}

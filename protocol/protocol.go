package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"cipherline/models"
)

var (
	ErrInvalidFrame = errors.New("invalid frame format")
)

// Server -> client event names.
const (
	EventNewMessage         = "newMessage"
	EventMessageEdit        = "messageEdit"
	EventDeleteMessage      = "deleteMessage"
	EventDeleteMessages     = "deleteMessages"
	EventReadMessage        = "readMessage"
	EventNewConversation    = "newConversation"
	EventConversationKey    = "conversationKey"
	EventConversationDelete = "conversationDelete"
	EventStatus             = "status"
	EventUserTyping         = "userTyping"
	EventWaitingUsers       = "waitingUsers"
	EventNewMessages        = "newMessages"
	EventReady              = "ready"
	EventNicknameChange     = "nicknameChange"
	EventAvatarChange       = "avatarChange"
	EventUserDelete         = "userDelete"
	EventBye                = "bye"
	EventError              = "error"
)

// Client -> server request names.
const (
	RequestMarkMessageRead = "markMessageRead"
	RequestTyping          = "typing"
	RequestChangeStatus    = "changeStatus"
)

// Event is one frame pushed to a live connection.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Request is one frame received from a live connection. Data is decoded
// lazily by the handler for Name.
type Request struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

type MessagePayload struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageEditPayload struct {
	ID       string    `json:"id"`
	User     string    `json:"user"`
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

type MessageRefPayload struct {
	ID   string `json:"id"`
	User string `json:"user,omitempty"`
}

type MessagesRefPayload struct {
	User     string   `json:"user"`
	Messages []string `json:"messages"`
}

type UserPayload struct {
	User string `json:"user"`
}

type KeyPayload struct {
	User string `json:"user"`
	Key  string `json:"key"`
}

type StatusPayload struct {
	User   string        `json:"user"`
	Status models.Status `json:"status"`
}

type NicknamePayload struct {
	User     string `json:"user"`
	Nickname string `json:"nickname"`
}

type AvatarPayload struct {
	User string  `json:"user"`
	Hash *string `json:"hash"`
}

type ByePayload struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

type MarkReadRequest struct {
	ID string `json:"id"`
}

type TypingRequest struct {
	User string `json:"user"`
}

type ChangeStatusRequest struct {
	Status models.Status `json:"status"`
}

func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data}
}

// Encode renders ev as one JSON text frame.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// ParseRequest decodes a client frame. A frame without an event name is
// rejected.
func ParseRequest(frame []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, ErrInvalidFrame
	}
	if req.Name == "" {
		return nil, ErrInvalidFrame
	}
	return &req, nil
}

// Bind decodes the request payload into v.
func (r *Request) Bind(v any) error {
	if len(r.Data) == 0 {
		return ErrInvalidFrame
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return ErrInvalidFrame
	}
	return nil
}

// Package apperr holds the client-facing error taxonomy. Every expected
// outcome of a request is an *Error carrying a numeric opcode and a human
// message; anything else crossing the gateway is reported as Unavailable.
package apperr

import (
	"errors"
	"fmt"
)

// Code is the opcode clients see. Values are part of the wire contract.
type Code int

const (
	NoCredential Code = iota
	InvalidCredential
	UnknownAccount
	InvalidMessageLength
	InvalidNameLength
	InvalidPasswordLength
	InvalidNameFormat
	InvalidStatusValue
	UnknownMessage
	NotAuthorOfMessage
	NotReceiverOfMessage
	AlreadyRead
	InvalidLimit
	AlreadyHasConversation
	NoConversation
	InvalidKeyFormat
	DidNotCreateConversation
	AlreadySentKey
	IncorrectPassword
	InvalidAvatarSize
	InvalidAvatarFormat
	UnknownAvatar
	NameTaken
	InvalidMessagesNumber
	SelfConversation
	InvalidRequest
	Unavailable
)

var messages = map[Code]string{
	NoCredential:             "No token in request",
	InvalidCredential:        "Invalid credentials",
	UnknownAccount:           "User not found",
	InvalidMessageLength:     "Message length is out of bounds",
	InvalidNameLength:        "Name and nickname must be 4 to 255 characters long",
	InvalidPasswordLength:    "Password must be at least 8 characters long",
	InvalidNameFormat:        "Name may only contain letters, digits, '_' and '-'",
	InvalidStatusValue:       "Invalid status, allowed: online, do-not-disturb, hidden",
	UnknownMessage:           "Message doesn't exist",
	NotAuthorOfMessage:       "You are not the author of this message",
	NotReceiverOfMessage:     "You are not the receiver of this message",
	AlreadyRead:              "This message has already been read",
	InvalidLimit:             "Limit must be between 1 and 100",
	AlreadyHasConversation:   "You already have a conversation with this user",
	NoConversation:           "You don't have a conversation with this user",
	InvalidKeyFormat:         "Invalid RSA public key",
	DidNotCreateConversation: "User didn't create a conversation with you",
	AlreadySentKey:           "You already sent your key",
	IncorrectPassword:        "Incorrect password",
	InvalidAvatarSize:        "Avatar can't be empty or bigger than the size limit",
	InvalidAvatarFormat:      "Avatar can only be png or jpeg",
	UnknownAvatar:            "Avatar not found",
	NameTaken:                "Name is already taken",
	InvalidMessagesNumber:    "Between 2 and 100 messages can be purged at once",
	SelfConversation:         "You can't start a conversation with yourself",
	InvalidRequest:           "Malformed request",
	Unavailable:              "Service temporarily unavailable",
}

// Error is an expected, client-facing failure.
type Error struct {
	Code    Code   `json:"opcode"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("opcode %d: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, New(c)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New returns the error for code with its default message.
func New(code Code) *Error {
	return &Error{Code: code, Message: messages[code]}
}

// Newf returns the error for code with a custom message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// From extracts the *Error in err's chain.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Has reports whether err carries code.
func Has(err error, code Code) bool {
	e, ok := From(err)
	return ok && e.Code == code
}

// Public converts any error into what a client may see. Non-taxonomy
// errors collapse to Unavailable; the second result is false for those so
// callers can log them as faults.
func Public(err error) (*Error, bool) {
	if e, ok := From(err); ok {
		return e, true
	}
	return New(Unavailable), false
}

package models

import "time"

type Status string

const (
	StatusOnline       Status = "online"
	StatusDoNotDisturb Status = "do-not-disturb"
	StatusHidden       Status = "hidden"
	StatusOffline      Status = "offline" // never stored, only broadcast
)

// Valid reports whether s is a status an account may choose.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusDoNotDisturb, StatusHidden:
		return true
	}
	return false
}

// Effective is the status observers see: hidden is reported as offline.
func (s Status) Effective() Status {
	if s == StatusHidden || s == "" {
		return StatusOffline
	}
	return s
}

type Account struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Nickname       string     `json:"nickname"`
	PasswordHash   string     `json:"-"`
	Status         Status     `json:"status"`
	LastDisconnect *time.Time `json:"lastDisconnect,omitempty"`
	Avatar         *string    `json:"avatar,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Public strips the fields only the owner may see.
func (a *Account) Public() PublicAccount {
	return PublicAccount{ID: a.ID, Name: a.Name, Nickname: a.Nickname, Avatar: a.Avatar}
}

type PublicAccount struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Nickname string  `json:"nickname"`
	Avatar   *string `json:"avatar,omitempty"`
}

type MessageType string

const (
	TypeMessage MessageType = "message"
	TypeKey     MessageType = "key"
)

type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Author    string      `json:"author"`
	Receiver  string      `json:"receiver"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
	EditedAt  *time.Time  `json:"editedAt,omitempty"`
	Read      bool        `json:"read"`
}

// Relation is the conversation state between two accounts as seen from the first.
type Relation int

const (
	NoRelation   Relation = iota
	AwaitingPeer          // we initiated, the peer has not reciprocated
	AwaitingSelf          // the peer initiated, we have not reciprocated
	Established
)

func (r Relation) String() string {
	switch r {
	case AwaitingPeer:
		return "awaitingPeer"
	case AwaitingSelf:
		return "awaitingSelf"
	case Established:
		return "established"
	}
	return "none"
}

func (r Relation) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

type ConversationSummary struct {
	Peer        PublicAccount `json:"peer"`
	Relation    Relation      `json:"relation"`
	Status      Status        `json:"status,omitempty"`
	LastMessage *Message      `json:"lastMessage,omitempty"`
}

type Blob struct {
	Hash        string
	ContentType string
	Data        []byte
}

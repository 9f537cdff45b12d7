package domain

import (
	"fmt"
	"time"
)

// AccountState is the lifecycle state of a managed account.
type AccountState string

const (
	StateUnregistered     AccountState = "unregistered"
	StateCodeSent         AccountState = "code_sent"
	StatePasswordRequired AccountState = "password_required"
	StateActive           AccountState = "active"
	StateRevoked          AccountState = "revoked"
)

// Account is one externally-authenticated identity managed by the service.
type Account struct {
	Phone        string       `json:"phone_number"`
	UserID       int64        `json:"user_id,omitempty"`
	Username     string       `json:"username,omitempty"`
	State        AccountState `json:"state"`
	CreatedAt    time.Time    `json:"created_at,omitempty"`
	LastActivity time.Time    `json:"last_activity,omitempty"`
}

// AuthResult is the outcome of one auth flow step. AttemptID addresses the
// pending attempt while the flow is still in progress; Account is set once
// the flow reaches the active state.
type AuthResult struct {
	AttemptID string       `json:"attempt_id,omitempty"`
	Phone     string       `json:"phone_number"`
	State     AccountState `json:"state"`
	Account   *Account     `json:"account,omitempty"`
}

// Identity describes the Telegram user behind an authenticated session.
type Identity struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone_number,omitempty"`
}

// Contact is a single contact search result.
type Contact struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone_number,omitempty"`
	Link      string `json:"link"`
}

// ProfileLink returns the t.me profile link for the contact, falling back
// to the tg:// user deep link when there is no public username.
func (c Contact) ProfileLink() string {
	if c.Username != "" {
		return "https://t.me/" + c.Username
	}
	return fmt.Sprintf("tg://user?id=%d", c.UserID)
}

// ChatType classifies a chat search result.
type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
	ChatTypeChannel ChatType = "channel"
)

// Chat is a single chat search result with the messages that matched.
type Chat struct {
	ID               int64     `json:"chat_id"`
	Title            string    `json:"title,omitempty"`
	Type             ChatType  `json:"type"`
	Username         string    `json:"username,omitempty"`
	MembersCount     int       `json:"members_count,omitempty"`
	LastMessageDate  time.Time `json:"last_message_date,omitempty"`
	MatchingMessages []Message `json:"matching_messages"`
	Link             string    `json:"link"`
}

// ChatLink returns a link to the chat itself. Public chats link through
// their username; channels without one use the t.me/c/ form, private chats
// and basic groups fall back to tg:// deep links.
func (c Chat) ChatLink() string {
	if c.Username != "" {
		return "https://t.me/" + c.Username
	}
	switch c.Type {
	case ChatTypeChannel:
		return fmt.Sprintf("https://t.me/c/%d", abs64(c.ID))
	case ChatTypePrivate:
		return fmt.Sprintf("tg://user?id=%d", c.ID)
	default:
		return fmt.Sprintf("tg://chat?id=%d", c.ID)
	}
}

// MessageLink returns a link to one message inside the chat, or "" when the
// chat cannot be linked to.
func (c Chat) MessageLink(messageID int) string {
	if c.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", c.Username, messageID)
	}
	if c.ID == 0 {
		return ""
	}
	if c.Type == ChatTypeChannel {
		return fmt.Sprintf("https://t.me/c/%d/%d", abs64(c.ID), messageID)
	}
	return fmt.Sprintf("tg://openmessage?chat_id=%d&message_id=%d", c.ID, messageID)
}

// Message is a matched message inside a chat search result.
type Message struct {
	ID         int       `json:"message_id"`
	Text       string    `json:"text,omitempty"`
	Date       time.Time `json:"date,omitempty"`
	FromUserID int64     `json:"from_user,omitempty"`
	Link       string    `json:"link,omitempty"`
}

// ForwardRequest describes one batched forward operation. Message ids and
// message links supplement each other; they are merged into a single
// ordered, de-duplicated id list before anything hits the wire.
type ForwardRequest struct {
	SourcePhone     string   `json:"source_phone"`
	SourceChat      string   `json:"source_chat,omitempty"`
	DestinationChat string   `json:"destination_chat"`
	MessageIDs      []int    `json:"message_ids,omitempty"`
	MessageLinks    []string `json:"message_links,omitempty"`

	RemoveSenderInfo       bool `json:"remove_sender_info,omitempty"`
	RemoveCaptions         bool `json:"remove_captions,omitempty"`
	PreventFurtherForwards bool `json:"prevent_further_forwards,omitempty"`
	Silent                 bool `json:"silent,omitempty"`
}

// ForwardReport is the partial-result outcome of a forward operation.
// SucceededIDs preserves the submission order of the merged id list.
type ForwardReport struct {
	SucceededIDs []int          `json:"succeeded_ids"`
	FailedIDs    map[int]string `json:"failed_ids,omitempty"`
	// ForwardedMessageIDs maps each succeeded source id to the id the
	// message received in the destination chat, when the service reported
	// one.
	ForwardedMessageIDs map[int]int `json:"forwarded_message_ids,omitempty"`
}

// SearchChatFilter narrows chat search results. The zero value matches
// everything. Date bounds are inclusive; a zero time means unbounded.
type SearchChatFilter struct {
	Type    ChatType
	MinDate time.Time
	MaxDate time.Time
}

// Matches reports whether a chat with the given type and last-message date
// passes the filter.
func (f SearchChatFilter) Matches(t ChatType, date time.Time) bool {
	if f.Type != "" && f.Type != t {
		return false
	}
	if !f.MinDate.IsZero() && date.Before(f.MinDate) {
		return false
	}
	if !f.MaxDate.IsZero() && date.After(f.MaxDate) {
		return false
	}
	return true
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

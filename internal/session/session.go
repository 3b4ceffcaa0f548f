// Package session keeps chat histories and the id of the session the user
// is currently in, persisted through the key-value store.
package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/kalambet/studymate/internal/llm"
)

const (
	SessionsKey = "chat-sessions"
	CurrentKey  = "current-session"

	WelcomeMessageID = "assistant-welcome"
	WelcomeMessage   = "Xin chào! Mình là AI Learning Assistant. Hãy đặt câu hỏi về việc học hoặc yêu cầu nhắc lịch học nhé."
	// FallbackMessage is stored as the assistant reply when the relay fails.
	FallbackMessage = "Mình gặp lỗi khi kết nối tới máy chủ. Vui lòng thử lại sau nhé!"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrNoCurrent = errors.New("no current session")
	ErrPersist   = errors.New("persisting sessions")
)

// Attachment is an image the user sent with a message.
type Attachment struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Name string `json:"name"`
}

// Message is one turn in a session.
type Message struct {
	ID          string
	Role        llm.Role
	Content     string
	CreatedAt   time.Time
	Attachments []Attachment
}

type messageJSON struct {
	ID          string       `json:"id"`
	Role        llm.Role     `json:"role"`
	Content     string       `json:"content"`
	CreatedAt   int64        `json:"createdAt"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:          m.ID,
		Role:        m.Role,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.UnixMilli(),
		Attachments: m.Attachments,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:          w.ID,
		Role:        w.Role,
		Content:     w.Content,
		CreatedAt:   time.UnixMilli(w.CreatedAt),
		Attachments: w.Attachments,
	}
	return nil
}

// Session is a titled conversation.
type Session struct {
	ID        string
	Title     string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

type sessionJSON struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

func (s Session) MarshalJSON() ([]byte, error) {
	msgs := s.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(sessionJSON{
		ID:        s.ID,
		Title:     s.Title,
		Messages:  msgs,
		CreatedAt: s.CreatedAt.UnixMilli(),
		UpdatedAt: s.UpdatedAt.UnixMilli(),
	})
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var w sessionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Session{
		ID:        w.ID,
		Title:     w.Title,
		Messages:  w.Messages,
		CreatedAt: time.UnixMilli(w.CreatedAt),
		UpdatedAt: time.UnixMilli(w.UpdatedAt),
	}
	return nil
}

// History converts the session's messages to provider messages.
func (s Session) History() []llm.Message {
	out := make([]llm.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

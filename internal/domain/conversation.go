package domain

import "time"

type ConversationStatus string

const (
	ConversationIdle    ConversationStatus = "IDLE"
	ConversationRunning ConversationStatus = "RUNNING"
	ConversationDone    ConversationStatus = "DONE"
	ConversationError   ConversationStatus = "ERROR"
)

// ConversationState tracks one cascade served without a language server.
type ConversationState struct {
	CascadeID    string
	TrajectoryID string
	AccountID    AccountID
	Status       ConversationStatus
	Prompt       string
	Thinking     string
	Reply        string
	Error        string
	ErrorCode    *int64
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

func (c *ConversationState) Begin(prompt string, now time.Time) {
	c.Status = ConversationRunning
	c.Prompt = prompt
	c.Thinking = "Thinking"
	c.Reply = ""
	c.Error = ""
	c.ErrorCode = nil
	c.StartedAt = now
	c.FinishedAt = time.Time{}
}

func (c *ConversationState) Complete(reply string, now time.Time) {
	c.Status = ConversationDone
	c.Reply = reply
	c.FinishedAt = now
}

func (c *ConversationState) Fail(message string, code *int64, now time.Time) {
	c.Status = ConversationError
	c.Error = message
	c.ErrorCode = code
	c.FinishedAt = now
}

func (c ConversationState) ThinkingDuration() time.Duration {
	if c.StartedAt.IsZero() || c.FinishedAt.IsZero() {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

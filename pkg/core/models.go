package core

import (
	"time"
)

// Depth controls how much the research provider gathers.
type Depth string

const (
	DepthQuick  Depth = "quick"
	DepthMedium Depth = "medium"
	DepthDeep   Depth = "deep"
)

// Valid reports whether d is a known depth.
func (d Depth) Valid() bool {
	switch d {
	case DepthQuick, DepthMedium, DepthDeep:
		return true
	}
	return false
}

// ClarifyMode decides when a job stops to ask the user a question.
type ClarifyMode string

const (
	ClarifyNever ClarifyMode = "never"
	ClarifyAuto  ClarifyMode = "auto" // Ask when the understanding provider requests it

	// ClarifyAlways asks even when the provider reports that no clarification
	// is needed, overriding an understanding with NeedsClarification false.
	ClarifyAlways ClarifyMode = "always"
)

// AutomationConfig is the per-category policy a job runs under.
// Jobs carry a snapshot; the pipeline never writes it back.
type AutomationConfig struct {
	CategoryID  string      `json:"category_id" gorm:"primaryKey;size:255"`
	Model       string      `json:"model,omitempty" gorm:"size:255"`
	Depth       Depth       `json:"depth" gorm:"size:16;default:'medium'"`
	ClarifyMode ClarifyMode `json:"clarify_mode" gorm:"size:16;default:'auto'"`
	Notify      bool        `json:"notify"`
	MaxSources  int         `json:"max_sources" gorm:"default:10"`
	Disabled    bool        `json:"disabled,omitempty"`
}

// Task is the user's item a research job is started for.
type Task struct {
	ID          string    `gorm:"primaryKey;size:255"`
	UserID      string    `gorm:"index;size:255;not null"`
	CategoryID  string    `gorm:"index;size:255"`
	Name        string    `gorm:"size:1024;not null"`
	Description string    `gorm:"type:text"`
	NoteID      string    `gorm:"size:255"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// Understanding is the interpretation of a task produced by the understanding provider.
type Understanding struct {
	InterpretedTopic      string   `json:"interpreted_topic"`
	SearchQueries         []string `json:"search_queries"`
	NeedsClarification    bool     `json:"needs_clarification"`
	ClarificationQuestion string   `json:"clarification_question,omitempty"`
	SuggestedFocusAreas   []string `json:"suggested_focus_areas"`
	Confidence            float64  `json:"confidence"`
}

// SearchResult is one source document returned by the research provider.
type SearchResult struct {
	Title         string     `json:"title"`
	URL           string     `json:"url"`
	Content       string     `json:"content"`
	PublishedDate *time.Time `json:"published_date,omitempty"`
	Author        string     `json:"author,omitempty"`
	Score         float64    `json:"score,omitempty"`
}

// ResearchData is the aggregated output of the research provider.
type ResearchData struct {
	Queries      []string       `json:"queries"`
	Results      []SearchResult `json:"results"`
	TotalSources int            `json:"total_sources"`
	SearchedAt   time.Time      `json:"searched_at"`
}

// URLs returns the result URLs in order.
func (d *ResearchData) URLs() []string {
	if d == nil {
		return nil
	}
	urls := make([]string, 0, len(d.Results))
	for _, r := range d.Results {
		urls = append(urls, r.URL)
	}
	return urls
}

// NoteSection is a headed block of a synthesized note.
type NoteSection struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// SynthesizedNote is what the synthesis provider returns.
type SynthesizedNote struct {
	Title    string        `json:"title"`
	Content  string        `json:"content"`
	Sources  []string      `json:"sources"`
	Sections []NoteSection `json:"sections"`
}

// Note is a persisted, generated note.
type Note struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"index;size:255"`
	TaskID    string    `gorm:"index;size:255"`
	JobID     string    `gorm:"index;size:36"`
	Title     string    `gorm:"size:1024"`
	Content   string    `gorm:"type:text"`
	BodyRef   string    `gorm:"size:512"` // External body location, empty when Content holds the body
	Sources   []string  `gorm:"serializer:json"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// ConversationState is the per-channel clarification state.
type ConversationState string

const (
	ConversationIdle     ConversationState = "idle"
	ConversationAwaiting ConversationState = "awaiting_clarification"
)

// Conversation tracks the one open clarification a channel may have.
type Conversation struct {
	ChannelID    string            `gorm:"primaryKey;size:255"`
	State        ConversationState `gorm:"index;size:32;default:'idle'"`
	JobID        string            `gorm:"index;size:36"`
	Question     string            `gorm:"type:text"`
	Choices      []string          `gorm:"serializer:json"`
	AwaitingText bool              // Set after the "custom" button; the next text message is the answer
	ExpiresAt    *time.Time        `gorm:"index"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime"`
}

// Awaiting reports whether the channel has an open question.
func (c *Conversation) Awaiting() bool {
	return c != nil && c.State == ConversationAwaiting && c.JobID != ""
}

// QuotaRecord holds a user's daily job counter.
// Day is the calendar day (YYYY-MM-DD) JobsToday refers to; a stale Day means zero.
type QuotaRecord struct {
	UserID        string    `gorm:"primaryKey;size:255"`
	Day           string    `gorm:"size:10;not null"`
	JobsToday     int       `gorm:"not null;default:0"`
	MaxJobsPerDay int       `gorm:"not null"`
	LifetimeJobs  int64     `gorm:"not null;default:0"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
	CampaignCancelled = "cancelled"
)

// Campaign types
const (
	CampaignTypeBulk     = "bulk"
	CampaignTypeTemplate = "template"
	CampaignTypePersonal = "personal"
)

// Recipient statuses
const (
	RecipientPending   = "pending"
	RecipientSent      = "sent"
	RecipientDelivered = "delivered"
	RecipientRead      = "read"
	RecipientFailed    = "failed"
)

// Campaign represents a WhatsApp campaign
type Campaign struct {
	gorm.Model
	UserID     uint `gorm:"not null;index" json:"user_id"`
	CategoryID uint `gorm:"not null;index" json:"category_id"`

	// Campaign details
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Type        string `gorm:"default:'bulk'" json:"type"` // bulk, template, personal

	// Message content: either a template reference or free text with
	// optional media
	Body             string          `json:"body"`
	MediaURL         string          `json:"media_url"`
	MediaType        string          `json:"media_type"` // image, video, document, audio
	TemplateName     string          `json:"template_name"`
	TemplateLanguage string          `gorm:"default:'en'" json:"template_language"`
	Buttons          []MessageButton `gorm:"type:jsonb;serializer:json" json:"buttons,omitempty"`

	// Dispatch settings
	BatchSize       int  `gorm:"default:50" json:"batch_size"`
	IntervalMinutes int  `gorm:"default:0" json:"interval_minutes"`
	MaxRetries      int  `gorm:"default:1" json:"max_retries"`
	StopOnError     bool `gorm:"default:false" json:"stop_on_error"`
	JitterEnabled   bool `gorm:"default:false" json:"jitter_enabled"`
	SpintaxEnabled  bool `gorm:"default:false" json:"spintax_enabled"`

	// Scheduling
	Status      string     `gorm:"default:'draft';index" json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Resume cursor: recipients below this position are already handled
	LastProcessedIndex int `gorm:"default:0" json:"last_processed_index"`

	// Statistics (denormalized for performance)
	TotalRecipients int `gorm:"default:0" json:"total_recipients"`
	SentCount       int `gorm:"default:0" json:"sent_count"`
	DeliveredCount  int `gorm:"default:0" json:"delivered_count"`
	ReadCount       int `gorm:"default:0" json:"read_count"`
	FailedCount     int `gorm:"default:0" json:"failed_count"`

	LastError string `json:"last_error,omitempty"`

	// Relations
	Recipients []Recipient     `gorm:"foreignKey:CampaignID" json:"recipients,omitempty"`
	Credit     *CampaignCredit `gorm:"foreignKey:CampaignID" json:"credit,omitempty"`
}

// MessageButton is an interactive button attached to a message
type MessageButton struct {
	Type  string `json:"type"` // quick_reply, url, call
	Title string `json:"title"`
	Value string `json:"value,omitempty"`
}

// HasMedia reports whether the campaign message carries non-text media
func (c *Campaign) HasMedia() bool {
	return c.MediaURL != ""
}

// HasButtons reports whether the campaign message carries interactive buttons
func (c *Campaign) HasButtons() bool {
	return len(c.Buttons) > 0
}

// IsTemplate reports whether the campaign sends an approved template
func (c *Campaign) IsTemplate() bool {
	return c.TemplateName != ""
}

// Recipient is a single campaign target. Position fixes the dispatch
// order at creation time and is the resume key; rows are mutated in
// place by the dispatcher but never reordered.
type Recipient struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index:idx_recipient_campaign_position" json:"campaign_id"`
	Position   int  `gorm:"not null;index:idx_recipient_campaign_position" json:"position"`

	PhoneNumber string            `gorm:"not null" json:"phone_number"`
	Status      string            `gorm:"default:'pending';index" json:"status"`
	Variables   map[string]string `gorm:"type:jsonb;serializer:json" json:"variables,omitempty"`

	// Provider metadata
	ExternalMessageID string     `gorm:"index" json:"external_message_id,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`

	RetryCount int `gorm:"default:0" json:"retry_count"`

	// Relations
	Campaign Campaign `json:"-"`
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Duration policies attached to credit grants
const (
	DurationUnlimited    = "unlimited"
	DurationDaily        = "daily"
	DurationWeekly       = "weekly"
	DurationMonthly      = "monthly"
	DurationYearly       = "yearly"
	DurationCustom       = "custom"
	DurationSpecificDate = "specific_date"
)

// Credit transaction kinds
const (
	TransactionCredit   = "credit"
	TransactionDebit    = "debit"
	TransactionTransfer = "transfer"
	TransactionBonus    = "bonus"
	TransactionRefund   = "refund"
	TransactionExpiry   = "expiry"
)

// CreditCategory is a billing bucket (e.g. marketing, utility) with its
// own pricing. Each user holds one balance per category.
type CreditCategory struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name"`
	Description string `json:"description"`

	// Pricing in credits per message
	CreditCost            int `gorm:"default:1" json:"credit_cost"`
	MediaCreditCost       int `gorm:"default:0" json:"media_credit_cost"`
	InteractiveCreditCost int `gorm:"default:0" json:"interactive_credit_cost"`

	// Purchase price of one credit, in USD cents
	UnitPriceCents int64 `gorm:"default:1" json:"unit_price_cents"`

	// Campaign-type multipliers applied to the base cost
	BulkMultiplier     float64 `gorm:"default:1" json:"bulk_multiplier"`
	TemplateMultiplier float64 `gorm:"default:1" json:"template_multiplier"`
	PersonalMultiplier float64 `gorm:"default:1" json:"personal_multiplier"`

	IsActive bool `gorm:"default:true" json:"is_active"`
}

// MultiplierFor returns the multiplier for a campaign type
func (c *CreditCategory) MultiplierFor(campaignType string) float64 {
	switch campaignType {
	case CampaignTypeTemplate:
		return c.TemplateMultiplier
	case CampaignTypePersonal:
		return c.PersonalMultiplier
	default:
		return c.BulkMultiplier
	}
}

// CreditBalance is the per-(user, category) balance. A balance is never
// hard-deleted: expiry zeroes the amount so the transaction history stays
// attached.
type CreditBalance struct {
	gorm.Model
	UserID     uint `gorm:"not null;uniqueIndex:idx_balance_owner_category" json:"user_id"`
	CategoryID uint `gorm:"not null;uniqueIndex:idx_balance_owner_category" json:"category_id"`

	Amount      int64 `gorm:"not null;default:0" json:"amount"`
	IsUnlimited bool  `gorm:"default:false" json:"is_unlimited"`

	// Expiry metadata; ExpiresAt is null iff DurationPolicy is unlimited
	DurationPolicy string     `gorm:"default:'unlimited'" json:"duration_policy"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`

	// Relations
	User     User           `json:"-"`
	Category CreditCategory `json:"category,omitempty"`
}

// Expired reports whether the balance is logically zero because its
// expiry has passed, even before the sweep runs.
func (b *CreditBalance) Expired(now time.Time) bool {
	return b.DurationPolicy != DurationUnlimited && b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}

// Available returns the spendable amount at the given instant
func (b *CreditBalance) Available(now time.Time) int64 {
	if b.Expired(now) {
		return 0
	}
	return b.Amount
}

// CreditTransaction is the append-only audit record for every balance
// mutation. Amount is always positive; Kind plus From/To determine the
// direction. Rows are never updated or deleted.
type CreditTransaction struct {
	gorm.Model
	FromUserID *uint `gorm:"index" json:"from_user_id,omitempty"`
	ToUserID   *uint `gorm:"index" json:"to_user_id,omitempty"`
	CategoryID uint  `gorm:"not null;index" json:"category_id"`

	Kind        string `gorm:"not null;index" json:"kind"` // credit, debit, transfer, bonus, refund, expiry
	Amount      int64  `gorm:"not null" json:"amount"`
	Description string `json:"description"`

	CampaignID  *uint  `gorm:"index" json:"campaign_id,omitempty"`
	ReferenceID string `gorm:"index" json:"reference_id"` // uuid, idempotency handle for retried writes

	// Refund metadata
	FailedMessageCount int `gorm:"default:0" json:"failed_message_count,omitempty"`
	TotalMessageCount  int `gorm:"default:0" json:"total_message_count,omitempty"`
	RefundPercentage   int `gorm:"default:0" json:"refund_percentage,omitempty"`

	// Relations
	Category CreditCategory `json:"-"`
}

// CampaignCredit associates a campaign with the credits reserved for it
// and carries the refund policy consumed by the refund calculation.
type CampaignCredit struct {
	gorm.Model
	UserID     uint `gorm:"not null;index" json:"user_id"`
	CampaignID uint `gorm:"not null;uniqueIndex" json:"campaign_id"`
	CategoryID uint `gorm:"not null" json:"category_id"`

	ReservedAmount int64 `gorm:"default:0" json:"reserved_amount"`

	// Refund policy
	RefundEnabled    bool `gorm:"default:false" json:"refund_enabled"`
	RefundPercentage int  `gorm:"default:0" json:"refund_percentage"` // 0-100
	RefundThreshold  int  `gorm:"default:0" json:"refund_threshold"`  // min failed messages to trigger

	// Relations
	User     User     `json:"-"`
	Campaign Campaign `json:"-"`
}

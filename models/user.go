package models

import (
	"time"

	"gorm.io/gorm"
)

// Role hierarchy for credit transfers
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleReseller   = "reseller"
	RoleUser       = "user"
)

// User represents an account in the system
type User struct {
	gorm.Model

	// Authentication fields
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Company  *string `json:"company,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status and role
	IsActive     bool   `gorm:"default:true" json:"is_active"`
	Role         string `gorm:"default:'user';index" json:"role"` // super_admin, admin, reseller, user
	TokenVersion int    `gorm:"default:0" json:"-"`

	// WhatsApp Business API credentials
	WabaPhoneNumberID *string `json:"waba_phone_number_id,omitempty"`
	WabaAccessToken   *string `json:"-"`

	// Stripe integration
	StripeCustomerID *string `gorm:"index" json:"stripe_customer_id,omitempty"`
	DefaultCurrency  string  `gorm:"default:'usd'" json:"default_currency"`

	// Relations
	Campaigns []Campaign      `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
	Balances  []CreditBalance `gorm:"foreignKey:UserID" json:"balances,omitempty"`
}

// IsUnlimitedTier reports whether the user's role bypasses balance checks
func (u *User) IsUnlimitedTier() bool {
	return u.Role == RoleSuperAdmin
}

// RefreshToken stores issued refresh tokens so they can be revoked
type RefreshToken struct {
	gorm.Model
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Token     string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	Revoked   bool      `gorm:"default:false" json:"revoked"`

	User User `json:"-"`
}

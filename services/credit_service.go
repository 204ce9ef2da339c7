package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"waflow/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CreditService orchestrates transfers, debits, refunds and expiry
// sweeps on top of the ledger and the transfer policy. Every mutation
// pairs exactly one balance change with one immutable transaction
// record, or leaves nothing changed.
type CreditService struct {
	DB     *gorm.DB
	Ledger *CreditLedger
}

func NewCreditService(db *gorm.DB) *CreditService {
	return &CreditService{
		DB:     db,
		Ledger: NewCreditLedger(db),
	}
}

func (s *CreditService) loadUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOwnerNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *CreditService) loadCategory(ctx context.Context, categoryID uint) (*models.CreditCategory, error) {
	var category models.CreditCategory
	if err := s.DB.WithContext(ctx).First(&category, categoryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCategoryNotFound
		}
		return nil, err
	}
	return &category, nil
}

// ComputeExpiry resolves a duration policy into an absolute expiry
// relative to now. Custom policies require a caller-supplied date.
func ComputeExpiry(policy string, custom *time.Time, now time.Time) (*time.Time, error) {
	switch policy {
	case models.DurationUnlimited, "":
		return nil, nil
	case models.DurationDaily:
		t := now.AddDate(0, 0, 1)
		return &t, nil
	case models.DurationWeekly:
		t := now.AddDate(0, 0, 7)
		return &t, nil
	case models.DurationMonthly:
		t := now.AddDate(0, 1, 0)
		return &t, nil
	case models.DurationYearly:
		t := now.AddDate(1, 0, 0)
		return &t, nil
	case models.DurationCustom, models.DurationSpecificDate:
		if custom == nil {
			return nil, fmt.Errorf("duration policy %q requires an expiry date", policy)
		}
		return custom, nil
	default:
		return nil, fmt.Errorf("unknown duration policy %q", policy)
	}
}

// Transfer moves credits from one owner to another subject to the role
// hierarchy. A top-tier source is never debited; the destination is
// always credited and its duration metadata re-applied.
func (s *CreditService) Transfer(ctx context.Context, fromUserID, toUserID, categoryID uint, amount int64, durationPolicy string, customExpiry *time.Time) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	fromUser, err := s.loadUser(ctx, fromUserID)
	if err != nil {
		return nil, err
	}
	toUser, err := s.loadUser(ctx, toUserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadCategory(ctx, categoryID); err != nil {
		return nil, err
	}

	if !CanTransfer(fromUser.Role, toUser.Role) {
		return nil, ErrTransferNotAllowed
	}

	now := time.Now()
	expiresAt, err := ComputeExpiry(durationPolicy, customExpiry, now)
	if err != nil {
		return nil, err
	}

	record := models.CreditTransaction{
		FromUserID:  &fromUser.ID,
		ToUserID:    &toUser.ID,
		CategoryID:  categoryID,
		Kind:        models.TransactionTransfer,
		Amount:      amount,
		Description: fmt.Sprintf("transfer from %s to %s", fromUser.Email, toUser.Email),
		ReferenceID: uuid.New().String(),
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !fromUser.IsUnlimitedTier() {
			balance, err := s.Ledger.GetBalance(ctx, fromUserID, categoryID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrInsufficientCredit
				}
				return err
			}
			if !balance.IsUnlimited && balance.Available(now) < amount {
				return ErrInsufficientCredit
			}
			if _, err := s.Ledger.Adjust(tx, fromUserID, categoryID, -amount); err != nil {
				return err
			}
		}

		if _, err := s.Ledger.Adjust(tx, toUserID, categoryID, amount); err != nil {
			return err
		}
		if durationPolicy != "" {
			policy := durationPolicy
			if err := s.Ledger.SetDuration(tx, toUserID, categoryID, policy, expiresAt); err != nil {
				return err
			}
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"from_user_id": fromUserID,
		"to_user_id":   toUserID,
		"category_id":  categoryID,
		"amount":       amount,
	}).Info("credit transfer completed")

	return &record, nil
}

// Debit charges credits against an owner's balance, optionally tying the
// charge to a campaign. The top-tier unlimited role short-circuits to a
// logged no-mutation success.
func (s *CreditService) Debit(ctx context.Context, userID, categoryID uint, amount int64, campaignID *uint) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadCategory(ctx, categoryID); err != nil {
		return nil, err
	}

	record := models.CreditTransaction{
		FromUserID:  &user.ID,
		CategoryID:  categoryID,
		Kind:        models.TransactionDebit,
		Amount:      amount,
		CampaignID:  campaignID,
		ReferenceID: uuid.New().String(),
	}

	if user.IsUnlimitedTier() {
		record.Description = "debit skipped: unlimited tier"
		if err := s.DB.WithContext(ctx).Create(&record).Error; err != nil {
			return nil, err
		}
		return &record, nil
	}

	now := time.Now()
	record.Description = "campaign credit debit"

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.Ledger.GetBalance(ctx, userID, categoryID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInsufficientCredit
			}
			return err
		}
		if !balance.IsUnlimited && balance.Available(now) < amount {
			return ErrInsufficientCredit
		}
		if _, err := s.Ledger.Adjust(tx, userID, categoryID, -amount); err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     userID,
		"category_id": categoryID,
		"amount":      amount,
	}).Info("credits debited")

	return &record, nil
}

// Grant credits an owner directly (purchases, admin top-ups, bonuses)
// with optional duration metadata.
func (s *CreditService) Grant(ctx context.Context, toUserID, categoryID uint, amount int64, kind, description, durationPolicy string, customExpiry *time.Time) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if kind != models.TransactionCredit && kind != models.TransactionBonus {
		return nil, fmt.Errorf("invalid grant kind %q", kind)
	}

	if _, err := s.loadUser(ctx, toUserID); err != nil {
		return nil, err
	}
	if _, err := s.loadCategory(ctx, categoryID); err != nil {
		return nil, err
	}

	expiresAt, err := ComputeExpiry(durationPolicy, customExpiry, time.Now())
	if err != nil {
		return nil, err
	}

	record := models.CreditTransaction{
		ToUserID:    &toUserID,
		CategoryID:  categoryID,
		Kind:        kind,
		Amount:      amount,
		Description: description,
		ReferenceID: uuid.New().String(),
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.Ledger.Adjust(tx, toUserID, categoryID, amount); err != nil {
			return err
		}
		if durationPolicy != "" {
			if err := s.Ledger.SetDuration(tx, toUserID, categoryID, durationPolicy, expiresAt); err != nil {
				return err
			}
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Refund credits back a share of a campaign's failed sends per the
// stored refund policy. Returns ErrNoRefund when the policy is disabled,
// the failure count is below the threshold, or the computed amount is
// zero.
//
// NOTE: the formula applies refundPercentage as a raw multiplier rather
// than a percentage (no division by 100). This matches the billing
// behavior the system shipped with; changing it is a stakeholder
// decision, not a code fix.
func (s *CreditService) Refund(ctx context.Context, userID, categoryID uint, failedCount, totalCount int, campaignID uint) (*models.CreditTransaction, error) {
	var assoc models.CampaignCredit
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND campaign_id = ?", userID, campaignID).
		First(&assoc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoRefund
		}
		return nil, err
	}

	if !assoc.RefundEnabled || failedCount < assoc.RefundThreshold || totalCount <= 0 {
		return nil, ErrNoRefund
	}

	refundAmount := int64(math.Floor(float64(failedCount) / float64(totalCount) * float64(assoc.RefundPercentage)))
	if refundAmount <= 0 {
		return nil, ErrNoRefund
	}

	record := models.CreditTransaction{
		ToUserID:           &userID,
		CategoryID:         categoryID,
		Kind:               models.TransactionRefund,
		Amount:             refundAmount,
		CampaignID:         &campaignID,
		Description:        fmt.Sprintf("refund for %d failed of %d messages", failedCount, totalCount),
		ReferenceID:        uuid.New().String(),
		FailedMessageCount: failedCount,
		TotalMessageCount:  totalCount,
		RefundPercentage:   assoc.RefundPercentage,
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.Ledger.Adjust(tx, userID, categoryID, refundAmount); err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     userID,
		"campaign_id": campaignID,
		"amount":      refundAmount,
	}).Info("campaign refund credited")

	return &record, nil
}

// UpdateRefundPolicy replaces the stored refund policy for a campaign,
// creating the association when missing.
func (s *CreditService) UpdateRefundPolicy(ctx context.Context, userID, campaignID uint, enabled bool, percentage, threshold int) (*models.CampaignCredit, error) {
	if percentage < 0 || percentage > 100 {
		return nil, fmt.Errorf("refund percentage must be within [0,100], got %d", percentage)
	}
	if threshold < 0 {
		return nil, fmt.Errorf("refund threshold must be non-negative, got %d", threshold)
	}

	var assoc models.CampaignCredit
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND campaign_id = ?", userID, campaignID).
		First(&assoc).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		var campaign models.Campaign
		if err := s.DB.WithContext(ctx).First(&campaign, campaignID).Error; err != nil {
			return nil, err
		}
		assoc = models.CampaignCredit{
			UserID:     userID,
			CampaignID: campaignID,
			CategoryID: campaign.CategoryID,
		}
	}

	assoc.RefundEnabled = enabled
	assoc.RefundPercentage = percentage
	assoc.RefundThreshold = threshold
	if err := s.DB.WithContext(ctx).Save(&assoc).Error; err != nil {
		return nil, err
	}
	return &assoc, nil
}

// SweepExpiry zeroes all expired balances; see CreditLedger.SweepExpired.
func (s *CreditService) SweepExpiry(ctx context.Context, now time.Time) (int, error) {
	return s.Ledger.SweepExpired(ctx, now)
}

// RequiredCredits computes the per-message credit cost of a campaign.
// Multipliers are applied in floating point and the sum truncated once
// at the end, so per-term rounding cannot compound.
func RequiredCredits(campaign *models.Campaign, category *models.CreditCategory) int64 {
	total := float64(category.CreditCost) * category.MultiplierFor(campaign.Type)
	if campaign.HasMedia() {
		total += float64(category.MediaCreditCost)
	}
	if campaign.HasButtons() {
		total += float64(category.InteractiveCreditCost)
	}
	if total < 0 {
		return 0
	}
	return int64(total)
}

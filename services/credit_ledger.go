package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"waflow/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreditLedger is the per-(user, category) balance store. Adjust and
// SetDuration run against the *gorm.DB handed in by the caller so the
// accounting service can pair a balance change with its transaction
// record inside one database transaction.
type CreditLedger struct {
	DB *gorm.DB
}

func NewCreditLedger(db *gorm.DB) *CreditLedger {
	return &CreditLedger{DB: db}
}

// GetBalance fetches the balance for a (user, category) pair
func (l *CreditLedger) GetBalance(ctx context.Context, userID, categoryID uint) (*models.CreditBalance, error) {
	var balance models.CreditBalance
	err := l.DB.WithContext(ctx).
		Where("user_id = ? AND category_id = ?", userID, categoryID).
		First(&balance).Error
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// Adjust atomically applies amount += delta. The guard rejects any
// update that would leave a limited balance negative, so concurrent
// adjustments can never expose amount < 0. A missing balance is created
// lazily when delta > 0.
func (l *CreditLedger) Adjust(tx *gorm.DB, userID, categoryID uint, delta int64) (*models.CreditBalance, error) {
	now := time.Now()

	res := tx.Model(&models.CreditBalance{}).
		Where("user_id = ? AND category_id = ?", userID, categoryID).
		Where("is_unlimited OR amount + ? >= 0", delta).
		Updates(map[string]interface{}{
			"amount":       gorm.Expr("amount + ?", delta),
			"last_used_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		var existing models.CreditBalance
		err := tx.Where("user_id = ? AND category_id = ?", userID, categoryID).First(&existing).Error
		if err == nil {
			// Balance exists but the guard refused the update
			return nil, ErrInsufficientCredit
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if delta <= 0 {
			return nil, ErrInsufficientCredit
		}

		balance := models.CreditBalance{
			UserID:         userID,
			CategoryID:     categoryID,
			Amount:         delta,
			DurationPolicy: models.DurationUnlimited,
			LastUsedAt:     &now,
		}
		if err := tx.Create(&balance).Error; err != nil {
			// Lost a create race: fall back to the guarded update
			retry := tx.Model(&models.CreditBalance{}).
				Where("user_id = ? AND category_id = ?", userID, categoryID).
				Where("is_unlimited OR amount + ? >= 0", delta).
				Updates(map[string]interface{}{
					"amount":       gorm.Expr("amount + ?", delta),
					"last_used_at": now,
				})
			if retry.Error != nil {
				return nil, retry.Error
			}
			if retry.RowsAffected == 0 {
				return nil, ErrInsufficientCredit
			}
		}
	}

	var updated models.CreditBalance
	if err := tx.Where("user_id = ? AND category_id = ?", userID, categoryID).First(&updated).Error; err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetDuration overwrites the duration metadata on a balance, creating a
// zero balance if none exists yet.
func (l *CreditLedger) SetDuration(tx *gorm.DB, userID, categoryID uint, policy string, expiresAt *time.Time) error {
	res := tx.Model(&models.CreditBalance{}).
		Where("user_id = ? AND category_id = ?", userID, categoryID).
		Updates(map[string]interface{}{
			"duration_policy": policy,
			"expires_at":      expiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		balance := models.CreditBalance{
			UserID:         userID,
			CategoryID:     categoryID,
			DurationPolicy: policy,
			ExpiresAt:      expiresAt,
		}
		return tx.Create(&balance).Error
	}
	return nil
}

// SweepExpired zeroes every non-unlimited balance whose expiry has
// passed, resets its duration to unlimited, and writes one expiry
// transaction carrying the pre-zero amount. Running it again against an
// already-zeroed balance is a no-op.
func (l *CreditLedger) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var expired []models.CreditBalance
	err := l.DB.WithContext(ctx).
		Where("duration_policy <> ?", models.DurationUnlimited).
		Where("is_unlimited = ?", false).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Where("amount > 0").
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range expired {
		balance := expired[i]
		err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Guard on the observed amount so a concurrent spend of the
			// same balance skips this row instead of logging a stale total
			res := tx.Model(&models.CreditBalance{}).
				Where("id = ? AND amount = ?", balance.ID, balance.Amount).
				Updates(map[string]interface{}{
					"amount":          0,
					"duration_policy": models.DurationUnlimited,
					"expires_at":      nil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}

			record := models.CreditTransaction{
				FromUserID:  &balance.UserID,
				CategoryID:  balance.CategoryID,
				Kind:        models.TransactionExpiry,
				Amount:      balance.Amount,
				Description: fmt.Sprintf("credits expired under %s policy", balance.DurationPolicy),
				ReferenceID: uuid.New().String(),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			swept++
			return nil
		})
		if err != nil {
			return swept, err
		}
	}
	return swept, nil
}

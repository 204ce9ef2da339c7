package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"waflow/models"
)

func TestAdjustCreatesBalanceLazily(t *testing.T) {
	db := newTestDB(t)
	ledger := NewCreditLedger(db)
	user := createUser(t, db, "lazy@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")

	balance, err := ledger.Adjust(db, user.ID, category.ID, 100)
	if err != nil {
		t.Fatalf("Adjust() error: %v", err)
	}
	if balance.Amount != 100 {
		t.Errorf("Amount = %d, want 100", balance.Amount)
	}
	if balance.DurationPolicy != models.DurationUnlimited {
		t.Errorf("DurationPolicy = %q, want unlimited", balance.DurationPolicy)
	}
}

func TestAdjustRejectsNegativeResult(t *testing.T) {
	db := newTestDB(t)
	ledger := NewCreditLedger(db)
	user := createUser(t, db, "poor@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)

	_, err := ledger.Adjust(db, user.ID, category.ID, -11)
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("Adjust() error = %v, want ErrInsufficientCredit", err)
	}
	if got := balanceAmount(t, db, user.ID, category.ID); got != 10 {
		t.Errorf("balance changed to %d on rejected adjust", got)
	}

	// Spending down to exactly zero is allowed
	if _, err := ledger.Adjust(db, user.ID, category.ID, -10); err != nil {
		t.Fatalf("Adjust() to zero error: %v", err)
	}
	if got := balanceAmount(t, db, user.ID, category.ID); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestAdjustMissingBalanceDebit(t *testing.T) {
	db := newTestDB(t)
	ledger := NewCreditLedger(db)
	user := createUser(t, db, "none@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")

	_, err := ledger.Adjust(db, user.ID, category.ID, -5)
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("Adjust() error = %v, want ErrInsufficientCredit", err)
	}
}

func TestAdjustUnlimitedBalanceIgnoresGuard(t *testing.T) {
	db := newTestDB(t)
	ledger := NewCreditLedger(db)
	user := createUser(t, db, "unlimited@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	balance := models.CreditBalance{
		UserID:         user.ID,
		CategoryID:     category.ID,
		Amount:         0,
		IsUnlimited:    true,
		DurationPolicy: models.DurationUnlimited,
	}
	if err := db.Create(&balance).Error; err != nil {
		t.Fatal(err)
	}

	updated, err := ledger.Adjust(db, user.ID, category.ID, -50)
	if err != nil {
		t.Fatalf("Adjust() error: %v", err)
	}
	if updated.Amount != -50 {
		t.Errorf("Amount = %d, want -50 on an unlimited balance", updated.Amount)
	}
}

func TestSweepExpiredZeroesAndLogs(t *testing.T) {
	db := newTestDB(t)
	ledger := NewCreditLedger(db)
	user := createUser(t, db, "expired@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")

	past := time.Now().Add(-time.Hour)
	balance := models.CreditBalance{
		UserID:         user.ID,
		CategoryID:     category.ID,
		Amount:         40,
		DurationPolicy: models.DurationDaily,
		ExpiresAt:      &past,
	}
	if err := db.Create(&balance).Error; err != nil {
		t.Fatal(err)
	}

	swept, err := ledger.SweepExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	var after models.CreditBalance
	if err := db.First(&after, balance.ID).Error; err != nil {
		t.Fatal(err)
	}
	if after.Amount != 0 {
		t.Errorf("Amount = %d, want 0", after.Amount)
	}
	if after.DurationPolicy != models.DurationUnlimited {
		t.Errorf("DurationPolicy = %q, want unlimited", after.DurationPolicy)
	}
	if after.ExpiresAt != nil {
		t.Error("ExpiresAt should be cleared")
	}

	var record models.CreditTransaction
	err = db.Where("kind = ? AND from_user_id = ?", models.TransactionExpiry, user.ID).First(&record).Error
	if err != nil {
		t.Fatalf("expiry transaction not written: %v", err)
	}
	if record.Amount != 40 {
		t.Errorf("expiry transaction amount = %d, want 40", record.Amount)
	}

	// Sweeping again must be a no-op
	swept, err = ledger.SweepExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("second SweepExpired() error: %v", err)
	}
	if swept != 0 {
		t.Errorf("second sweep = %d, want 0", swept)
	}
}

func TestSweepExpiredSkipsUnlimitedAndFuture(t *testing.T) {
	db := newTestDB(t)
	ledger := NewCreditLedger(db)
	user := createUser(t, db, "keep@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")

	future := time.Now().Add(time.Hour)
	balances := []models.CreditBalance{
		{UserID: user.ID, CategoryID: category.ID, Amount: 10, DurationPolicy: models.DurationUnlimited},
		{UserID: user.ID + 1, CategoryID: category.ID, Amount: 20, DurationPolicy: models.DurationDaily, ExpiresAt: &future},
	}
	for i := range balances {
		if err := db.Create(&balances[i]).Error; err != nil {
			t.Fatal(err)
		}
	}

	swept, err := ledger.SweepExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0", swept)
	}
}

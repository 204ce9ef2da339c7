package services

import (
	"testing"

	"waflow/config"
	"waflow/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database. The pool is pinned to
// a single connection so the dispatcher goroutines and the test share
// one sqlite instance.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

func createUser(t *testing.T, db *gorm.DB, email, role string) *models.User {
	t.Helper()
	user := models.User{
		Email:        email,
		PasswordHash: "x",
		Role:         role,
		IsActive:     true,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("creating user %s: %v", email, err)
	}
	return &user
}

func createCategory(t *testing.T, db *gorm.DB, name string) *models.CreditCategory {
	t.Helper()
	category := models.CreditCategory{
		Name:               name,
		CreditCost:         1,
		BulkMultiplier:     1,
		TemplateMultiplier: 1,
		PersonalMultiplier: 1,
		IsActive:           true,
	}
	if err := db.Create(&category).Error; err != nil {
		t.Fatalf("creating category %s: %v", name, err)
	}
	return &category
}

func grantBalance(t *testing.T, db *gorm.DB, userID, categoryID uint, amount int64) {
	t.Helper()
	balance := models.CreditBalance{
		UserID:         userID,
		CategoryID:     categoryID,
		Amount:         amount,
		DurationPolicy: models.DurationUnlimited,
	}
	if err := db.Create(&balance).Error; err != nil {
		t.Fatalf("creating balance: %v", err)
	}
}

func balanceAmount(t *testing.T, db *gorm.DB, userID, categoryID uint) int64 {
	t.Helper()
	var balance models.CreditBalance
	err := db.Where("user_id = ? AND category_id = ?", userID, categoryID).First(&balance).Error
	if err != nil {
		t.Fatalf("loading balance for user %d: %v", userID, err)
	}
	return balance.Amount
}

package controller

import (
	"errors"
	"log"
	"time"

	"waflow/models"
	"waflow/services"
	"waflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type CreditController struct {
	DB      *gorm.DB
	Credits *services.CreditService
	Logger  *log.Logger
}

func NewCreditController(db *gorm.DB, credits *services.CreditService, logger *log.Logger) *CreditController {
	return &CreditController{DB: db, Credits: credits, Logger: logger}
}

// GetBalances lists the authenticated user's balances across categories
func (cc *CreditController) GetBalances(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var balances []models.CreditBalance
	if err := cc.DB.Preload("Category").Where("user_id = ?", user.ID).Find(&balances).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load balances",
		})
	}

	return c.JSON(fiber.Map{
		"balances":  balances,
		"unlimited": user.IsUnlimitedTier(),
	})
}

type TransferRequest struct {
	ToUserID       uint       `json:"to_user_id" validate:"required"`
	CategoryID     uint       `json:"category_id" validate:"required"`
	Amount         int64      `json:"amount" validate:"required,gte=1"`
	DurationPolicy string     `json:"duration_policy" validate:"omitempty,oneof=unlimited daily weekly monthly yearly custom specific_date"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Transfer moves credits from the authenticated user to another owner
func (cc *CreditController) Transfer(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	record, err := cc.Credits.Transfer(c.Context(), user.ID, req.ToUserID, req.CategoryID, req.Amount, req.DurationPolicy, req.ExpiresAt)
	if err != nil {
		return cc.creditError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":     "Transfer completed",
		"transaction": record,
	})
}

type GrantRequest struct {
	ToUserID       uint       `json:"to_user_id" validate:"required"`
	CategoryID     uint       `json:"category_id" validate:"required"`
	Amount         int64      `json:"amount" validate:"required,gte=1"`
	Kind           string     `json:"kind" validate:"omitempty,oneof=credit bonus"`
	Description    string     `json:"description"`
	DurationPolicy string     `json:"duration_policy" validate:"omitempty,oneof=unlimited daily weekly monthly yearly custom specific_date"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Grant credits a user directly; admin surface
func (cc *CreditController) Grant(c *fiber.Ctx) error {
	var req GrantRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	kind := req.Kind
	if kind == "" {
		kind = models.TransactionCredit
	}
	description := req.Description
	if description == "" {
		description = "manual credit grant"
	}

	record, err := cc.Credits.Grant(c.Context(), req.ToUserID, req.CategoryID, req.Amount, kind, description, req.DurationPolicy, req.ExpiresAt)
	if err != nil {
		return cc.creditError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":     "Credits granted",
		"transaction": record,
	})
}

// ListTransactions returns the user's transaction history, newest first
func (cc *CreditController) ListTransactions(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := c.QueryInt("page_size", 25)
	if pageSize < 1 || pageSize > 100 {
		pageSize = 25
	}

	var transactions []models.CreditTransaction
	query := cc.DB.
		Where("from_user_id = ? OR to_user_id = ?", user.ID, user.ID).
		Order("created_at desc")

	var total int64
	if err := query.Model(&models.CreditTransaction{}).Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load transactions",
		})
	}
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).Find(&transactions).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load transactions",
		})
	}

	return c.JSON(fiber.Map{
		"transactions": transactions,
		"page":         page,
		"page_size":    pageSize,
		"total_count":  total,
	})
}

type RefundPolicyRequest struct {
	Enabled    bool `json:"enabled"`
	Percentage int  `json:"percentage" validate:"gte=0,lte=100"`
	Threshold  int  `json:"threshold" validate:"gte=0"`
}

// UpdateRefundPolicy replaces the refund policy on one of the user's campaigns
func (cc *CreditController) UpdateRefundPolicy(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign id",
		})
	}

	var req RefundPolicyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var campaign models.Campaign
	if err := cc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	policy, err := cc.Credits.UpdateRefundPolicy(c.Context(), user.ID, uint(campaignID), req.Enabled, req.Percentage, req.Threshold)
	if err != nil {
		return cc.creditError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Refund policy updated",
		"policy":  policy,
	})
}

// SweepExpiry runs the expiry sweep immediately; admin surface
func (cc *CreditController) SweepExpiry(c *fiber.Ctx) error {
	count, err := cc.Credits.SweepExpiry(c.Context(), time.Now())
	if err != nil {
		cc.Logger.Printf("Expiry sweep failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Expiry sweep failed",
		})
	}
	return c.JSON(fiber.Map{
		"message":        "Expiry sweep completed",
		"swept_balances": count,
	})
}

func (cc *CreditController) creditError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrInsufficientCredit):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error": "Insufficient credits",
		})
	case errors.Is(err, services.ErrTransferNotAllowed):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Transfer not allowed for your role",
		})
	case errors.Is(err, services.ErrOwnerNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	case errors.Is(err, services.ErrCategoryNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Category not found",
		})
	default:
		cc.Logger.Printf("Credit operation failed: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

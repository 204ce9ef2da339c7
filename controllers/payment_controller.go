package controller

import (
	"encoding/json"
	"log"
	"strconv"

	"waflow/config"
	"waflow/models"
	"waflow/services"
	"waflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"gorm.io/gorm"
)

func InitStripe() {
	stripe.Key = config.AppConfig.StripeSecretKey
}

// PaymentController sells credits through Stripe: a payment intent holds
// the purchase details in its metadata and the webhook grants the
// credits once the charge succeeds.
type PaymentController struct {
	DB      *gorm.DB
	Credits *services.CreditService
	Logger  *log.Logger
}

func NewPaymentController(db *gorm.DB, credits *services.CreditService, logger *log.Logger) *PaymentController {
	return &PaymentController{DB: db, Credits: credits, Logger: logger}
}

type TopUpRequest struct {
	CategoryID   uint  `json:"category_id" validate:"required"`
	CreditAmount int64 `json:"credit_amount" validate:"required,gte=1"`
}

// CreatePaymentIntent creates a Stripe Payment Intent for a credit top-up
func (pc *PaymentController) CreatePaymentIntent(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req TopUpRequest
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

	var category models.CreditCategory
	if err := pc.DB.First(&category, req.CategoryID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Credit category not found",
		})
	}
	if !category.IsActive {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Credit category is not purchasable",
		})
	}

	customerID, err := pc.getOrCreateStripeCustomer(user)
	if err != nil {
		pc.Logger.Printf("Failed to create Stripe customer for user %d: %v", user.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process payment",
		})
	}

	amountCents := req.CreditAmount * category.UnitPriceCents
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		Customer: stripe.String(customerID),
		Metadata: map[string]string{
			"user_id":       strconv.Itoa(int(user.ID)),
			"category_id":   strconv.Itoa(int(category.ID)),
			"credit_amount": strconv.FormatInt(req.CreditAmount, 10),
		},
		Description: stripe.String("Purchase of " + strconv.FormatInt(req.CreditAmount, 10) + " " + category.Name + " credits"),
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		pc.Logger.Printf("Failed to create payment intent: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process payment",
		})
	}

	return c.JSON(fiber.Map{
		"clientSecret":  pi.ClientSecret,
		"amount_cents":  amountCents,
		"currency":      "usd",
		"credit_amount": req.CreditAmount,
	})
}

// HandlePaymentWebhook handles Stripe webhook events
func (pc *PaymentController) HandlePaymentWebhook(c *fiber.Ctx) error {
	event, err := utils.ConstructStripeEvent(c)
	if err != nil {
		pc.Logger.Printf("Failed to construct Stripe event: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing payment intent",
			})
		}
		return pc.handlePaymentIntentSucceeded(c, &pi)

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing payment intent",
			})
		}
		pc.Logger.Printf("Payment intent %s failed", pi.ID)
		return c.SendStatus(fiber.StatusOK)

	default:
		return c.SendStatus(fiber.StatusOK)
	}
}

// handlePaymentIntentSucceeded grants the purchased credits exactly once
// per payment intent: Stripe redelivers webhooks, so the intent id is
// kept as the grant's reference and checked before crediting.
func (pc *PaymentController) handlePaymentIntentSucceeded(c *fiber.Ctx, pi *stripe.PaymentIntent) error {
	userID, err1 := strconv.Atoi(pi.Metadata["user_id"])
	categoryID, err2 := strconv.Atoi(pi.Metadata["category_id"])
	creditAmount, err3 := strconv.ParseInt(pi.Metadata["credit_amount"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || creditAmount <= 0 {
		pc.Logger.Printf("Payment intent %s has malformed metadata", pi.ID)
		return c.SendStatus(fiber.StatusOK)
	}

	var existing int64
	err := pc.DB.Model(&models.CreditTransaction{}).
		Where("reference_id = ?", pi.ID).
		Count(&existing).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process payment",
		})
	}
	if existing > 0 {
		// Webhook replay; credits already granted
		return c.SendStatus(fiber.StatusOK)
	}

	record, err := pc.Credits.Grant(c.Context(), uint(userID), uint(categoryID), creditAmount,
		models.TransactionCredit, "stripe credit purchase", "", nil)
	if err != nil {
		pc.Logger.Printf("Failed to grant purchased credits for intent %s: %v", pi.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to grant credits",
		})
	}

	// Re-key the grant to the intent so replays are detected
	if err := pc.DB.Model(record).Update("reference_id", pi.ID).Error; err != nil {
		pc.Logger.Printf("Failed to record intent reference %s: %v", pi.ID, err)
	}

	pc.Logger.Printf("Granted %d credits to user %d for payment intent %s", creditAmount, userID, pi.ID)
	return c.SendStatus(fiber.StatusOK)
}

func (pc *PaymentController) getOrCreateStripeCustomer(user *models.User) (string, error) {
	if user.StripeCustomerID != nil {
		return *user.StripeCustomerID, nil
	}

	var name string
	if user.Name != nil {
		name = *user.Name
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(name),
		Metadata: map[string]string{
			"user_id": strconv.Itoa(int(user.ID)),
		},
	}

	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}

	user.StripeCustomerID = &cust.ID
	if err := pc.DB.Save(user).Error; err != nil {
		return "", err
	}
	return cust.ID, nil
}

package utils

import (
	"time"

	"waflow/config"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ConstructStripeEvent verifies the webhook signature and decodes the event
func ConstructStripeEvent(c *fiber.Ctx) (stripe.Event, error) {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Missing Stripe-Signature header")
	}

	event, err := webhook.ConstructEventWithTolerance(
		c.Body(),
		signature,
		config.AppConfig.StripeWebhookSecret,
		5*time.Minute,
	)
	if err != nil {
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Invalid webhook signature")
	}
	return event, nil
}

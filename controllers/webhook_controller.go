package controller

import (
	"errors"
	"log"
	"strconv"
	"time"

	"waflow/config"
	"waflow/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// WebhookController receives delivery receipts from the WhatsApp Cloud
// API. Receipts arrive out of order and may be replayed, so status
// transitions are monotonic: sent -> delivered -> read, never backwards.
type WebhookController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewWebhookController(db *gorm.DB, logger *log.Logger) *WebhookController {
	return &WebhookController{DB: db, Logger: logger}
}

// statusRank orders recipient statuses for monotonic receipt handling
var statusRank = map[string]int{
	models.RecipientPending:   0,
	models.RecipientSent:      1,
	models.RecipientDelivered: 2,
	models.RecipientRead:      3,
	models.RecipientFailed:    4,
}

// Graph API webhook payload shapes, trimmed to the fields we read
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []messageStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type messageStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Errors    []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Verify answers the Graph API subscription handshake
func (wc *WebhookController) Verify(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token == config.AppConfig.WhatsAppVerifyToken {
		return c.SendString(challenge)
	}
	return c.SendStatus(fiber.StatusForbidden)
}

// Receive processes a batch of delivery receipts. Unknown message ids are
// skipped silently; the provider retries on non-200 so we always ack.
func (wc *WebhookController) Receive(c *fiber.Ctx) error {
	var payload webhookPayload
	if err := c.BodyParser(&payload); err != nil {
		wc.Logger.Printf("Webhook: unparseable payload: %v", err)
		return c.SendStatus(fiber.StatusOK)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				if err := wc.applyStatus(&status); err != nil {
					wc.Logger.Printf("Webhook: applying status for %s: %v", status.ID, err)
				}
			}
		}
	}
	return c.SendStatus(fiber.StatusOK)
}

func (wc *WebhookController) applyStatus(status *messageStatus) error {
	newStatus := mapProviderStatus(status.Status)
	if newStatus == "" {
		return nil
	}

	return wc.DB.Transaction(func(tx *gorm.DB) error {
		var recipient models.Recipient
		err := tx.Where("external_message_id = ?", status.ID).First(&recipient).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		// Replays and out-of-order receipts must not regress the status
		if statusRank[newStatus] <= statusRank[recipient.Status] {
			return nil
		}

		eventAt := parseReceiptTime(status.Timestamp)
		updates := map[string]interface{}{"status": newStatus}
		counter := ""
		switch newStatus {
		case models.RecipientDelivered:
			updates["delivered_at"] = eventAt
			counter = "delivered_count"
		case models.RecipientRead:
			updates["read_at"] = eventAt
			counter = "read_count"
			if recipient.DeliveredAt == nil {
				// A read receipt implies delivery even when the delivered
				// receipt never arrived
				updates["delivered_at"] = eventAt
			}
		case models.RecipientFailed:
			if len(status.Errors) > 0 {
				updates["error_code"] = strconv.Itoa(status.Errors[0].Code)
				updates["error_message"] = status.Errors[0].Title
			}
		}

		err = tx.Model(&models.Recipient{}).
			Where("id = ?", recipient.ID).
			Updates(updates).Error
		if err != nil {
			return err
		}

		campaignUpdates := map[string]interface{}{}
		if counter != "" {
			campaignUpdates[counter] = gorm.Expr(counter + " + 1")
		}
		if newStatus == models.RecipientRead && recipient.DeliveredAt == nil && recipient.Status != models.RecipientDelivered {
			campaignUpdates["delivered_count"] = gorm.Expr("delivered_count + 1")
		}
		if newStatus == models.RecipientFailed {
			// A post-send provider failure removes the message from every
			// funnel stage it had reached
			campaignUpdates["failed_count"] = gorm.Expr("failed_count + 1")
			campaignUpdates["sent_count"] = gorm.Expr("sent_count - 1")
			switch recipient.Status {
			case models.RecipientDelivered:
				campaignUpdates["delivered_count"] = gorm.Expr("delivered_count - 1")
			case models.RecipientRead:
				campaignUpdates["delivered_count"] = gorm.Expr("delivered_count - 1")
				campaignUpdates["read_count"] = gorm.Expr("read_count - 1")
			}
		}
		if len(campaignUpdates) == 0 {
			return nil
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", recipient.CampaignID).
			Updates(campaignUpdates).Error
	})
}

func mapProviderStatus(status string) string {
	switch status {
	case "sent":
		return models.RecipientSent
	case "delivered":
		return models.RecipientDelivered
	case "read":
		return models.RecipientRead
	case "failed":
		return models.RecipientFailed
	default:
		return ""
	}
}

// parseReceiptTime converts the provider's unix-seconds string; falls
// back to now on garbage input
func parseReceiptTime(raw string) time.Time {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Now()
}

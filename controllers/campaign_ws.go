package controller

import (
	"log"
	"time"

	"waflow/models"

	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

type campaignProgress struct {
	CampaignID     uint   `json:"campaign_id"`
	Status         string `json:"status"`
	Total          int    `json:"total"`
	Sent           int    `json:"sent"`
	Delivered      int    `json:"delivered"`
	Read           int    `json:"read"`
	Failed         int    `json:"failed"`
	Percent        int    `json:"percent"`
	LastError      string `json:"last_error,omitempty"`
	ProcessedIndex int    `json:"processed_index"`
}

// HandleCampaignProgressWS streams a campaign's live counters to the
// client until the campaign reaches a terminal state or the socket
// closes. The client sends the campaign id once after connecting.
func HandleCampaignProgressWS(db *gorm.DB, logger *log.Logger) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		userID, ok := c.Locals("userID").(uint)
		if !ok {
			return
		}

		var input struct {
			CampaignID uint `json:"campaign_id"`
		}
		if err := c.ReadJSON(&input); err != nil {
			logger.Printf("WS: error reading subscription: %v", err)
			return
		}

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			var campaign models.Campaign
			err := db.Where("id = ? AND user_id = ?", input.CampaignID, userID).
				First(&campaign).Error
			if err != nil {
				return
			}

			progress := campaignProgress{
				CampaignID:     campaign.ID,
				Status:         campaign.Status,
				Total:          campaign.TotalRecipients,
				Sent:           campaign.SentCount,
				Delivered:      campaign.DeliveredCount,
				Read:           campaign.ReadCount,
				Failed:         campaign.FailedCount,
				LastError:      campaign.LastError,
				ProcessedIndex: campaign.LastProcessedIndex,
			}
			if campaign.TotalRecipients > 0 {
				progress.Percent = campaign.LastProcessedIndex * 100 / campaign.TotalRecipients
			}

			if err := c.WriteJSON(progress); err != nil {
				return
			}

			switch campaign.Status {
			case models.CampaignCompleted, models.CampaignFailed, models.CampaignCancelled:
				return
			}

			<-ticker.C
		}
	}
}

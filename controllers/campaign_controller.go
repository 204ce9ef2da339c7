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

type CampaignController struct {
	DB         *gorm.DB
	Dispatcher *services.CampaignDispatcher
	Logger     *log.Logger
}

func NewCampaignController(db *gorm.DB, dispatcher *services.CampaignDispatcher, logger *log.Logger) *CampaignController {
	return &CampaignController{DB: db, Dispatcher: dispatcher, Logger: logger}
}

type CreateCampaignRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=200"`
	Description string `json:"description"`
	Type        string `json:"type" validate:"omitempty,oneof=bulk template personal"`
	CategoryID  uint   `json:"category_id" validate:"required"`

	Body             string                 `json:"body"`
	MediaURL         string                 `json:"media_url"`
	MediaType        string                 `json:"media_type" validate:"omitempty,oneof=image video document audio"`
	TemplateName     string                 `json:"template_name"`
	TemplateLanguage string                 `json:"template_language"`
	Buttons          []models.MessageButton `json:"buttons"`

	BatchSize       int  `json:"batch_size" validate:"omitempty,gte=1,lte=1000"`
	IntervalMinutes int  `json:"interval_minutes" validate:"gte=0"`
	MaxRetries      int  `json:"max_retries" validate:"gte=0,lte=10"`
	StopOnError     bool `json:"stop_on_error"`
	JitterEnabled   bool `json:"jitter_enabled"`
	SpintaxEnabled  bool `json:"spintax_enabled"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// CreateCampaign creates a draft (or scheduled) campaign without recipients
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CreateCampaignRequest
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
	if req.Body == "" && req.TemplateName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Either body or template_name is required",
		})
	}

	var category models.CreditCategory
	if err := cc.DB.First(&category, req.CategoryID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Credit category not found",
		})
	}

	campaign := models.Campaign{
		UserID:           user.ID,
		CategoryID:       req.CategoryID,
		Name:             req.Name,
		Description:      req.Description,
		Type:             req.Type,
		Body:             req.Body,
		MediaURL:         req.MediaURL,
		MediaType:        req.MediaType,
		TemplateName:     req.TemplateName,
		TemplateLanguage: req.TemplateLanguage,
		Buttons:          req.Buttons,
		BatchSize:        req.BatchSize,
		IntervalMinutes:  req.IntervalMinutes,
		MaxRetries:       req.MaxRetries,
		StopOnError:      req.StopOnError,
		JitterEnabled:    req.JitterEnabled,
		SpintaxEnabled:   req.SpintaxEnabled,
		Status:           models.CampaignDraft,
		ScheduledAt:      req.ScheduledAt,
	}
	if campaign.Type == "" {
		campaign.Type = models.CampaignTypeBulk
	}
	if campaign.BatchSize == 0 {
		campaign.BatchSize = 50
	}
	if campaign.TemplateLanguage == "" {
		campaign.TemplateLanguage = "en"
	}
	if campaign.ScheduledAt != nil {
		campaign.Status = models.CampaignScheduled
	}

	if err := cc.DB.Create(&campaign).Error; err != nil {
		cc.Logger.Printf("Failed to create campaign: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"campaign": campaign})
}

// ListCampaigns returns the user's campaigns, newest first, with optional
// status filtering
func (cc *CampaignController) ListCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := c.QueryInt("page_size", 20)
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := cc.DB.Model(&models.Campaign{}).Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load campaigns",
		})
	}

	var campaigns []models.Campaign
	err := query.Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&campaigns).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load campaigns",
		})
	}

	return c.JSON(fiber.Map{
		"campaigns":   campaigns,
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
	})
}

func (cc *CampaignController) ownedCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	user := c.Locals("user").(*models.User)
	campaignID, err := c.ParamsInt("id")
	if err != nil {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign id",
		})
	}

	var campaign models.Campaign
	if err := cc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	return &campaign, nil
}

// GetCampaign returns one campaign with its refund policy
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	cc.DB.Preload("Credit").First(campaign, campaign.ID)
	return c.JSON(fiber.Map{"campaign": campaign})
}

// UpdateCampaign changes the message and dispatch settings of a campaign
// that has not started yet
func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	if campaign.Status != models.CampaignDraft && campaign.Status != models.CampaignScheduled {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only draft or scheduled campaigns can be edited",
		})
	}

	var req CreateCampaignRequest
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

	campaign.Name = req.Name
	campaign.Description = req.Description
	if req.Type != "" {
		campaign.Type = req.Type
	}
	campaign.Body = req.Body
	campaign.MediaURL = req.MediaURL
	campaign.MediaType = req.MediaType
	campaign.TemplateName = req.TemplateName
	if req.TemplateLanguage != "" {
		campaign.TemplateLanguage = req.TemplateLanguage
	}
	campaign.Buttons = req.Buttons
	if req.BatchSize > 0 {
		campaign.BatchSize = req.BatchSize
	}
	campaign.IntervalMinutes = req.IntervalMinutes
	campaign.MaxRetries = req.MaxRetries
	campaign.StopOnError = req.StopOnError
	campaign.JitterEnabled = req.JitterEnabled
	campaign.SpintaxEnabled = req.SpintaxEnabled
	campaign.ScheduledAt = req.ScheduledAt
	if campaign.ScheduledAt != nil {
		campaign.Status = models.CampaignScheduled
	} else {
		campaign.Status = models.CampaignDraft
	}

	if err := cc.DB.Save(campaign).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign",
		})
	}
	return c.JSON(fiber.Map{"campaign": campaign})
}

// DeleteCampaign removes a campaign that is not actively sending
func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	if campaign.Status == models.CampaignRunning {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Cancel the campaign before deleting it",
		})
	}

	err = cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.Recipient{}).Error; err != nil {
			return err
		}
		return tx.Delete(campaign).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete campaign",
		})
	}
	return c.JSON(fiber.Map{"message": "Campaign deleted"})
}

type RecipientInput struct {
	PhoneNumber string            `json:"phone_number" validate:"required,e164"`
	Variables   map[string]string `json:"variables"`
}

type AddRecipientsRequest struct {
	Recipients []RecipientInput `json:"recipients" validate:"required,min=1,dive"`
}

// AddRecipients appends targets to a draft campaign. Positions continue
// from the current total so dispatch order matches upload order.
func (cc *CampaignController) AddRecipients(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	if campaign.Status != models.CampaignDraft && campaign.Status != models.CampaignScheduled {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Recipients can only be added before the campaign starts",
		})
	}

	var req AddRecipientsRequest
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

	recipients := make([]models.Recipient, 0, len(req.Recipients))
	for i, input := range req.Recipients {
		recipients = append(recipients, models.Recipient{
			CampaignID:  campaign.ID,
			Position:    campaign.TotalRecipients + i,
			PhoneNumber: input.PhoneNumber,
			Status:      models.RecipientPending,
			Variables:   input.Variables,
		})
	}

	err = cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(recipients, 500).Error; err != nil {
			return err
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaign.ID).
			Update("total_recipients", gorm.Expr("total_recipients + ?", len(recipients))).Error
	})
	if err != nil {
		cc.Logger.Printf("Failed to add recipients to campaign %d: %v", campaign.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to add recipients",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":          "Recipients added",
		"added_count":      len(recipients),
		"total_recipients": campaign.TotalRecipients + len(recipients),
	})
}

// ListRecipients returns a page of a campaign's recipients in position order
func (cc *CampaignController) ListRecipients(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := c.QueryInt("page_size", 100)
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 100
	}

	query := cc.DB.Where("campaign_id = ?", campaign.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var recipients []models.Recipient
	err = query.Order("position asc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&recipients).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load recipients",
		})
	}

	return c.JSON(fiber.Map{
		"recipients": recipients,
		"page":       page,
		"page_size":  pageSize,
	})
}

// StartCampaign reserves credits and begins dispatch
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	if err := cc.Dispatcher.Start(c.Context(), campaign.ID); err != nil {
		return cc.dispatchError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Campaign started"})
}

// PauseCampaign suspends dispatch at the next batch boundary
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	if err := cc.Dispatcher.Pause(c.Context(), campaign.ID); err != nil {
		return cc.dispatchError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Campaign paused"})
}

// ResumeCampaign continues dispatch from the saved cursor
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	if err := cc.Dispatcher.Resume(c.Context(), campaign.ID); err != nil {
		return cc.dispatchError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Campaign resumed"})
}

// CancelCampaign stops the campaign permanently
func (cc *CampaignController) CancelCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	if err := cc.Dispatcher.Cancel(c.Context(), campaign.ID); err != nil {
		return cc.dispatchError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Campaign cancelled"})
}

// RerunCampaign resets a finished campaign so it can be started again
func (cc *CampaignController) RerunCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}
	if err := cc.Dispatcher.Rerun(c.Context(), campaign.ID); err != nil {
		return cc.dispatchError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Campaign reset for rerun"})
}

// GetCampaignStats returns the denormalized campaign counters plus a live
// per-status recipient breakdown
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if campaign == nil {
		return err
	}

	type statusCount struct {
		Status string `json:"status"`
		Count  int64  `json:"count"`
	}
	var breakdown []statusCount
	err = cc.DB.Model(&models.Recipient{}).
		Select("status, count(*) as count").
		Where("campaign_id = ?", campaign.ID).
		Group("status").
		Scan(&breakdown).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load stats",
		})
	}

	return c.JSON(fiber.Map{
		"campaign_id":          campaign.ID,
		"status":               campaign.Status,
		"total_recipients":     campaign.TotalRecipients,
		"sent_count":           campaign.SentCount,
		"delivered_count":      campaign.DeliveredCount,
		"read_count":           campaign.ReadCount,
		"failed_count":         campaign.FailedCount,
		"last_processed_index": campaign.LastProcessedIndex,
		"last_error":           campaign.LastError,
		"breakdown":            breakdown,
	})
}

func (cc *CampaignController) dispatchError(c *fiber.Ctx, err error) error {
	var stateErr *services.CampaignStateError
	switch {
	case errors.As(err, &stateErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": stateErr.Error(),
		})
	case errors.Is(err, services.ErrInsufficientCredit):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error": "Insufficient credits to start this campaign",
		})
	case errors.Is(err, services.ErrCategoryNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Credit category not found",
		})
	default:
		cc.Logger.Printf("Campaign operation failed: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

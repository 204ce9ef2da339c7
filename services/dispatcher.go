package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"waflow/models"
	"waflow/utils"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CampaignNotifier is told when a campaign reaches a terminal state so
// the owner can be notified out of band (email).
type CampaignNotifier interface {
	CampaignFinished(user *models.User, campaign *models.Campaign)
}

// CampaignDispatcher drives the batched, rate-limited, resumable
// dispatch of campaign messages. One goroutine runs per active campaign;
// sends within a campaign are strictly sequential in recipient position
// order, so LastProcessedIndex alone is the resume cursor.
type CampaignDispatcher struct {
	DB       *gorm.DB
	Credits  *CreditService
	Sender   MessageSender
	Limiter  *SendRateLimiter
	Logger   *log.Logger
	Notifier CampaignNotifier

	// SendTimeout bounds each provider call; a timeout is a transient
	// provider error subject to the retry policy.
	SendTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	rng    *rand.Rand
	rngMu  sync.Mutex
}

func NewCampaignDispatcher(db *gorm.DB, credits *CreditService, sender MessageSender, limiter *SendRateLimiter, logger *log.Logger) *CampaignDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &CampaignDispatcher{
		DB:          db,
		Credits:     credits,
		Sender:      sender,
		Limiter:     limiter,
		Logger:      logger,
		SendTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Shutdown cancels the dispatch loops' suspension points and waits for
// in-flight loops to reach their next checkpoint and exit.
func (d *CampaignDispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}

// Wait blocks until every launched dispatch loop has returned
func (d *CampaignDispatcher) Wait() {
	d.wg.Wait()
}

func (d *CampaignDispatcher) loadCampaign(ctx context.Context, campaignID uint) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := d.DB.WithContext(ctx).First(&campaign, campaignID).Error; err != nil {
		return nil, err
	}
	return &campaign, nil
}

// Start debits the campaign's credits and launches the dispatch loop in
// the background. It returns as soon as the loop is enqueued; completion
// is observable only by polling campaign status. On insufficient credit
// the campaign is left exactly as it was.
func (d *CampaignDispatcher) Start(ctx context.Context, campaignID uint) error {
	campaign, err := d.loadCampaign(ctx, campaignID)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case models.CampaignDraft:
	case models.CampaignScheduled:
		if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(time.Now()) {
			return &CampaignStateError{CampaignID: campaignID, Operation: "start", Status: campaign.Status}
		}
	default:
		return &CampaignStateError{CampaignID: campaignID, Operation: "start", Status: campaign.Status}
	}

	var category models.CreditCategory
	if err := d.DB.WithContext(ctx).First(&category, campaign.CategoryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCategoryNotFound
		}
		return err
	}

	var pending int64
	err = d.DB.WithContext(ctx).Model(&models.Recipient{}).
		Where("campaign_id = ? AND position >= ?", campaignID, campaign.LastProcessedIndex).
		Count(&pending).Error
	if err != nil {
		return err
	}
	if pending == 0 {
		return fmt.Errorf("campaign %d has no recipients to send", campaignID)
	}

	// Claim the campaign before touching any money. The guarded update
	// admits exactly one caller, so when the scheduler and an HTTP start
	// race on the same due campaign the loser debits nothing.
	now := time.Now()
	res := d.DB.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", campaignID, []string{models.CampaignDraft, models.CampaignScheduled}).
		Updates(map[string]interface{}{
			"status":     models.CampaignRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		current, err := d.loadCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		return &CampaignStateError{CampaignID: campaignID, Operation: "start", Status: current.Status}
	}

	required := RequiredCredits(campaign, &category) * pending
	if required > 0 {
		if _, err := d.Credits.Debit(ctx, campaign.UserID, campaign.CategoryID, required, &campaign.ID); err != nil {
			d.releaseClaim(ctx, campaignID, campaign.Status)
			return err
		}
		if err := d.recordReservation(ctx, campaign, required); err != nil {
			// The debit is committed and the reservation row is advisory
			// bookkeeping, so run the campaign rather than strand the charge
			d.Logger.Printf("Campaign %d: recording reservation failed: %v", campaignID, err)
		}
	}

	d.Logger.Printf("Campaign %d started with %d recipients (%d credits reserved)", campaignID, pending, required)
	d.launch(campaignID)
	return nil
}

// releaseClaim undoes a successful start claim when the debit fails,
// returning the campaign to the status it was claimed from.
func (d *CampaignDispatcher) releaseClaim(ctx context.Context, campaignID uint, prior string) {
	d.DB.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignRunning).
		Updates(map[string]interface{}{
			"status":     prior,
			"started_at": nil,
		})
}

func (d *CampaignDispatcher) recordReservation(ctx context.Context, campaign *models.Campaign, amount int64) error {
	var assoc models.CampaignCredit
	err := d.DB.WithContext(ctx).
		Where("user_id = ? AND campaign_id = ?", campaign.UserID, campaign.ID).
		First(&assoc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		assoc = models.CampaignCredit{
			UserID:     campaign.UserID,
			CampaignID: campaign.ID,
			CategoryID: campaign.CategoryID,
		}
	} else if err != nil {
		return err
	}
	assoc.ReservedAmount += amount
	return d.DB.WithContext(ctx).Save(&assoc).Error
}

// Pause flips a running campaign to paused. The loop observes the change
// at its next batch boundary and stops without losing the resume cursor.
func (d *CampaignDispatcher) Pause(ctx context.Context, campaignID uint) error {
	return d.transition(ctx, campaignID, "pause", []string{models.CampaignRunning}, models.CampaignPaused)
}

// Resume re-launches a paused campaign's loop from LastProcessedIndex
func (d *CampaignDispatcher) Resume(ctx context.Context, campaignID uint) error {
	if err := d.transition(ctx, campaignID, "resume", []string{models.CampaignPaused}, models.CampaignRunning); err != nil {
		return err
	}
	d.launch(campaignID)
	return nil
}

// Cancel stops a campaign for good; the loop exits at its next check
func (d *CampaignDispatcher) Cancel(ctx context.Context, campaignID uint) error {
	return d.transition(ctx, campaignID, "cancel",
		[]string{models.CampaignRunning, models.CampaignPaused, models.CampaignScheduled},
		models.CampaignCancelled)
}

func (d *CampaignDispatcher) transition(ctx context.Context, campaignID uint, operation string, from []string, to string) error {
	res := d.DB.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", campaignID, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		campaign, err := d.loadCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		return &CampaignStateError{CampaignID: campaignID, Operation: operation, Status: campaign.Status}
	}
	d.Logger.Printf("Campaign %d %sd", campaignID, operation)
	return nil
}

// Rerun resets a finished campaign back to draft (or scheduled when an
// original schedule exists): recipients return to pending with their
// numbers and variables intact, stats and the resume cursor are zeroed.
// The caller must invoke Start again.
func (d *CampaignDispatcher) Rerun(ctx context.Context, campaignID uint) error {
	campaign, err := d.loadCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case models.CampaignCompleted, models.CampaignFailed, models.CampaignCancelled:
	default:
		return &CampaignStateError{CampaignID: campaignID, Operation: "rerun", Status: campaign.Status}
	}

	nextStatus := models.CampaignDraft
	if campaign.ScheduledAt != nil {
		nextStatus = models.CampaignScheduled
	}

	return d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Recipient{}).
			Where("campaign_id = ?", campaignID).
			Updates(map[string]interface{}{
				"status":              models.RecipientPending,
				"external_message_id": "",
				"error_code":          "",
				"error_message":       "",
				"sent_at":             nil,
				"delivered_at":        nil,
				"read_at":             nil,
				"retry_count":         0,
			}).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaignID).
			Updates(map[string]interface{}{
				"status":               nextStatus,
				"last_processed_index": 0,
				"sent_count":           0,
				"delivered_count":      0,
				"read_count":           0,
				"failed_count":         0,
				"started_at":           nil,
				"completed_at":         nil,
				"last_error":           "",
			}).Error
	})
}

// Relaunch restarts the loop of a campaign already marked running,
// e.g. one stranded by a process restart. No state is checked here; the
// loop itself stops if the status changed meanwhile.
func (d *CampaignDispatcher) Relaunch(campaignID uint) {
	d.launch(campaignID)
}

func (d *CampaignDispatcher) launch(campaignID uint) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runLoop(campaignID)
	}()
}

// batchOutcome accumulates one batch's mutations so they persist as a
// single checkpoint.
type batchOutcome struct {
	recipients  []*models.Recipient
	sentDelta   int
	failedDelta int
}

// runLoop is the dispatch loop. Recipients are processed strictly in
// position order in batches of BatchSize; the campaign row is re-read at
// every batch boundary and the loop stops whenever the status is no
// longer running. Recipients, stats and LastProcessedIndex are persisted
// together after each batch; that checkpoint is the resumability
// guarantee.
func (d *CampaignDispatcher) runLoop(campaignID uint) {
	ctx := d.ctx

	for {
		campaign, err := d.loadCampaign(ctx, campaignID)
		if err != nil {
			d.Logger.Printf("Campaign %d: load failed: %v", campaignID, err)
			return
		}
		if campaign.Status != models.CampaignRunning {
			d.Logger.Printf("Campaign %d is no longer running (status %s)", campaignID, campaign.Status)
			return
		}
		if campaign.LastProcessedIndex >= campaign.TotalRecipients {
			break
		}

		batchEnd := campaign.LastProcessedIndex + campaign.BatchSize
		if campaign.BatchSize <= 0 {
			batchEnd = campaign.TotalRecipients
		}
		if batchEnd > campaign.TotalRecipients {
			batchEnd = campaign.TotalRecipients
		}

		var batch []models.Recipient
		err = d.DB.WithContext(ctx).
			Where("campaign_id = ? AND position >= ? AND position < ?", campaignID, campaign.LastProcessedIndex, batchEnd).
			Order("position asc").
			Find(&batch).Error
		if err != nil {
			d.failCampaign(campaignID, fmt.Errorf("loading batch: %w", err))
			return
		}

		outcome := batchOutcome{}
		for i := range batch {
			recipient := &batch[i]
			if recipient.Status != models.RecipientPending {
				continue
			}

			if !d.Limiter.Allow() {
				// Out of send quota: checkpoint what we have and pause for
				// the operator/scheduler to resume later. A lost checkpoint
				// here would re-send this batch on resume, so it is a
				// campaign-level failure like any other persistence error.
				if err := d.checkpoint(campaignID, &outcome, recipient.Position); err != nil {
					d.failCampaign(campaignID, fmt.Errorf("persisting checkpoint: %w", err))
					return
				}
				d.pauseForRateLimit(campaignID)
				return
			}

			d.applyJitter(ctx, campaign)

			stop, aborted := d.sendToRecipient(ctx, campaign, recipient, &outcome)
			if aborted {
				return
			}
			if stop {
				if err := d.checkpoint(campaignID, &outcome, recipient.Position+1); err != nil {
					d.failCampaign(campaignID, fmt.Errorf("persisting checkpoint: %w", err))
					return
				}
				d.handleStopOnError(campaignID)
				return
			}
		}

		if err := d.checkpoint(campaignID, &outcome, batchEnd); err != nil {
			d.failCampaign(campaignID, fmt.Errorf("persisting checkpoint: %w", err))
			return
		}

		if batchEnd < campaign.TotalRecipients && campaign.IntervalMinutes > 0 {
			if !d.sleep(ctx, time.Duration(campaign.IntervalMinutes)*time.Minute) {
				return
			}
		}
	}

	if !d.retryPass(ctx, campaignID) {
		return
	}

	d.complete(campaignID)
}

// sendToRecipient performs one provider call and records the result on
// the recipient. stop is true when StopOnError demands the whole
// campaign pause; aborted is true when a campaign-level auth failure
// already ended the loop.
func (d *CampaignDispatcher) sendToRecipient(ctx context.Context, campaign *models.Campaign, recipient *models.Recipient, outcome *batchOutcome) (stop, aborted bool) {
	msg := d.buildOutbound(campaign, recipient)

	sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
	result, err := d.Sender.Send(sendCtx, msg)
	cancel()

	now := time.Now()

	if err == nil {
		recipient.Status = models.RecipientSent
		recipient.ExternalMessageID = result.ExternalID
		recipient.SentAt = &now
		recipient.ErrorCode = ""
		recipient.ErrorMessage = ""
		outcome.recipients = append(outcome.recipients, recipient)
		outcome.sentDelta++
		return false, false
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		// Campaign-level failure: credentials are bad for every
		// recipient, so stop the loop instead of failing them one by one
		if cerr := d.checkpoint(campaign.ID, outcome, recipient.Position); cerr != nil {
			d.failCampaign(campaign.ID, fmt.Errorf("persisting checkpoint: %w", cerr))
			return false, true
		}
		d.failCampaign(campaign.ID, authErr)
		return false, true
	}

	outcome.recipients = append(outcome.recipients, recipient)
	recipient.Status = models.RecipientFailed
	recipient.ErrorMessage = err.Error()
	var provErr *ProviderError
	retryable := false
	if errors.As(err, &provErr) {
		recipient.ErrorCode = provErr.Code
		retryable = provErr.Retryable
	}
	if retryable && recipient.RetryCount < campaign.MaxRetries {
		recipient.RetryCount++
	}
	outcome.failedDelta++

	logrus.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"position":    recipient.Position,
		"retryable":   retryable,
	}).Warn("message send failed")

	return campaign.StopOnError, false
}

// checkpoint persists a batch's recipient mutations, the stats deltas
// and the advanced cursor in one transaction.
func (d *CampaignDispatcher) checkpoint(campaignID uint, outcome *batchOutcome, newIndex int) error {
	return d.DB.Transaction(func(tx *gorm.DB) error {
		for _, recipient := range outcome.recipients {
			if err := tx.Save(recipient).Error; err != nil {
				return err
			}
		}
		updates := map[string]interface{}{
			"last_processed_index": gorm.Expr("CASE WHEN last_processed_index < ? THEN ? ELSE last_processed_index END", newIndex, newIndex),
		}
		if outcome.sentDelta != 0 {
			updates["sent_count"] = gorm.Expr("sent_count + ?", outcome.sentDelta)
		}
		if outcome.failedDelta != 0 {
			updates["failed_count"] = gorm.Expr("failed_count + ?", outcome.failedDelta)
		}
		if err := tx.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(updates).Error; err != nil {
			return err
		}
		outcome.recipients = nil
		outcome.sentDelta = 0
		outcome.failedDelta = 0
		return nil
	})
}

// retryPass re-attempts recipients that failed transiently during the
// main pass. Passes are bounded by MaxRetries so an always-failing
// provider cannot loop forever. Returns false when the loop should stop
// (status change, rate limit, campaign failure).
func (d *CampaignDispatcher) retryPass(ctx context.Context, campaignID uint) bool {
	campaign, err := d.loadCampaign(ctx, campaignID)
	if err != nil {
		return false
	}

	for pass := 0; pass < campaign.MaxRetries; pass++ {
		campaign, err = d.loadCampaign(ctx, campaignID)
		if err != nil || campaign.Status != models.CampaignRunning {
			return false
		}

		var eligible []models.Recipient
		err = d.DB.WithContext(ctx).
			Where("campaign_id = ? AND status = ? AND retry_count > 0", campaignID, models.RecipientFailed).
			Order("position asc").
			Find(&eligible).Error
		if err != nil {
			d.failCampaign(campaignID, fmt.Errorf("loading retry candidates: %w", err))
			return false
		}
		if len(eligible) == 0 {
			return true
		}

		outcome := batchOutcome{}
		for i := range eligible {
			recipient := &eligible[i]

			if !d.Limiter.Allow() {
				if err := d.checkpoint(campaignID, &outcome, campaign.LastProcessedIndex); err != nil {
					d.failCampaign(campaignID, fmt.Errorf("persisting retry checkpoint: %w", err))
					return false
				}
				d.pauseForRateLimit(campaignID)
				return false
			}

			msg := d.buildOutbound(campaign, recipient)
			sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
			result, sendErr := d.Sender.Send(sendCtx, msg)
			cancel()

			now := time.Now()
			outcome.recipients = append(outcome.recipients, recipient)

			if sendErr == nil {
				recipient.Status = models.RecipientSent
				recipient.ExternalMessageID = result.ExternalID
				recipient.SentAt = &now
				recipient.ErrorCode = ""
				recipient.ErrorMessage = ""
				outcome.sentDelta++
				outcome.failedDelta--
				continue
			}

			var authErr *AuthError
			if errors.As(sendErr, &authErr) {
				if cerr := d.checkpoint(campaignID, &outcome, campaign.LastProcessedIndex); cerr != nil {
					d.failCampaign(campaignID, fmt.Errorf("persisting retry checkpoint: %w", cerr))
					return false
				}
				d.failCampaign(campaignID, authErr)
				return false
			}

			recipient.ErrorMessage = sendErr.Error()
			retryable := false
			var provErr *ProviderError
			if errors.As(sendErr, &provErr) {
				recipient.ErrorCode = provErr.Code
				retryable = provErr.Retryable
			}
			if retryable && recipient.RetryCount < campaign.MaxRetries {
				recipient.RetryCount++
			} else if !retryable {
				// A permanent failure ends the retry ladder: zero the
				// counter so later passes skip this recipient
				recipient.RetryCount = 0
			}
		}

		if err := d.checkpoint(campaignID, &outcome, campaign.LastProcessedIndex); err != nil {
			d.failCampaign(campaignID, fmt.Errorf("persisting retry checkpoint: %w", err))
			return false
		}
	}
	return true
}

func (d *CampaignDispatcher) complete(campaignID uint) {
	now := time.Now()
	res := d.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignRunning).
		Updates(map[string]interface{}{
			"status":       models.CampaignCompleted,
			"completed_at": now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	campaign, err := d.loadCampaign(context.Background(), campaignID)
	if err != nil {
		return
	}
	d.Logger.Printf("Campaign %d completed: %d sent, %d failed of %d",
		campaignID, campaign.SentCount, campaign.FailedCount, campaign.TotalRecipients)

	if campaign.FailedCount > 0 {
		_, err := d.Credits.Refund(context.Background(), campaign.UserID, campaign.CategoryID,
			campaign.FailedCount, campaign.TotalRecipients, campaign.ID)
		if err != nil && !errors.Is(err, ErrNoRefund) {
			d.Logger.Printf("Campaign %d: refund failed: %v", campaignID, err)
		}
	}

	d.notify(campaign)
}

// failCampaign records a campaign-level error: the loop aborts, status
// becomes failed and the error is kept on the campaign row.
func (d *CampaignDispatcher) failCampaign(campaignID uint, cause error) {
	d.Logger.Printf("Campaign %d failed: %v", campaignID, cause)
	sentry.CaptureException(cause)

	d.DB.Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"status":       models.CampaignFailed,
			"completed_at": time.Now(),
			"last_error":   cause.Error(),
		})

	if campaign, err := d.loadCampaign(context.Background(), campaignID); err == nil {
		d.notify(campaign)
	}
}

// handleStopOnError pauses the campaign and queues a refund for the
// portion already reserved but not sent.
func (d *CampaignDispatcher) handleStopOnError(campaignID uint) {
	d.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignRunning).
		Update("status", models.CampaignPaused)

	campaign, err := d.loadCampaign(context.Background(), campaignID)
	if err != nil {
		return
	}
	d.Logger.Printf("Campaign %d paused by stop-on-error after %d failures", campaignID, campaign.FailedCount)

	_, err = d.Credits.Refund(context.Background(), campaign.UserID, campaign.CategoryID,
		campaign.FailedCount, campaign.TotalRecipients, campaign.ID)
	if err != nil && !errors.Is(err, ErrNoRefund) {
		d.Logger.Printf("Campaign %d: stop-on-error refund failed: %v", campaignID, err)
	}
}

func (d *CampaignDispatcher) pauseForRateLimit(campaignID uint) {
	d.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignRunning).
		Update("status", models.CampaignPaused)
	d.Logger.Printf("Campaign %d paused: send rate limit exhausted", campaignID)
}

func (d *CampaignDispatcher) notify(campaign *models.Campaign) {
	if d.Notifier == nil {
		return
	}
	var user models.User
	if err := d.DB.First(&user, campaign.UserID).Error; err != nil {
		return
	}
	d.Notifier.CampaignFinished(&user, campaign)
}

// buildOutbound renders the provider request for one recipient: variable
// substitution into the body, then optional spintax variation. Content
// transforms never touch targeting or status bookkeeping.
func (d *CampaignDispatcher) buildOutbound(campaign *models.Campaign, recipient *models.Recipient) *OutboundMessage {
	body := campaign.Body
	for key, value := range recipient.Variables {
		body = strings.ReplaceAll(body, "{{"+key+"}}", value)
	}
	if campaign.SpintaxEnabled && !campaign.IsTemplate() {
		d.rngMu.Lock()
		body = utils.Spintax(body, d.rng)
		d.rngMu.Unlock()
	}

	return &OutboundMessage{
		To:               recipient.PhoneNumber,
		Body:             body,
		MediaURL:         campaign.MediaURL,
		MediaType:        campaign.MediaType,
		TemplateName:     campaign.TemplateName,
		TemplateLanguage: campaign.TemplateLanguage,
		Buttons:          campaign.Buttons,
		Variables:        recipient.Variables,
	}
}

// applyJitter sleeps a short random delay before a send to avoid
// provider-side pattern detection.
func (d *CampaignDispatcher) applyJitter(ctx context.Context, campaign *models.Campaign) {
	if !campaign.JitterEnabled {
		return
	}
	d.rngMu.Lock()
	delay := time.Duration(500+d.rng.Intn(2500)) * time.Millisecond
	d.rngMu.Unlock()
	d.sleep(ctx, delay)
}

// sleep waits for the given duration unless the dispatcher is shutting
// down. Returns false when interrupted.
func (d *CampaignDispatcher) sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

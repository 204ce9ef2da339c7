package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"waflow/models"

	"gorm.io/gorm"
)

// fakeSender records outbound messages and delegates to a configurable
// send function.
type fakeSender struct {
	mu   sync.Mutex
	sent []*OutboundMessage
	fn   func(msg *OutboundMessage) (*SendResult, error)
}

func (f *fakeSender) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.fn != nil {
		return f.fn(msg)
	}
	return &SendResult{ExternalID: fmt.Sprintf("wamid.%d", len(f.sent)), ProviderStatus: "accepted"}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestDispatcher(db *gorm.DB, sender MessageSender, limiter *SendRateLimiter) *CampaignDispatcher {
	if limiter == nil {
		limiter = NewSendRateLimiter(0, 0, 0)
	}
	d := NewCampaignDispatcher(db, NewCreditService(db), sender, limiter,
		log.New(io.Discard, "", 0))
	d.SendTimeout = time.Second
	return d
}

func makeCampaign(t *testing.T, db *gorm.DB, userID, categoryID uint, recipients int, mutate func(*models.Campaign)) *models.Campaign {
	t.Helper()
	campaign := models.Campaign{
		UserID:          userID,
		CategoryID:      categoryID,
		Name:            "launch",
		Type:            models.CampaignTypeBulk,
		Body:            "hello",
		Status:          models.CampaignDraft,
		BatchSize:       2,
		MaxRetries:      1,
		TotalRecipients: recipients,
	}
	if mutate != nil {
		mutate(&campaign)
	}
	if err := db.Create(&campaign).Error; err != nil {
		t.Fatalf("creating campaign: %v", err)
	}
	for i := 0; i < recipients; i++ {
		r := models.Recipient{
			CampaignID:  campaign.ID,
			Position:    i,
			PhoneNumber: fmt.Sprintf("+1555000%04d", i),
			Status:      models.RecipientPending,
		}
		if err := db.Create(&r).Error; err != nil {
			t.Fatalf("creating recipient %d: %v", i, err)
		}
	}
	return &campaign
}

func reloadCampaign(t *testing.T, db *gorm.DB, id uint) *models.Campaign {
	t.Helper()
	var campaign models.Campaign
	if err := db.First(&campaign, id).Error; err != nil {
		t.Fatalf("reloading campaign %d: %v", id, err)
	}
	return &campaign
}

func TestStartInsufficientCreditLeavesCampaignUntouched(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 2)
	campaign := makeCampaign(t, db, user.ID, category.ID, 5, nil)

	sender := &fakeSender{}
	d := newTestDispatcher(db, sender, nil)

	err := d.Start(context.Background(), campaign.ID)
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("Start() error = %v, want ErrInsufficientCredit", err)
	}

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignDraft {
		t.Errorf("status = %q, want draft", after.Status)
	}
	if got := balanceAmount(t, db, user.ID, category.ID); got != 2 {
		t.Errorf("balance = %d, want 2", got)
	}
	if sender.callCount() != 0 {
		t.Error("no sends must happen when start fails")
	}
}

func TestConcurrentStartsDebitOnce(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 100)

	past := time.Now().Add(-time.Minute)
	campaign := makeCampaign(t, db, user.ID, category.ID, 5, func(c *models.Campaign) {
		c.Status = models.CampaignScheduled
		c.ScheduledAt = &past
	})

	sender := &fakeSender{}
	d := newTestDispatcher(db, sender, nil)

	// The scheduler tick and an HTTP start can race on the same due
	// campaign; only the claim winner may touch the balance
	const callers = 10
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.Start(context.Background(), campaign.ID)
		}()
	}
	wg.Wait()
	close(errs)
	d.Wait()

	started := 0
	var stateErr *CampaignStateError
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.As(err, &stateErr):
		default:
			t.Errorf("unexpected Start error: %v", err)
		}
	}
	if started != 1 {
		t.Fatalf("successful starts = %d, want exactly 1", started)
	}

	var debits int64
	db.Model(&models.CreditTransaction{}).
		Where("kind = ? AND campaign_id = ?", models.TransactionDebit, campaign.ID).
		Count(&debits)
	if debits != 1 {
		t.Errorf("debit transactions = %d, want 1", debits)
	}
	if got := balanceAmount(t, db, user.ID, category.ID); got != 95 {
		t.Errorf("balance = %d, want 95 (five recipients debited once)", got)
	}
}

func TestDispatchCompletesCampaign(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 5, nil)

	sender := &fakeSender{}
	d := newTestDispatcher(db, sender, nil)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignCompleted {
		t.Fatalf("status = %q, want completed (last error %q)", after.Status, after.LastError)
	}
	if after.SentCount != 5 || after.FailedCount != 0 {
		t.Errorf("counts = %d sent / %d failed, want 5/0", after.SentCount, after.FailedCount)
	}
	if after.LastProcessedIndex != 5 {
		t.Errorf("cursor = %d, want 5", after.LastProcessedIndex)
	}
	if after.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	if got := balanceAmount(t, db, user.ID, category.ID); got != 5 {
		t.Errorf("balance = %d, want 5 (one credit per recipient)", got)
	}

	var reservation models.CampaignCredit
	if err := db.Where("campaign_id = ?", campaign.ID).First(&reservation).Error; err != nil {
		t.Fatalf("reservation row missing: %v", err)
	}
	if reservation.ReservedAmount != 5 {
		t.Errorf("ReservedAmount = %d, want 5", reservation.ReservedAmount)
	}

	var sent int64
	db.Model(&models.Recipient{}).
		Where("campaign_id = ? AND status = ? AND external_message_id <> ''", campaign.ID, models.RecipientSent).
		Count(&sent)
	if sent != 5 {
		t.Errorf("sent recipients with provider ids = %d, want 5", sent)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 4, func(c *models.Campaign) {
		c.MaxRetries = 2
	})

	// The third number fails once with a retryable error, then succeeds
	attempts := map[string]int{}
	var mu sync.Mutex
	sender := &fakeSender{}
	sender.fn = func(msg *OutboundMessage) (*SendResult, error) {
		mu.Lock()
		attempts[msg.To]++
		n := attempts[msg.To]
		mu.Unlock()
		if msg.To == "+15550000002" && n == 1 {
			return nil, &ProviderError{Code: "500", Message: "try later", Retryable: true}
		}
		return &SendResult{ExternalID: "wamid." + msg.To, ProviderStatus: "accepted"}, nil
	}
	d := newTestDispatcher(db, sender, nil)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignCompleted {
		t.Fatalf("status = %q, want completed", after.Status)
	}
	if after.SentCount != 4 || after.FailedCount != 0 {
		t.Errorf("counts = %d sent / %d failed, want 4/0", after.SentCount, after.FailedCount)
	}

	var recipient models.Recipient
	if err := db.Where("campaign_id = ? AND position = 2", campaign.ID).First(&recipient).Error; err != nil {
		t.Fatal(err)
	}
	if recipient.Status != models.RecipientSent {
		t.Errorf("recipient status = %q, want sent after retry", recipient.Status)
	}
	if recipient.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", recipient.RetryCount)
	}
}

func TestDispatchPermanentFailureIsNotRetried(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 4, func(c *models.Campaign) {
		c.MaxRetries = 3
	})

	sender := &fakeSender{}
	sender.fn = func(msg *OutboundMessage) (*SendResult, error) {
		if msg.To == "+15550000001" {
			return nil, &ProviderError{Code: "131026", Message: "recipient not on whatsapp", Retryable: false}
		}
		return &SendResult{ExternalID: "wamid." + msg.To}, nil
	}
	d := newTestDispatcher(db, sender, nil)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignCompleted {
		t.Fatalf("status = %q, want completed", after.Status)
	}
	if after.SentCount != 3 || after.FailedCount != 1 {
		t.Errorf("counts = %d sent / %d failed, want 3/1", after.SentCount, after.FailedCount)
	}
	// 4 sends, no retry attempts on the permanent failure
	if sender.callCount() != 4 {
		t.Errorf("provider calls = %d, want 4", sender.callCount())
	}

	var recipient models.Recipient
	if err := db.Where("campaign_id = ? AND position = 1", campaign.ID).First(&recipient).Error; err != nil {
		t.Fatal(err)
	}
	if recipient.Status != models.RecipientFailed || recipient.RetryCount != 0 {
		t.Errorf("recipient = %q retry %d, want failed/0", recipient.Status, recipient.RetryCount)
	}
	if recipient.ErrorCode != "131026" {
		t.Errorf("error code = %q, want 131026", recipient.ErrorCode)
	}
}

func TestRetryStopsAfterTransientThenPermanentFailure(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 3, func(c *models.Campaign) {
		c.MaxRetries = 3
	})

	// The second number fails transiently on the first attempt and
	// permanently on the retry; later passes must leave it alone
	attempts := map[string]int{}
	var mu sync.Mutex
	sender := &fakeSender{}
	sender.fn = func(msg *OutboundMessage) (*SendResult, error) {
		mu.Lock()
		attempts[msg.To]++
		n := attempts[msg.To]
		mu.Unlock()
		if msg.To == "+15550000001" {
			if n == 1 {
				return nil, &ProviderError{Code: "500", Message: "try later", Retryable: true}
			}
			return nil, &ProviderError{Code: "131026", Message: "recipient not on whatsapp", Retryable: false}
		}
		return &SendResult{ExternalID: "wamid." + msg.To}, nil
	}
	d := newTestDispatcher(db, sender, nil)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignCompleted {
		t.Fatalf("status = %q, want completed", after.Status)
	}
	if after.SentCount != 2 || after.FailedCount != 1 {
		t.Errorf("counts = %d sent / %d failed, want 2/1", after.SentCount, after.FailedCount)
	}

	mu.Lock()
	got := attempts["+15550000001"]
	mu.Unlock()
	// One main-pass attempt plus one retry; the permanent failure ends it
	if got != 2 {
		t.Errorf("attempts on failing number = %d, want 2", got)
	}

	var recipient models.Recipient
	if err := db.Where("campaign_id = ? AND position = 1", campaign.ID).First(&recipient).Error; err != nil {
		t.Fatal(err)
	}
	if recipient.Status != models.RecipientFailed || recipient.RetryCount != 0 {
		t.Errorf("recipient = %q retry %d, want failed/0", recipient.Status, recipient.RetryCount)
	}
	if recipient.ErrorCode != "131026" {
		t.Errorf("error code = %q, want 131026", recipient.ErrorCode)
	}
}

func TestDispatchRefundsOnCompletionWithFailures(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 4, nil)

	assoc := models.CampaignCredit{
		UserID:           user.ID,
		CampaignID:       campaign.ID,
		CategoryID:       category.ID,
		RefundEnabled:    true,
		RefundPercentage: 100,
		RefundThreshold:  1,
	}
	if err := db.Create(&assoc).Error; err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	sender.fn = func(msg *OutboundMessage) (*SendResult, error) {
		if msg.To == "+15550000003" {
			return nil, &ProviderError{Code: "131026", Message: "bad number", Retryable: false}
		}
		return &SendResult{ExternalID: "wamid." + msg.To}, nil
	}
	d := newTestDispatcher(db, sender, nil)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	// 10 - 4 debited + floor(1/4 * 100) = 31
	if got := balanceAmount(t, db, user.ID, category.ID); got != 31 {
		t.Errorf("balance = %d, want 31 after refund", got)
	}

	var refund models.CreditTransaction
	err := db.Where("kind = ? AND campaign_id = ?", models.TransactionRefund, campaign.ID).First(&refund).Error
	if err != nil {
		t.Fatalf("refund transaction missing: %v", err)
	}
	if refund.Amount != 25 {
		t.Errorf("refund amount = %d, want 25", refund.Amount)
	}
}

func TestStopOnErrorPausesAtFailure(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 5, func(c *models.Campaign) {
		c.StopOnError = true
	})

	sender := &fakeSender{}
	sender.fn = func(msg *OutboundMessage) (*SendResult, error) {
		if msg.To == "+15550000001" {
			return nil, &ProviderError{Code: "131026", Message: "bad number", Retryable: false}
		}
		return &SendResult{ExternalID: "wamid." + msg.To}, nil
	}
	d := newTestDispatcher(db, sender, nil)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignPaused {
		t.Fatalf("status = %q, want paused", after.Status)
	}
	if after.SentCount != 1 || after.FailedCount != 1 {
		t.Errorf("counts = %d sent / %d failed, want 1/1", after.SentCount, after.FailedCount)
	}
	// Cursor sits just past the failed recipient so resume skips it
	if after.LastProcessedIndex != 2 {
		t.Errorf("cursor = %d, want 2", after.LastProcessedIndex)
	}

	var pending int64
	db.Model(&models.Recipient{}).
		Where("campaign_id = ? AND status = ?", campaign.ID, models.RecipientPending).
		Count(&pending)
	if pending != 3 {
		t.Errorf("pending recipients = %d, want 3", pending)
	}
}

func TestAuthErrorFailsCampaign(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 5, nil)

	sender := &fakeSender{}
	sender.fn = func(msg *OutboundMessage) (*SendResult, error) {
		return nil, &AuthError{Message: "access token expired"}
	}
	d := newTestDispatcher(db, sender, nil)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignFailed {
		t.Fatalf("status = %q, want failed", after.Status)
	}
	if after.LastError == "" {
		t.Error("LastError not recorded")
	}
	// One probe send, then the loop aborts instead of failing every recipient
	if sender.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", sender.callCount())
	}
}

func TestRateLimitExhaustionPausesAtCursor(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 5, func(c *models.Campaign) {
		c.BatchSize = 5
	})

	sender := &fakeSender{}
	limiter := NewSendRateLimiter(2, 0, 0)
	d := newTestDispatcher(db, sender, limiter)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignPaused {
		t.Fatalf("status = %q, want paused", after.Status)
	}
	if after.SentCount != 2 {
		t.Errorf("sent = %d, want 2", after.SentCount)
	}
	if after.LastProcessedIndex != 2 {
		t.Errorf("cursor = %d, want 2 (first unsent position)", after.LastProcessedIndex)
	}
}

func TestRateLimitCheckpointFailureFailsCampaign(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 3, func(c *models.Campaign) {
		c.BatchSize = 3
	})

	// The recipient table disappears between the send and the quota
	// pause, so the checkpoint cannot be written. Pausing anyway would
	// re-send the batch on resume; the campaign must fail loudly instead.
	sender := &fakeSender{}
	sender.fn = func(msg *OutboundMessage) (*SendResult, error) {
		if err := db.Migrator().DropTable(&models.Recipient{}); err != nil {
			t.Errorf("dropping table: %v", err)
		}
		return &SendResult{ExternalID: "wamid." + msg.To}, nil
	}
	limiter := NewSendRateLimiter(1, 0, 0)
	d := newTestDispatcher(db, sender, limiter)

	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignFailed {
		t.Fatalf("status = %q, want failed when the checkpoint cannot be persisted", after.Status)
	}
	if !strings.Contains(after.LastError, "checkpoint") {
		t.Errorf("LastError = %q, want a checkpoint persistence error", after.LastError)
	}
}

func TestTransitionGuards(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	campaign := makeCampaign(t, db, user.ID, category.ID, 1, nil)

	d := newTestDispatcher(db, &fakeSender{}, nil)
	ctx := context.Background()

	var stateErr *CampaignStateError
	if err := d.Pause(ctx, campaign.ID); !errors.As(err, &stateErr) {
		t.Errorf("Pause on draft: error = %v, want CampaignStateError", err)
	}
	if err := d.Resume(ctx, campaign.ID); !errors.As(err, &stateErr) {
		t.Errorf("Resume on draft: error = %v, want CampaignStateError", err)
	}

	db.Model(&models.Campaign{}).Where("id = ?", campaign.ID).Update("status", models.CampaignCompleted)
	if err := d.Cancel(ctx, campaign.ID); !errors.As(err, &stateErr) {
		t.Errorf("Cancel on completed: error = %v, want CampaignStateError", err)
	}
	if err := d.Start(ctx, campaign.ID); !errors.As(err, &stateErr) {
		t.Errorf("Start on completed: error = %v, want CampaignStateError", err)
	}
}

func TestStartScheduledCampaign(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)

	future := time.Now().Add(time.Hour)
	early := makeCampaign(t, db, user.ID, category.ID, 1, func(c *models.Campaign) {
		c.Status = models.CampaignScheduled
		c.ScheduledAt = &future
	})

	d := newTestDispatcher(db, &fakeSender{}, nil)
	var stateErr *CampaignStateError
	if err := d.Start(context.Background(), early.ID); !errors.As(err, &stateErr) {
		t.Fatalf("Start before schedule: error = %v, want CampaignStateError", err)
	}

	past := time.Now().Add(-time.Minute)
	due := makeCampaign(t, db, user.ID, category.ID, 1, func(c *models.Campaign) {
		c.Status = models.CampaignScheduled
		c.ScheduledAt = &past
	})
	if err := d.Start(context.Background(), due.ID); err != nil {
		t.Fatalf("Start of due campaign: %v", err)
	}
	d.Wait()

	if got := reloadCampaign(t, db, due.ID).Status; got != models.CampaignCompleted {
		t.Errorf("due campaign status = %q, want completed", got)
	}
}

func TestResumeContinuesFromCursor(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	campaign := makeCampaign(t, db, user.ID, category.ID, 5, func(c *models.Campaign) {
		c.Status = models.CampaignPaused
		c.LastProcessedIndex = 2
		c.SentCount = 2
	})
	// The first two were already handled before the pause
	db.Model(&models.Recipient{}).
		Where("campaign_id = ? AND position < 2", campaign.ID).
		Update("status", models.RecipientSent)

	sender := &fakeSender{}
	d := newTestDispatcher(db, sender, nil)

	if err := d.Resume(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	d.Wait()

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignCompleted {
		t.Fatalf("status = %q, want completed", after.Status)
	}
	if after.SentCount != 5 {
		t.Errorf("sent = %d, want 5", after.SentCount)
	}
	// Exactly the three unhandled recipients are sent; no duplicates
	if sender.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", sender.callCount())
	}
}

func TestRerunResetsCampaign(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 3, nil)

	sender := &fakeSender{}
	d := newTestDispatcher(db, sender, nil)
	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	if err := d.Rerun(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Rerun() error: %v", err)
	}

	after := reloadCampaign(t, db, campaign.ID)
	if after.Status != models.CampaignDraft {
		t.Errorf("status = %q, want draft", after.Status)
	}
	if after.SentCount != 0 || after.FailedCount != 0 || after.LastProcessedIndex != 0 {
		t.Errorf("counters not reset: %+v", after)
	}

	var pending int64
	db.Model(&models.Recipient{}).
		Where("campaign_id = ? AND status = ? AND external_message_id = ''", campaign.ID, models.RecipientPending).
		Count(&pending)
	if pending != 3 {
		t.Errorf("pending recipients after rerun = %d, want 3", pending)
	}

	// Rerun on a draft is rejected
	var stateErr *CampaignStateError
	if err := d.Rerun(context.Background(), campaign.ID); !errors.As(err, &stateErr) {
		t.Errorf("Rerun on draft: error = %v, want CampaignStateError", err)
	}
}

func TestBuildOutboundSubstitutesVariables(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 10)
	campaign := makeCampaign(t, db, user.ID, category.ID, 0, func(c *models.Campaign) {
		c.Body = "Hi {{name}}, your order {{order}} shipped"
		c.TotalRecipients = 1
	})
	recipient := models.Recipient{
		CampaignID:  campaign.ID,
		Position:    0,
		PhoneNumber: "+15550001111",
		Status:      models.RecipientPending,
		Variables:   map[string]string{"name": "Maria", "order": "A-42"},
	}
	if err := db.Create(&recipient).Error; err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	d := newTestDispatcher(db, sender, nil)
	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sent))
	}
	want := "Hi Maria, your order A-42 shipped"
	if sender.sent[0].Body != want {
		t.Errorf("body = %q, want %q", sender.sent[0].Body, want)
	}
}

func TestShutdownStopsLoopAtCheckpoint(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "user@example.com", models.RoleUser)
	category := createCategory(t, db, "marketing")
	grantBalance(t, db, user.ID, category.ID, 100)
	campaign := makeCampaign(t, db, user.ID, category.ID, 10, func(c *models.Campaign) {
		c.BatchSize = 1
		c.IntervalMinutes = 1 // forces an interruptible sleep between batches
	})

	sender := &fakeSender{}
	d := newTestDispatcher(db, sender, nil)
	if err := d.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Give the loop time to finish the first batch and enter its sleep
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reloadCampaign(t, db, campaign.ID).LastProcessedIndex >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		d.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() did not return; loop not interruptible")
	}

	after := reloadCampaign(t, db, campaign.ID)
	// Still running in the database: a restart can pick it up from the cursor
	if after.Status != models.CampaignRunning {
		t.Errorf("status = %q, want running after shutdown", after.Status)
	}
	if after.LastProcessedIndex < 1 {
		t.Errorf("cursor = %d, want >= 1", after.LastProcessedIndex)
	}
}

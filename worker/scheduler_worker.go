package worker

import (
	"context"
	"log"
	"time"

	"waflow/models"
	"waflow/services"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// SchedulerWorker runs the time-driven parts of the system: starting
// scheduled campaigns when their time arrives and sweeping expired
// credit balances nightly.
type SchedulerWorker struct {
	DB         *gorm.DB
	Credits    *services.CreditService
	Dispatcher *services.CampaignDispatcher
	Logger     *log.Logger

	cron *cron.Cron
}

func NewSchedulerWorker(db *gorm.DB, credits *services.CreditService, dispatcher *services.CampaignDispatcher, logger *log.Logger) *SchedulerWorker {
	return &SchedulerWorker{
		DB:         db,
		Credits:    credits,
		Dispatcher: dispatcher,
		Logger:     logger,
		cron:       cron.New(),
	}
}

func (sw *SchedulerWorker) Start() error {
	if _, err := sw.cron.AddFunc("* * * * *", sw.startDueCampaigns); err != nil {
		return err
	}
	if _, err := sw.cron.AddFunc("15 3 * * *", sw.sweepExpiredCredits); err != nil {
		return err
	}
	sw.cron.Start()
	sw.Logger.Println("Scheduler worker started")
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish
func (sw *SchedulerWorker) Stop() {
	ctx := sw.cron.Stop()
	<-ctx.Done()
	sw.Logger.Println("Scheduler worker stopped")
}

// startDueCampaigns starts every scheduled campaign whose time has
// arrived. Start claims the campaign with a guarded update before any
// debit, so a double fire can neither start nor charge a campaign twice.
func (sw *SchedulerWorker) startDueCampaigns() {
	var due []models.Campaign
	err := sw.DB.
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
			models.CampaignScheduled, time.Now()).
		Find(&due).Error
	if err != nil {
		sw.Logger.Printf("Failed to load due campaigns: %v", err)
		return
	}

	for _, campaign := range due {
		if err := sw.Dispatcher.Start(context.Background(), campaign.ID); err != nil {
			sw.Logger.Printf("Failed to start scheduled campaign %d: %v", campaign.ID, err)
		}
	}
}

func (sw *SchedulerWorker) sweepExpiredCredits() {
	count, err := sw.Credits.SweepExpiry(context.Background(), time.Now())
	if err != nil {
		sw.Logger.Printf("Credit expiry sweep failed: %v", err)
		return
	}
	if count > 0 {
		sw.Logger.Printf("Credit expiry sweep zeroed %d balances", count)
	}
}

// RecoverRunningCampaigns re-launches loops for campaigns left in the
// running state by a previous process. The saved cursor makes the
// restart lossless; called once at boot.
func (sw *SchedulerWorker) RecoverRunningCampaigns() {
	var stranded []models.Campaign
	err := sw.DB.Where("status = ?", models.CampaignRunning).Find(&stranded).Error
	if err != nil {
		sw.Logger.Printf("Failed to load stranded campaigns: %v", err)
		return
	}

	for _, campaign := range stranded {
		sw.Logger.Printf("Recovering campaign %d from index %d", campaign.ID, campaign.LastProcessedIndex)
		sw.Dispatcher.Relaunch(campaign.ID)
	}
}

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"waflow/config"
	"waflow/routes"
	"waflow/services"
	"waflow/utils"
	"waflow/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	logger := log.New(os.Stdout, "WAFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize Sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Build the dispatch stack
	credits := services.NewCreditService(config.DB)
	sender := services.NewWhatsAppSender(
		config.AppConfig.WhatsAppPhoneNumberID,
		config.AppConfig.WhatsAppAccessToken,
		time.Duration(config.AppConfig.WhatsAppAPITimeout)*time.Second,
	)
	limiter := services.NewSendRateLimiter(
		config.AppConfig.SendLimitPerMinute,
		config.AppConfig.SendLimitPerHour,
		config.AppConfig.SendLimitPerDay,
	)
	dispatcher := services.NewCampaignDispatcher(config.DB, credits, sender, limiter,
		log.New(os.Stdout, "DISPATCH: ", log.LstdFlags))

	if config.AppConfig.SMTP.Host != "" {
		dispatcher.Notifier = utils.NewMailer(
			config.AppConfig.SMTP.Host,
			config.AppConfig.SMTP.Port,
			config.AppConfig.SMTP.Username,
			config.AppConfig.SMTP.Password,
			config.AppConfig.SMTP.From,
		)
	}

	scheduler := worker.NewSchedulerWorker(config.DB, credits, dispatcher,
		log.New(os.Stdout, "SCHEDULER: ", log.LstdFlags))
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}
	scheduler.RecoverRunningCampaigns()

	app := fiber.New()
	app.Use(recover.New())
	app.Use(cors.New())

	routes.SetupRoutes(app, config.DB, credits, dispatcher)

	// Graceful shutdown: stop accepting requests, then let the dispatch
	// loops reach their next checkpoint before exiting
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Println("Shutting down...")
		if err := app.Shutdown(); err != nil {
			logger.Printf("Server shutdown error: %v", err)
		}
	}()

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	scheduler.Stop()
	dispatcher.Shutdown()
	logger.Println("Shutdown complete")
}

package routes

import (
	"log"
	"os"

	controller "waflow/controllers"
	"waflow/middleware"
	"waflow/models"
	"waflow/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

func SetupAuthRoutes(app *fiber.App, db *gorm.DB, credits *services.CreditService) {
	authLogger := log.New(os.Stdout, "AUTH: ", log.Ldate|log.Ltime|log.Lshortfile)
	authController := controller.NewAuthController(db, authLogger)
	paymentController := controller.NewPaymentController(db, credits, log.New(os.Stdout, "PAYMENT: ", log.LstdFlags))

	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints
	auth.Post("/register", authController.Register)
	auth.Post("/login", authController.Login)
	auth.Post("/refresh", authController.RefreshToken)

	// Protected auth endpoints
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Get("/me", authController.GetCurrentUser)
	protectedAuth.Post("/logout", authController.Logout)

	// Payment endpoints; the Stripe webhook authenticates by signature,
	// not by bearer token
	payment := app.Group("/payment")
	payment.Post("/create-intent", middleware.Protected(), paymentController.CreatePaymentIntent)
	payment.Post("/webhook", paymentController.HandlePaymentWebhook)

	authLogger.Println("Authentication routes initialized successfully")
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, credits *services.CreditService, dispatcher *services.CampaignDispatcher) {
	campaignController := controller.NewCampaignController(db, dispatcher, log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))
	creditController := controller.NewCreditController(db, credits, log.New(os.Stdout, "CREDIT: ", log.LstdFlags))
	webhookController := controller.NewWebhookController(db, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags))
	wsLogger := log.New(os.Stdout, "WS: ", log.LstdFlags)

	// Provider webhooks are authenticated by the verify token handshake
	// and arrive without a bearer token
	app.Get("/webhooks/whatsapp", webhookController.Verify)
	app.Post("/webhooks/whatsapp", webhookController.Receive)

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Credit routes
	credit := api.Group("/credits")
	credit.Get("/balances", creditController.GetBalances)
	credit.Get("/transactions", creditController.ListTransactions)
	credit.Post("/transfer", creditController.Transfer)
	credit.Post("/grant",
		middleware.RequireRole(models.RoleSuperAdmin, models.RoleAdmin),
		creditController.Grant)
	credit.Post("/sweep-expired",
		middleware.RequireRole(models.RoleSuperAdmin, models.RoleAdmin),
		creditController.SweepExpiry)

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/", campaignController.CreateCampaign)
	campaign.Get("/", campaignController.ListCampaigns)
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Put("/:id", campaignController.UpdateCampaign)
	campaign.Delete("/:id", campaignController.DeleteCampaign)
	campaign.Post("/:id/recipients", campaignController.AddRecipients)
	campaign.Get("/:id/recipients", campaignController.ListRecipients)
	campaign.Post("/:id/start", middleware.CampaignRateLimiter(), campaignController.StartCampaign)
	campaign.Post("/:id/pause", campaignController.PauseCampaign)
	campaign.Post("/:id/resume", campaignController.ResumeCampaign)
	campaign.Post("/:id/cancel", campaignController.CancelCampaign)
	campaign.Post("/:id/rerun", campaignController.RerunCampaign)
	campaign.Get("/:id/stats", campaignController.GetCampaignStats)
	campaign.Put("/:id/refund-policy", creditController.UpdateRefundPolicy)

	// WebSocket route for live campaign progress
	app.Get("/api/v1/campaigns/progress", middleware.Protected(),
		websocket.New(controller.HandleCampaignProgressWS(db, wsLogger)))

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB, credits *services.CreditService, dispatcher *services.CampaignDispatcher) {
	controller.InitStripe()

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app, db, credits)
	SetupAPIRoutes(app, db, credits, dispatcher)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}

package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/maheshrc27/postpilot/internal/api/handlers"
	"github.com/maheshrc27/postpilot/internal/api/middleware"
	"github.com/maheshrc27/postpilot/internal/queue"
	"github.com/maheshrc27/postpilot/internal/service"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"go.uber.org/zap"
)

type Deps struct {
	Posts           service.PostService
	Accounts        service.AccountService
	Connect         service.ConnectService
	Audit           service.AuditService
	Scheduler       handlers.Controller
	Enqueuer        queue.Enqueuer
	SecretKey       string
	AdminAPIKeyHash string
	FrontendURL     string
	Log             *zap.Logger
	// RequestLog turns on fiber's access log.
	RequestLog bool
}

// NewApp builds the admin API. Route parameters are copied out of the
// request buffer so services may keep them.
func NewApp(d Deps) *fiber.App {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		Immutable:    true,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
		BodyLimit:    4 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			if code == fiber.StatusInternalServerError {
				log.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
				return c.Status(code).JSON(transfer.ErrorResponse{Error: "internal error"})
			}
			return c.Status(code).JSON(transfer.ErrorResponse{Error: err.Error()})
		},
	})

	if d.RequestLog {
		app.Use(logger.New())
	}
	// fiber refuses credentials with a wildcard origin.
	origins, credentials := d.FrontendURL, true
	if origins == "" {
		origins, credentials = "*", false
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-API-Key",
		AllowCredentials: credentials,
		MaxAge:           3600,
	}))

	SetupRoutes(app, d, log)
	return app
}

func SetupRoutes(app *fiber.App, d Deps, log *zap.Logger) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	auth := handlers.NewAuthHandler(d.SecretKey, d.AdminAPIKeyHash, log.Named("auth"))
	app.Post("/auth/token", auth.IssueToken)

	platform := handlers.NewPlatformHandler(d.Connect, d.Accounts, d.FrontendURL, log.Named("accounts"))
	// The callback is reached by the platform's redirect and is authenticated
	// by its signed state.
	app.Get("/auth/:platform/callback", platform.CallbackHandler)

	authMiddleware := middleware.NewAuthMiddleware(d.SecretKey, d.AdminAPIKeyHash, log.Named("auth"))
	app.Get("/auth/:platform", authMiddleware.AuthMiddleware(), platform.AddSocialAccount)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	post := handlers.NewPostHandler(d.Posts, d.Enqueuer, log.Named("posts"))
	api.Post("/posts", post.CreatePost)
	api.Post("/posts/generate", post.GeneratePost)
	api.Get("/posts", post.ListPosts)
	api.Get("/posts/:id", post.GetPost)
	api.Post("/posts/:id/approve", post.ApprovePost)
	api.Post("/posts/:id/schedule", post.SchedulePost)
	api.Post("/posts/:id/cancel", post.CancelPost)
	api.Post("/posts/:id/publish", post.PublishPost)

	// social accounts api routes
	api.Get("/accounts", platform.ListSocialAccounts)
	api.Get("/accounts/reauth", platform.ListReauth)
	api.Post("/accounts/:id/disconnect", platform.DeleteSocialAccount)

	control := handlers.NewControlHandler(d.Scheduler, d.Audit, log.Named("control"))
	api.Get("/control/status", control.GetStatus)
	api.Post("/control/emergency-stop", control.ActivateEmergencyStop)
	api.Delete("/control/emergency-stop", control.DeactivateEmergencyStop)
	api.Post("/control/ticks/:name", control.RunTick)
	api.Get("/audit", control.ListAudit)
}

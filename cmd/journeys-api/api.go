package main

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukex/journeys/pkg/cmd"
	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/enrollment"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/lock"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/scoring"
	"github.com/dukex/journeys/pkg/services"
	"github.com/dukex/journeys/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	publisher eventbus.EventPublisher,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		publisher:   publisher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	graphs := graph.NewStore(a.persistence.WorkflowRepository(), a.logger)
	tracker := enrollment.NewTracker(graphs, a.persistence.EnrollmentRepository(), a.logger,
		enrollment.WithPublisher(a.publisher),
	)

	// Action handlers are only used for their configuration schemas here.
	registry := cmd.NewActionRegistry(a.logger, a.publisher, contacts.NewStatic(nil), http.DefaultClient)

	workflowService := services.NewWorkflow(a.persistence, graphs, tracker, a.logger,
		services.WithSchemas(registry),
		services.WithPublisher(a.publisher),
	)
	scores := scoring.NewEngine(a.persistence.ScoringRepository(), lock.NewLocal(), a.logger)

	handlers := web.NewAPIHandlers(workflowService, tracker, a.persistence, scores, a.publisher, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Journeys API")
	})

	handlers.Routes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}

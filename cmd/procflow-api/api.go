// Package main provides the procflow API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/metrics"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/services"
	"github.com/dukex/procflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

type API struct {
	logger        *slog.Logger
	persistence   persistence.Persistence
	eventBus      eventbus.EventBus
	collaborators engine.Collaborators
	dispatcher    engine.Dispatcher
	tracer        trace.Tracer
	registry      *prometheus.Registry
	validate      *validator.Validate
}

// NewAPI creates the API. eventBus may be nil, in which case no events are published.
// A nil dispatcher runs parallel branches inside the API process.
func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	collaborators engine.Collaborators,
	dispatcher engine.Dispatcher,
	tracer trace.Tracer,
) *API {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &API{
		logger:        logger,
		persistence:   persistence,
		eventBus:      eventBus,
		collaborators: collaborators,
		dispatcher:    dispatcher,
		tracer:        tracer,
		registry:      registry,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	engineOpts := []engine.Option{engine.WithMetrics(metrics.New(a.registry))}
	serviceOpts := []services.Option{}

	if a.tracer != nil {
		engineOpts = append(engineOpts, engine.WithTracer(a.tracer))
		serviceOpts = append(serviceOpts, services.WithTracer(a.tracer))
	}

	if a.eventBus != nil {
		engineOpts = append(engineOpts, engine.WithPublisher(a.eventBus))
		serviceOpts = append(serviceOpts, services.WithPublisher(a.eventBus))
	}

	if a.dispatcher != nil {
		engineOpts = append(engineOpts, engine.WithDispatcher(a.dispatcher))
	}

	eng := engine.New(a.persistence, a.collaborators, a.logger, engineOpts...)

	definitionService := services.NewDefinitions(a.persistence, a.logger, serviceOpts...)
	instanceService := services.NewInstances(a.persistence, eng, a.logger, serviceOpts...)
	approvalService := services.NewApprovals(a.persistence, instanceService, a.logger)

	handlers := web.NewAPIHandlers(definitionService, instanceService, approvalService, a.validate)

	app := fiber.New()
	app.Use(cors.New(cors.Config{
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", web.ActorIDHeader, web.ActorRolesHeader},
	}))
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("procflow API")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	handlers.Mount(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}

package restapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/andreyxaxa/File-Processor/config"
	v1 "github.com/andreyxaxa/File-Processor/internal/controller/restapi/v1"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/metrics"
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// @title File processor
// @version 1.0.0
// @host localhost:8080
// @BasePath /v1
func NewRouter(app *fiber.App, cfg *config.Config, files usecase.FileUseCase, m *metrics.Metrics, gatherer prometheus.Gatherer, l logger.Interface) {
	// Request log
	app.Use(requestLogger(l))

	// Metrics
	if m != nil {
		app.Use(httpMetrics(m))
	}
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// K8s probe
	app.Get("/healthz", func(ctx *fiber.Ctx) error { return ctx.SendStatus(http.StatusOK) })

	// Routers
	apiV1Group := app.Group("/v1")
	{
		v1.NewFileRoutes(apiV1Group, files, l, cfg.HTTP.MaxUploadSize)
	}
}

func httpMetrics(m *metrics.Metrics) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		start := time.Now()

		err := ctx.Next()

		// route pattern, not the raw path
		m.HTTPRequest(ctx.Method(), ctx.Route().Path, strconv.Itoa(statusOf(ctx, err)), time.Since(start))

		return err
	}
}

// requestLogger logs every request once it is served: 5xx as errors, 4xx as
// warnings, the rest as info.
func requestLogger(l logger.Interface) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		start := time.Now()

		err := ctx.Next()

		status := statusOf(ctx, err)
		line := fmt.Sprintf("http - %s %s - status=%d took=%s ip=%s bytes=%d",
			ctx.Method(), ctx.Path(), status, time.Since(start), ctx.IP(), len(ctx.Response().Body()))

		switch {
		case status >= http.StatusInternalServerError && err != nil:
			l.Error(err, line)
		case status >= http.StatusInternalServerError:
			l.Error(line)
		case status >= http.StatusBadRequest:
			l.Warn(line)
		default:
			l.Info(line)
		}

		return err
	}
}

// statusOf is the status the error handler will send for err.
func statusOf(ctx *fiber.Ctx, err error) int {
	if err == nil {
		return ctx.Response().StatusCode()
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}

	return http.StatusInternalServerError
}

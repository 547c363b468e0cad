package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
	"github.com/i474232898/air-quality-ingestion/internal/scheduler"
)

var validate = validator.New()

// Trigger starts runs on demand and remembers the last outcome.
type Trigger interface {
	RunNow(ctx context.Context) (airquality.RunReport, error)
	Last() (scheduler.Result, bool)
}

// Deps are the collaborators behind the ops API.
type Deps struct {
	Trigger Trigger
	Targets airquality.Targets
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/targets", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"targets": deps.Targets})
	})

	v1.Post("/runs", func(c *fiber.Ctx) error {
		var req runRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
			}
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), req.timeout())
		defer cancel()

		report, err := deps.Trigger.RunNow(ctx)
		if err != nil {
			return runError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(report)
	})

	v1.Get("/runs/last", func(c *fiber.Ctx) error {
		res, ok := deps.Trigger.Last()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no run has completed yet")
		}
		return c.JSON(res)
	})
}

// runRequest is the optional body of POST /api/v1/runs.
type runRequest struct {
	TimeoutSeconds int `json:"timeoutSeconds" validate:"omitempty,min=1,max=600"`
}

func (r runRequest) timeout() time.Duration {
	if r.TimeoutSeconds == 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// runError maps pipeline errors onto HTTP statuses.
func runError(err error) error {
	switch {
	case errors.Is(err, airquality.ErrLocked):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, airquality.ErrConfig):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

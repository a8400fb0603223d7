package consolidation

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Okossum/utilization-sub004/pkg/consolidation"
	"github.com/Okossum/utilization-sub004/pkg/redis"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

// Runner runs a consolidation pass. *consolidation.Consolidator implements it.
type Runner interface {
	Run(ctx context.Context) (consolidation.Result, error)
}

type Handler struct {
	runner Runner
	logger ectologger.Logger
}

func NewHandler(runner Runner, logger ectologger.Logger) *Handler {
	return &Handler{
		runner: runner,
		logger: logger,
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/runs", h.Run)
}

// Run triggers a consolidation pass and waits for it.
func (h *Handler) Run(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "consolidation.Handler.Run")
	defer span.End()

	result, err := h.runner.Run(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return httperror.NewHTTPError(http.StatusConflict, "a consolidation run is already in progress")
		}
		h.logger.WithContext(ctx).WithError(err).Error("Consolidation run failed")
		if httperror.IsHTTPError(err) {
			return err
		}
		return httperror.WrapError(http.StatusInternalServerError, err)
	}

	return c.JSON(http.StatusOK, result)
}

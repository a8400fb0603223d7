package consolidated

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/routes/request"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

// Lister reads consolidated rows. store.ConsolidatedStore implementations satisfy it.
type Lister interface {
	List(ctx context.Context, filter models.ConsolidatedFilter) ([]models.ConsolidatedWeekRecord, error)
}

type Handler struct {
	lister Lister
	logger ectologger.Logger
}

func NewHandler(lister Lister, logger ectologger.Logger) *Handler {
	return &Handler{
		lister: lister,
		logger: logger,
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
}

// List returns consolidated rows ordered by person and week. Only the latest run is
// returned unless latest=false.
func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "consolidated.Handler.List")
	defer span.End()

	historical, err := request.OptionalBool(c, "historical")
	if err != nil {
		return err
	}
	latest, err := request.OptionalBool(c, "latest")
	if err != nil {
		return err
	}

	filter := models.ConsolidatedFilter{
		PersonKey:    normalizers.PersonKey(c.QueryParam("person")),
		IsHistorical: historical,
		LatestOnly:   latest == nil || *latest,
	}

	rows, err := h.lister.List(ctx, filter)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list consolidated rows")
		return err
	}
	if rows == nil {
		rows = []models.ConsolidatedWeekRecord{}
	}
	return c.JSON(http.StatusOK, rows)
}

package conflicts

import (
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/routes/request"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

type Handler struct {
	records store.RecordStore
	logger  ectologger.Logger
}

func NewHandler(records store.RecordStore, logger ectologger.Logger) *Handler {
	return &Handler{
		records: records,
		logger:  logger,
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/:feed", h.List)
}

// List returns the latest records of a feed that carry identity conflicts for manual review.
func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "conflicts.Handler.List")
	defer span.End()

	feed, err := request.Feed(c, "feed")
	if err != nil {
		return err
	}

	records, err := h.records.Query(ctx, feed, store.Filter{HasConflicts: true, LatestOnly: true})
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("feed", feed).Error("Failed to list identity conflicts")
		return err
	}
	if records == nil {
		records = []*models.FeedRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

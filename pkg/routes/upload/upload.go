package upload

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/redis"
	"github.com/Okossum/utilization-sub004/pkg/routes/request"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
	"github.com/Okossum/utilization-sub004/pkg/versioning"
)

// Applier applies an upload. *versioning.Versioner implements it.
type Applier interface {
	Apply(ctx context.Context, upload versioning.Upload) (versioning.Result, error)
}

type Handler struct {
	applier Applier
	logger  ectologger.Logger
}

func NewHandler(applier Applier, logger ectologger.Logger) *Handler {
	return &Handler{
		applier: applier,
		logger:  logger,
	}
}

// UploadRequest is one already-parsed spreadsheet. Rows without a person are skipped.
type UploadRequest struct {
	FileName         string           `json:"file_name" validate:"max=255"`
	Rows             []models.FeedRow `json:"rows" validate:"required,min=1,max=20000"`
	SupersedeMissing *bool            `json:"supersede_missing,omitempty"`
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/:feed", h.Create)
}

// Create applies an upload to a feed as its next version.
func (h *Handler) Create(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "upload.Handler.Create")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	feed, err := request.Feed(c, "feed")
	if err != nil {
		return err
	}

	req, err := request.Bind[UploadRequest](c)
	if err != nil {
		return err
	}

	result, err := h.applier.Apply(ctx, versioning.Upload{
		Feed:             feed,
		FileName:         req.FileName,
		Rows:             req.Rows,
		SupersedeMissing: req.SupersedeMissing,
	})
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return httperror.NewHTTPErrorf(http.StatusConflict, "another %s upload is in progress", feed)
		}
		h.logger.WithContext(ctx).WithError(err).WithField("feed", feed).Error("Failed to apply upload")
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

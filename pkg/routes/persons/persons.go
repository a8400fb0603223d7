package persons

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Okossum/utilization-sub004/pkg/graph"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

// GraphReader lists the records projected onto a person node. *graph.IdentityService implements it.
type GraphReader interface {
	RecordsForPerson(ctx context.Context, personID string) ([]graph.RecordRef, error)
}

const (
	SourceGraph = "graph"
	SourceStore = "store"
)

type PersonRecordsResponse struct {
	PersonID string            `json:"person_id"`
	Source   string            `json:"source"`
	Records  []graph.RecordRef `json:"records"`
}

type Handler struct {
	graph   GraphReader
	records store.RecordStore
	logger  ectologger.Logger
}

// NewHandler builds the handler. graph may be nil when no graph database is configured.
func NewHandler(graph GraphReader, records store.RecordStore, logger ectologger.Logger) *Handler {
	return &Handler{
		graph:   graph,
		records: records,
		logger:  logger,
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/:personId/records", h.Records)
}

// Records lists every feed record carrying a canonical person id. The graph projection is
// asked first; the feed tables answer when it is unavailable or knows nothing about the person.
func (h *Handler) Records(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "persons.Handler.Records")
	defer span.End()

	personID := c.Param("personId")

	if h.graph != nil {
		refs, err := h.graph.RecordsForPerson(ctx, personID)
		if err != nil {
			h.logger.WithContext(ctx).WithError(err).WithField("person_id", personID).Warn("Graph lookup failed, reading feed tables")
		} else if len(refs) > 0 {
			return c.JSON(http.StatusOK, PersonRecordsResponse{PersonID: personID, Source: SourceGraph, Records: refs})
		}
	}

	refs := make([]graph.RecordRef, 0)
	for _, feed := range models.AllFeeds {
		records, err := h.records.Query(ctx, feed, store.Filter{CanonicalPersonID: personID})
		if err != nil {
			h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"person_id": personID,
				"feed":      feed,
			}).Error("Failed to read person records")
			return err
		}
		for _, r := range records {
			refs = append(refs, graph.RecordRef{Feed: feed, RecordID: r.ID, Person: r.Person})
		}
	}

	return c.JSON(http.StatusOK, PersonRecordsResponse{PersonID: personID, Source: SourceStore, Records: refs})
}

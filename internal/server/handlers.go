package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/winefact/winefact/internal/extract"
	"github.com/winefact/winefact/internal/research"
	"github.com/winefact/winefact/internal/retrieval"
)

// ResearchHandler serves extraction and retrieval endpoints.
type ResearchHandler struct {
	Service *retrieval.Service
	Store   retrieval.FactReader
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("/extract", h.extract)
	g.GET("/subject/:id", h.subject)
	g.GET("/subject/:id/search", h.search)
}

type extractRequest struct {
	SubjectID string            `json:"subject_id"`
	Name      string            `json:"name"`
	Attrs     map[string]string `json:"attrs"`
	Fields    []string          `json:"fields"`
}

type extractResponse struct {
	SubjectID string                                `json:"subject_id"`
	RunID     string                                `json:"run_id,omitempty"`
	State     string                                `json:"state"`
	Records   map[string]research.ExtractionRecord `json:"records"`
	Missing   map[string]string                     `json:"missing,omitempty"`
}

// extract runs (or reuses) a research pipeline for the subject and returns
// the per-field winners. Complete coverage answers succeeded, partial
// coverage partial; a run that produced nothing is a 422, and total search
// provider outage a 503.
func (h *ResearchHandler) extract(c echo.Context) error {
	var req extractRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if len(req.Fields) == 0 {
		req.Fields = extract.KnownFields()
	}
	if req.SubjectID == "" {
		req.SubjectID = uuid.NewString()
	}
	subject := research.Subject{
		ID:        req.SubjectID,
		Name:      req.Name,
		Attrs:     req.Attrs,
		CreatedAt: time.Now().UTC(),
	}

	ans, err := h.Service.Answer(c.Request().Context(), subject, req.Fields)
	if err != nil {
		if errors.Is(err, research.ErrAllSourcesUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "all search providers unavailable")
		}
		var runErr *research.RunError
		if errors.As(err, &runErr) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, runErr.Error())
		}
		return err
	}

	state := "succeeded"
	if len(ans.Missing) > 0 {
		state = "partial"
	}
	return c.JSON(http.StatusOK, extractResponse{
		SubjectID: subject.ID,
		RunID:     ans.RunID,
		State:     state,
		Records:   ans.Records,
		Missing:   ans.Missing,
	})
}

// subject returns everything known about a subject: its registration and
// the winning record per stored field.
func (h *ResearchHandler) subject(c echo.Context) error {
	id := c.Param("id")
	sub, ok, err := h.Store.GetSubject(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown subject")
	}
	records, err := h.Store.GetAll(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"subject": sub,
		"records": records,
	})
}

// search runs a free-text query over a subject's stored facts.
func (h *ResearchHandler) search(c echo.Context) error {
	id := c.Param("id")
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k := 10
	if raw := c.QueryParam("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "k must be a positive integer")
		}
		k = n
	}
	if _, ok, err := h.Store.GetSubject(c.Request().Context(), id); err != nil {
		return err
	} else if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown subject")
	}
	results, err := h.Service.Search(c.Request().Context(), id, q, k)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"subject_id": id,
		"query":      q,
		"results":    results,
	})
}

package server

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepsearch/internal/checkpoint"
	"github.com/mohammad-safakhou/deepsearch/internal/engine"
)

type RunsHandler struct {
	engine *engine.Engine
	logger *log.Logger
}

type startRunRequest struct {
	Query string `json:"query"`
	RunID string `json:"run_id,omitempty"`
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

type runRef struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.start)
	g.GET("/:id", h.get)
	g.GET("/:id/messages", h.messages)
	g.POST("/:id/feedback", h.feedback)
}

// start kicks off a run and returns immediately; the run advances in the
// background until it suspends for feedback or finishes. Poll GET /:id for
// progress.
func (h *RunsHandler) start(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	runID, events, err := h.engine.Start(context.Background(), req.RunID, req.Query)
	if err != nil {
		if errors.Is(err, engine.ErrRunExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	go h.drain(runID, events)

	return c.JSON(http.StatusAccepted, runRef{RunID: runID, Status: "running"})
}

func (h *RunsHandler) get(c echo.Context) error {
	st, err := h.engine.State(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// messages returns the run's audit log, the conversational view of what each
// stage did.
func (h *RunsHandler) messages(c echo.Context) error {
	st, err := h.engine.State(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":   st.RunID,
		"status":   st.Status,
		"messages": st.Messages,
	})
}

// feedback resumes a suspended run with the caller's reply. An empty feedback
// string approves the plan as-is.
func (h *RunsHandler) feedback(c echo.Context) error {
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	runID := c.Param("id")

	events, err := h.engine.Resume(context.Background(), runID, req.Feedback)
	if err != nil {
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		case errors.Is(err, engine.ErrNotSuspended):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	go h.drain(runID, events)

	return c.JSON(http.StatusAccepted, runRef{RunID: runID, Status: "running"})
}

func (h *RunsHandler) drain(runID string, events <-chan engine.StageEvent) {
	for ev := range events {
		if ev.Err != nil {
			h.logger.Printf("run %s failed at %s: %v", runID, ev.Stage, ev.Err)
			continue
		}
		h.logger.Printf("run %s completed stage %s", runID, ev.Stage)
	}
}

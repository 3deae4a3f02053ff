package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"podforge/internal/jobs"
)

type createJobRequest struct {
	Title   string       `json:"title"`
	Inputs  []jobs.Input `json:"inputs"`
	Options jobs.Options `json:"options"`
}

type updateInputsRequest struct {
	Inputs []jobs.Input `json:"inputs"`
}

type regenerateRequest struct {
	ClearArtifacts bool `json:"clear_artifacts"`
}

type jobResponse struct {
	ID              string          `json:"id"`
	Title           string          `json:"title,omitempty"`
	Stage           jobs.Stage      `json:"stage"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	ErrorMessage    string          `json:"error,omitempty"`
	Inputs          []jobs.Input    `json:"inputs"`
	Options         jobs.Options    `json:"options"`
	Artifacts       []jobs.Artifact `json:"artifacts"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

func renderJob(job *jobs.Job) jobResponse {
	artifacts := job.Artifacts
	if artifacts == nil {
		artifacts = []jobs.Artifact{}
	}
	inputs := job.Inputs
	if inputs == nil {
		inputs = []jobs.Input{}
	}
	return jobResponse{
		ID:              job.ID,
		Title:           job.Title,
		Stage:           job.Stage,
		Progress:        job.Progress,
		ProgressMessage: job.ProgressMessage,
		ErrorMessage:    job.ErrorMessage,
		Inputs:          inputs,
		Options:         job.Options,
		Artifacts:       artifacts,
		CreatedAt:       job.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:       job.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	for _, input := range req.Inputs {
		if err := input.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	job, err := s.store.Create(c.Request.Context(), accessFrom(c), jobs.NewJob{
		Title:   req.Title,
		Inputs:  req.Inputs,
		Options: req.Options,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderJob(job))
}

func (s *Server) listJobs(c *gin.Context) {
	var filter jobs.Filter
	if raw := c.Query("stage"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			stage, ok := jobs.ParseStage(part)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown stage " + strconv.Quote(part)})
				return
			}
			filter.Stages = append(filter.Stages, stage)
		}
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	result, err := s.store.List(c.Request.Context(), accessFrom(c), filter, jobs.Page{Limit: limit, Offset: offset})
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]jobResponse, 0, len(result.Jobs))
	for _, job := range result.Jobs {
		out = append(out, renderJob(job))
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":   out,
		"total":  result.Total,
		"limit":  result.Limit,
		"offset": result.Offset,
	})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.Get(c.Request.Context(), accessFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderJob(job))
}

func (s *Server) jobStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context(), accessFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stages": stats})
}

func (s *Server) updateInputs(c *gin.Context) {
	var req updateInputsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	job, err := s.store.UpdateDraftInputs(c.Request.Context(), accessFrom(c), c.Param("id"), req.Inputs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderJob(job))
}

func (s *Server) submitJob(c *gin.Context) {
	job, err := s.orchestrator.Submit(c.Request.Context(), accessFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, renderJob(job))
}

// regenerateJob resets a terminal job to draft. The body is optional;
// artifacts are kept unless the caller sends clear_artifacts.
func (s *Server) regenerateJob(c *gin.Context) {
	var req regenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	job, err := s.orchestrator.Regenerate(c.Request.Context(), accessFrom(c), c.Param("id"), req.ClearArtifacts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderJob(job))
}

// streamProgress serves server-sent events until the job reaches a terminal
// stage or the client goes away.
func (s *Server) streamProgress(c *gin.Context) {
	events, err := s.notifier.Stream(c.Request.Context(), accessFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		data, err := json.Marshal(event)
		if err != nil {
			return false
		}
		c.SSEvent("progress", string(data))
		return !event.Terminal
	})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package api

import (
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linewatch/linewatch/internal/errs"
	"github.com/linewatch/linewatch/internal/line"
	"github.com/linewatch/linewatch/internal/prediction"
	"github.com/linewatch/linewatch/internal/quality"
	"github.com/linewatch/linewatch/internal/queue"
	"github.com/linewatch/linewatch/internal/sweep"
)

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthcheck", h.health)
	router.GET("/", h.index)

	router.POST("/lines", h.createLine)
	router.GET("/lines", h.listLines)
	router.GET("/lines/:id", h.getLine)
	router.PUT("/lines/:id", h.updateLine)
	router.DELETE("/lines/:id", h.deleteLine)
	router.POST("/lines/:id/train", h.trainLine)
	router.POST("/lines/:id/predictions", h.submitBatch)
	router.GET("/lines/:id/predictions", h.listPredictions)
	router.GET("/lines/:id/quality", h.lineQuality)
	router.GET("/lines/:id/alerts", h.lineAlerts)
	router.GET("/lines/:id/jobs", h.lineJobs)

	router.GET("/predictions/:id", h.getPrediction)
}

type handlers struct {
	opts StartOpts
}

type createLineRequest struct {
	Name           string `json:"name"`
	CustomerID     *int   `json:"customer_id"`
	AlertThreshold *int   `json:"alert_threshold"`
	AlertEmail     string `json:"alert_email"`
	DataPath       string `json:"data_path"`
}

type updateLineRequest struct {
	Name           string  `json:"name"`
	AlertThreshold *int    `json:"alert_threshold"`
	AlertEmail     *string `json:"alert_email"`
	DataPath       string  `json:"data_path"`
	Status         *string `json:"status"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": "linewatch"})
}

func (h *handlers) createLine(c *gin.Context) {
	var req createLineRequest
	if !bindJSON(c, &req) {
		return
	}
	l, err := line.Create(h.opts.DB, line.CreateOpts{
		Name:           req.Name,
		CustomerID:     req.CustomerID,
		AlertThreshold: req.AlertThreshold,
		AlertEmail:     req.AlertEmail,
		DataPath:       req.DataPath,
		DataRoot:       h.opts.DataRoot,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *handlers) listLines(c *gin.Context) {
	var filters line.ListFilters
	if v := c.Query("customer_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, errs.Invalid("customer_id", "%q is not an integer", v))
			return
		}
		filters.CustomerID = &id
	}
	lines, err := line.List(h.opts.DB, filters)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lines)
}

func (h *handlers) getLine(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	l, err := line.Get(h.opts.DB, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *handlers) updateLine(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req updateLineRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Status != nil {
		writeError(c, errs.Invalid("status", "is read-only"))
		return
	}
	l, err := line.Update(h.opts.DB, id, line.UpdateOpts{
		Name:           req.Name,
		AlertThreshold: req.AlertThreshold,
		AlertEmail:     req.AlertEmail,
		DataPath:       req.DataPath,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *handlers) deleteLine(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := line.Delete(h.opts.DB, id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) trainLine(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	j, err := h.opts.Engine.EnqueueTraining(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID, "line_id": id})
}

// submitBatch stores uploaded images as a new batch and queues its prediction.
func (h *handlers) submitBatch(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	l, err := line.Get(h.opts.DB, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "expected multipart/form-data with images"})
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, errs.Invalid("images", "%v", err))
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		writeError(c, errs.Invalid("images", "at least one image is required"))
		return
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Filename
	}
	if err := prediction.CheckImageNames(names); err != nil {
		writeError(c, err)
		return
	}

	now := time.Now()
	dir, err := prediction.NewBatchDir(l.DataPath, now)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, f := range files {
		dst := filepath.Join(dir, filepath.Base(f.Filename))
		if err := c.SaveUploadedFile(f, dst); err != nil {
			os.RemoveAll(dir)
			writeError(c, err)
			return
		}
	}

	p, err := prediction.Create(h.opts.DB, prediction.CreateOpts{
		LineID:     id,
		Name:       prediction.BatchName(now),
		DataPath:   dir,
		TotalCount: len(files),
		Now:        now,
	})
	if err != nil {
		os.RemoveAll(dir)
		writeError(c, err)
		return
	}
	j, err := h.opts.Engine.EnqueuePredictionBatch(c.Request.Context(), id, p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"prediction": p, "job_id": j.ID, "images": len(files)})
}

func (h *handlers) listPredictions(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if _, err := line.Get(h.opts.DB, id); err != nil {
		writeError(c, err)
		return
	}
	preds, err := prediction.List(h.opts.DB, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, preds)
}

func (h *handlers) getPrediction(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	p, err := prediction.Get(h.opts.DB, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) lineQuality(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	window := h.opts.Window
	if v := c.Query("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(c, errs.Invalid("window", "%q is not a positive duration", v))
			return
		}
		window = d
	}
	l, err := line.Get(h.opts.DB, id)
	if err != nil {
		writeError(c, err)
		return
	}
	counts, err := quality.Aggregate(h.opts.DB, id, window, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"line_id":       id,
		"window":        window.String(),
		"total_count":   counts.Total,
		"defects_count": counts.Defects,
		"threshold":     l.AlertThreshold,
	}
	q, err := quality.QualityPercent(counts)
	if errors.Is(err, quality.ErrNoData) {
		resp["status"] = "no_data"
		c.JSON(http.StatusOK, resp)
		return
	}
	resp["status"] = "ok"
	resp["quality"] = q
	resp["alert"] = quality.ShouldAlert(q, l.AlertThreshold)
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) lineAlerts(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if _, err := line.Get(h.opts.DB, id); err != nil {
		writeError(c, err)
		return
	}
	alerts, err := sweep.Alerts(h.opts.DB, id, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *handlers) lineJobs(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	jobs, err := queue.List(h.opts.DB, queue.ListFilters{LineID: id, Limit: queryLimit(c)})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// paramID parses the :id path parameter, answering 400 when malformed.
func paramID(c *gin.Context) (uint, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || v == 0 {
		writeError(c, errs.Invalid("id", "%q is not a valid id", c.Param("id")))
		return 0, false
	}
	return uint(v), true
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || n < 0 {
		return 50
	}
	return n
}

// bindJSON decodes a JSON body, answering 415 or 400 on failure.
func bindJSON(c *gin.Context, dst interface{}) bool {
	if c.ContentType() != gin.MIMEJSON {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "expected application/json"})
		return false
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, errs.Invalid("", "malformed JSON: %v", err))
		return false
	}
	return true
}

// writeError maps an error onto its HTTP status.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Printf("api: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

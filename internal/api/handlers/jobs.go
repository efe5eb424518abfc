package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orrn/dispatch/internal/db"
	"github.com/orrn/dispatch/internal/printer"
)

type CreateJobRequest struct {
	Queue    string `json:"queue" binding:"required"`
	Username string `json:"username" binding:"required"`
	FileName string `json:"file_name" binding:"required"`
}

type JobResponse struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Username    string     `json:"username"`
	FileName    string     `json:"file_name"`
	Status      string     `json:"status"`
	Pages       int        `json:"pages"`
	ColorPages  int        `json:"color_pages"`
	Destination *int64     `json:"destination,omitempty"`
	Eta         int64      `json:"eta,omitempty"`
	Refunded    bool       `json:"refunded"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Printed     *time.Time `json:"printed,omitempty"`
	Failed      *time.Time `json:"failed,omitempty"`
}

type RefundRequest struct {
	Refunded *bool `json:"refunded" binding:"required"`
}

type JobHandler struct {
	store   *db.Store
	printer *printer.Printer
}

func NewJobHandler(store *db.Store, p *printer.Printer) *JobHandler {
	return &JobHandler{store: store, printer: p}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.store.ReadQueue(c.Request.Context(), req.Queue); err != nil {
		if errors.Is(err, db.ErrQueueNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "queue not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up queue"})
		return
	}

	job := &db.PrintJob{
		ID:       uuid.NewString(),
		Queue:    req.Queue,
		Username: req.Username,
		FileName: req.FileName,
	}
	if err := h.store.CreateJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	created, err := h.store.ReadJob(c.Request.Context(), job.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read back job"})
		return
	}

	c.JSON(http.StatusCreated, jobToResponse(created))
}

// UploadJob ingests the document payload for a previously created job and
// hands it to the print pipeline. The body is the raw document stream.
func (h *JobHandler) UploadJob(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.ReadJob(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up job"})
		return
	}

	debug, _ := strconv.ParseBool(c.Query("debug"))
	ok, message := h.printer.Print(c.Request.Context(), id, c.Request.Body, debug)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": message})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.store.ReadJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	username := c.Query("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.store.ListJobsByUser(c.Request.Context(), username, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobToResponse(job))
	}

	c.JSON(http.StatusOK, gin.H{"jobs": out, "count": len(out)})
}

// CancelJob interrupts a running pipeline task and marks the job failed.
// Cancelling a job that already finished changes nothing.
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")

	job, err := h.store.ReadJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up job"})
		return
	}

	if job.Terminal() {
		c.JSON(http.StatusOK, jobToResponse(job))
		return
	}

	h.printer.Cancel(id)

	now := time.Now()
	job, err = h.store.UpdateJob(c.Request.Context(), id, func(j *db.PrintJob) error {
		if j.Terminal() {
			return nil
		}
		j.Failed = &now
		j.Error = db.FailCancelled
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

// RefundJob flips the refunded flag. Only printed jobs carry a charge, so
// only those can be refunded.
func (h *JobHandler) RefundJob(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.store.UpdateJob(c.Request.Context(), c.Param("id"), func(j *db.PrintJob) error {
		if j.Printed == nil {
			return errors.New("job was not printed")
		}
		j.Refunded = *req.Refunded
		return nil
	})
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

func jobToResponse(job *db.PrintJob) JobResponse {
	return JobResponse{
		ID:          job.ID,
		Queue:       job.Queue,
		Username:    job.Username,
		FileName:    job.FileName,
		Status:      job.Status(),
		Pages:       job.Pages,
		ColorPages:  job.ColorPages,
		Destination: job.Destination,
		Eta:         job.Eta,
		Refunded:    job.Refunded,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		Printed:     job.Printed,
		Failed:      job.Failed,
	}
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/upload", h.UploadJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
}

// RegisterAdminRoutes attaches the endpoints that need an authenticated
// operator.
func (h *JobHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/jobs/:id/refund", h.RefundJob)
}

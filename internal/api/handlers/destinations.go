package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/dispatch/internal/db"
	"github.com/orrn/dispatch/internal/dispatch"
)

type DestinationResponse struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Up             bool      `json:"up"`
	PagesPerMinute float64   `json:"pages_per_minute"`
	DownReason     string    `json:"down_reason,omitempty"`
	DownReporter   string    `json:"down_reporter,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type DestinationStatusRequest struct {
	Up       *bool  `json:"up" binding:"required"`
	Reason   string `json:"reason"`
	Reporter string `json:"reporter"`
}

// DestinationNotifier is told about up/down flips. A nil notifier is fine.
type DestinationNotifier interface {
	DestinationStatusChanged(dest *db.Destination)
}

type DestinationHandler struct {
	store  *db.Store
	queues *dispatch.QueueManager
	events DestinationNotifier
}

func NewDestinationHandler(store *db.Store, queues *dispatch.QueueManager, events DestinationNotifier) *DestinationHandler {
	return &DestinationHandler{store: store, queues: queues, events: events}
}

func (h *DestinationHandler) ListDestinations(c *gin.Context) {
	dests, err := h.store.ListDestinations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list destinations"})
		return
	}

	out := make([]DestinationResponse, 0, len(dests))
	for _, d := range dests {
		out = append(out, destinationToResponse(d))
	}

	c.JSON(http.StatusOK, gin.H{"destinations": out})
}

func (h *DestinationHandler) GetDestination(c *gin.Context) {
	id, err := h.parseDestinationID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid destination id"})
		return
	}

	dest, err := h.store.ReadDestination(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrDestinationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "destination not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get destination"})
		return
	}

	c.JSON(http.StatusOK, destinationToResponse(dest))
}

// UpdateStatus flips a destination up or down. Marking one down records the
// reason and reporter as a ticket; bringing it back clears the ticket. The
// balancers are told to re-read their destination lists either way.
func (h *DestinationHandler) UpdateStatus(c *gin.Context) {
	id, err := h.parseDestinationID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid destination id"})
		return
	}

	var req DestinationStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.UpdateDestinationStatus(c.Request.Context(), id, *req.Up, req.Reason, req.Reporter); err != nil {
		if errors.Is(err, db.ErrDestinationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "destination not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update destination"})
		return
	}

	h.queues.InvalidateAll()

	dest, err := h.store.ReadDestination(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read back destination"})
		return
	}

	if h.events != nil {
		h.events.DestinationStatusChanged(dest)
	}

	c.JSON(http.StatusOK, destinationToResponse(dest))
}

func (h *DestinationHandler) parseDestinationID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func destinationToResponse(d *db.Destination) DestinationResponse {
	return DestinationResponse{
		ID:             d.ID,
		Name:           d.Name,
		Up:             d.Up,
		PagesPerMinute: d.PagesPerMinute,
		DownReason:     d.DownReason,
		DownReporter:   d.DownReporter,
		CreatedAt:      d.CreatedAt,
	}
}

func (h *DestinationHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/destinations", h.ListDestinations)
	r.GET("/destinations/:id", h.GetDestination)
}

func (h *DestinationHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/destinations/:id/status", h.UpdateStatus)
}

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/dispatch/internal/db"
)

type QueueResponse struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Destinations []int64   `json:"destinations"`
	Strategy     string    `json:"strategy"`
	CreatedAt    time.Time `json:"created_at"`
}

type QueueHandler struct {
	store *db.Store
}

func NewQueueHandler(store *db.Store) *QueueHandler {
	return &QueueHandler{store: store}
}

func (h *QueueHandler) ListQueues(c *gin.Context) {
	queues, err := h.store.ListQueues(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list queues"})
		return
	}

	out := make([]QueueResponse, 0, len(queues))
	for _, q := range queues {
		out = append(out, queueToResponse(q))
	}

	c.JSON(http.StatusOK, gin.H{"queues": out})
}

func (h *QueueHandler) GetQueue(c *gin.Context) {
	q, err := h.store.ReadQueue(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, db.ErrQueueNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "queue not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get queue"})
		return
	}

	c.JSON(http.StatusOK, queueToResponse(q))
}

func queueToResponse(q *db.PrintQueue) QueueResponse {
	return QueueResponse{
		ID:           q.ID,
		Name:         q.Name,
		DisplayName:  q.DisplayName,
		Destinations: q.Destinations,
		Strategy:     q.Strategy,
		CreatedAt:    q.CreatedAt,
	}
}

func (h *QueueHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queues", h.ListQueues)
	r.GET("/queues/:name", h.GetQueue)
}

package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/observer/internal/http/dto"
	"basegraph.app/observer/internal/model"
	"basegraph.app/observer/internal/observer"
)

type RealtimeStatus interface {
	State() observer.State
	Cursor() int64
}

type StaleStatus interface {
	LastPass() *observer.PassResult
}

type FatalStatus interface {
	Err() error
}

type QueueStatus interface {
	Pending(ctx context.Context, priority model.Priority) (int64, error)
}

type StatusHandler struct {
	realtime RealtimeStatus
	stale    StaleStatus
	fatal    FatalStatus
	queue    QueueStatus
}

func NewStatusHandler(realtime RealtimeStatus, stale StaleStatus, fatal FatalStatus, queue QueueStatus) *StatusHandler {
	return &StatusHandler{realtime: realtime, stale: stale, fatal: fatal, queue: queue}
}

// Health fails once the pipeline can no longer make progress.
func (h *StatusHandler) Health(c *gin.Context) {
	if err := h.fatal.Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, dto.HealthResponse{Status: "failing", Error: err.Error()})
		return
	}
	if h.realtime.State() == observer.StateFailed {
		c.JSON(http.StatusServiceUnavailable, dto.HealthResponse{Status: "failing", Error: "change feed unavailable"})
		return
	}
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}

func (h *StatusHandler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := dto.StatusResponse{
		Realtime: dto.RealtimeStatus{
			State:  string(h.realtime.State()),
			Cursor: h.realtime.Cursor(),
		},
	}

	if last := h.stale.LastPass(); last != nil {
		resp.Stale.LastPass = &dto.StalePass{
			ScanID:     strconv.FormatInt(last.ScanID, 10),
			StartedAt:  last.StartedAt,
			FinishedAt: last.FinishedAt,
			Enqueued:   last.Enqueued,
			Error:      last.Error,
		}
	}

	if err := h.fatal.Err(); err != nil {
		resp.Fatal = true
		resp.Error = err.Error()
	}

	if h.queue != nil {
		pending := make(map[string]int64, 2)
		for _, p := range []model.Priority{model.PriorityHigh, model.PriorityLow} {
			n, err := h.queue.Pending(ctx, p)
			if err != nil {
				_ = c.Error(err)
				resp.Queue.Error = "queue unavailable"
				pending = nil
				break
			}
			pending[p.String()] = n
		}
		resp.Queue.Pending = pending
	}

	c.JSON(http.StatusOK, resp)
}

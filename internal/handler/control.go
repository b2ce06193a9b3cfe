package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ecg-server/internal/model"
	"ecg-server/internal/session"
)

type SessionService interface {
	Start(ctx context.Context, doctorID, patientID int64) (model.Session, error)
	Stop(ctx context.Context, doctorID, patientID int64) (model.Session, error)
	Get(ctx context.Context, id int64) (model.Session, error)
}

type ReadingCounter interface {
	CountReadings(ctx context.Context, sessionID int64) (int64, error)
}

type ControlHandler struct {
	Sessions SessionService
	Readings ReadingCounter
	Logger   *slog.Logger
}

func (h *ControlHandler) Start(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid doctor or patient id"})
		return
	}

	sess, err := h.Sessions.Start(c.Request.Context(), pair.DoctorID, pair.PatientID)
	if errors.Is(err, session.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Session already active"})
		return
	}
	if err != nil {
		h.logger().Error("start session", "pair", pair.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"session_id": sess.ID,
		"message":    "started",
	})
}

func (h *ControlHandler) Stop(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid doctor or patient id"})
		return
	}

	sess, err := h.Sessions.Stop(c.Request.Context(), pair.DoctorID, pair.PatientID)
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No active session"})
		return
	}
	if err != nil {
		h.logger().Error("stop session", "pair", pair.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"session_id": sess.ID,
		"message":    "stopped",
	})
}

func (h *ControlHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	sess, err := h.Sessions.Get(c.Request.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.logger().Error("get session", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	var readings int64
	if h.Readings != nil {
		if readings, err = h.Readings.CountReadings(c.Request.Context(), id); err != nil {
			h.logger().Error("count readings", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
	}

	var stoppedAt *string
	if sess.StoppedAt != nil {
		s := sess.StoppedAt.UTC().Format(time.RFC3339Nano)
		stoppedAt = &s
	}
	c.JSON(http.StatusOK, gin.H{"session": gin.H{
		"id":         sess.ID,
		"doctor_id":  sess.DoctorID,
		"patient_id": sess.PatientID,
		"started_at": sess.StartedAt.UTC().Format(time.RFC3339Nano),
		"stopped_at": stoppedAt,
		"active":     sess.Active(),
		"verdict":    sess.Verdict,
		"readings":   readings,
	}})
}

func (h *ControlHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

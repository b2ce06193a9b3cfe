package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ecg-server/internal/model"
)

type DeviceLister interface {
	List(ctx context.Context) ([]model.Device, error)
}

type DeviceHandler struct {
	Devices DeviceLister
	Logger  *slog.Logger
}

func (h *DeviceHandler) List(c *gin.Context) {
	devices, err := h.Devices.List(c.Request.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("list devices", "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	resp := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, gin.H{
			"device_id":     d.DeviceID,
			"registered_at": d.RegisteredAt.UTC().Format(time.RFC3339Nano),
			"last_seen":     d.LastSeen.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": resp})
}

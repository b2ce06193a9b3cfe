package server

import (
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ecg-server/internal/auth"
	"ecg-server/internal/buffer"
	"ecg-server/internal/device"
	"ecg-server/internal/hub"
	"ecg-server/internal/logging"
	"ecg-server/internal/model"
	"ecg-server/internal/session"
	"ecg-server/internal/store"
)

type nopCommander struct{}

func (nopCommander) Command(model.Pair, string) error { return nil }

type testEnv struct {
	store  *store.Memory
	buffer *buffer.MemoryBuffer
	hub    *hub.Hub
	router *gin.Engine
}

func newTestEnv(t *testing.T, tokenCfg auth.TokenConfig) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	buf := buffer.NewMemoryBuffer(0)
	h := hub.New()
	sessions := session.NewRegistry(session.Options{
		Sessions:  st,
		Buffer:    buf,
		Commands:  nopCommander{},
		Retention: time.Hour,
		Logger:    logging.Discard(),
	})
	r := NewRouter(Deps{
		Sessions:    sessions,
		Readings:    st,
		Devices:     device.NewRegistry(st),
		Hub:         h,
		TokenConfig: tokenCfg,
		Logger:      logging.Discard(),
	})
	return &testEnv{store: st, buffer: buf, hub: h, router: r}
}

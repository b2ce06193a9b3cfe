// Package hub fans live events out to the observers of a doctor/patient
// pair. Delivery is best effort: there is no replay, and an observer that
// cannot keep up is dropped.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ecg-server/internal/model"
)

type Writer interface {
	// Write must not block; implementations queue or fail.
	Write(message []byte) error
	Close() error
}

type Connection struct {
	ID     string
	Group  string
	Writer Writer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

// GroupName is the observer group of a pair.
func GroupName(pair model.Pair) string {
	return fmt.Sprintf("live_signals_%d_%d", pair.DoctorID, pair.PatientID)
}

func (h *Hub) Join(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.Group] == nil {
		h.connections[conn.Group] = make(map[*Connection]struct{})
	}
	h.connections[conn.Group][conn] = struct{}{}
}

func (h *Hub) Leave(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.Group]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.Group)
	}
}

func (h *Hub) Count(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[group])
}

// Broadcast writes message to every member of group and returns how many
// accepted it. Members whose writer fails are closed and removed.
func (h *Hub) Broadcast(group string, message []byte) int {
	h.mu.RLock()
	set := h.connections[group]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Leave(c)
	}
	return delivered
}

// Publish encodes event once and broadcasts it to the pair's group.
func (h *Hub) Publish(pair model.Pair, event any) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode live event: %w", err)
	}
	h.Broadcast(GroupName(pair), message)
	return nil
}

func (h *Hub) PublishSample(_ context.Context, s model.Sample) error {
	return h.Publish(s.Pair, NewSampleEvent(s))
}

func (h *Hub) PublishPrediction(_ context.Context, p model.Prediction) error {
	return h.Publish(p.Pair, NewPredictionEvent(p))
}

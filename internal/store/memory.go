package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ecg-server/internal/model"
)

// Memory is a mutex-guarded Repository used for single-node runs and tests.
// The mutex plays the role of the database constraints: every check-and-write
// happens under it.
type Memory struct {
	mu sync.RWMutex

	sessionsByID  map[int64]model.Session
	activeByPair  map[model.Pair]int64
	sessionSeq    int64
	readings      map[int64]map[int64]model.Reading // sessionID -> unix nanos -> reading
	devicesByID   map[string]model.Device
	failNextWrite error
}

func NewMemory() *Memory {
	return &Memory{
		sessionsByID: make(map[int64]model.Session),
		activeByPair: make(map[model.Pair]int64),
		readings:     make(map[int64]map[int64]model.Reading),
		devicesByID:  make(map[string]model.Device),
	}
}

func (s *Memory) CreateActiveSession(_ context.Context, pair model.Pair, startedAt time.Time) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activeByPair[pair]; ok {
		return model.Session{}, ErrConflict
	}

	s.sessionSeq++
	sess := model.Session{
		ID:        s.sessionSeq,
		DoctorID:  pair.DoctorID,
		PatientID: pair.PatientID,
		StartedAt: startedAt.UTC(),
		Verdict:   model.DefaultVerdict,
	}
	s.sessionsByID[sess.ID] = sess
	s.activeByPair[pair] = sess.ID
	return sess, nil
}

func (s *Memory) StopActiveSession(_ context.Context, pair model.Pair, stoppedAt time.Time) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, ok := s.activeByPair[pair]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	sess := s.sessionsByID[sid]
	at := stoppedAt.UTC()
	sess.StoppedAt = &at
	s.sessionsByID[sid] = sess
	delete(s.activeByPair, pair)
	return sess, nil
}

func (s *Memory) GetSession(_ context.Context, id int64) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessionsByID[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return sess, nil
}

// ListActiveSessions returns every session with a nil StoppedAt.
func (s *Memory) ListActiveSessions() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Session, 0)
	for _, sess := range s.sessionsByID {
		if sess.Active() {
			result = append(result, sess)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// DeleteSession removes a session and, like the SQL cascade, its readings.
func (s *Memory) DeleteSession(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessionsByID[id]
	if !ok {
		return false
	}
	delete(s.sessionsByID, id)
	delete(s.readings, id)
	if s.activeByPair[sess.Pair()] == id {
		delete(s.activeByPair, sess.Pair())
	}
	return true
}

// FailNextWrite makes the next InsertReadings call return err without
// writing anything.
func (s *Memory) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextWrite = err
}

func (s *Memory) InsertReadings(_ context.Context, readings []model.Reading) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNextWrite; err != nil {
		s.failNextWrite = nil
		return 0, err
	}

	// validate the whole batch first so the write is all-or-nothing
	for _, r := range readings {
		if _, ok := s.sessionsByID[r.SessionID]; !ok {
			return 0, fmt.Errorf("%w: reading references unknown session %d", ErrIntegrity, r.SessionID)
		}
	}

	inserted := 0
	for _, r := range readings {
		bySession := s.readings[r.SessionID]
		if bySession == nil {
			bySession = make(map[int64]model.Reading)
			s.readings[r.SessionID] = bySession
		}
		key := r.Timestamp.UnixNano()
		if _, exists := bySession[key]; exists {
			continue
		}
		values := make([]float64, len(r.Values))
		copy(values, r.Values)
		bySession[key] = model.Reading{SessionID: r.SessionID, Timestamp: r.Timestamp.UTC(), Values: values}
		inserted++
	}
	return inserted, nil
}

func (s *Memory) ListReadings(_ context.Context, sessionID int64) ([]model.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySession := s.readings[sessionID]
	result := make([]model.Reading, 0, len(bySession))
	for _, r := range bySession {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (s *Memory) CountReadings(_ context.Context, sessionID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.readings[sessionID])), nil
}

func (s *Memory) UpsertDevice(_ context.Context, deviceID string, now time.Time) (model.Device, bool, error) {
	if deviceID == "" {
		return model.Device{}, false, errors.New("missing device id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	if existing, ok := s.devicesByID[deviceID]; ok {
		existing.LastSeen = now
		s.devicesByID[deviceID] = existing
		return existing, false, nil
	}

	dev := model.Device{DeviceID: deviceID, RegisteredAt: now, LastSeen: now}
	s.devicesByID[deviceID] = dev
	return dev, true, nil
}

func (s *Memory) ListDevices(_ context.Context) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Device, 0, len(s.devicesByID))
	for _, d := range s.devicesByID {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result, nil
}

var _ Repository = (*Memory)(nil)

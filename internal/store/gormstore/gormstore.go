// Package gormstore is the SQL-backed Repository. Postgres is the production
// dialect; tests run the same code against sqlite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"ecg-server/internal/model"
	"ecg-server/internal/store"
)

const insertBatchSize = 200

type recordingSession struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	DoctorID  int64      `gorm:"not null;index:idx_session_pair;uniqueIndex:idx_session_active,where:stopped_at IS NULL"`
	PatientID int64      `gorm:"not null;index:idx_session_pair;uniqueIndex:idx_session_active,where:stopped_at IS NULL"`
	StartedAt time.Time  `gorm:"not null;index"`
	StoppedAt *time.Time `gorm:"index"`
	Verdict   string     `gorm:"size:64;not null;default:pending"`
}

type sensorReading struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	SessionID int64 `gorm:"not null;uniqueIndex:idx_reading_session_ts"`
	// TimestampNS is the identity of a sample; Timestamp is for queries and
	// display and only keeps microseconds.
	TimestampNS int64     `gorm:"column:ts_ns;not null;uniqueIndex:idx_reading_session_ts"`
	Timestamp   time.Time `gorm:"not null;index"`
	Values      []float64 `gorm:"type:jsonb;serializer:json;not null"`

	Session recordingSession `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

type device struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	DeviceID     string    `gorm:"size:100;not null;uniqueIndex"`
	RegisteredAt time.Time `gorm:"not null"`
	LastSeen     time.Time `gorm:"not null"`
}

type Store struct {
	db *gorm.DB
}

// Config is the gorm configuration shared by every dialect.
func Config() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: "ecg_",
		},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// OpenPostgres connects, configures the pool and migrates the schema.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), Config())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db)
}

// New migrates the schema on an already opened connection.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&recordingSession{}, &sensorReading{}, &device{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateActiveSession(ctx context.Context, pair model.Pair, startedAt time.Time) (model.Session, error) {
	row := recordingSession{
		DoctorID:  pair.DoctorID,
		PatientID: pair.PatientID,
		StartedAt: startedAt.UTC(),
		Verdict:   model.DefaultVerdict,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&recordingSession{}).
			Where("doctor_id = ? AND patient_id = ? AND stopped_at IS NULL", pair.DoctorID, pair.PatientID).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return store.ErrConflict
		}
		// the partial unique index rejects a concurrent insert that passed the count
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || isDuplicate(err) {
			return model.Session{}, store.ErrConflict
		}
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) StopActiveSession(ctx context.Context, pair model.Pair, stoppedAt time.Time) (model.Session, error) {
	at := stoppedAt.UTC()

	var row recordingSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("doctor_id = ? AND patient_id = ? AND stopped_at IS NULL", pair.DoctorID, pair.PatientID).
			Order("started_at DESC").Order("id DESC").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}

		res := tx.Model(&recordingSession{}).
			Where("id = ? AND stopped_at IS NULL", row.ID).
			Update("stopped_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// stopped concurrently
			return store.ErrNotFound
		}
		row.StoppedAt = &at
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Session{}, store.ErrNotFound
		}
		return model.Session{}, fmt.Errorf("stop session: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (model.Session, error) {
	var row recordingSession
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, store.ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}
	return row.toModel(), nil
}

// DeleteSession removes a session; its readings go with it through the
// foreign key cascade.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&recordingSession{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertReadings(ctx context.Context, readings []model.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	rows := make([]sensorReading, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, sensorReading{
			SessionID:   r.SessionID,
			TimestampNS: r.Timestamp.UnixNano(),
			Timestamp:   normalizeTime(r.Timestamp),
			Values:      r.Values,
		})
	}

	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, insertBatchSize)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected
		return nil
	})
	if err != nil {
		if isIntegrity(err) {
			return 0, fmt.Errorf("%w: %v", store.ErrIntegrity, err)
		}
		return 0, fmt.Errorf("insert readings: %w", err)
	}
	return int(inserted), nil
}

func (s *Store) ListReadings(ctx context.Context, sessionID int64) ([]model.Reading, error) {
	var rows []sensorReading
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("ts_ns ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}

	result := make([]model.Reading, 0, len(rows))
	for _, r := range rows {
		result = append(result, model.Reading{SessionID: r.SessionID, Timestamp: time.Unix(0, r.TimestampNS).UTC(), Values: r.Values})
	}
	return result, nil
}

func (s *Store) CountReadings(ctx context.Context, sessionID int64) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&sensorReading{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

func (s *Store) UpsertDevice(ctx context.Context, deviceID string, now time.Time) (model.Device, bool, error) {
	if deviceID == "" {
		return model.Device{}, false, errors.New("missing device id")
	}
	now = now.UTC()

	var (
		row     device
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := device{DeviceID: deviceID, RegisteredAt: now, LastSeen: now}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoNothing: true,
		}).Create(&candidate)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1

		if !created {
			if err := tx.Model(&device{}).Where("device_id = ?", deviceID).Update("last_seen", now).Error; err != nil {
				return err
			}
		}
		return tx.First(&row, "device_id = ?", deviceID).Error
	})
	if err != nil {
		return model.Device{}, false, fmt.Errorf("upsert device: %w", err)
	}
	return row.toModel(), created, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	var rows []device
	if err := s.db.WithContext(ctx).Order("device_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	result := make([]model.Device, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toModel())
	}
	return result, nil
}

func (r recordingSession) toModel() model.Session {
	sess := model.Session{
		ID:        r.ID,
		DoctorID:  r.DoctorID,
		PatientID: r.PatientID,
		StartedAt: r.StartedAt.UTC(),
		Verdict:   r.Verdict,
	}
	if r.StoppedAt != nil {
		at := r.StoppedAt.UTC()
		sess.StoppedAt = &at
	}
	return sess
}

func (d device) toModel() model.Device {
	return model.Device{
		DeviceID:     d.DeviceID,
		RegisteredAt: d.RegisteredAt.UTC(),
		LastSeen:     d.LastSeen.UTC(),
	}
}

// normalizeTime truncates to the microsecond precision postgres keeps.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

func isIntegrity(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") || strings.Contains(msg, "violates foreign key constraint")
}

var _ store.Repository = (*Store)(nil)

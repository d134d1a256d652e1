package storage

import (
	"context"
	"fmt"
	"time"

	"weather-ingest/config"
	"weather-ingest/internal/logger"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultObservationAge is reported when a location has no observations
// yet.
const DefaultObservationAge = 2 * time.Hour

type Database struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

// Open connects using the configured driver.
func Open(cfg config.DatabaseConfig, l *logger.Logger) (*Database, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	return NewDatabase(dialector, l)
}

func NewDatabase(dialector gorm.Dialector, l *logger.Logger) (*Database, error) {
	if l == nil {
		l = logger.Nop()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{
		db:  db,
		log: l,
		now: time.Now,
	}, nil
}

// unit runs fc on a single connection that is released when fc returns.
func (d *Database) unit(ctx context.Context, fc func(conn *gorm.DB) error) error {
	return d.db.WithContext(ctx).Connection(fc)
}

// EnsureSchema creates locations, weather_current and weather_forecast when
// the catalog does not list them. Existing tables are left untouched.
func (d *Database) EnsureSchema(ctx context.Context) error {
	tables := []struct {
		name  string
		model any
	}{
		{"locations", &Location{}},
		{"weather_current", &CurrentWeather{}},
		{"weather_forecast", &ForecastDay{}},
	}

	return d.unit(ctx, func(conn *gorm.DB) error {
		m := conn.Migrator()
		for _, t := range tables {
			if m.HasTable(t.model) {
				d.log.Info("table already exists", map[string]any{"table": t.name})
				continue
			}

			d.log.Info("table does not exist, creating", map[string]any{"table": t.name})
			if err := m.CreateTable(t.model); err != nil {
				return fmt.Errorf("create table %s: %w", t.name, err)
			}
			d.log.Info("table created", map[string]any{"table": t.name})
		}
		return nil
	})
}

// FetchOrCreateLocation returns the id of the (city, country) row, inserting
// it first when absent. created reports whether an insert happened.
func (d *Database) FetchOrCreateLocation(ctx context.Context, loc Location) (id uint, created bool, err error) {
	err = d.unit(ctx, func(conn *gorm.DB) error {
		var existing Location
		result := conn.Where("city = ? AND country = ?", loc.City, loc.Country).Limit(1).Find(&existing)
		if result.Error != nil {
			return fmt.Errorf("lookup location: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			id = existing.ID
			return nil
		}

		loc.ID = 0
		if err := conn.Create(&loc).Error; err != nil {
			return fmt.Errorf("insert location: %w", err)
		}
		id = loc.ID
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

// LastObservation returns the newest observation timestamp for a location.
// ok is false when the location has none.
func (d *Database) LastObservation(ctx context.Context, locationID uint) (ts time.Time, ok bool, err error) {
	err = d.unit(ctx, func(conn *gorm.DB) error {
		var last CurrentWeather
		result := conn.Select("timestamp").
			Where("location_id = ?", locationID).
			Order("timestamp DESC").
			Limit(1).
			Find(&last)
		if result.Error != nil {
			return fmt.Errorf("query last observation: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			ts, ok = last.Timestamp, true
		}
		return nil
	})
	return ts, ok, err
}

// ObservationAge is now minus the newest observation, in UTC, or
// DefaultObservationAge when nothing was recorded yet.
func (d *Database) ObservationAge(ctx context.Context, locationID uint, now time.Time) (time.Duration, error) {
	last, ok, err := d.LastObservation(ctx, locationID)
	if err != nil {
		return DefaultObservationAge, err
	}
	if !ok {
		return DefaultObservationAge, nil
	}
	return now.UTC().Sub(last.UTC()), nil
}

// SaveCurrent inserts observations in one batch. Zero timestamps are set to
// the insertion time.
func (d *Database) SaveCurrent(ctx context.Context, observations []CurrentWeather) error {
	if len(observations) == 0 {
		return nil
	}

	now := d.now().UTC()
	for i := range observations {
		if observations[i].Timestamp.IsZero() {
			observations[i].Timestamp = now
		}
	}

	return d.unit(ctx, func(conn *gorm.DB) error {
		return conn.Transaction(func(tx *gorm.DB) error {
			if err := tx.Omit(clause.Associations).Create(&observations).Error; err != nil {
				return fmt.Errorf("insert weather_current: %w", err)
			}
			return nil
		})
	})
}

// UpsertForecast writes forecast days keyed on (location_id, date),
// overwriting every non-key column of rows that already exist.
func (d *Database) UpsertForecast(ctx context.Context, days []ForecastDay) error {
	if len(days) == 0 {
		return nil
	}

	return d.unit(ctx, func(conn *gorm.DB) error {
		return conn.Transaction(func(tx *gorm.DB) error {
			err := tx.Omit(clause.Associations).
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "location_id"}, {Name: "date"}},
					DoUpdates: clause.AssignmentColumns(forecastUpdateColumns),
				}).
				Create(&days).Error
			if err != nil {
				return fmt.Errorf("upsert weather_forecast: %w", err)
			}
			return nil
		})
	})
}

func (d *Database) GetLocations(ctx context.Context) ([]Location, error) {
	var locations []Location
	result := d.db.WithContext(ctx).Order("id").Find(&locations)
	if result.Error != nil {
		return nil, result.Error
	}
	return locations, nil
}

// GetLocationByCity returns nil without error when the city is unknown.
func (d *Database) GetLocationByCity(ctx context.Context, city string) (*Location, error) {
	var loc Location
	result := d.db.WithContext(ctx).Where("city = ?", city).Limit(1).Find(&loc)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &loc, nil
}

func (d *Database) GetObservations(ctx context.Context, locationID uint, limit int) ([]CurrentWeather, error) {
	var observations []CurrentWeather
	result := d.db.WithContext(ctx).
		Where("location_id = ?", locationID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&observations)
	if result.Error != nil {
		return nil, result.Error
	}
	return observations, nil
}

// GetForecast returns forecast days on or after from, oldest first.
func (d *Database) GetForecast(ctx context.Context, locationID uint, from time.Time) ([]ForecastDay, error) {
	var days []ForecastDay
	result := d.db.WithContext(ctx).
		Where("location_id = ? AND date >= ?", locationID, truncateDay(from)).
		Order("date").
		Find(&days)
	if result.Error != nil {
		return nil, result.Error
	}
	return days, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

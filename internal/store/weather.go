package store

import (
	"context"
	"database/sql"
	"time"
)

const sensorDDL = `
CREATE TABLE IF NOT EXISTS weather (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	inserted_at        TEXT NOT NULL,
	station            TEXT NOT NULL,
	observation_time   TEXT,
	air_temp           REAL,
	relative_humidity  REAL,
	dew_point          REAL,
	wind_speed         REAL,
	UNIQUE(station, observation_time)
);
`

const forecastDDL = `
CREATE TABLE IF NOT EXISTS forecast (
	inserted_at        TEXT NOT NULL,
	idx                INTEGER NOT NULL,
	station            TEXT NOT NULL,
	observation_time   TEXT,
	air_temp           REAL,
	relative_humidity  REAL,
	dew_point          REAL,
	wind_speed         REAL,
	PRIMARY KEY(idx, station, observation_time)
);
`

// Observation is one weather reading, either sensed or forecast. Idx is
// meaningful only for forecasts: the row's 0-based position in the fetched
// horizon.
type Observation struct {
	Station          string
	ObservationTime  string // local time with offset, as reported upstream
	AirTemp          float64
	RelativeHumidity float64
	DewPoint         float64
	WindSpeed        float64
	Idx              int
}

// SensorStore holds deduplicated station observations. Re-inserting an
// existing (station, observation_time) is a no-op.
type SensorStore struct {
	db *sql.DB
}

func OpenSensor(path string) (*SensorStore, error) {
	db, err := open(path, sensorDDL)
	if err != nil {
		return nil, err
	}
	return &SensorStore{db: db}, nil
}

func (s *SensorStore) Close() error { return s.db.Close() }

func (s *SensorStore) InsertBatch(ctx context.Context, insertedAt time.Time, obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO weather
		(inserted_at, station, observation_time,
		 air_temp, relative_humidity, dew_point, wind_speed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	ts := UTCMicro(insertedAt)
	for i := range obs {
		o := &obs[i]
		if _, err := stmt.ExecContext(ctx, ts, o.Station, o.ObservationTime,
			o.AirTemp, o.RelativeHumidity, o.DewPoint, o.WindSpeed); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CountStation reports rows for one station (used by tests and inspection).
func (s *SensorStore) CountStation(ctx context.Context, station string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM weather WHERE station = ?`, station).Scan(&n)
	return n, err
}

// ForecastStore holds hourly forecast rows keyed by horizon position.
type ForecastStore struct {
	db *sql.DB
}

func OpenForecast(path string) (*ForecastStore, error) {
	db, err := open(path, forecastDDL)
	if err != nil {
		return nil, err
	}
	return &ForecastStore{db: db}, nil
}

func (s *ForecastStore) Close() error { return s.db.Close() }

func (s *ForecastStore) InsertBatch(ctx context.Context, insertedAt time.Time, obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO forecast
		(inserted_at, idx, station, observation_time,
		 air_temp, relative_humidity, dew_point, wind_speed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	ts := UTCMicro(insertedAt)
	for i := range obs {
		o := &obs[i]
		if _, err := stmt.ExecContext(ctx, ts, o.Idx, o.Station, o.ObservationTime,
			o.AirTemp, o.RelativeHumidity, o.DewPoint, o.WindSpeed); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

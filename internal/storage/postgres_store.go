package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/campus-transit/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) SaveSession(ctx context.Context, s *models.RideSession) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ride_sessions(id, driver_id, route_name, state, started_at) VALUES($1,$2,$3,$4,$5)`,
		s.ID, s.DriverID, s.RouteName, s.State, s.StartedAt)
	return err
}

func (p *PostgresStore) EndSession(ctx context.Context, s *models.RideSession) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE ride_sessions SET state=$1, ended_at=$2 WHERE id=$3`,
		s.State, s.EndedAt, s.ID)
	return err
}

func (p *PostgresStore) SaveLatestSample(ctx context.Context, sample models.LocationSample) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO location_samples(driver_id, route_name, latitude, longitude, accuracy_m, captured_at)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (driver_id) DO UPDATE SET
		   route_name=EXCLUDED.route_name, latitude=EXCLUDED.latitude, longitude=EXCLUDED.longitude,
		   accuracy_m=EXCLUDED.accuracy_m, captured_at=EXCLUDED.captured_at`,
		sample.DriverID, sample.RouteName, sample.Latitude, sample.Longitude, sample.AccuracyM, sample.CapturedAt)
	return err
}

func (p *PostgresStore) SaveAttendanceRecord(ctx context.Context, rec models.AttendanceRecord) error {
	var lat, lon sql.NullFloat64
	if rec.Location != nil {
		lat = sql.NullFloat64{Float64: rec.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: rec.Location.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO attendance_records(id, ride_session_id, rider_id, route_name, stop_name, scanned_at, lat, lon, valid)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.RideSessionID, rec.RiderID, rec.RouteName, rec.StopName, rec.ScannedAt, lat, lon, rec.Valid)
	return err
}

func (p *PostgresStore) SavePreference(ctx context.Context, pref models.NotificationPreference) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO notification_preferences(rider_id, route_name, enabled, distance_km, time_minutes, stop_name, stop_lat, stop_lon)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (rider_id, route_name) DO UPDATE SET
		   enabled=EXCLUDED.enabled, distance_km=EXCLUDED.distance_km, time_minutes=EXCLUDED.time_minutes,
		   stop_name=EXCLUDED.stop_name, stop_lat=EXCLUDED.stop_lat, stop_lon=EXCLUDED.stop_lon`,
		pref.RiderID, pref.RouteName, pref.Enabled, pref.DistanceKm, pref.TimeMinutes, pref.StopName, pref.Stop.Lat, pref.Stop.Lon)
	return err
}

func (p *PostgresStore) ListPreferencesByRoute(ctx context.Context, route string) ([]models.NotificationPreference, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT rider_id, route_name, enabled, distance_km, time_minutes, stop_name, stop_lat, stop_lon
		 FROM notification_preferences WHERE route_name=$1 AND enabled`, route)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.NotificationPreference
	for rows.Next() {
		var pref models.NotificationPreference
		if err := rows.Scan(&pref.RiderID, &pref.RouteName, &pref.Enabled, &pref.DistanceKm,
			&pref.TimeMinutes, &pref.StopName, &pref.Stop.Lat, &pref.Stop.Lon); err != nil {
			return nil, err
		}
		out = append(out, pref)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveAlert(ctx context.Context, a *models.EmergencyAlert) error {
	var lat, lon sql.NullFloat64
	if a.Location != nil {
		lat = sql.NullFloat64{Float64: a.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: a.Location.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO emergency_alerts(id, reporter_type, reporter_id, route_name, emergency_type, priority_level,
		   message, contact_number, lat, lon, status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.ReporterType, a.ReporterID, a.RouteName, a.EmergencyType, a.PriorityLevel,
		a.Message, a.ContactNumber, lat, lon, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateAlert(ctx context.Context, a *models.EmergencyAlert) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE emergency_alerts SET status=$1, acknowledged_by=$2, resolved_by=$3, notes=$4,
		   acknowledged_at=$5, resolved_at=$6, updated_at=$7 WHERE id=$8`,
		a.Status, a.AcknowledgedBy, a.ResolvedBy, a.Notes, a.AcknowledgedAt, a.ResolvedAt, a.UpdatedAt, a.ID)
	return err
}

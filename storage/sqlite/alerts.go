package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/storage"
)

const alertColumns = `id, title, message, level, type, source, status, device_id, user_id,
  image_file, lat, lon, created_at, updated_at, resolved_at`

func scanAlert(row rowScanner) (alert.Record, error) {
	var (
		rec      alert.Record
		level    string
		status   string
		deviceID sql.NullInt64
		userID   sql.NullInt64
		image    sql.NullString
		lat      sql.NullFloat64
		lon      sql.NullFloat64
		created  int64
		updated  int64
		resolved sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Title, &rec.Message, &level, &rec.Type, &rec.Source, &status,
		&deviceID, &userID, &image, &lat, &lon, &created, &updated, &resolved)
	if err != nil {
		return alert.Record{}, err
	}
	rec.Level = alert.Level(level)
	rec.Status = alert.Status(status)
	rec.DeviceID = nullInt64(deviceID)
	rec.UserID = nullInt64(userID)
	rec.ImageFile = nullString(image)
	rec.Lat = nullFloat(lat)
	rec.Lon = nullFloat(lon)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	rec.ResolvedAt = nullableMillis(resolved)
	return rec, nil
}

// CreateAlert persists rec. Empty level and status default to info and active.
func (s *Store) CreateAlert(ctx context.Context, rec alert.Record) (alert.Record, error) {
	if rec.Level == "" {
		rec.Level = alert.LevelInfo
	}
	if rec.Status == "" {
		rec.Status = alert.StatusActive
	}
	switch {
	case strings.TrimSpace(rec.Title) == "":
		return alert.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: alert title is required", errors.ErrInvalidData), "Store", "CreateAlert", "validate alert")
	case !rec.Level.Valid():
		return alert.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: unknown level %q", errors.ErrInvalidData, rec.Level), "Store", "CreateAlert", "validate alert")
	case !rec.Status.Valid():
		return alert.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: unknown status %q", errors.ErrInvalidData, rec.Status), "Store", "CreateAlert", "validate alert")
	}

	now := s.stamp()
	var resolvedAt any
	if rec.Status == alert.StatusResolved {
		resolvedAt = now
	}

	res, err := s.exec(ctx, `INSERT INTO alerts (title, message, level, type, source, status, device_id, user_id,
  image_file, lat, lon, created_at, updated_at, resolved_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Title, rec.Message, string(rec.Level), rec.Type, rec.Source, string(rec.Status),
		rec.DeviceID, rec.UserID, rec.ImageFile, rec.Lat, rec.Lon, now, now, resolvedAt)
	if err != nil {
		return alert.Record{}, classify(fmt.Errorf("%w: %v", errors.ErrPersistFailed, err), "CreateAlert", "insert alert")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return alert.Record{}, classify(err, "CreateAlert", "read insert id")
	}
	return s.GetAlert(ctx, id)
}

// GetAlert returns one alert
func (s *Store) GetAlert(ctx context.Context, id int64) (alert.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	rec, err := scanAlert(row)
	if err != nil {
		return alert.Record{}, classify(err, "GetAlert", fmt.Sprintf("load alert %d", id))
	}
	return rec, nil
}

// ListAlerts returns alerts matching q, newest first
func (s *Store) ListAlerts(ctx context.Context, q storage.AlertQuery) ([]alert.Record, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(q.Level))
	}
	if q.DeviceID != nil {
		where = append(where, "device_id = ?")
		args = append(args, *q.DeviceID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "ListAlerts", "query alerts")
	}
	defer rows.Close()

	records := []alert.Record{}
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, classify(err, "ListAlerts", "scan alert")
		}
		records = append(records, rec)
	}
	return records, classify(rows.Err(), "ListAlerts", "iterate alerts")
}

// UpdateAlert applies a partial update
func (s *Store) UpdateAlert(ctx context.Context, id int64, u storage.AlertUpdate) (alert.Record, error) {
	var up update
	if u.Title != nil {
		if strings.TrimSpace(*u.Title) == "" {
			return alert.Record{}, errors.WrapInvalid(
				fmt.Errorf("%w: alert title is required", errors.ErrInvalidData), "Store", "UpdateAlert", "validate alert")
		}
		up.set("title", *u.Title)
	}
	if u.Message != nil {
		up.set("message", *u.Message)
	}
	if u.Level != nil {
		if !u.Level.Valid() {
			return alert.Record{}, errors.WrapInvalid(
				fmt.Errorf("%w: unknown level %q", errors.ErrInvalidData, *u.Level), "Store", "UpdateAlert", "validate alert")
		}
		up.set("level", string(*u.Level))
	}
	if u.Type != nil {
		up.set("type", *u.Type)
	}
	if u.Source != nil {
		up.set("source", *u.Source)
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return alert.Record{}, errors.WrapInvalid(
				fmt.Errorf("%w: unknown status %q", errors.ErrInvalidData, *u.Status), "Store", "UpdateAlert", "validate alert")
		}
		up.set("status", string(*u.Status))
		if *u.Status == alert.StatusResolved {
			up.set("resolved_at", s.stamp())
		} else {
			up.set("resolved_at", nil)
		}
	}
	if up.empty() {
		return s.GetAlert(ctx, id)
	}
	return s.applyAlertUpdate(ctx, id, up, "UpdateAlert")
}

// ResolveAlert marks an alert resolved and stamps resolved_at
func (s *Store) ResolveAlert(ctx context.Context, id int64) (alert.Record, error) {
	var up update
	up.set("status", string(alert.StatusResolved))
	up.set("resolved_at", s.stamp())
	return s.applyAlertUpdate(ctx, id, up, "ResolveAlert")
}

// AcknowledgeAlert marks an alert acknowledged
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) (alert.Record, error) {
	var up update
	up.set("status", string(alert.StatusAcknowledged))
	return s.applyAlertUpdate(ctx, id, up, "AcknowledgeAlert")
}

func (s *Store) applyAlertUpdate(ctx context.Context, id int64, up update, method string) (alert.Record, error) {
	up.set("updated_at", s.stamp())
	args := append(up.args, id)

	res, err := s.exec(ctx, `UPDATE alerts SET `+strings.Join(up.sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return alert.Record{}, classify(err, method, fmt.Sprintf("update alert %d", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alert.Record{}, classify(sql.ErrNoRows, method, fmt.Sprintf("update alert %d", id))
	}
	return s.GetAlert(ctx, id)
}

// DeleteAlert removes one alert
func (s *Store) DeleteAlert(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return classify(err, "DeleteAlert", fmt.Sprintf("delete alert %d", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return classify(sql.ErrNoRows, "DeleteAlert", fmt.Sprintf("delete alert %d", id))
	}
	return nil
}

// DeleteResolvedAlerts removes every resolved alert and returns the count
func (s *Store) DeleteResolvedAlerts(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM alerts WHERE status = ?`, string(alert.StatusResolved))
	if err != nil {
		return 0, classify(err, "DeleteResolvedAlerts", "delete resolved alerts")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

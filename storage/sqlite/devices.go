package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/storage"
)

const deviceColumns = `id, name, type, status, ip, port, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (storage.Device, error) {
	var (
		d       storage.Device
		status  string
		ip      sql.NullString
		port    sql.NullInt64
		created int64
		updated int64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Type, &status, &ip, &port, &created, &updated); err != nil {
		return storage.Device{}, err
	}
	d.Status = storage.DeviceStatus(status)
	d.IP = nullString(ip)
	if port.Valid {
		p := int(port.Int64)
		d.Port = &p
	}
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return d, nil
}

func validateDevice(name, typ string, status storage.DeviceStatus, port *int) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: device name is required", errors.ErrInvalidData)
	case strings.TrimSpace(typ) == "":
		return fmt.Errorf("%w: device type is required", errors.ErrInvalidData)
	case !status.Valid():
		return fmt.Errorf("%w: unknown device status %q", errors.ErrInvalidData, status)
	case port != nil && (*port <= 0 || *port > 65535):
		return fmt.Errorf("%w: port %d out of range", errors.ErrInvalidData, *port)
	}
	return nil
}

// CreateDevice inserts a device. An empty status defaults to stopped.
func (s *Store) CreateDevice(ctx context.Context, d storage.Device) (storage.Device, error) {
	if d.Status == "" {
		d.Status = storage.DeviceStopped
	}
	if err := validateDevice(d.Name, d.Type, d.Status, d.Port); err != nil {
		return storage.Device{}, errors.WrapInvalid(err, "Store", "CreateDevice", "validate device")
	}

	now := s.stamp()
	res, err := s.exec(ctx,
		`INSERT INTO devices (name, type, status, ip, port, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Name, d.Type, string(d.Status), d.IP, d.Port, now, now)
	if err != nil {
		return storage.Device{}, classify(err, "CreateDevice", "insert device")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Device{}, classify(err, "CreateDevice", "read insert id")
	}
	return s.GetDevice(ctx, id)
}

// GetDevice returns one device
func (s *Store) GetDevice(ctx context.Context, id int64) (storage.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		return storage.Device{}, classify(err, "GetDevice", fmt.Sprintf("load device %d", id))
	}
	return d, nil
}

// ListDevices returns devices matching q, newest first
func (s *Store) ListDevices(ctx context.Context, q storage.DeviceQuery) ([]storage.Device, error) {
	var (
		where []string
		args  []any
	)
	if q.Name != "" {
		where = append(where, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.Name)+"%")
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}

	query := `SELECT ` + deviceColumns + ` FROM devices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "ListDevices", "query devices")
	}
	defer rows.Close()

	devices := []storage.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, classify(err, "ListDevices", "scan device")
		}
		devices = append(devices, d)
	}
	return devices, classify(rows.Err(), "ListDevices", "iterate devices")
}

// ListDevicesWithEndpoint returns every device with both ip and port configured
func (s *Store) ListDevicesWithEndpoint(ctx context.Context) ([]storage.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ip, port FROM devices WHERE ip IS NOT NULL AND ip != '' AND port IS NOT NULL AND port > 0 ORDER BY id`)
	if err != nil {
		return nil, classify(err, "ListDevicesWithEndpoint", "query endpoints")
	}
	defer rows.Close()

	var endpoints []storage.Endpoint
	for rows.Next() {
		var ep storage.Endpoint
		if err := rows.Scan(&ep.DeviceID, &ep.Address, &ep.Port); err != nil {
			return nil, classify(err, "ListDevicesWithEndpoint", "scan endpoint")
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, classify(rows.Err(), "ListDevicesWithEndpoint", "iterate endpoints")
}

// UpdateDevice applies a partial update and returns the result
func (s *Store) UpdateDevice(ctx context.Context, id int64, u storage.DeviceUpdate) (storage.Device, error) {
	current, err := s.GetDevice(ctx, id)
	if err != nil {
		return storage.Device{}, err
	}

	name, typ, status, port := current.Name, current.Type, current.Status, current.Port
	if u.Name != nil {
		name = *u.Name
	}
	if u.Type != nil {
		typ = *u.Type
	}
	if u.Status != nil {
		status = *u.Status
	}
	if u.Port != nil {
		port = u.Port
	}
	if err := validateDevice(name, typ, status, port); err != nil {
		return storage.Device{}, errors.WrapInvalid(err, "Store", "UpdateDevice", "validate device")
	}

	var up update
	if u.Name != nil {
		up.set("name", *u.Name)
	}
	if u.Type != nil {
		up.set("type", *u.Type)
	}
	if u.Status != nil {
		up.set("status", string(*u.Status))
	}
	switch {
	case u.ClearEndpoint:
		up.set("ip", nil)
		up.set("port", nil)
	default:
		if u.IP != nil {
			up.set("ip", *u.IP)
		}
		if u.Port != nil {
			up.set("port", *u.Port)
		}
	}
	if up.empty() {
		return current, nil
	}
	up.set("updated_at", s.stamp())

	args := append(up.args, id)
	if _, err := s.exec(ctx, `UPDATE devices SET `+strings.Join(up.sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return storage.Device{}, classify(err, "UpdateDevice", fmt.Sprintf("update device %d", id))
	}
	return s.GetDevice(ctx, id)
}

// DeleteDevice removes a device. Its alerts keep their rows with device_id cleared.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return classify(err, "DeleteDevice", fmt.Sprintf("delete device %d", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return classify(sql.ErrNoRows, "DeleteDevice", fmt.Sprintf("delete device %d", id))
	}
	return nil
}

// DeleteDevices removes several devices and returns how many existed
func (s *Store) DeleteDevices(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.exec(ctx, `DELETE FROM devices WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, classify(err, "DeleteDevices", "delete devices")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

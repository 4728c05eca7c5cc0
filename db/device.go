package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/palantir/stacktrace"
)

// Device is a registered device as last reported by its connection.
type Device struct {
	ID           string     `json:"id"`
	Hostname     string     `json:"hostname"`
	Kind         string     `json:"kind"`
	Platform     string     `json:"platform"`
	Architecture string     `json:"architecture"`
	Tags         []string   `json:"tags"`
	IsConnected  bool       `json:"is_connected"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

const deviceColumns = `id, hostname, kind, platform, architecture, tags, is_connected, last_activity`

// AddOrUpdateDevice inserts the device or replaces the stored attributes of
// an existing device with the same id.
func (t *Store) AddOrUpdateDevice(ctx context.Context, device *Device) error {
	tags := device.Tags

	if tags == nil {
		tags = []string{}
	}

	tagsb, err := json.Marshal(tags)

	if err != nil {
		return stacktrace.Propagate(err, "failed to encode tags for device %v", device.ID)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO device (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname      = excluded.hostname,
			kind          = excluded.kind,
			platform      = excluded.platform,
			architecture  = excluded.architecture,
			tags          = excluded.tags,
			is_connected  = excluded.is_connected,
			last_activity = excluded.last_activity`,
		device.ID,
		device.Hostname,
		device.Kind,
		device.Platform,
		device.Architecture,
		string(tagsb),
		device.IsConnected,
		unixMilliOrNull(device.LastActivity),
	)

	if err != nil {
		return stacktrace.Propagate(err, "failed to add or update device %v", device.ID)
	}

	return nil
}

// SetDeviceConnected flips the connection flag and stamps the activity time.
func (t *Store) SetDeviceConnected(ctx context.Context, deviceid string, connected bool, at time.Time) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE device SET is_connected = ?, last_activity = ? WHERE id = ?`,
		connected, at.UnixMilli(), deviceid,
	)

	if err != nil {
		return stacktrace.Propagate(err, "failed to update device %v", deviceid)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

// DeviceExists indicates if a device with the id is registered.
func (t *Store) DeviceExists(ctx context.Context, deviceid string) (bool, error) {
	var count int

	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device WHERE id = ?`, deviceid).Scan(&count)

	if err != nil {
		return false, stacktrace.Propagate(err, "failed to query device %v", deviceid)
	}

	return count == 1, nil
}

// DeviceConnected indicates if the device is registered and connected.
func (t *Store) DeviceConnected(ctx context.Context, deviceid string) (bool, error) {
	var count int

	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device WHERE id = ? AND is_connected = 1`, deviceid,
	).Scan(&count)

	if err != nil {
		return false, stacktrace.Propagate(err, "failed to query device %v", deviceid)
	}

	return count == 1, nil
}

// GetDevice returns the device with the id or ErrNotFound.
func (t *Store) GetDevice(ctx context.Context, deviceid string) (*Device, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device WHERE id = ?`, deviceid)

	device, err := scanDevice(row)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to read device %v", deviceid)
	}

	return device, nil
}

// ListDevices returns every registered device ordered by hostname.
func (t *Store) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM device ORDER BY hostname, id`)

	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to list devices")
	}
	defer rows.Close()

	devices := []*Device{}

	for rows.Next() {
		device, err := scanDevice(rows)

		if err != nil {
			return nil, stacktrace.Propagate(err, "failed to read device row")
		}

		devices = append(devices, device)
	}

	if err = rows.Err(); err != nil {
		return nil, stacktrace.Propagate(err, "failed to iterate devices")
	}

	return devices, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row scanner) (*Device, error) {
	var device Device
	var tags string
	var lastActivity sql.NullInt64

	err := row.Scan(
		&device.ID,
		&device.Hostname,
		&device.Kind,
		&device.Platform,
		&device.Architecture,
		&tags,
		&device.IsConnected,
		&lastActivity,
	)

	if err != nil {
		return nil, err
	}

	if err = json.Unmarshal([]byte(tags), &device.Tags); err != nil {
		return nil, err
	}

	if lastActivity.Valid {
		at := time.UnixMilli(lastActivity.Int64).UTC()
		device.LastActivity = &at
	}

	return &device, nil
}

func unixMilliOrNull(at *time.Time) interface{} {
	if at == nil {
		return nil
	}
	return at.UnixMilli()
}

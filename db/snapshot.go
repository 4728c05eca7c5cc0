package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/palantir/stacktrace"
)

// Snapshot is the latest payload a device published for one event name.
type Snapshot struct {
	DeviceID   string          `json:"device_id"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PutSnapshot stores data as the device's latest payload for event,
// replacing any older one.
func (t *Store) PutSnapshot(ctx context.Context, deviceid string, event string, data json.RawMessage, at time.Time) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO snapshot (device_id, event, data, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, event) DO UPDATE SET
			data        = excluded.data,
			received_at = excluded.received_at`,
		deviceid, event, string(data), at.UnixMilli(),
	)

	if err != nil {
		return stacktrace.Propagate(err, "failed to store %v snapshot for device %v", event, deviceid)
	}

	return nil
}

// LatestSnapshots returns the device's latest payload per event name.
func (t *Store) LatestSnapshots(ctx context.Context, deviceid string) ([]*Snapshot, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT device_id, event, data, received_at
		FROM snapshot WHERE device_id = ? ORDER BY event`,
		deviceid,
	)

	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to query snapshots for device %v", deviceid)
	}
	defer rows.Close()

	snapshots := []*Snapshot{}

	for rows.Next() {
		var s Snapshot
		var data string
		var at int64

		if err = rows.Scan(&s.DeviceID, &s.Event, &data, &at); err != nil {
			return nil, stacktrace.Propagate(err, "failed to read snapshot row")
		}

		s.Data = json.RawMessage(data)
		s.ReceivedAt = time.UnixMilli(at).UTC()
		snapshots = append(snapshots, &s)
	}

	if err = rows.Err(); err != nil {
		return nil, stacktrace.Propagate(err, "failed to iterate snapshots")
	}

	return snapshots, nil
}

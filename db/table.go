package db

type tableName string

const (
	DeviceTable   tableName = tableName("device")
	SnapshotTable tableName = tableName("snapshot")
	UserTable     tableName = tableName("user")
)

// tables lists every table with its schema in creation order.
var tables = []struct {
	name   tableName
	schema string
}{
	{DeviceTable, `CREATE TABLE IF NOT EXISTS device (
		id            TEXT PRIMARY KEY,
		hostname      TEXT NOT NULL DEFAULT '',
		kind          TEXT NOT NULL DEFAULT '',
		platform      TEXT NOT NULL DEFAULT '',
		architecture  TEXT NOT NULL DEFAULT '',
		tags          TEXT NOT NULL DEFAULT '[]',
		is_connected  INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER
	)`},
	{SnapshotTable, `CREATE TABLE IF NOT EXISTS snapshot (
		device_id   TEXT NOT NULL REFERENCES device(id) ON DELETE CASCADE,
		event       TEXT NOT NULL,
		data        TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, event)
	)`},
	{UserTable, `CREATE TABLE IF NOT EXISTS user (
		id                 TEXT PRIMARY KEY,
		admin              INTEGER NOT NULL DEFAULT 0,
		login              TEXT NOT NULL UNIQUE,
		email              TEXT NOT NULL DEFAULT '',
		totp_secret        TEXT NOT NULL,
		ed25519_public_key BLOB NOT NULL
	)`},
}

package repo

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrTokenNotFound is returned when a bearer token hash has no row, or
// the row exists but has been revoked.
var ErrTokenNotFound = errors.New("repo: device token not found or revoked")

// DeviceToken identifies the device type and id a bearer token
// authenticates.
type DeviceToken struct {
	DeviceType string // "forwarder" | "receiver"
	DeviceID   string
}

// DeviceTokens is the device_tokens table's data access object.
type DeviceTokens struct {
	db *sql.DB
}

// NewDeviceTokens builds a DeviceTokens repo over db.
func NewDeviceTokens(db *sql.DB) *DeviceTokens {
	return &DeviceTokens{db: db}
}

// Lookup resolves tokenHash (the SHA-256 of the bearer token) to its
// device type and id. Returns ErrTokenNotFound if the hash is absent
// or the token has been revoked.
func (t *DeviceTokens) Lookup(tokenHash []byte) (DeviceToken, error) {
	row := t.db.QueryRow(
		`SELECT device_type, device_id FROM device_tokens WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash,
	)
	var dt DeviceToken
	err := row.Scan(&dt.DeviceType, &dt.DeviceID)
	if err == sql.ErrNoRows {
		return DeviceToken{}, ErrTokenNotFound
	}
	if err != nil {
		return DeviceToken{}, fmt.Errorf("repo: looking up device token: %w", err)
	}
	return dt, nil
}

package devices

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/edgewan/edgewan/internal/protocol"
)

// Store provides persistent device records backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (or creates) a SQLite-backed device store.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open devices db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS devices (
		id             TEXT PRIMARY KEY,
		machine_id     TEXT NOT NULL UNIQUE,
		serial         TEXT NOT NULL DEFAULT '',
		hostname       TEXT NOT NULL DEFAULT '',
		token_hash     TEXT NOT NULL DEFAULT '',
		org            TEXT NOT NULL,
		account        TEXT NOT NULL,
		agent_version  TEXT NOT NULL DEFAULT '',
		router_version TEXT NOT NULL DEFAULT '',
		interfaces     TEXT NOT NULL DEFAULT '[]',
		hw_cores       INTEGER NOT NULL DEFAULT 0,
		vpp_cores      INTEGER NOT NULL DEFAULT 0,
		connected      INTEGER NOT NULL DEFAULT 0,
		registered     TEXT NOT NULL,
		last_seen      TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create devices table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tunnels (
		id        TEXT PRIMARY KEY,
		org       TEXT NOT NULL,
		device_a  TEXT NOT NULL,
		device_b  TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tunnels table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_devices_org ON devices(org)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_devices_account ON devices(account)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tunnels_devices ON tunnels(device_a, device_b)`)

	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for transactional workflows.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close shuts down the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register creates a device record. The device token is stored as a bcrypt
// hash; the caller keeps the clear token for provisioning the device.
func (s *Store) Register(dev Device, deviceToken string) (*Device, error) {
	if strings.TrimSpace(dev.MachineID) == "" {
		return nil, fmt.Errorf("machine id required")
	}
	if strings.TrimSpace(dev.Org) == "" || strings.TrimSpace(dev.Account) == "" {
		return nil, fmt.Errorf("org and account required")
	}

	now := time.Now().UTC()
	if dev.ID == "" {
		dev.ID = uuid.NewString()
	}
	if dev.Registered.IsZero() {
		dev.Registered = now
	}
	dev.LastSeen = now

	hash, err := bcrypt.GenerateFromPassword([]byte(deviceToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash device token: %w", err)
	}
	dev.tokenHash = string(hash)

	ifaces, _ := json.Marshal(dev.Interfaces)
	_, err = s.db.Exec(`INSERT INTO devices (id, machine_id, serial, hostname, token_hash, org, account,
			agent_version, router_version, interfaces, hw_cores, vpp_cores, connected, registered, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		dev.ID,
		dev.MachineID,
		dev.Serial,
		dev.Hostname,
		dev.tokenHash,
		dev.Org,
		dev.Account,
		dev.Versions.Agent,
		dev.Versions.Router,
		string(ifaces),
		dev.CPUInfo.HwCores,
		dev.CPUInfo.VppCores,
		dev.Registered.Format(time.RFC3339Nano),
		dev.LastSeen.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}

	s.logger.Info("device registered",
		zap.String("id", dev.ID),
		zap.String("machine_id", dev.MachineID),
		zap.String("org", dev.Org),
	)
	out := dev
	return &out, nil
}

// Authenticate verifies a device token for the given machine id. Used by the
// connection registry before upgrading a control channel.
func (s *Store) Authenticate(machineID, deviceToken string) bool {
	var hash string
	err := s.db.QueryRow(`SELECT token_hash FROM devices WHERE machine_id = ?`, machineID).Scan(&hash)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(deviceToken)) == nil
}

// Get returns one device by id.
func (s *Store) Get(id string) (*Device, error) {
	row := s.db.QueryRow(selectDevice+` WHERE id = ?`, id)
	return scanDevice(row)
}

// GetByMachineID returns one device by machine id.
func (s *Store) GetByMachineID(machineID string) (*Device, error) {
	row := s.db.QueryRow(selectDevice+` WHERE machine_id = ?`, machineID)
	return scanDevice(row)
}

// ListByOrg returns all devices in an organization.
func (s *Store) ListByOrg(org string) ([]Device, error) {
	rows, err := s.db.Query(selectDevice+` WHERE org = ? ORDER BY registered`, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Device, 0)
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			continue
		}
		out = append(out, *dev)
	}
	return out, rows.Err()
}

// SetConnected flips the connectivity flag and refreshes last-seen.
func (s *Store) SetConnected(machineID string, connected bool) error {
	flag := 0
	if connected {
		flag = 1
	}
	res, err := s.db.Exec(`UPDATE devices SET connected = ?, last_seen = ? WHERE machine_id = ?`,
		flag, time.Now().UTC().Format(time.RFC3339Nano), machineID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Touch refreshes a device's last-seen time on heartbeat.
func (s *Store) Touch(machineID string) error {
	_, err := s.db.Exec(`UPDATE devices SET last_seen = ? WHERE machine_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), machineID)
	return err
}

// UpdateDeviceInfo applies a device's self-reported hardware and firmware view.
func (s *Store) UpdateDeviceInfo(machineID string, info protocol.DeviceInfoPayload) error {
	ifaces, _ := json.Marshal(info.Interfaces)
	res, err := s.db.Exec(`UPDATE devices SET serial = ?, hostname = ?, agent_version = ?,
			router_version = ?, interfaces = ?, hw_cores = ?, vpp_cores = ?, last_seen = ?
		WHERE machine_id = ?`,
		info.Serial,
		info.Hostname,
		info.AgentVersion,
		info.RouterVersion,
		string(ifaces),
		info.HwCores,
		info.VppCores,
		time.Now().UTC().Format(time.RFC3339Nano),
		machineID,
	)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetAgentVersion records a new agent version, e.g. after a completed upgrade job.
func (s *Store) SetAgentVersion(id, version string) error {
	res, err := s.db.Exec(`UPDATE devices SET agent_version = ? WHERE id = ?`, version, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkStaleDisconnected clears the connectivity flag on devices not seen
// within the threshold. Returns the machine ids affected.
func (s *Store) MarkStaleDisconnected(threshold time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format(time.RFC3339Nano)
	rows, err := s.db.Query(`SELECT machine_id FROM devices WHERE connected = 1 AND last_seen < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		_, _ = s.db.Exec(`UPDATE devices SET connected = 0 WHERE machine_id = ?`, id)
		s.logger.Warn("device marked disconnected", zap.String("machine_id", id))
	}
	return stale, nil
}

// ── Tunnels ─────────────────────────────────────────────────

// AddTunnel records an active tunnel between two devices in an organization.
func (s *Store) AddTunnel(org, deviceA, deviceB string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO tunnels (id, org, device_a, device_b, is_active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		id, org, deviceA, deviceB, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert tunnel: %w", err)
	}
	return id, nil
}

// DeactivateTunnel marks a tunnel inactive.
func (s *Store) DeactivateTunnel(id string) error {
	_, err := s.db.Exec(`UPDATE tunnels SET is_active = 0 WHERE id = ?`, id)
	return err
}

// CountActiveTunnels returns how many active tunnels terminate on the device
// in the given organization.
func (s *Store) CountActiveTunnels(org, deviceID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tunnels
		WHERE org = ? AND is_active = 1 AND (device_a = ? OR device_b = ?)`,
		org, deviceID, deviceID).Scan(&count)
	return count, err
}

// ── Transactional operations (replace workflow) ─────────────

// CountByAccountTx returns the account's total device count inside tx.
func (s *Store) CountByAccountTx(tx *sql.Tx, account string) (int, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM devices WHERE account = ?`, account).Scan(&count)
	return count, err
}

// CountByOrgTx returns the organization's device count inside tx.
func (s *Store) CountByOrgTx(tx *sql.Tx, account, org string) (int, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM devices WHERE account = ? AND org = ?`, account, org).Scan(&count)
	return count, err
}

// DeleteTx removes a device record inside tx, scoped to its organization.
func (s *Store) DeleteTx(tx *sql.Tx, id, org string) error {
	res, err := tx.Exec(`DELETE FROM devices WHERE id = ? AND org = ?`, id, org)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AdoptIdentityTx rewrites a device's connection-identifying fields inside tx.
// The record keeps its organizational identity but takes over the physical
// identity (token, machine id, serial, hostname) of another device.
func (s *Store) AdoptIdentityTx(tx *sql.Tx, id, org string, ident Identity) error {
	res, err := tx.Exec(`UPDATE devices SET token_hash = ?, machine_id = ?, serial = ?, hostname = ?
		WHERE id = ? AND org = ?`,
		ident.DeviceToken, ident.MachineID, ident.Serial, ident.Hostname, id, org)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TokenHash returns the stored token hash for a device, for identity adoption.
func (s *Store) TokenHash(id string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT token_hash FROM devices WHERE id = ?`, id).Scan(&hash)
	return hash, err
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

const selectDevice = `SELECT id, machine_id, serial, hostname, token_hash, org, account,
	agent_version, router_version, interfaces, hw_cores, vpp_cores, connected, registered, last_seen
	FROM devices`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(sc scanner) (*Device, error) {
	var (
		dev                  Device
		ifacesJSON           string
		connected            int
		registered, lastSeen string
	)
	if err := sc.Scan(
		&dev.ID,
		&dev.MachineID,
		&dev.Serial,
		&dev.Hostname,
		&dev.tokenHash,
		&dev.Org,
		&dev.Account,
		&dev.Versions.Agent,
		&dev.Versions.Router,
		&ifacesJSON,
		&dev.CPUInfo.HwCores,
		&dev.CPUInfo.VppCores,
		&connected,
		&registered,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	dev.Connected = connected == 1
	dev.Registered, _ = time.Parse(time.RFC3339Nano, registered)
	dev.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	if ifacesJSON != "" && ifacesJSON != "[]" {
		_ = json.Unmarshal([]byte(ifacesJSON), &dev.Interfaces)
	}
	return &dev, nil
}

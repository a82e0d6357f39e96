// Package devices manages the fleet of edge devices: registration, identity,
// hardware descriptors and connectivity state.
package devices

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/edgewan/edgewan/internal/protocol"
)

// Device represents one fleet member. A device belongs to exactly one
// organization and one account at a time.
type Device struct {
	ID        string   `json:"id"`
	MachineID string   `json:"machine_id"`
	Serial    string   `json:"serial"`
	Hostname  string   `json:"hostname"`
	Org       string   `json:"org"`
	Account   string   `json:"account"`
	Versions  Versions `json:"versions"`

	Interfaces []protocol.NetInterface `json:"interfaces,omitempty"`
	CPUInfo    CPUInfo                 `json:"cpuInfo"`

	Connected  bool      `json:"connected"`
	Registered time.Time `json:"registered"`
	LastSeen   time.Time `json:"last_seen"`

	// tokenHash is the bcrypt hash of the device token; never exposed.
	tokenHash string
}

// Versions holds the firmware versions a device reports.
type Versions struct {
	Agent  string `json:"agent"`
	Router string `json:"router,omitempty"`
}

// CPUInfo holds the hardware core descriptors compared during replacement.
type CPUInfo struct {
	HwCores  int `json:"hwCores"`
	VppCores int `json:"vppCores"`
}

// Identity is the connection-identifying field set swapped by the replace
// workflow: the old device record keeps its organizational identity but
// adopts these physical fields from the new device.
type Identity struct {
	MachineID   string
	Serial      string
	Hostname    string
	DeviceToken string
}

// InterfaceFingerprint returns devId+deviceType pairs sorted for multiset
// comparison. Two devices are hardware-interchangeable only if the
// fingerprints are identical.
func (d *Device) InterfaceFingerprint() []string {
	out := make([]string, 0, len(d.Interfaces))
	for _, ifc := range d.Interfaces {
		out = append(out, ifc.DevID+ifc.DeviceType)
	}
	sort.Strings(out)
	return out
}

// BillingUpdate registers a device-count change for an account/organization.
type BillingUpdate struct {
	Account   string
	Org       string
	Count     int
	OrgCount  int
	Increment int
}

// BillingRegistrar is the seam to the external billing system. The replace
// workflow registers its decrement inside the same transaction that mutates
// the device records, so a failed swap never reaches billing.
type BillingRegistrar interface {
	RegisterDevice(ctx context.Context, tx *sql.Tx, update BillingUpdate) error
}

// NopBilling discards billing updates. Used when no billing system is wired.
type NopBilling struct{}

func (NopBilling) RegisterDevice(ctx context.Context, tx *sql.Tx, update BillingUpdate) error {
	return nil
}

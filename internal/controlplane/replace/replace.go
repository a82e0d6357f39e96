// Package replace swaps a broken device for a pre-provisioned spare. The old
// device record keeps its organizational identity, configuration ownership
// and job history; it adopts the spare's physical identity (machine id,
// serial, hostname, device token) so the spare comes up as the old device.
package replace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/controlplane/devices"
	"github.com/edgewan/edgewan/internal/controlplane/dispatch"
	"github.com/edgewan/edgewan/internal/controlplane/events"
	"github.com/edgewan/edgewan/internal/storage"
	"github.com/edgewan/edgewan/internal/version"
)

const txMaxAttempts = 5

// Disconnector drops a device's control channel by machine id.
// *connections.Registry satisfies it.
type Disconnector interface {
	Disconnect(deviceID string)
}

// Params selects the two devices to swap. Org scopes every lookup; a device
// outside the caller's organization is treated as nonexistent.
type Params struct {
	Org  string `json:"org"`
	Meta struct {
		OldID string `json:"oldId"`
		NewID string `json:"newId"`
	} `json:"meta"`
}

// Handler implements the replace method. It queues nothing: the swap is a
// synchronous transactional record mutation.
type Handler struct {
	dispatch.NoopHandler
	devices *devices.Store
	conns   Disconnector
	billing devices.BillingRegistrar
	bus     *events.Bus
	logger  *zap.Logger
}

// Register binds the replace method into a registry.
func Register(reg *dispatch.Registry, devStore *devices.Store, conns Disconnector, billing devices.BillingRegistrar, bus *events.Bus, logger *zap.Logger) *Handler {
	if billing == nil {
		billing = devices.NopBilling{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		devices: devStore,
		conns:   conns,
		billing: billing,
		bus:     bus,
		logger:  logger,
	}
	reg.Register("replace", h)
	return h
}

// Apply validates the swap preconditions in order and performs the swap in
// one transaction. Any precondition failure leaves both records untouched.
func (h *Handler) Apply(ctx context.Context, dev *devices.Device, req dispatch.Request) (*dispatch.Result, error) {
	var p Params
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, dispatch.Validation("invalid replace parameters")
	}
	if p.Org == "" {
		p.Org = dev.Org
	}

	oldDev, err := h.lookup(p.Meta.OldID, p.Org)
	if err != nil {
		return nil, dispatch.Validation("Wrong old device id specified")
	}
	newDev, err := h.lookup(p.Meta.NewID, p.Org)
	if err != nil {
		return nil, dispatch.Validation("Wrong new device id specified")
	}

	oldMajor, errOld := version.Major(oldDev.Versions.Agent)
	newMajor, errNew := version.Major(newDev.Versions.Agent)
	if errOld == nil && errNew == nil && oldMajor > newMajor {
		return nil, dispatch.Validation("Not supported version of the new device, please upgrade it first")
	}

	if !equalFingerprints(oldDev.InterfaceFingerprint(), newDev.InterfaceFingerprint()) {
		return nil, dispatch.Validation("Device interfaces do not match, must have same number of interfaces.")
	}
	if oldDev.CPUInfo.HwCores != newDev.CPUInfo.HwCores {
		return nil, dispatch.Validation("The number of CPU cores is varies in both devices.")
	}
	if oldDev.CPUInfo.VppCores != newDev.CPUInfo.VppCores {
		return nil, dispatch.Validation("The number of VRouter cores is varies in both devices.")
	}

	tunnels, err := h.devices.CountActiveTunnels(p.Org, newDev.ID)
	if err != nil {
		return nil, fmt.Errorf("count tunnels: %w", err)
	}
	if tunnels > 0 {
		return nil, dispatch.Validation("All device tunnels must be deleted on the new device")
	}

	// Both channels go down before the records change; each device
	// re-handshakes against the post-swap records.
	if h.conns != nil {
		h.conns.Disconnect(oldDev.MachineID)
		h.conns.Disconnect(newDev.MachineID)
	}

	newTokenHash, err := h.devices.TokenHash(newDev.ID)
	if err != nil {
		return nil, fmt.Errorf("load new device token: %w", err)
	}

	account := oldDev.Account
	err = storage.WithTransaction(ctx, h.devices.DB(), txMaxAttempts, func(tx *sql.Tx) error {
		deviceCount, err := h.devices.CountByAccountTx(tx, account)
		if err != nil {
			return err
		}
		orgCount, err := h.devices.CountByOrgTx(tx, account, p.Org)
		if err != nil {
			return err
		}

		// One physical device leaves the fleet.
		if err := h.billing.RegisterDevice(ctx, tx, devices.BillingUpdate{
			Account:   account,
			Org:       p.Org,
			Count:     deviceCount,
			OrgCount:  orgCount,
			Increment: -1,
		}); err != nil {
			return err
		}

		// Delete the spare before the old record adopts its machine id;
		// machine_id carries a unique constraint.
		if err := h.devices.DeleteTx(tx, newDev.ID, p.Org); err != nil {
			return err
		}
		return h.devices.AdoptIdentityTx(tx, oldDev.ID, p.Org, devices.Identity{
			MachineID:   newDev.MachineID,
			Serial:      newDev.Serial,
			Hostname:    newDev.Hostname,
			DeviceToken: newTokenHash,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("replace devices: %w", err)
	}

	h.logger.Info("devices replaced",
		zap.String("old_id", oldDev.ID),
		zap.String("new_id", newDev.ID),
		zap.String("org", p.Org),
	)
	if h.bus != nil {
		h.bus.Publish(events.Event{
			Type:     events.DeviceReplaced,
			DeviceID: oldDev.ID,
			Summary:  "device replaced",
			Detail:   map[string]string{"old_id": oldDev.ID, "new_id": newDev.ID},
		})
	}

	return &dispatch.Result{
		IDs:     []string{},
		Status:  "completed",
		Message: "Devices replaced successfully",
	}, nil
}

// Complete, Error and Remove are inherited no-ops: replace never queues a job.
var _ dispatch.Handler = (*Handler)(nil)

func (h *Handler) lookup(id, org string) (*devices.Device, error) {
	if id == "" {
		return nil, fmt.Errorf("device id required")
	}
	dev, err := h.devices.Get(id)
	if err != nil {
		return nil, err
	}
	if dev.Org != org {
		return nil, fmt.Errorf("device %s not in org %s", id, org)
	}
	return dev, nil
}

func equalFingerprints(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package inventory gives upgrade tasks a read-only view of the
// device fleet. The file is produced by an external discovery tool;
// the orchestrator never writes it.
package inventory

import (
	"sync"

	"github.com/juju/errors"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/filestore"
)

// ErrDeviceNotFound is returned by Get for an unknown serial.
const ErrDeviceNotFound = errors.ConstError("device not found")

// inventoryFile is the on-disk shape of devices/inventory.json.
type inventoryFile struct {
	Devices map[string]device.Record `json:"devices"`
}

// Inventory is a reloadable snapshot of serial to device record.
// Reload and Get are safe to call concurrently; records returned are
// copies, immutable from the caller's point of view.
type Inventory struct {
	path string

	mu      sync.RWMutex
	devices map[string]device.Record
}

// Load reads the inventory at path. A missing file yields an empty
// inventory rather than an error; devices may be discovered later.
func Load(path string) (*Inventory, error) {
	inv := &Inventory{path: path}
	if err := inv.Reload(); err != nil {
		return nil, errors.Trace(err)
	}
	return inv, nil
}

// Reload re-reads the backing file and swaps the snapshot.
func (i *Inventory) Reload() error {
	var f inventoryFile
	if _, err := i.readFile(&f); err != nil {
		return errors.Trace(err)
	}
	if f.Devices == nil {
		f.Devices = map[string]device.Record{}
	}
	for serial, rec := range f.Devices {
		if rec.Serial == "" {
			rec.Serial = serial
			f.Devices[serial] = rec
		}
	}
	i.mu.Lock()
	i.devices = f.Devices
	i.mu.Unlock()
	return nil
}

func (i *Inventory) readFile(f *inventoryFile) (bool, error) {
	found, err := filestore.ReadJSON(i.path, f)
	if err != nil {
		return found, errors.Annotate(err, "reading inventory")
	}
	return found, nil
}

// Get returns the record for serial.
func (i *Inventory) Get(serial string) (device.Record, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rec, ok := i.devices[serial]
	if !ok {
		return device.Record{}, errors.WithType(
			errors.Errorf("device %q not in inventory", serial), ErrDeviceNotFound)
	}
	return rec, nil
}

// Serials returns every known serial, in no particular order.
func (i *Inventory) Serials() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.devices))
	for serial := range i.devices {
		out = append(out, serial)
	}
	return out
}

// Len returns the number of devices in the snapshot.
func (i *Inventory) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.devices)
}

// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"fmt"

	"github.com/ava-labs/vatkernel/vat"
)

const (
	deviceNextIDKey  = "device.nextID"
	deviceNamesKey   = "device.names"
	deviceNamePrefix = "device.name."
	kdNextIDKey      = "kd.nextID"
)

func isDeviceID(id string) bool {
	if len(id) < 2 || id[0] != 'd' {
		return false
	}
	for _, c := range id[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// AllocateDeviceID registers a device under [name].
func (k *Keeper) AllocateDeviceID(name string) (string, error) {
	if ok, err := k.kv.Has(deviceNamePrefix + name); err != nil {
		return "", err
	} else if ok {
		return "", fmt.Errorf("device name %q already in use", name)
	}
	n, err := k.allocate(deviceNextIDKey, 1)
	if err != nil {
		return "", err
	}
	deviceID := kernelRef("d", n)
	if err := k.kv.SetString(deviceNamePrefix+name, deviceID); err != nil {
		return "", err
	}
	names, err := k.getStrings(deviceNamesKey)
	if err != nil {
		return "", err
	}
	return deviceID, k.putRecord(deviceNamesKey, append(names, name))
}

// DeviceIDForName resolves a device name.
func (k *Keeper) DeviceIDForName(name string) (string, error) {
	deviceID, ok, err := k.kv.GetString(deviceNamePrefix + name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: name %q", ErrUnknownDevice, name)
	}
	return deviceID, nil
}

// DeviceNames lists registered devices in registration order.
func (k *Keeper) DeviceNames() ([]string, error) {
	return k.getStrings(deviceNamesKey)
}

// AddDeviceNode allocates a kernel device node owned by [deviceID].
func (k *Keeper) AddDeviceNode(deviceID string) (string, error) {
	n, err := k.allocate(kdNextIDKey, 1)
	if err != nil {
		return "", err
	}
	kref := kernelRef(vat.KernelDevicePrefix, n)
	return kref, k.kv.SetString(kref+".owner", deviceID)
}

// DeviceOwner returns the device that owns node [kdref].
func (k *Keeper) DeviceOwner(kdref string) (string, error) {
	owner, ok, err := k.kv.GetString(kdref + ".owner")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, kdref)
	}
	return owner, nil
}

// GetDeviceState reads the device's persisted state, nil if never set.
func (k *Keeper) GetDeviceState(deviceID string) ([]byte, error) {
	b, _, err := k.kv.Get(deviceID + ".deviceState")
	return b, err
}

// SetDeviceState replaces the device's persisted state.
func (k *Keeper) SetDeviceState(deviceID string, state []byte) error {
	return k.kv.Set(deviceID+".deviceState", state)
}

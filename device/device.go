// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package device defines the kernel's synchronous endpoints. A device has no
// transcript: whatever it must remember lives in its durable state blob.
package device

import (
	"github.com/ava-labs/vatkernel/capdata"
)

// Device is invoked synchronously, either by a vat through callNow or by the
// host. Arguments and results carry kernel refs in their slots.
type Device interface {
	Invoke(dc *Context, method string, args capdata.CapData) (capdata.CapData, error)
}

// Host is the part of the kernel a device may touch.
type Host interface {
	GetDeviceState(deviceID string) ([]byte, error)
	SetDeviceState(deviceID string, state []byte) error
	// SendOnly queues a message with no result.
	SendOnly(target, method string, args capdata.CapData) error
}

// Context is handed to a device for one invocation.
type Context struct {
	DeviceID string
	host     Host
}

// NewContext binds [deviceID] to the kernel for one invocation.
func NewContext(deviceID string, host Host) *Context {
	return &Context{DeviceID: deviceID, host: host}
}

// GetState returns the device's state, nil if it was never set.
func (dc *Context) GetState() ([]byte, error) {
	return dc.host.GetDeviceState(dc.DeviceID)
}

// SetState replaces the device's state.
func (dc *Context) SetState(state []byte) error {
	return dc.host.SetDeviceState(dc.DeviceID, state)
}

// SendOnly queues [method] to [target] on the run queue.
func (dc *Context) SendOnly(target, method string, args capdata.CapData) error {
	return dc.host.SendOnly(target, method, args)
}

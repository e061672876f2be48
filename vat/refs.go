// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reference kinds.
const (
	Object  = 'o'
	Promise = 'p'
	Device  = 'd'
)

var errBadRef = errors.New("malformed reference")

// Ref is a parsed vat-local reference such as o+4, o+d2, o-7, p+3 or d-1.
// Exported is true when the vat allocated the ref (the '+' direction).
type Ref struct {
	Kind     byte
	Exported bool
	Durable  bool
	ID       uint64
}

// ParseRef parses a vat-local reference.
func ParseRef(vref string) (Ref, error) {
	if len(vref) < 3 {
		return Ref{}, fmt.Errorf("%w: %q", errBadRef, vref)
	}
	r := Ref{Kind: vref[0]}
	switch r.Kind {
	case Object, Promise, Device:
	default:
		return Ref{}, fmt.Errorf("%w: %q", errBadRef, vref)
	}
	switch vref[1] {
	case '+':
		r.Exported = true
	case '-':
	default:
		return Ref{}, fmt.Errorf("%w: %q", errBadRef, vref)
	}
	rest := vref[2:]
	if strings.HasPrefix(rest, "d") {
		if r.Kind != Object || !r.Exported {
			return Ref{}, fmt.Errorf("%w: %q", errBadRef, vref)
		}
		r.Durable = true
		rest = rest[1:]
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %q", errBadRef, vref)
	}
	r.ID = id
	return r, nil
}

func (r Ref) String() string {
	dir := "-"
	if r.Exported {
		dir = "+"
	}
	d := ""
	if r.Durable {
		d = "d"
	}
	return fmt.Sprintf("%c%s%s%d", r.Kind, dir, d, r.ID)
}

// MakeRef formats a vat-local reference.
func MakeRef(kind byte, exported bool, id uint64) string {
	return Ref{Kind: kind, Exported: exported, ID: id}.String()
}

// MakeDurableRef formats a durable export reference.
func MakeDurableRef(id uint64) string {
	return Ref{Kind: Object, Exported: true, Durable: true, ID: id}.String()
}

// RootRef is the vref of every vat's root object.
const RootRef = "o+0"

// Kernel reference prefixes.
const (
	KernelObjectPrefix  = "ko"
	KernelPromisePrefix = "kp"
	KernelDevicePrefix  = "kd"
)

// IsKernelObject reports whether kref names a kernel object.
func IsKernelObject(kref string) bool { return strings.HasPrefix(kref, KernelObjectPrefix) }

// IsKernelPromise reports whether kref names a kernel promise.
func IsKernelPromise(kref string) bool { return strings.HasPrefix(kref, KernelPromisePrefix) }

// IsKernelDevice reports whether kref names a device node.
func IsKernelDevice(kref string) bool { return strings.HasPrefix(kref, KernelDevicePrefix) }

// KernelRefID extracts the numeric part of a kernel reference.
func KernelRefID(kref string) (uint64, error) {
	if len(kref) < 3 {
		return 0, fmt.Errorf("%w: %q", errBadRef, kref)
	}
	id, err := strconv.ParseUint(kref[2:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadRef, kref)
	}
	return id, nil
}

// CompareKernelRefs orders kernel refs by kind, then numerically, so ko2
// sorts before ko10.
func CompareKernelRefs(a, b string) int {
	if a[:2] != b[:2] {
		return strings.Compare(a[:2], b[:2])
	}
	ai, aerr := KernelRefID(a)
	bi, berr := KernelRefID(b)
	if aerr != nil || berr != nil {
		return strings.Compare(a, b)
	}
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	}
	return 0
}

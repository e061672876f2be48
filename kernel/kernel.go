// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package kernel schedules deliveries between vats. It owns the run queue,
// routes messages through the reference tables kept by package keeper, binds
// vats to workers and makes each crank atomic against the swingstore.
package kernel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/hashicorp/go-multierror"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/device"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/swingstore"
	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/worker"
)

var (
	ErrKernelPanic    = errors.New("kernel panic")
	ErrIllegalSyscall = errors.New("illegal syscall")
	ErrNotKernelOwned = errors.New("promise is not decided by the kernel")
	ErrUnknownVatName = errors.New("unknown vat name")

	errCriticalVat = errors.New("critical vat failed")
)

// Kernel runs vats against a swingstore. All exported methods are safe for
// concurrent use; they are serialized on one lock.
type Kernel struct {
	lock sync.Mutex

	config  Config
	log     log.Logger
	store   *swingstore.Store
	keeper  *keeper.Keeper
	metrics *metrics

	warehouse *warehouse
	// device ID -> implementation
	devices map[string]device.Device

	panicErr error
}

// New opens a kernel over [db]. State already in [db] is picked up as is;
// a fresh database needs Initialize before vats can run.
func New(db database.Database, config Config) (*Kernel, error) {
	config = config.withDefaults()
	store, err := swingstore.New(db, swingstore.Config{
		BundleCacheSize: config.BundleCacheSize,
		Registerer:      config.Registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	m, err := newMetrics(config.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	k := &Kernel{
		config:  config,
		log:     log.New("module", "kernel"),
		store:   store,
		keeper:  keeper.New(store.KV()),
		metrics: m,
		devices: make(map[string]device.Device),
	}
	k.warehouse = newWarehouse(k, config.MaxVatsOnline)
	if err := k.bindDevices(); err != nil {
		return nil, err
	}
	return k, nil
}

// bindDevices attaches configured implementations to devices registered by
// an earlier Initialize.
func (k *Kernel) bindDevices() error {
	names, err := k.keeper.DeviceNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		impl, ok := k.config.Devices[name]
		if !ok {
			k.log.Warn("no implementation configured for device", "device", name)
			continue
		}
		deviceID, err := k.keeper.DeviceIDForName(name)
		if err != nil {
			return err
		}
		k.devices[deviceID] = impl
	}
	return nil
}

// Store exposes the underlying swingstore, for inspection.
func (k *Kernel) Store() *swingstore.Store { return k.store }

// Keeper exposes the kernel tables, for inspection.
func (k *Kernel) Keeper() *keeper.Keeper { return k.keeper }

// View runs [fn] against the store while no crank is in progress.
func (k *Kernel) View(fn func(*swingstore.Store) error) error {
	k.lock.Lock()
	defer k.lock.Unlock()
	return fn(k.store)
}

func (k *Kernel) checkPanic() error {
	if k.panicErr != nil {
		return fmt.Errorf("%w: %w", ErrKernelPanic, k.panicErr)
	}
	return nil
}

// fail puts the kernel into the panicked state. Any open crank is dropped.
func (k *Kernel) fail(cause error) error {
	if k.store.InCrank() {
		_ = k.store.RollbackCrank()
		k.keeper.PurgeMaybeFree()
	}
	if k.panicErr == nil {
		k.panicErr = cause
		k.log.Error("kernel panic", "err", cause)
	}
	return k.checkPanic()
}

// hostCrank runs [fn] as its own crank. If [fn] fails nothing it wrote is
// kept and the error is returned to the caller.
func (k *Kernel) hostCrank(fn func() error) error {
	if err := k.checkPanic(); err != nil {
		return err
	}
	if err := k.store.StartCrank(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = k.store.RollbackCrank()
		k.keeper.PurgeMaybeFree()
		return err
	}
	if _, err := k.keeper.ProcessRefcounts(); err != nil {
		return k.fail(err)
	}
	if _, err := k.store.EndCrank(); err != nil {
		return k.fail(err)
	}
	return k.updateQueueGauge()
}

func (k *Kernel) updateQueueGauge() error {
	n, err := k.keeper.RunQueueLength()
	if err != nil {
		return err
	}
	k.metrics.runQueueLength.Set(float64(n))
	return nil
}

func (k *Kernel) loadBundle(rec keeper.VatRecord) (worker.Bundle, error) {
	src, err := k.store.Bundles().Get(rec.BundleID)
	if err != nil {
		return worker.Bundle{}, err
	}
	b := worker.Bundle{
		Source:    src,
		Resources: make(map[string][]byte),
	}
	for _, id := range rec.Options.Worker.ResourceBundleIDs() {
		res, err := k.store.Bundles().Get(id)
		if err != nil {
			return worker.Bundle{}, err
		}
		b.Resources[id.String()] = res
	}
	return b, nil
}

// CreateVat installs [source] as a new dynamic vat. The vat is started by
// the create-vat entry this enqueues.
func (k *Kernel) CreateVat(name string, source []byte, params capdata.CapData, opts map[string]interface{}) (string, error) {
	k.lock.Lock()
	defer k.lock.Unlock()

	options, err := k.ParseVatOptions(opts)
	if err != nil {
		return "", err
	}
	var vatID string
	err = k.hostCrank(func() error {
		var err error
		vatID, err = k.createVat(name, source, params, options, true)
		return err
	})
	return vatID, err
}

func (k *Kernel) createVat(name string, source []byte, params capdata.CapData, options keeper.VatOptions, dynamic bool) (string, error) {
	bundleID, err := k.store.Bundles().Add(source)
	if err != nil {
		return "", err
	}
	vatID, err := k.keeper.AllocateVatID(name, dynamic)
	if err != nil {
		return "", err
	}
	// The root object is pinned for the life of the vat so the host can
	// always reach it by name.
	root, err := k.keeper.AllocateExport(vatID, vat.RootRef)
	if err != nil {
		return "", err
	}
	if err := k.keeper.IncrementRefCount(root, false); err != nil {
		return "", err
	}
	if err := k.keeper.PutVatRecord(keeper.VatRecord{
		VatID:      vatID,
		Name:       name,
		Dynamic:    dynamic,
		BundleID:   bundleID,
		Parameters: params,
		Options:    options,
	}); err != nil {
		return "", err
	}
	if err := k.keeper.Enqueue(keeper.RunQueueEntry{
		Type:   keeper.EntryCreateVat,
		VatID:  vatID,
		Params: params,
	}); err != nil {
		return "", err
	}
	k.log.Info("vat created", "vat", vatID, "name", name, "bundle", bundleID, "worker", options.Worker.Type)
	return vatID, nil
}

// UpgradeVat replaces the vat's code. A nil [opts] keeps the current
// options.
func (k *Kernel) UpgradeVat(vatID string, source []byte, params capdata.CapData, opts map[string]interface{}) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	rec, err := k.keeper.GetVatRecord(vatID)
	if err != nil {
		return err
	}
	options := rec.Options
	if opts != nil {
		if options, err = k.ParseVatOptions(opts); err != nil {
			return err
		}
	}
	return k.hostCrank(func() error {
		bundleID, err := k.store.Bundles().Add(source)
		if err != nil {
			return err
		}
		return k.keeper.Enqueue(keeper.RunQueueEntry{
			Type:     keeper.EntryUpgradeVat,
			VatID:    vatID,
			BundleID: bundleID,
			Params:   params,
			Options:  options,
		})
	})
}

// TerminateVat asks for the vat to be terminated. An empty [reason] becomes
// the standard "vat terminated" rejection.
func (k *Kernel) TerminateVat(vatID string, reason capdata.CapData) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.hostCrank(func() error {
		if alive, err := k.keeper.IsVatAlive(vatID); err != nil {
			return err
		} else if !alive {
			return fmt.Errorf("%w: %s", keeper.ErrUnknownVat, vatID)
		}
		return k.keeper.Enqueue(keeper.RunQueueEntry{
			Type:   keeper.EntryTerminateVat,
			VatID:  vatID,
			Reason: reason,
		})
	})
}

// Queue sends [method] to [target] from outside the kernel. The returned
// result promise is decided by the receiver and stays pinned so the host
// can observe it with KPStatus.
func (k *Kernel) Queue(target, method string, args capdata.CapData) (string, error) {
	k.lock.Lock()
	defer k.lock.Unlock()

	var kpid string
	err := k.hostCrank(func() error {
		var err error
		kpid, err = k.queue(target, method, args)
		return err
	})
	return kpid, err
}

func (k *Kernel) queue(target, method string, args capdata.CapData) (string, error) {
	kpid, err := k.keeper.AddKernelPromise("")
	if err != nil {
		return "", err
	}
	if err := k.keeper.IncrementRefCount(kpid, false); err != nil {
		return "", err
	}
	return kpid, k.keeper.Enqueue(keeper.RunQueueEntry{
		Type:   keeper.EntrySend,
		Target: target,
		Message: vat.Message{
			Method: method,
			Args:   args,
			Result: kpid,
		},
	})
}

// QueueToVatRoot sends [method] to the root object of the named vat.
func (k *Kernel) QueueToVatRoot(name, method string, args capdata.CapData) (string, error) {
	k.lock.Lock()
	defer k.lock.Unlock()

	var kpid string
	err := k.hostCrank(func() error {
		root, err := k.vatRoot(name)
		if err != nil {
			return err
		}
		kpid, err = k.queue(root, method, args)
		return err
	})
	return kpid, err
}

func (k *Kernel) vatRoot(name string) (string, error) {
	vatID, err := k.keeper.VatIDForName(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownVatName, name)
	}
	root, ok, err := k.keeper.KernelRefFor(vatID, vat.RootRef)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s has no root object", keeper.ErrUnknownObject, vatID)
	}
	return root, nil
}

// VatRoot returns the kref of the named vat's root object.
func (k *Kernel) VatRoot(name string) (string, error) {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.vatRoot(name)
}

// ReleasePromise drops the pin Queue placed on [kpid].
func (k *Kernel) ReleasePromise(kpid string) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.hostCrank(func() error {
		return k.keeper.DecrementRefCount(kpid, false)
	})
}

// ResolvePromise settles a kernel-decided promise.
func (k *Kernel) ResolvePromise(kpid string, rejected bool, data capdata.CapData) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.hostCrank(func() error {
		p, err := k.keeper.GetPromise(kpid)
		if err != nil {
			return err
		}
		if !p.Settled() && p.Decider != "" {
			return fmt.Errorf("%w: %s is decided by %s", ErrNotKernelOwned, kpid, p.Decider)
		}
		return k.resolve(kpid, rejected, data)
	})
}

// KPStatus reports the state of a kernel promise.
func (k *Kernel) KPStatus(kpid string) (keeper.Promise, error) {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.keeper.GetPromise(kpid)
}

// ReapAllVats schedules a bringOutYourDead delivery to every vat.
func (k *Kernel) ReapAllVats() error {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.hostCrank(func() error {
		vatIDs, err := k.keeper.VatIDs()
		if err != nil {
			return err
		}
		for _, vatID := range vatIDs {
			if err := k.keeper.Enqueue(keeper.RunQueueEntry{
				Type:  keeper.EntryBringOutYourDead,
				VatID: vatID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Genesis describes the initial population of a fresh kernel.
type Genesis struct {
	Vats    []GenesisVat `json:"vats" mapstructure:"vats"`
	Devices []string     `json:"devices" mapstructure:"devices"`
	// Bootstrap names the vat whose root receives bootstrap(vats, devices).
	Bootstrap string `json:"bootstrap" mapstructure:"bootstrap"`
}

// GenesisVat is one static vat.
type GenesisVat struct {
	Name       string                 `json:"name" mapstructure:"name"`
	Source     string                 `json:"source" mapstructure:"source"`
	Parameters map[string]interface{} `json:"parameters" mapstructure:"parameters"`
	Options    map[string]interface{} `json:"options" mapstructure:"options"`
}

// Initialize populates a fresh kernel. It does nothing if the kernel is
// already initialized.
func (k *Kernel) Initialize(g Genesis) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	if ok, err := k.keeper.IsInitialized(); err != nil || ok {
		return err
	}

	type staticVat struct {
		GenesisVat
		options keeper.VatOptions
		params  capdata.CapData
	}
	vats := make([]staticVat, 0, len(g.Vats))
	for _, gv := range g.Vats {
		options, err := k.ParseVatOptions(gv.Options)
		if err != nil {
			return fmt.Errorf("vat %q: %w", gv.Name, err)
		}
		params, err := capdata.Marshal(gv.Parameters)
		if err != nil {
			return fmt.Errorf("vat %q: bad parameters: %w", gv.Name, err)
		}
		vats = append(vats, staticVat{GenesisVat: gv, options: options, params: params})
	}

	bound := make(map[string]device.Device)
	err := k.hostCrank(func() error {
		deviceRefs := capdata.Dict{}
		for _, name := range g.Devices {
			impl, ok := k.config.Devices[name]
			if !ok {
				return fmt.Errorf("%w: no implementation for %q", keeper.ErrUnknownDevice, name)
			}
			deviceID, err := k.keeper.AllocateDeviceID(name)
			if err != nil {
				return err
			}
			kd, err := k.keeper.MapVatToKernel(deviceID, "d+0")
			if err != nil {
				return err
			}
			bound[deviceID] = impl
			deviceRefs = append(deviceRefs, capdata.DictItem{Key: name, Value: capdata.Ref{ID: kd}})
		}

		vatRefs := capdata.Dict{}
		for _, sv := range vats {
			vatID, err := k.createVat(sv.Name, []byte(sv.Source), sv.params, sv.options, false)
			if err != nil {
				return fmt.Errorf("vat %q: %w", sv.Name, err)
			}
			root, _, err := k.keeper.KernelRefFor(vatID, vat.RootRef)
			if err != nil {
				return err
			}
			vatRefs = append(vatRefs, capdata.DictItem{Key: sv.Name, Value: capdata.Ref{ID: root}})
		}

		if g.Bootstrap != "" {
			root, err := k.vatRoot(g.Bootstrap)
			if err != nil {
				return err
			}
			args, err := capdata.Marshal([]interface{}{vatRefs, deviceRefs})
			if err != nil {
				return err
			}
			if _, err := k.queue(root, "bootstrap", args); err != nil {
				return err
			}
		}
		return k.keeper.SetInitialized()
	})
	if err != nil {
		return err
	}
	for deviceID, impl := range bound {
		k.devices[deviceID] = impl
	}
	k.log.Info("kernel initialized", "vats", len(g.Vats), "devices", len(g.Devices))
	return nil
}

// DeviceInvoke calls a device from the host, outside any vat.
func (k *Kernel) DeviceInvoke(name, method string, args capdata.CapData) (capdata.CapData, error) {
	k.lock.Lock()
	defer k.lock.Unlock()

	var out capdata.CapData
	err := k.hostCrank(func() error {
		deviceID, err := k.keeper.DeviceIDForName(name)
		if err != nil {
			return err
		}
		impl, ok := k.devices[deviceID]
		if !ok {
			return fmt.Errorf("%w: %s has no implementation", keeper.ErrUnknownDevice, name)
		}
		out, err = impl.Invoke(device.NewContext(deviceID, k.deviceHost()), method, args)
		return err
	})
	return out, err
}

// Commit makes every crank since the last Commit durable.
func (k *Kernel) Commit() error {
	k.lock.Lock()
	defer k.lock.Unlock()
	if err := k.checkPanic(); err != nil {
		return err
	}
	return k.store.Commit()
}

// Abort discards every crank since the last Commit. Live workers hold state
// from those cranks, so they are all stopped and rebuilt on demand.
func (k *Kernel) Abort() error {
	k.lock.Lock()
	defer k.lock.Unlock()

	k.store.Abort()
	k.keeper.PurgeMaybeFree()
	return k.warehouse.shutdown()
}

// Shutdown stops every worker and closes the store. Uncommitted cranks are
// lost.
func (k *Kernel) Shutdown() error {
	k.lock.Lock()
	defer k.lock.Unlock()

	var errs *multierror.Error
	errs = multierror.Append(errs, k.warehouse.shutdown())
	errs = multierror.Append(errs, k.store.Close())
	return errs.ErrorOrNil()
}

// ActivityHash returns the hash chaining every crank so far.
func (k *Kernel) ActivityHash() ids.ID {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.store.ActivityHash()
}

// OnlineVats lists the vats with a running worker, least recently used
// first.
func (k *Kernel) OnlineVats() []string {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.warehouse.onlineVatIDs()
}

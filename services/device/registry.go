// services/device/registry.go
package device

import (
	"errors"
	"sync"

	"devicecore-go/errcode"

	"github.com/sirupsen/logrus"
)

// Registry holds the devices known to the process, in registration order.
// It owns them: Unregister drops the registry's reference.
type Registry struct {
	mu    sync.Mutex
	order []Device
	log   *logrus.Entry
}

func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{log: log.WithField("component", "registry")}
}

// Register adds d. A nil device or a duplicate name is logged and ignored;
// the returned error says which.
func (r *Registry) Register(d Device) error {
	if d == nil {
		r.log.Error("register: nil device")
		return &errcode.E{C: errcode.InvalidParams, Op: "registry.register", Msg: "nil device"}
	}
	name := d.Name()
	r.mu.Lock()
	for _, have := range r.order {
		if have.Name() == name {
			r.mu.Unlock()
			r.log.WithField("device", name).Warn("register: name already registered")
			return &errcode.E{C: errcode.AlreadyRegistered, Op: "registry.register", Msg: name}
		}
	}
	r.order = append(r.order, d)
	r.mu.Unlock()
	r.log.WithField("device", name).Info("device registered")
	return nil
}

// Unregister removes the named device. It does not Deinit it.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.order {
		if d.Name() == name {
			copy(r.order[i:], r.order[i+1:])
			r.order[len(r.order)-1] = nil
			r.order = r.order[:len(r.order)-1]
			r.log.WithField("device", name).Info("device unregistered")
			return nil
		}
	}
	return &errcode.E{C: errcode.UnknownDevice, Op: "registry.unregister", Msg: name}
}

func (r *Registry) ByName(name string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.order {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// Names lists registered devices in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.order))
	for _, d := range r.order {
		out = append(out, d.Name())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// ---- Broadcasts ----
// Each broadcast visits every device even when some fail. Failures are logged
// and joined into the returned error.

func (r *Registry) InitAll() error    { return r.each("init", Device.Init) }
func (r *Registry) DeinitAll() error  { return r.each("deinit", Device.Deinit) }
func (r *Registry) SuspendAll() error { return r.each("suspend", Device.Suspend) }
func (r *Registry) ResumeAll() error  { return r.each("resume", Device.Resume) }

func (r *Registry) each(op string, fn func(Device) error) error {
	r.mu.Lock()
	devs := append([]Device(nil), r.order...)
	r.mu.Unlock()

	var errs []error
	for _, d := range devs {
		if err := fn(d); err != nil {
			r.log.WithFields(logrus.Fields{"device": d.Name(), "op": op}).WithError(err).Warn("device operation failed")
			errs = append(errs, errcode.Wrap(errcode.Failed, d.Name()+"."+op, err))
		}
	}
	return errors.Join(errs...)
}

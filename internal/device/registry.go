package device

import "sync"

// Registry is the authoritative, concurrency-safe map of currently-known
// devices and their sessions. Reads return snapshots safe to use
// without holding a lock.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// AddOrUpdate inserts or replaces the entry for d.ID.
func (r *Registry) AddOrUpdate(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// Get returns the device for id, if present.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// Remove deletes the entry for id. Per spec, transitioning to disconnected
// is terminal: the entry is removed, not merely marked.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// GetConnected returns a snapshot of all entries with State == Connected.
func (r *Registry) GetConnected() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if d.State == Connected {
			out = append(out, d.Clone())
		}
	}
	return out
}

// GetAll returns a snapshot of every known device.
func (r *Registry) GetAll() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	return out
}

// AttachSession sets the session on the device identified by deviceID, if
// it is still present in the registry.
func (r *Registry) AttachSession(deviceID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	sc := s
	d.Session = &sc
	r.devices[deviceID] = d
}

// DetachSession clears the session on the device identified by deviceID, if
// present.
func (r *Registry) DetachSession(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.Session = nil
	r.devices[deviceID] = d
}

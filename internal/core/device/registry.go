package device

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/veldhuis/nestd/internal/core/nest"
	"github.com/veldhuis/nestd/internal/core/state"
)

// Registry owns the live device and structure model. The stream listener is
// its sole writer; readers always get point-in-time copies. Merge rules:
//
//   - a delta applies only if its revision is newer than the last revision
//     applied for that object key (duplicates and reordered deliveries are
//     idempotent no-ops);
//   - only traits present in the delta payload overwrite, the rest of the
//     trait bag is untouched;
//   - one device-changed event fires per merge that changed the trait bag,
//     carrying a full device snapshot.
type Registry struct {
	mu         sync.RWMutex
	devices    map[string]*Device
	structures map[string]*Structure
	cursors    map[string]int64

	bus *state.EventBus
	log *slog.Logger
}

// NewRegistry creates an empty registry publishing to bus.
func NewRegistry(bus *state.EventBus, log *slog.Logger) *Registry {
	return &Registry{
		devices:    make(map[string]*Device),
		structures: make(map[string]*Structure),
		cursors:    make(map[string]int64),
		bus:        bus,
		log:        log,
	}
}

// Reset replaces the whole model from a freshly mapped snapshot. Used at
// startup and for stale-cursor resynchronization. Devices whose trait bags
// differ from the previous model (and new devices) are announced; devices
// absent from the new snapshot are dropped silently.
func (r *Registry) Reset(g *Graph) {
	r.mu.Lock()

	var changed []*Device
	for id, d := range g.Devices {
		old, existed := r.devices[id]
		if !existed || !traitsEqual(old.Traits, d.Traits) {
			changed = append(changed, d.Clone())
		}
	}

	r.devices = make(map[string]*Device, len(g.Devices))
	for id, d := range g.Devices {
		r.devices[id] = d.Clone()
	}
	r.structures = make(map[string]*Structure, len(g.Structures))
	for id, s := range g.Structures {
		r.structures[id] = s.Clone()
	}
	r.cursors = make(map[string]int64, len(g.Cursors))
	for k, v := range g.Cursors {
		r.cursors[k] = v
	}
	r.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	for _, d := range changed {
		r.bus.Publish(state.Event{Type: state.EventDeviceChanged, Data: d})
	}
	r.log.Info("registry reset from snapshot", "devices", len(g.Devices), "structures", len(g.Structures))
}

// Apply merges one delta bucket. Returns whether the model changed.
func (r *Registry) Apply(b nest.Bucket) bool {
	r.mu.Lock()

	if last, ok := r.cursors[b.ObjectKey]; ok && b.ObjectRevision <= last {
		r.mu.Unlock()
		r.log.Debug("stale or duplicate delta dropped", "object_key", b.ObjectKey, "revision", b.ObjectRevision, "applied", last)
		return false
	}
	r.cursors[b.ObjectKey] = b.ObjectRevision

	kind, id := b.Kind(), b.ID()
	if id == "" || b.Value == nil {
		r.mu.Unlock()
		return false
	}

	if kind == "structure" {
		changed := r.applyStructureLocked(id, b.Value)
		var snap *Structure
		if changed {
			snap = r.structures[id].Clone()
		}
		r.mu.Unlock()
		if changed {
			r.bus.Publish(state.Event{Type: state.EventStructureChanged, Data: snap})
		}
		return changed
	}

	typ, known := bucketDeviceType(kind, b.Value)
	if !known {
		r.mu.Unlock()
		return false
	}

	d, exists := r.devices[id]
	if !exists {
		// A device added to the account mid-session. It joins the model
		// with whatever traits this delta carries; the next snapshot fills
		// in the rest.
		d = &Device{
			ID:     id,
			Type:   typ,
			Name:   string(typ) + " " + shortID(id),
			Traits: make(map[string]Trait),
		}
		if sid, ok := b.Value["structure_id"].(string); ok {
			d.StructureID = sid
		}
		r.devices[id] = d
		r.log.Info("new device from delta stream", "device_id", id, "type", typ)
	}

	changed := applyBucketTraits(d, kind, b.Value, r.log)
	if b.ObjectRevision > d.Cursor {
		d.Cursor = b.ObjectRevision
	}
	d.UpdatedAt = time.Unix(0, b.ObjectTimestamp*int64(time.Millisecond))

	var snap *Device
	if changed {
		snap = d.Clone()
	}
	r.mu.Unlock()

	if changed {
		r.bus.Publish(state.Event{Type: state.EventDeviceChanged, Data: snap})
	}
	return changed
}

func (r *Registry) applyStructureLocked(id string, value map[string]any) bool {
	s, ok := r.structures[id]
	if !ok {
		s = &Structure{ID: id}
		r.structures[id] = s
	}
	changed := false
	if name, ok := value["name"].(string); ok && name != s.Name {
		s.Name = name
		changed = true
	}
	return changed
}

// Device returns a copy of one device.
func (r *Registry) Device(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Devices returns copies of all devices, ordered by id.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Structures returns copies of all structures, ordered by id.
func (r *Registry) Structures() []*Structure {
	r.mu.RLock()
	out := make([]*Structure, 0, len(r.structures))
	for _, s := range r.structures {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SeedCursors installs persisted resume positions so the first subscribe
// after a restart does not replay already-applied deltas. Only an empty
// registry accepts a seed; once a snapshot or delta has landed the live
// cursors win.
func (r *Registry) SeedCursors(cursors map[string]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cursors) > 0 || len(r.devices) > 0 {
		return
	}
	for k, v := range cursors {
		r.cursors[k] = v
	}
}

// Cursors returns the resume position for every known object key, for the
// next subscribe call and for persistence.
func (r *Registry) Cursors() []nest.Cursor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]nest.Cursor, 0, len(r.cursors))
	for key, rev := range r.cursors {
		out = append(out, nest.Cursor{ObjectKey: key, Revision: rev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectKey < out[j].ObjectKey })
	return out
}

// CursorMap returns the cursors as a map, for the persistence store.
func (r *Registry) CursorMap() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.cursors))
	for k, v := range r.cursors {
		out[k] = v
	}
	return out
}

func traitsEqual(a, b map[string]Trait) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		o, ok := b[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

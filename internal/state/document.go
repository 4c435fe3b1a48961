package state

import (
	"sync"
)

// Document is the shared mutable state replicated between the host and its
// guests: one image reference plus pin and line collections. Mutators preserve
// the uniqueness-by-id invariant and report whether they changed anything, so
// the replication layer can decide whether a sync is worth sending.
//
// The document itself knows nothing about networking; duplicate deliveries are
// absorbed here by making AddPin/AddLine no-ops for ids that already exist.
type Document struct {
	mu        sync.RWMutex
	image     string // opaque reference, "" when absent
	imageSize *ImageSize
	pins      []Pin
	lines     []Line
	stage     Stage
	settings  HostSettings
	cursors   map[string]Cursor

	// Local pen preferences, persisted for convenience but never replicated.
	penColor string
	penWidth float64
	pinScale float64
}

// Snapshot is the persistable portion of a Document. Role, connections,
// permission state and cursors are ephemeral and deliberately absent.
type Snapshot struct {
	Image     string     `json:"image,omitempty"`
	ImageSize *ImageSize `json:"imageSize,omitempty"`
	Pins      []Pin      `json:"pins"`
	Lines     []Line     `json:"lines"`
	Stage     Stage      `json:"stage"`
	PenColor  string     `json:"penColor"`
	PenWidth  float64    `json:"penWidth"`
	PinScale  float64    `json:"pinScale"`
}

// NewDocument creates an empty document with default pen preferences.
func NewDocument() *Document {
	return &Document{
		stage:    Stage{Scale: 1},
		settings: DefaultHostSettings(),
		cursors:  make(map[string]Cursor),
		penColor: "#ef4444",
		penWidth: 4,
		pinScale: 1.0,
	}
}

// AddPin appends a pin. Adding an id that already exists is a no-op; the host
// echoes a guest's own action back to it, so duplicates are expected.
func (d *Document) AddPin(p Pin) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.pins {
		if existing.ID == p.ID {
			return false
		}
	}
	d.pins = append(d.pins, p)
	return true
}

// UpdatePin replaces the pin with the same id. Unknown ids are ignored.
func (d *Document) UpdatePin(p Pin) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.pins {
		if existing.ID == p.ID {
			d.pins[i] = p
			return true
		}
	}
	return false
}

// RemovePin deletes the pin with the given id.
func (d *Document) RemovePin(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.pins {
		if existing.ID == id {
			d.pins = append(d.pins[:i], d.pins[i+1:]...)
			return true
		}
	}
	return false
}

// AddLine appends a completed stroke. Duplicate ids are ignored, same as AddPin.
func (d *Document) AddLine(l Line) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.lines {
		if existing.ID == l.ID {
			return false
		}
	}
	d.lines = append(d.lines, l)
	return true
}

// UndoLine removes the most recently added line. Both peers derive "last" from
// their own sequence; the broadcast discipline keeps the sequences convergent.
// Undo on an empty collection is a silent no-op.
func (d *Document) UndoLine() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.lines) == 0 {
		return false
	}
	d.lines = d.lines[:len(d.lines)-1]
	return true
}

// SetPins replaces the whole pin collection (SYNC_PINS application).
func (d *Document) SetPins(pins []Pin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pins = append([]Pin(nil), pins...)
}

// SetLines replaces the whole line collection (SYNC_LINES application).
func (d *Document) SetLines(lines []Line) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append([]Line(nil), lines...)
}

// SetImage installs a new image and resets everything that depended on the old
// one: pins, lines and the view transform.
func (d *Document) SetImage(ref string, size ImageSize) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.image = ref
	d.imageSize = &size
	d.pins = nil
	d.lines = nil
	d.stage = Stage{Scale: 1}
}

// Clear drops the image and all annotations.
func (d *Document) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.image = ""
	d.imageSize = nil
	d.pins = nil
	d.lines = nil
	d.stage = Stage{Scale: 1}
}

// Import applies a received snapshot. resetView distinguishes a full sync that
// changed the image (view transform resets) from a delta that only touched
// pins or lines (current view preserved).
func (d *Document) Import(image string, size *ImageSize, pins []Pin, lines []Line, resetView bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.image = image
	if size != nil {
		copied := *size
		d.imageSize = &copied
	} else {
		d.imageSize = nil
	}
	d.pins = append([]Pin(nil), pins...)
	d.lines = append([]Line(nil), lines...)
	if resetView {
		d.stage = Stage{Scale: 1}
	}
}

// Settings returns the current host settings (the host's own, or the guest's
// read-only copy received via sync).
func (d *Document) Settings() HostSettings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// SetSettings replaces the host settings.
func (d *Document) SetSettings(s HostSettings) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = s
}

// UpdateCursor stores a live pointer position, last write wins. Entries for
// disconnected peers go stale but are bounded by peer count, so they are left
// in place.
func (d *Document) UpdateCursor(c Cursor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors[c.UserID] = c
}

// Cursors returns a copy of the live cursor map.
func (d *Document) Cursors() map[string]Cursor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Cursor, len(d.cursors))
	for k, v := range d.cursors {
		out[k] = v
	}
	return out
}

// Pins returns a copy of the pin collection in creation order.
func (d *Document) Pins() []Pin {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Pin(nil), d.pins...)
}

// Lines returns a copy of the line collection in creation order.
func (d *Document) Lines() []Line {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Line(nil), d.lines...)
}

// Image returns the image reference and size; size is nil when no image is set.
func (d *Document) Image() (string, *ImageSize) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.imageSize == nil {
		return d.image, nil
	}
	copied := *d.imageSize
	return d.image, &copied
}

// UpdateStage applies a view transform change from the local UI.
func (d *Document) UpdateStage(s Stage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stage = s
}

// Stage returns the current view transform.
func (d *Document) Stage() Stage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stage
}

// SetPenConfig stores the local pen preferences.
func (d *Document) SetPenConfig(color string, width float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.penColor = color
	d.penWidth = width
}

// SetPinScale stores the local pin display scale.
func (d *Document) SetPinScale(scale float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinScale = scale
}

// Snapshot captures the persistable state.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := Snapshot{
		Image:    d.image,
		Pins:     append([]Pin(nil), d.pins...),
		Lines:    append([]Line(nil), d.lines...),
		Stage:    d.stage,
		PenColor: d.penColor,
		PenWidth: d.penWidth,
		PinScale: d.pinScale,
	}
	if d.imageSize != nil {
		copied := *d.imageSize
		snap.ImageSize = &copied
	}
	return snap
}

// Restore loads a previously persisted snapshot, keeping the saved view.
func (d *Document) Restore(snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.image = snap.Image
	if snap.ImageSize != nil {
		copied := *snap.ImageSize
		d.imageSize = &copied
	} else {
		d.imageSize = nil
	}
	d.pins = append([]Pin(nil), snap.Pins...)
	d.lines = append([]Line(nil), snap.Lines...)
	if snap.Stage.Scale != 0 {
		d.stage = snap.Stage
	}
	if snap.PenColor != "" {
		d.penColor = snap.PenColor
	}
	if snap.PenWidth != 0 {
		d.penWidth = snap.PenWidth
	}
	if snap.PinScale != 0 {
		d.pinScale = snap.PinScale
	}
}

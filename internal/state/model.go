package state

// GuestEditMode controls whether guests must request permission before editing.
type GuestEditMode string

const (
	EditModeRequest GuestEditMode = "REQUEST"
	EditModeFree    GuestEditMode = "FREE"
)

// Pin is a single marker on the shared image. Coordinates are normalized to
// the image dimensions so they stay valid across viewport transforms.
type Pin struct {
	ID    string  `json:"id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color"`
	Text  string  `json:"text,omitempty"`
}

// Line is a completed freehand stroke. Points is a flattened sequence of
// normalized x,y pairs.
type Line struct {
	ID          string    `json:"id"`
	Points      []float64 `json:"points"`
	Color       string    `json:"color"`
	StrokeWidth float64   `json:"strokeWidth"`
}

// ImageSize holds the pixel dimensions of the shared image.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Stage is the local view transform. It is never replicated; syncs that change
// the image reset it on the receiving side.
type Stage struct {
	Scale float64 `json:"scale"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// HostSettings are owned by the host; guests receive read-only copies via sync.
type HostSettings struct {
	PermissionDuration int           `json:"permissionDuration"` // seconds a grant lasts
	ReapplyCooldown    int           `json:"reapplyCooldown"`    // seconds before a denied guest may reapply
	GuestEditMode      GuestEditMode `json:"guestEditMode"`
}

// DefaultHostSettings mirrors the defaults a fresh host starts with.
func DefaultHostSettings() HostSettings {
	return HostSettings{
		PermissionDuration: 60,
		ReapplyCooldown:    10,
		GuestEditMode:      EditModeRequest,
	}
}

// Cursor is a transient live-pointer position from one participant. It is
// never persisted and never part of replayed state.
type Cursor struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Color  string  `json:"color,omitempty"`
	Label  string  `json:"label,omitempty"`
}

// NormalizePoint converts a pixel position into normalized document
// coordinates for the given image size.
func NormalizePoint(px, py float64, size ImageSize) (x, y float64) {
	if size.Width == 0 || size.Height == 0 {
		return 0, 0
	}
	return px / float64(size.Width), py / float64(size.Height)
}

// DenormalizePoint converts normalized document coordinates back to pixels.
func DenormalizePoint(x, y float64, size ImageSize) (px, py float64) {
	return x * float64(size.Width), y * float64(size.Height)
}

package camera

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Remote camera endpoints, relative to the configured base URL.
const (
	SnapshotPath = "/shot.jpg"
	LiveViewPath = "/video"
)

// Kind identifies which camera source is active.
type Kind int

const (
	// KindNone means no camera has been chosen.
	KindNone Kind = iota
	// KindSelecting means the user is picking a camera; nothing is captured.
	KindSelecting
	// KindLocal is a capture device attached to this machine.
	KindLocal
	// KindRemote is an IP camera reachable over HTTP.
	KindRemote
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSelecting:
		return "selecting"
	case KindLocal:
		return "local"
	case KindRemote:
		return "ip"
	default:
		return "none"
	}
}

// ParseKind maps a wire name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return KindNone, nil
	case "selecting", "select":
		return KindSelecting, nil
	case "local":
		return KindLocal, nil
	case "ip", "remote":
		return KindRemote, nil
	}
	return KindNone, fmt.Errorf("unknown camera kind %q", s)
}

// Source is the active camera. The zero value is None.
// Fields are unexported so a Source can only be built through
// the constructors below.
type Source struct {
	kind     Kind
	deviceID string
	baseURL  string
}

// None returns the empty source.
func None() Source { return Source{} }

// Selecting returns the source used while a camera is being chosen.
func Selecting() Source { return Source{kind: KindSelecting} }

// Local returns a local device source. An empty id picks the default device.
func Local(deviceID string) Source {
	return Source{kind: KindLocal, deviceID: strings.TrimSpace(deviceID)}
}

// Remote returns an IP camera source rooted at baseURL.
func Remote(baseURL string) Source {
	return Source{kind: KindRemote, baseURL: strings.TrimSpace(baseURL)}
}

// Kind returns the source kind.
func (s Source) Kind() Kind { return s.kind }

// DeviceID returns the local device id (Local only).
func (s Source) DeviceID() string { return s.deviceID }

// BaseURL returns the remote base URL (Remote only).
func (s Source) BaseURL() string { return s.baseURL }

// IsZero reports whether no camera is selected.
func (s Source) IsZero() bool { return s.kind == KindNone }

// Validate reports ErrInvalidSource when the source cannot produce frames.
func (s Source) Validate() error {
	switch s.kind {
	case KindLocal:
		return nil
	case KindRemote:
		if s.baseURL == "" {
			return fmt.Errorf("%w: remote camera has no URL", ErrInvalidSource)
		}
		return nil
	default:
		return fmt.Errorf("%w: no camera selected", ErrInvalidSource)
	}
}

// SnapshotURL returns the still-image endpoint of a remote camera.
func (s Source) SnapshotURL() (string, error) {
	return s.remoteURL(SnapshotPath)
}

// LiveViewURL returns the MJPEG live view endpoint of a remote camera.
func (s Source) LiveViewURL() (string, error) {
	return s.remoteURL(LiveViewPath)
}

func (s Source) remoteURL(path string) (string, error) {
	if s.kind != KindRemote {
		return "", fmt.Errorf("%w: %s source has no URL", ErrInvalidSource, s.kind)
	}
	if err := s.Validate(); err != nil {
		return "", err
	}
	return strings.TrimRight(s.baseURL, "/") + path, nil
}

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s.kind {
	case KindLocal:
		if s.deviceID == "" {
			return "local"
		}
		return "local:" + s.deviceID
	case KindRemote:
		return "ip:" + s.baseURL
	}
	return s.kind.String()
}

type sourceJSON struct {
	Kind     string `json:"kind"`
	DeviceID string `json:"device_id,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(sourceJSON{
		Kind:     s.kind.String(),
		DeviceID: s.deviceID,
		BaseURL:  s.baseURL,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Source) UnmarshalJSON(data []byte) error {
	var raw sourceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, err := ParseKind(raw.Kind)
	if err != nil {
		return err
	}

	switch kind {
	case KindLocal:
		*s = Local(raw.DeviceID)
	case KindRemote:
		*s = Remote(raw.BaseURL)
	case KindSelecting:
		*s = Selecting()
	default:
		*s = None()
	}
	return nil
}

package camera

import (
	"encoding/base64"
	"time"
)

// DataURIPrefix prefixes inline JPEG payloads.
const DataURIPrefix = "data:image/jpeg;base64,"

// Frame is one still image taken from a Source.
// Local frames carry JPEG bytes. Remote frames carry only the snapshot URL;
// the inference service fetches the image itself. Frames relayed from another
// client carry their already encoded payload in URL.
type Frame struct {
	Source     Source
	JPEG       []byte
	URL        string
	CapturedAt time.Time
}

// Empty reports whether the frame carries no image reference.
func (f Frame) Empty() bool {
	return len(f.JPEG) == 0 && f.URL == ""
}

// Payload returns the image string sent to the inference service:
// a data URI for inline frames, the snapshot URL otherwise.
func (f Frame) Payload() string {
	if len(f.JPEG) > 0 {
		return DataURIPrefix + base64.StdEncoding.EncodeToString(f.JPEG)
	}
	return f.URL
}

package camera

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRemoteURLs(t *testing.T) {
	src := Remote("http://192.168.1.5:8080")

	shot, err := src.SnapshotURL()
	if err != nil {
		t.Fatalf("SnapshotURL() error = %v", err)
	}
	if shot != "http://192.168.1.5:8080/shot.jpg" {
		t.Errorf("SnapshotURL() = %q", shot)
	}

	live, err := src.LiveViewURL()
	if err != nil {
		t.Fatalf("LiveViewURL() error = %v", err)
	}
	if live != "http://192.168.1.5:8080/video" {
		t.Errorf("LiveViewURL() = %q", live)
	}
}

func TestRemoteURLTrailingSlash(t *testing.T) {
	shot, err := Remote(" http://cam.local:8080/ ").SnapshotURL()
	if err != nil {
		t.Fatalf("SnapshotURL() error = %v", err)
	}
	if shot != "http://cam.local:8080/shot.jpg" {
		t.Errorf("SnapshotURL() = %q", shot)
	}
}

func TestSourceValidate(t *testing.T) {
	tests := []struct {
		name    string
		src     Source
		wantErr bool
	}{
		{"none", None(), true},
		{"selecting", Selecting(), true},
		{"local default device", Local(""), false},
		{"local device", Local("1"), false},
		{"remote", Remote("http://cam"), false},
		{"remote empty", Remote(""), true},
		{"remote whitespace", Remote("   "), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSource) {
				t.Errorf("Validate() error should wrap ErrInvalidSource, got %v", err)
			}
		})
	}
}

func TestURLsRequireRemote(t *testing.T) {
	if _, err := Local("0").SnapshotURL(); !errors.Is(err, ErrInvalidSource) {
		t.Errorf("Local SnapshotURL() error = %v, want ErrInvalidSource", err)
	}
	if _, err := None().LiveViewURL(); !errors.Is(err, ErrInvalidSource) {
		t.Errorf("None LiveViewURL() error = %v, want ErrInvalidSource", err)
	}
}

func TestSourceJSON(t *testing.T) {
	tests := []struct {
		src  Source
		want string
	}{
		{None(), `{"kind":"none"}`},
		{Local("2"), `{"kind":"local","device_id":"2"}`},
		{Remote("http://cam:8080"), `{"kind":"ip","base_url":"http://cam:8080"}`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.src)
		if err != nil {
			t.Fatalf("Marshal(%v) error = %v", tt.src, err)
		}
		if string(data) != tt.want {
			t.Errorf("Marshal(%v) = %s, want %s", tt.src, data, tt.want)
		}

		var back Source
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
		if back != tt.src {
			t.Errorf("Unmarshal(%s) = %v, want %v", data, back, tt.src)
		}
	}
}

func TestSourceUnmarshalUnknownKind(t *testing.T) {
	var src Source
	if err := json.Unmarshal([]byte(`{"kind":"webrtc"}`), &src); err == nil {
		t.Error("Unmarshal should reject unknown kinds")
	}
}

func TestKindString(t *testing.T) {
	if KindLocal.String() != "local" || KindRemote.String() != "ip" {
		t.Errorf("unexpected wire names: %s %s", KindLocal, KindRemote)
	}
}

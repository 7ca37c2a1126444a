package archive

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled needs nothing", Config{Enabled: false}, false},
		{"enabled complete", Config{Enabled: true, AccessKey: "ak", SecretKey: "sk", Bucket: "b"}, false},
		{"missing keys", Config{Enabled: true, Bucket: "b"}, true},
		{"missing bucket", Config{Enabled: true, AccessKey: "ak", SecretKey: "sk"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewUploader_DisabledReturnsNil(t *testing.T) {
	u, err := NewUploader(Config{Enabled: false}, slog.Default())
	if err != nil {
		t.Fatalf("disabled config should not error: %v", err)
	}
	if u != nil {
		t.Fatal("disabled config should yield a nil uploader")
	}
}

func TestObjectName(t *testing.T) {
	u := &Uploader{cfg: Config{Prefix: "sandbox-logs"}}
	inst := &sandbox.Instance{
		ID:        "abc-123",
		Type:      "browser",
		CreatedAt: time.Now(),
	}
	got := u.objectName(inst)
	want := "sandbox-logs/browser/abc-123.log"
	if got != want {
		t.Fatalf("objectName = %q, want %q", got, want)
	}
}

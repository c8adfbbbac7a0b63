package directory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleet-rollout/internal/models"
)

func TestGetDevice(t *testing.T) {
	lastSeen := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenants/acme/devices/dev-7" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(models.Device{
			ID:              "dev-7",
			Tenant:          "acme",
			Name:            "pump-station-7",
			LastSeenAt:      lastSeen,
			FirmwareVersion: "fw-1.0.0",
		})
	}))
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL, 0)
	dev, err := d.GetDevice(context.Background(), "acme", "dev-7")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev.ID != "dev-7" || dev.FirmwareVersion != "fw-1.0.0" {
		t.Errorf("unexpected device %+v", dev)
	}
	if !dev.LastSeenAt.Equal(lastSeen) {
		t.Errorf("last_seen_at %s, want %s", dev.LastSeenAt, lastSeen)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL, 0)
	if _, err := d.GetDevice(context.Background(), "acme", "ghost"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestRecordFirmwareApplied(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL, 0)
	if err := d.RecordFirmwareApplied(context.Background(), "acme", "dev-7", "fw-2.0.0"); err != nil {
		t.Fatalf("RecordFirmwareApplied: %v", err)
	}
	if gotPath != "/tenants/acme/devices/dev-7/firmware" {
		t.Errorf("unexpected path %q", gotPath)
	}
	var payload struct {
		FirmwareVersion string `json:"firmware_version"`
	}
	if err := json.Unmarshal([]byte(gotBody), &payload); err != nil {
		t.Fatalf("unmarshal body %q: %v", gotBody, err)
	}
	if payload.FirmwareVersion != "fw-2.0.0" {
		t.Errorf("firmware_version %q", payload.FirmwareVersion)
	}
}

func TestRecordFirmwareAppliedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL, 0)
	if err := d.RecordFirmwareApplied(context.Background(), "acme", "dev-7", "fw-2.0.0"); err == nil {
		t.Fatal("expected error on 503")
	}
}

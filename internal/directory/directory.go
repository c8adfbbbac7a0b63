package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleet-rollout/internal/models"
)

// ErrDeviceNotFound reports that the directory has no such device.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceDirectory is the read-mostly device catalog owned by an external service.
type DeviceDirectory interface {
	GetDevice(ctx context.Context, tenant, deviceID string) (models.Device, error)
	RecordFirmwareApplied(ctx context.Context, tenant, deviceID, firmwareVersionID string) error
}

// HTTPDirectory talks to the device directory service over HTTP.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory builds a directory client for the given base URL.
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) GetDevice(ctx context.Context, tenant, deviceID string) (models.Device, error) {
	url := fmt.Sprintf("%s/tenants/%s/devices/%s", d.baseURL, tenant, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Device{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return models.Device{}, fmt.Errorf("get device: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.Device{}, ErrDeviceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return models.Device{}, fmt.Errorf("directory returned %d", resp.StatusCode)
	}

	var dev models.Device
	if err := json.NewDecoder(resp.Body).Decode(&dev); err != nil {
		return models.Device{}, fmt.Errorf("decode device: %w", err)
	}
	return dev, nil
}

func (d *HTTPDirectory) RecordFirmwareApplied(ctx context.Context, tenant, deviceID, firmwareVersionID string) error {
	body := fmt.Sprintf(`{"firmware_version":%q}`, firmwareVersionID)
	url := fmt.Sprintf("%s/tenants/%s/devices/%s/firmware", d.baseURL, tenant, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("record firmware: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("directory returned %d", resp.StatusCode)
	}
	return nil
}

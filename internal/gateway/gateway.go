package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Command types delivered to devices.
const (
	CommandFirmwareUpdate   = "firmware_update"
	CommandFirmwareRollback = "firmware_rollback"
)

// Ack is the gateway's acceptance verdict for a delivered command.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// UpdatePayload instructs a device to download and apply a firmware image.
// JobID lets devices dedupe a re-sent command; delivery is at least once.
type UpdatePayload struct {
	JobID             string `json:"job_id"`
	FirmwareVersionID string `json:"firmware_version_id"`
	URL               string `json:"url"`
	Hash              string `json:"hash"`
	SizeBytes         int64  `json:"size_bytes"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
}

// RollbackPayload instructs a device to revert to its previous firmware.
type RollbackPayload struct {
	JobID             string `json:"job_id"`
	FirmwareVersionID string `json:"firmware_version_id"`
}

// CommandGateway is the only way the engine reaches a physical device.
// Implementations must tolerate duplicate delivery of an identical command.
type CommandGateway interface {
	Send(ctx context.Context, deviceID, tenant, commandType string, payload any) (Ack, error)
}

type commandEnvelope struct {
	Tenant      string          `json:"tenant"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

// HTTPGateway posts command envelopes to a gateway service.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway builds a gateway client for the given base URL.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Send(ctx context.Context, deviceID, tenant, commandType string, payload any) (Ack, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(commandEnvelope{
		Tenant:      tenant,
		CommandType: commandType,
		Payload:     raw,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("marshal envelope: %w", err)
	}

	url := fmt.Sprintf("%s/devices/%s/commands", g.baseURL, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("send command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, fmt.Errorf("gateway returned %d for %s", resp.StatusCode, commandType)
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marlowe/crmsync/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// pollWait is how long the server holds a change poll open before
// returning an empty batch.
const pollWait = 25 * time.Second

// Client is an HTTP client for the crmsync store server. It implements
// Store and the credential layer source.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// NewClient creates a store client. The HTTP timeout leaves headroom over
// the server's long-poll window.
func NewClient(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: pollWait + 10*time.Second},
	}
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Settings documents ---

// Fetch retrieves the settings document for a user, or (nil, nil) when the
// user has no document yet.
func (c *Client) Fetch(ctx context.Context, tenantID, userID string) (*models.SettingsDocument, error) {
	var doc models.SettingsDocument
	err := c.do(ctx, "GET", settingsPath(tenantID, userID), nil, &doc)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Upsert writes the settings document. The originating device id travels in
// a header so the server can suppress the echo on that device's own
// subscription.
func (c *Client) Upsert(ctx context.Context, tenantID, userID string, doc *models.SettingsDocument, sourceDeviceID string) error {
	return c.doRequest(ctx, "PUT", settingsPath(tenantID, userID), doc, nil, true, sourceDeviceID)
}

// changesResponse is the body of a change poll.
type changesResponse struct {
	Changes []models.Change `json:"changes"`
	NextSeq int64           `json:"next_seq"`
}

// Subscribe long-polls the change feed and delivers batches on a channel.
// The poll loop survives transient errors by backing off and retrying; it
// ends only when ctx is cancelled or the subscription is closed.
func (c *Client) Subscribe(ctx context.Context, tenantID, userID string, afterSeq int64, excludeDeviceID string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	changes := make(chan models.Change)

	go func() {
		defer close(changes)
		seq := afterSeq
		for {
			batch, nextSeq, err := c.pollChanges(ctx, tenantID, userID, seq, excludeDeviceID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("change poll failed, retrying", "user", userID, "err", err)
				select {
				case <-time.After(5 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			seq = nextSeq
			for _, ch := range batch {
				select {
				case changes <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{Changes: changes, cancel: cancel}, nil
}

func (c *Client) pollChanges(ctx context.Context, tenantID, userID string, afterSeq int64, excludeDeviceID string) ([]models.Change, int64, error) {
	params := url.Values{}
	params.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	params.Set("wait", strconv.Itoa(int(pollWait.Seconds())))
	if excludeDeviceID != "" {
		params.Set("exclude_device", excludeDeviceID)
	}

	var resp changesResponse
	path := settingsPath(tenantID, userID) + "/changes?" + params.Encode()
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, afterSeq, err
	}
	return resp.Changes, resp.NextSeq, nil
}

// --- Devices ---

// DeviceRegistration is the body for POST /v1/devices.
type DeviceRegistration struct {
	DeviceID    string `json:"device_id"`
	UserID      string `json:"user_id"`
	TenantID    string `json:"tenant_id"`
	Fingerprint string `json:"fingerprint"`
	DeviceType  string `json:"device_type"`
	MFAVerified bool   `json:"mfa_verified"`
}

// RegisterDevice creates or refreshes this device's record on the server.
func (c *Client) RegisterDevice(ctx context.Context, reg *DeviceRegistration) (*models.DeviceRecord, error) {
	var rec models.DeviceRecord
	if err := c.do(ctx, "POST", "/v1/devices", reg, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDevices returns all registered devices for a user.
func (c *Client) ListDevices(ctx context.Context, userID string) ([]models.DeviceRecord, error) {
	var recs []models.DeviceRecord
	path := "/v1/devices?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, "GET", path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// VerifyDevice raises a device's trust level after a verification event.
func (c *Client) VerifyDevice(ctx context.Context, userID, deviceID string, to models.TrustLevel) error {
	body := map[string]string{"user_id": userID, "trust_level": string(to)}
	return c.do(ctx, "POST", fmt.Sprintf("/v1/devices/%s/verify", url.PathEscape(deviceID)), body, nil)
}

// RevokeDevice force-transitions a device to untrusted.
func (c *Client) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	body := map[string]string{"user_id": userID}
	return c.do(ctx, "POST", fmt.Sprintf("/v1/devices/%s/revoke", url.PathEscape(deviceID)), body, nil)
}

// --- Credentials ---

// credentialResponse is the body of a credential layer read.
type credentialResponse struct {
	Value   string `json:"value"`
	Present bool   `json:"present"`
}

// FetchCredential reads one credential layer from the server. found=false
// means the layer holds no record for that name.
func (c *Client) FetchCredential(ctx context.Context, tenantID, userID string, layer models.CredentialLayer, name string) (string, bool, error) {
	var resp credentialResponse
	err := c.do(ctx, "GET", credentialPath(tenantID, userID, layer, name), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp.Value, resp.Present, nil
}

// SetCredential stores one credential layer on the server. An empty value
// records an explicit blank.
func (c *Client) SetCredential(ctx context.Context, tenantID, userID string, layer models.CredentialLayer, name, value string) error {
	path := credentialPath(tenantID, userID, layer, name)
	return c.do(ctx, "PUT", path, map[string]string{"value": value}, nil)
}

// DeleteCredential removes one credential layer record on the server.
func (c *Client) DeleteCredential(ctx context.Context, tenantID, userID string, layer models.CredentialLayer, name string) error {
	return c.do(ctx, "DELETE", credentialPath(tenantID, userID, layer, name), nil, nil)
}

func credentialPath(tenantID, userID string, layer models.CredentialLayer, name string) string {
	return fmt.Sprintf("/v1/tenants/%s/users/%s/credentials/%s?layer=%s",
		url.PathEscape(tenantID), url.PathEscape(userID), url.PathEscape(name), url.QueryEscape(string(layer)))
}

// --- HTTP helpers ---

func settingsPath(tenantID, userID string) string {
	return fmt.Sprintf("/v1/tenants/%s/users/%s/settings", url.PathEscape(tenantID), url.PathEscape(userID))
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true, "")
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false, "")
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool, sourceDeviceID string) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if sourceDeviceID != "" {
		req.Header.Set("X-Device-ID", sourceDeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

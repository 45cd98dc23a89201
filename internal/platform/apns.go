package platform

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	apnsProductionURL = "https://api.push.apple.com"
	apnsSandboxURL    = "https://api.sandbox.push.apple.com"

	// APNs provider tokens are valid for up to 60 minutes.
	// Refresh at 50 minutes to avoid edge-case expiry.
	apnsTokenRefreshInterval = 50 * time.Minute
)

// APNsNotifier relays notification posts and cancels to a companion iOS
// device using the token-based (JWT) provider API. Call alerts go out as
// VoIP pushes so the device can report them to CallKit; plain messages are
// regular alert pushes; cancels are background pushes.
type APNsNotifier struct {
	client      *http.Client
	baseURL     string
	topic       string // APNs topic (app bundle ID)
	deviceToken string
	logger      *slog.Logger

	// JWT signing fields.
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// APNsConfig holds the configuration for creating an APNsNotifier.
type APNsConfig struct {
	// KeyFile is the path to the .p8 private key file from Apple.
	KeyFile string
	// KeyID is the 10-character key identifier from Apple.
	KeyID string
	// TeamID is the 10-character Apple Developer Team ID.
	TeamID string
	// BundleID is the app's bundle identifier, used as the APNs topic.
	BundleID string
	// DeviceToken is the companion device to relay alerts to.
	DeviceToken string
	// Sandbox uses the APNs sandbox environment instead of production.
	Sandbox bool
	// Endpoint overrides the APNs base URL.
	Endpoint string
}

// NewAPNsNotifier creates an APNsNotifier from the given configuration.
func NewAPNsNotifier(cfg APNsConfig, logger *slog.Logger) (*APNsNotifier, error) {
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("apns: key file path is required")
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("apns: key id is required")
	}
	if cfg.TeamID == "" {
		return nil, fmt.Errorf("apns: team id is required")
	}
	if cfg.BundleID == "" {
		return nil, fmt.Errorf("apns: bundle id is required")
	}
	if cfg.DeviceToken == "" {
		return nil, fmt.Errorf("apns: device token is required")
	}

	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: reading key file: %w", err)
	}

	key, err := parseP8PrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("apns: parsing p8 key: %w", err)
	}

	baseURL := apnsProductionURL
	if cfg.Sandbox {
		baseURL = apnsSandboxURL
	}
	if cfg.Endpoint != "" {
		baseURL = cfg.Endpoint
	}

	logger = logger.With("subsystem", "apns-relay")
	logger.Info("apns relay initialised", "key_id", cfg.KeyID, "team_id", cfg.TeamID, "topic", cfg.BundleID, "sandbox", cfg.Sandbox)

	return &APNsNotifier{
		client:      &http.Client{Timeout: 30 * time.Second},
		baseURL:     baseURL,
		topic:       cfg.BundleID,
		deviceToken: cfg.DeviceToken,
		logger:      logger,
		key:         key,
		keyID:       cfg.KeyID,
		teamID:      cfg.TeamID,
	}, nil
}

// Post relays n to the device.
func (a *APNsNotifier) Post(ctx context.Context, n Notification) error {
	if n.FullScreen != nil {
		body, err := json.Marshal(apnsVoIPPayload{
			Kind:           "post",
			NotificationID: n.ID,
			CallID:         n.FullScreen.CallID,
			CallerName:     n.FullScreen.CallerName,
			CallerID:       n.FullScreen.CallerID,
		})
		if err != nil {
			return fmt.Errorf("apns: building payload: %w", err)
		}
		return a.send(ctx, body, n.ID, a.topic+".voip", "voip", "10")
	}

	p := apnsAlertPayload{NotificationID: n.ID}
	p.APS.Alert.Title = n.Title
	p.APS.Alert.Body = n.Body
	p.APS.ThreadID = n.Channel
	p.APS.Sound = "default"
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("apns: building payload: %w", err)
	}
	return a.send(ctx, body, n.ID, a.topic, "alert", "10")
}

// Cancel sends a background push asking the device to drop notification id.
func (a *APNsNotifier) Cancel(ctx context.Context, id string) error {
	p := apnsCancelPayload{Kind: "cancel", NotificationID: id}
	p.APS.ContentAvailable = 1
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("apns: building payload: %w", err)
	}
	return a.send(ctx, body, id, a.topic, "background", "5")
}

func (a *APNsNotifier) send(ctx context.Context, body []byte, notificationID, topic, pushType, priority string) error {
	providerToken, err := a.getProviderToken()
	if err != nil {
		return fmt.Errorf("apns: generating provider token: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", a.baseURL, a.deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("apns: creating request: %w", err)
	}

	req.Header.Set("Authorization", "bearer "+providerToken)
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-push-type", pushType)
	req.Header.Set("apns-priority", priority)
	req.Header.Set("apns-expiration", "0")
	req.Header.Set("apns-collapse-id", notificationID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		a.logger.Debug("apns notification sent", "apns_id", resp.Header.Get("apns-id"), "notification_id", notificationID, "push_type", pushType)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var apnsErr apnsErrorResponse
	if err := json.Unmarshal(respBody, &apnsErr); err == nil && apnsErr.Reason != "" {
		return fmt.Errorf("apns: %s (status %d)", apnsErr.Reason, resp.StatusCode)
	}

	return fmt.Errorf("apns: unexpected status %d: %s", resp.StatusCode, string(respBody))
}

// getProviderToken returns a cached JWT provider token, refreshing it
// when nearing expiry.
func (a *APNsNotifier) getProviderToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachedToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.cachedToken, nil
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   a.teamID,
		IssuedAt: jwt.NewNumericDate(now),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}

	a.cachedToken = signed
	a.tokenExpiry = now.Add(apnsTokenRefreshInterval)

	return signed, nil
}

// apnsErrorResponse represents the JSON error body returned by APNs.
type apnsErrorResponse struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// apnsVoIPPayload is the VoIP push body for an incoming call alert.
type apnsVoIPPayload struct {
	Kind           string `json:"kind"`
	NotificationID string `json:"notification_id"`
	CallID         string `json:"call_id"`
	CallerName     string `json:"caller_name"`
	CallerID       string `json:"caller_id"`
}

type apnsAlertPayload struct {
	APS struct {
		Alert struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"alert"`
		Sound    string `json:"sound,omitempty"`
		ThreadID string `json:"thread-id,omitempty"`
	} `json:"aps"`
	NotificationID string `json:"notification_id"`
}

type apnsCancelPayload struct {
	APS struct {
		ContentAvailable int `json:"content-available"`
	} `json:"aps"`
	Kind           string `json:"kind"`
	NotificationID string `json:"notification_id"`
}

// parseP8PrivateKey parses an Apple .p8 private key file (PKCS#8 PEM-encoded
// ECDSA P-256 key) and returns the *ecdsa.PrivateKey.
func parseP8PrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}

	return ecKey, nil
}

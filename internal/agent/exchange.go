package agent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/types"
)

// Exporter turns a request into the packages to dispatch.
type Exporter interface {
	Export(ctx context.Context, req Request) ([]distpkg.Package, error)
}

// Importer delivers a package taken from a queue. A nil error means the
// package was delivered and may leave the queue.
type Importer interface {
	Import(ctx context.Context, pkg distpkg.Package) error
}

// ─── Exporters ────────────────────────────────────────────────────────────────

// RegistryExporter creates one package per request in Registry.
type RegistryExporter struct {
	Registry *distpkg.Registry

	// Type is stored as the package type. Defaults to "vlt".
	Type string

	// Shared packages may be held by several queues at once. Strategies that
	// fan out to more than one queue need shared packages.
	Shared bool
}

// Export implements Exporter.
func (e *RegistryExporter) Export(_ context.Context, req Request) ([]distpkg.Package, error) {
	if e.Registry == nil {
		return nil, errors.New("agent: exporter has no registry")
	}
	typ := e.Type
	if typ == "" {
		typ = "vlt"
	}
	info := types.PackageInfo{
		Paths:       slices.Clone(req.Paths),
		RequestType: req.Type,
		Properties:  maps.Clone(req.Properties),
	}
	pkg, err := e.Registry.Create(typ, info, e.Shared)
	if err != nil {
		return nil, err
	}
	return []distpkg.Package{pkg}, nil
}

// ─── Importers ────────────────────────────────────────────────────────────────

// LogImporter accepts every package and logs it.
type LogImporter struct {
	Logger *slog.Logger
}

// Import implements Importer.
func (l *LogImporter) Import(_ context.Context, pkg distpkg.Package) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := pkg.Info()
	logger.Info("package imported",
		"package", pkg.ID(),
		"queue", info.Queue,
		"request_type", info.RequestType,
		"paths", info.Paths,
	)
	return nil
}

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body when a
// secret is configured.
const SignatureHeader = "X-Epochdist-Signature"

// InstanceHeader carries the id of the sending agent process when set.
const InstanceHeader = "X-Epochdist-Instance"

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Queue       string            `json:"queue"`
	RequestType types.RequestType `json:"request_type"`
	Paths       []string          `json:"paths"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// WebhookImporter delivers packages by POSTing their metadata to URL.
// Delivery succeeds only when the endpoint responds 200 OK.
type WebhookImporter struct {
	URL string

	// Instance is sent in InstanceHeader when non-empty.
	Instance string

	secret string
	client *http.Client
}

// NewWebhookImporter creates a WebhookImporter. A non-empty secret signs every
// request body.
func NewWebhookImporter(url, secret string, timeout time.Duration) *WebhookImporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookImporter{URL: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

// Import implements Importer.
func (w *WebhookImporter) Import(ctx context.Context, pkg distpkg.Package) error {
	info := pkg.Info()
	body, err := json.Marshal(webhookPayload{
		ID:          pkg.ID(),
		Type:        pkg.Type(),
		Queue:       info.Queue,
		RequestType: info.RequestType,
		Paths:       info.Paths,
		Properties:  info.Properties,
	})
	if err != nil {
		return fmt.Errorf("agent: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Instance != "" {
		req.Header.Set(InstanceHeader, w.Instance)
	}
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: POST to %s: %w", w.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Package fleet adapts the fleet controller's REST API: machine
// lifecycle operations (commission, deploy, release, abort), tagging,
// and status polling. Requests carry an OAuth1 PLAINTEXT Authorization
// header, the controller's native scheme.
package fleet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
)

// ErrMachineNotFound reports an unknown system id.
var ErrMachineNotFound = errors.New("machine not found")

// readyTag marks machines whose provisioning run completed.
const readyTag = "ironhive-complete"

// Config holds fleet controller connection settings.
type Config struct {
	// BaseURL is the controller root, e.g. http://fleet.example:5240/MAAS.
	// The client appends /api/2.0 itself.
	BaseURL string
	// ConsumerKey, TokenKey, and TokenSecret are the three parts of the
	// controller API key. The consumer secret is always empty.
	ConsumerKey string
	TokenKey    string
	TokenSecret string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// RetryCount is the transport-level retry budget per request.
	RetryCount int
	// PollInterval and PollCap shape WaitForStatus.
	PollInterval time.Duration
	PollCap      time.Duration
}

// NewConfig merges defaults into unset fields of c.
func NewConfig(c Config) *Config {
	defaults := Config{
		Timeout:      30 * time.Second,
		RetryCount:   2,
		PollInterval: 30 * time.Second,
		PollCap:      30 * time.Minute,
	}
	if err := mergo.Merge(&c, defaults); err != nil {
		panic(fmt.Sprintf("merging fleet config defaults: %v", err))
	}
	return &c
}

// ParseAPIKey splits the controller's three-part API key
// (consumer:token:secret) as printed by its UI.
func ParseAPIKey(key string) (consumerKey, tokenKey, tokenSecret string, err error) {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("fleet: api key must have 3 colon-separated parts, got %d", len(parts))
	}
	return parts[0], parts[1], parts[2], nil
}

// Client talks to one fleet controller.
type Client struct {
	cfg  *Config
	http *resty.Client
	log  logr.Logger
}

// Option mutates a Client during New.
type Option func(*Client)

// WithLogger sets the logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New builds a client. The OAuth header is installed as a request
// middleware so every call is signed with a fresh nonce and timestamp.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = NewConfig(Config{})
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("fleet: base url required")
	}
	c := &Client{cfg: cfg, log: logr.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	c.http = resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/api/2.0").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			header, err := c.authHeader()
			if err != nil {
				return err
			}
			req.SetHeader("Authorization", header)
			return nil
		})
	return c, nil
}

// authHeader builds the OAuth1 PLAINTEXT Authorization value. The
// signature is percent-encoded "consumerSecret&tokenSecret" with an
// empty consumer secret, per the controller's API docs. No maintained
// Go OAuth1 library ships the PLAINTEXT method, so this stays local.
func (c *Client) authHeader() (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("fleet: generating oauth nonce: %w", err)
	}
	return fmt.Sprintf(
		`OAuth oauth_version="1.0", oauth_signature_method="PLAINTEXT", `+
			`oauth_consumer_key="%s", oauth_token="%s", oauth_signature="%s", `+
			`oauth_nonce="%s", oauth_timestamp="%d"`,
		percentEncode(c.cfg.ConsumerKey),
		percentEncode(c.cfg.TokenKey),
		percentEncode("&"+c.cfg.TokenSecret),
		hex.EncodeToString(nonce),
		time.Now().Unix(),
	), nil
}

// percentEncode applies RFC 3986 encoding, which OAuth1 requires for
// header parameter values (url.QueryEscape emits "+" for spaces and is
// not equivalent).
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9',
			ch == '-', ch == '.', ch == '_', ch == '~':
			b.WriteByte(ch)
		default:
			fmt.Fprintf(&b, "%%%02X", ch)
		}
	}
	return b.String()
}

func httpError(resp *resty.Response) error {
	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Errorf("fleet: %s %s: %s: %s",
		resp.Request.Method, resp.Request.URL, resp.Status(), body)
}

// Machines lists machines, optionally filtered by controller-side query
// parameters such as hostname or mac_address.
func (c *Client) Machines(ctx context.Context, params map[string]string) ([]Machine, error) {
	var out []Machine
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}
	resp, err := req.Get("/machines/")
	if err != nil {
		return nil, fmt.Errorf("fleet: list machines: %w", err)
	}
	if resp.IsError() {
		return nil, httpError(resp)
	}
	return out, nil
}

// Machine fetches one machine's full record.
func (c *Client) Machine(ctx context.Context, systemID string) (*Machine, error) {
	var m Machine
	resp, err := c.http.R().SetContext(ctx).SetResult(&m).Get("/machines/" + systemID + "/")
	if err != nil {
		return nil, fmt.Errorf("fleet: get machine %s: %w", systemID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("machine %s: %w", systemID, ErrMachineNotFound)
	}
	if resp.IsError() {
		return nil, httpError(resp)
	}
	return &m, nil
}

// machineOp POSTs one op- endpoint and returns the updated record.
func (c *Client) machineOp(ctx context.Context, systemID, op string, form map[string]string) (*Machine, error) {
	var m Machine
	req := c.http.R().SetContext(ctx).SetResult(&m)
	if len(form) > 0 {
		req.SetFormData(form)
	}
	resp, err := req.Post("/machines/" + systemID + "/" + op)
	if err != nil {
		return nil, fmt.Errorf("fleet: %s on %s: %w", op, systemID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("machine %s: %w", systemID, ErrMachineNotFound)
	}
	if resp.IsError() {
		return nil, httpError(resp)
	}
	c.log.V(1).Info("fleet operation accepted", "machine", systemID, "op", op, "status", string(m.StatusName))
	return &m, nil
}

// Commission starts a commissioning pass. enableSSH keeps the ephemeral
// environment's SSH daemon up afterwards, which the network-setup stage
// relies on.
func (c *Client) Commission(ctx context.Context, systemID string, enableSSH bool) (*Machine, error) {
	ssh := "0"
	if enableSSH {
		ssh = "1"
	}
	return c.machineOp(ctx, systemID, "op-commission", map[string]string{"enable_ssh": ssh})
}

// Abort cancels the machine's in-flight operation.
func (c *Client) Abort(ctx context.Context, systemID string) (*Machine, error) {
	return c.machineOp(ctx, systemID, "op-abort", nil)
}

// Deploy installs an OS. distroSeries is optional; empty means the
// controller default.
func (c *Client) Deploy(ctx context.Context, systemID, distroSeries string) (*Machine, error) {
	var form map[string]string
	if distroSeries != "" {
		form = map[string]string{"distro_series": distroSeries}
	}
	return c.machineOp(ctx, systemID, "op-deploy", form)
}

// Release returns a deployed machine to the pool.
func (c *Client) Release(ctx context.Context, systemID string) (*Machine, error) {
	return c.machineOp(ctx, systemID, "op-release", nil)
}

// EnsureTag creates the tag if the controller does not know it yet.
func (c *Client) EnsureTag(ctx context.Context, name string) error {
	resp, err := c.http.R().SetContext(ctx).Get("/tags/" + name + "/")
	if err != nil {
		return fmt.Errorf("fleet: get tag %s: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		resp, err = c.http.R().SetContext(ctx).
			SetFormData(map[string]string{"name": name, "comment": "managed by ironhive"}).
			Post("/tags/")
		if err != nil {
			return fmt.Errorf("fleet: create tag %s: %w", name, err)
		}
	}
	if resp.IsError() {
		return httpError(resp)
	}
	return nil
}

// Tag attaches name to the machine, creating the tag on first use.
func (c *Client) Tag(ctx context.Context, systemID, name string) error {
	if err := c.EnsureTag(ctx, name); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).
		SetFormData(map[string]string{"add": systemID}).
		Post("/tags/" + name + "/op-update_nodes")
	if err != nil {
		return fmt.Errorf("fleet: tag %s with %s: %w", systemID, name, err)
	}
	if resp.IsError() {
		return httpError(resp)
	}
	return nil
}

// MarkReady tags the machine as fully provisioned and verifies the
// controller does not consider it failed.
func (c *Client) MarkReady(ctx context.Context, systemID string) error {
	if err := c.Tag(ctx, systemID, readyTag); err != nil {
		return err
	}
	m, err := c.Machine(ctx, systemID)
	if err != nil {
		return err
	}
	if m.StatusName.IsFailed() {
		return fmt.Errorf("machine %s is %q after provisioning", systemID, m.StatusName)
	}
	return nil
}

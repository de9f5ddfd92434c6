// Package provisioning talks to Apple's GSA service: it fetches the URL
// bag, runs the two-step machine provisioning exchange with an ADI
// session and assembles anisette headers.
package provisioning

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/device"
	glog "github.com/zboralski/anisette/internal/log"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"howett.net/plist"
)

// DefaultLookupURL serves the URL bag.
const DefaultLookupURL = "https://gsa.apple.com/grandslam/GsService2/lookup"

// DefaultTimeout bounds each HTTP request.
const DefaultTimeout = 5 * time.Second

// URL bag keys of the provisioning endpoints.
const (
	StartProvisioningKey  = "midStartProvisioning"
	FinishProvisioningKey = "midFinishProvisioning"
)

const userAgent = "akd/1.0 CFNetwork/1404.0.5 Darwin/22.3.0"

var (
	// ErrProtocol is returned for a response that lacks an expected field
	// or does not parse.
	ErrProtocol = errors.New("unexpected response")

	// ErrHTTP is wrapped by HTTPError.
	ErrHTTP = errors.New("http error")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: status %d", e.URL, e.StatusCode)
}

func (e *HTTPError) Unwrap() error { return ErrHTTP }

// StatusError is a GSA response whose Status carries an error code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gsa status %d: %s", e.Code, e.Message)
}

// ADI is the part of a session provisioning drives.
type ADI interface {
	StartProvisioning(dsid uint64, spim []byte) (*adi.StartResult, error)
	EndProvisioning(handle uint32, ptm, tk []byte) error
}

// Config configures a Client.
type Config struct {
	LookupURL string
	Timeout   time.Duration

	// RootPEM is a file holding Apple's root certificate. When empty the
	// system roots are used unless InsecureSkipVerify is set.
	RootPEM            string
	InsecureSkipVerify bool

	// HTTPClient replaces the client built from the fields above.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client provisions one device.
type Client struct {
	http      *http.Client
	device    *device.Device
	lookupURL string
	now       func() time.Time
	bag       map[string]string
}

// New returns a client presenting dev.
func New(cfg Config, dev *device.Device) (*Client, error) {
	c := &Client{
		http:      cfg.HTTPClient,
		device:    dev,
		lookupURL: cfg.LookupURL,
		now:       cfg.Now,
	}
	if c.lookupURL == "" {
		c.lookupURL = DefaultLookupURL
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.http == nil {
		hc, err := newHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		c.http = hc
	}
	return c, nil
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case cfg.RootPEM != "":
		pem, err := os.ReadFile(cfg.RootPEM)
		if err != nil {
			return nil, fmt.Errorf("provisioning: root certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("provisioning: %s: no certificates found", cfg.RootPEM)
		}
		tlsConfig.RootCAs = pool
	case cfg.InsecureSkipVerify:
		glog.L.Warn("TLS verification disabled for GSA requests")
		tlsConfig.InsecureSkipVerify = true
	}

	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		TLSClientConfig:   tlsConfig,
		ForceAttemptHTTP2: true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("provisioning: http2: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// ClientTime formats t for X-Apple-I-Client-Time.
func ClientTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func (c *Client) setHeaders(req *http.Request, withTime bool) {
	h := req.Header
	h.Set("User-Agent", userAgent)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("Connection", "keep-alive")
	h.Set("X-Mme-Device-Id", c.device.UUID)
	h.Set("X-MMe-Client-Info", c.device.ClientInfo)
	h.Set("X-Apple-I-MD-LU", c.device.LocalUUID)
	h.Set("X-Apple-Client-App-Name", "Setup")
	if withTime {
		h.Set("X-Apple-I-Client-Time", ClientTime(c.now()))
	}
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("provisioning: %w", err)
	}
	c.setHeaders(req, method == http.MethodPost)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provisioning: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provisioning: %s: %w", url, err)
	}
	glog.L.Debug("gsa", zap.String("method", method), zap.String("url", url),
		zap.Int("status", resp.StatusCode), zap.Int("bytes", len(data)), zap.String("proto", resp.Proto))
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("provisioning: %w", &HTTPError{URL: url, StatusCode: resp.StatusCode})
	}
	return data, nil
}

// URLBag fetches and caches the URL bag.
func (c *Client) URLBag(ctx context.Context) (map[string]string, error) {
	if c.bag != nil {
		return c.bag, nil
	}
	data, err := c.do(ctx, http.MethodGet, c.lookupURL, nil)
	if err != nil {
		return nil, err
	}
	var lookup struct {
		URLs map[string]any `plist:"urls"`
	}
	if _, err := plist.Unmarshal(data, &lookup); err != nil {
		return nil, fmt.Errorf("provisioning: lookup: %w: %v", ErrProtocol, err)
	}
	if lookup.URLs == nil {
		return nil, fmt.Errorf("provisioning: lookup: %w: missing urls dictionary", ErrProtocol)
	}
	bag := make(map[string]string, len(lookup.URLs))
	for k, v := range lookup.URLs {
		if s, ok := v.(string); ok {
			bag[k] = s
		}
	}
	c.bag = bag
	return bag, nil
}

func (c *Client) endpoint(ctx context.Context, key string) (string, error) {
	bag, err := c.URLBag(ctx)
	if err != nil {
		return "", err
	}
	url, ok := bag[key]
	if !ok {
		return "", fmt.Errorf("provisioning: url bag missing %s: %w", key, ErrProtocol)
	}
	return url, nil
}

// Provision runs the start/finish exchange for dsid against a.
func (c *Client) Provision(ctx context.Context, a ADI, dsid uint64) error {
	startURL, err := c.endpoint(ctx, StartProvisioningKey)
	if err != nil {
		return err
	}
	finishURL, err := c.endpoint(ctx, FinishProvisioningKey)
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, startURL, map[string]any{})
	if err != nil {
		return err
	}
	spim, err := field(resp, "spim")
	if err != nil {
		return err
	}

	start, err := a.StartProvisioning(dsid, spim)
	if err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}

	resp, err = c.post(ctx, finishURL, map[string]any{
		"cpim": base64.StdEncoding.EncodeToString(start.CPIM),
	})
	if err != nil {
		return err
	}
	ptm, err := field(resp, "ptm")
	if err != nil {
		return err
	}
	tk, err := field(resp, "tk")
	if err != nil {
		return err
	}

	if err := a.EndProvisioning(start.Handle, ptm, tk); err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}
	glog.L.Info("device provisioned", zap.Uint64("dsid", dsid))
	return nil
}

type gsaStatus struct {
	ErrorCode    int    `plist:"ec"`
	ErrorMessage string `plist:"em"`
}

type envelope struct {
	Response map[string]any `plist:"Response"`
}

func (c *Client) post(ctx context.Context, url string, request map[string]any) (map[string]any, error) {
	body, err := plist.MarshalIndent(map[string]any{
		"Header":  map[string]any{},
		"Request": request,
	}, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("provisioning: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}

	var env envelope
	if _, err := plist.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("provisioning: %s: %w: %v", url, ErrProtocol, err)
	}
	if env.Response == nil {
		return nil, fmt.Errorf("provisioning: %s: %w: missing Response dictionary", url, ErrProtocol)
	}
	if st, ok := env.Response["Status"].(map[string]any); ok {
		var status gsaStatus
		if b, err := plist.Marshal(st, plist.XMLFormat); err == nil {
			plist.Unmarshal(b, &status)
		}
		if status.ErrorCode != 0 {
			return nil, fmt.Errorf("provisioning: %w", &StatusError{Code: status.ErrorCode, Message: status.ErrorMessage})
		}
	}
	return env.Response, nil
}

// field decodes a base64 string from a Response dictionary.
func field(resp map[string]any, key string) ([]byte, error) {
	v, ok := resp[key]
	if !ok {
		return nil, fmt.Errorf("provisioning: Response missing %s: %w", key, ErrProtocol)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("provisioning: Response field %s is not a string: %w", key, ErrProtocol)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("provisioning: %s: %w: %v", key, ErrProtocol, err)
	}
	return b, nil
}

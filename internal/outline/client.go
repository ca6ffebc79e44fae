package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shadowpanel/backend/internal/models"
)

// Client talks to the Outline server management API. The API is served
// over HTTPS with a self-signed certificate, so chain verification is
// replaced by pinning the certificate's SHA-256 fingerprint stored with
// the server record.
//
// No retries here: a failed call is reported to the caller, which retries
// naturally on its next scheduled cycle.
type Client struct {
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	return &Client{timeout: timeout}
}

type transferMetrics struct {
	BytesTransferredByUserID map[string]uint64 `json:"bytesTransferredByUserId"`
}

func (c *Client) httpClient(server *models.Server) (*http.Client, error) {
	fingerprint, err := hex.DecodeString(strings.ToLower(server.CertSHA256))
	if err != nil || len(fingerprint) != sha256.Size {
		return nil, fmt.Errorf("server %s: invalid certificate fingerprint", server.Name)
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: true, // verification happens against the pinned fingerprint below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				if subtle.ConstantTimeCompare(sum[:], fingerprint) == 1 {
					return nil
				}
			}
			return fmt.Errorf("certificate fingerprint mismatch for %s", server.Name)
		},
	}

	return &http.Client{
		Timeout:   c.timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

func (c *Client) endpoint(server *models.Server, path string) string {
	return strings.TrimSuffix(server.APIURL, "/") + path
}

// Metrics returns the cumulative bytes transferred per remote key id
// since the remote process started. The counter regresses to zero when
// the remote restarts; callers must tolerate that.
func (c *Client) Metrics(ctx context.Context, server *models.Server) (map[string]uint64, error) {
	httpClient, err := c.httpClient(server)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(server, "/metrics/transfer"), nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server %s: metrics fetch: %w", server.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server %s: metrics fetch: status %d: %s",
			server.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var metrics transferMetrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		return nil, fmt.Errorf("server %s: metrics decode: %w", server.Name, err)
	}
	if metrics.BytesTransferredByUserID == nil {
		metrics.BytesTransferredByUserID = map[string]uint64{}
	}
	return metrics.BytesTransferredByUserID, nil
}

// SetDataLimit pushes an absolute cumulative byte ceiling for a key. The
// remote server has no notion of a usage reset - it only enforces this
// ceiling, which callers must re-derive from the growing counter.
func (c *Client) SetDataLimit(ctx context.Context, server *models.Server, remoteKeyID string, limitBytes uint64) error {
	payload, err := json.Marshal(map[string]map[string]uint64{
		"limit": {"bytes": limitBytes},
	})
	if err != nil {
		return err
	}
	return c.limitRequest(ctx, server, remoteKeyID, http.MethodPut, payload)
}

// RemoveDataLimit clears the remote ceiling for a key.
func (c *Client) RemoveDataLimit(ctx context.Context, server *models.Server, remoteKeyID string) error {
	return c.limitRequest(ctx, server, remoteKeyID, http.MethodDelete, nil)
}

func (c *Client) limitRequest(ctx context.Context, server *models.Server, remoteKeyID, method string, payload []byte) error {
	httpClient, err := c.httpClient(server)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	url := c.endpoint(server, "/access-keys/"+remoteKeyID+"/data-limit")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server %s: data limit %s for key %s: %w", server.Name, method, remoteKeyID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("server %s: data limit %s for key %s: status %d",
			server.Name, method, remoteKeyID, resp.StatusCode)
	}
	return nil
}

// Package blob uploads message attachments to a content-addressed pinning
// service. Only the content address travels through the graph; the bytes
// never touch the relay.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds the pinning service credentials.
type Config struct {
	Endpoint  string
	APIKey    string
	SecretKey string
}

// Pinner uploads blobs and returns their content addresses.
type Pinner struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewPinner creates a pinner. A nil client uses a default with a sane
// upload timeout.
func NewPinner(cfg Config, client *http.Client, logger *zap.Logger) *Pinner {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pinner{cfg: cfg, client: client, logger: logger}
}

// Configured reports whether credentials are present. Attachments are an
// optional feature; an unconfigured pinner refuses uploads cleanly.
func (p *Pinner) Configured() bool {
	return p.cfg.Endpoint != "" && p.cfg.APIKey != "" && p.cfg.SecretKey != ""
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// Pin uploads the blob and returns its content address. The filename is
// metadata only; the address depends on the content.
func (p *Pinner) Pin(ctx context.Context, filename string, content io.Reader) (string, error) {
	if !p.Configured() {
		return "", fmt.Errorf("pinning service not configured")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.Endpoint+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("pinata_api_key", p.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", p.cfg.SecretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("pinning service returned %d: %s", resp.StatusCode, snippet)
	}

	var pr pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode pinning response: %w", err)
	}
	if pr.IpfsHash == "" {
		return "", fmt.Errorf("pinning response without content hash")
	}

	address := "ipfs://" + pr.IpfsHash
	p.logger.Info("attachment pinned",
		zap.String("hash", pr.IpfsHash),
		zap.String("url", GatewayURL(address)))
	return address, nil
}

// GatewayURL rewrites an ipfs:// content address into a fetchable HTTP URL.
func GatewayURL(address string) string {
	const prefix = "ipfs://"
	if len(address) > len(prefix) && address[:len(prefix)] == prefix {
		return "https://gateway.pinata.cloud/ipfs/" + address[len(prefix):]
	}
	return address
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/workflow"
	"github.com/sirupsen/logrus"
)

const appCodePlaceholder = "{appcode}"

// HTTPConfig configures the HTTP crypto provider.
type HTTPConfig struct {
	BaseURL          string
	TokenPath        string
	SLIFTEncryptPath string
	SLIFTDecryptPath string
	PGPEncryptPath   string
	PGPDecryptPath   string
	APIKeyHeader     string
	APIKey           string
	Timeout          time.Duration
}

// HTTPProvider calls the crypto service over HTTP.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger *logrus.Entry
}

// NewHTTPProvider creates a provider for cfg.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logrus.WithField("component", "crypto-provider"),
	}, nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.cfg.APIKeyHeader != "" && p.cfg.APIKey != "" {
		req.Header.Set(p.cfg.APIKeyHeader, p.cfg.APIKey)
	}
}

// RequestToken asks the service to issue a token for operationID. A 2xx
// status means the token will arrive by callback.
func (p *HTTPProvider) RequestToken(ctx context.Context, appCode, operationID string) error {
	body, err := json.Marshal(map[string]string{
		"appCode":   appCode,
		"requestId": operationID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+p.cfg.TokenPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	p.logger.WithFields(logrus.Fields{
		"operation_id": operationID,
		"app_code":     appCode,
	}).Info("Token requested, awaiting callback")
	return nil
}

func (p *HTTPProvider) path(encrypt bool, scheme workflow.Scheme, appCode string) string {
	var path string
	switch {
	case encrypt && scheme == workflow.SchemeB:
		path = p.cfg.PGPEncryptPath
	case encrypt:
		path = p.cfg.SLIFTEncryptPath
	case scheme == workflow.SchemeB:
		path = p.cfg.PGPDecryptPath
	default:
		path = p.cfg.SLIFTDecryptPath
	}
	return p.cfg.BaseURL + strings.ReplaceAll(path, appCodePlaceholder, appCode)
}

// Encrypt uploads the file and token and returns the encrypted bytes.
func (p *HTTPProvider) Encrypt(ctx context.Context, r Request) (*Encrypted, error) {
	resp, err := p.postFile(ctx, p.path(true, r.Scheme, r.AppCode), r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readBinary(resp)
	if err != nil {
		return nil, err
	}

	name := dispositionFileName(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = EncryptedName(r.FileName, r.Scheme)
	}

	p.logger.WithFields(logrus.Fields{
		"operation_id": r.OperationID,
		"file":         name,
		"bytes":        len(data),
	}).Info("File encrypted")
	return &Encrypted{Data: data, FileName: name}, nil
}

// Decrypt uploads the encrypted file and token and returns the plain bytes.
func (p *HTTPProvider) Decrypt(ctx context.Context, r Request) ([]byte, error) {
	resp, err := p.postFile(ctx, p.path(false, r.Scheme, r.AppCode), r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readBinary(resp)
	if err != nil {
		return nil, err
	}
	p.logger.WithFields(logrus.Fields{
		"operation_id": r.OperationID,
		"bytes":        len(data),
	}).Info("File decrypted")
	return data, nil
}

// postFile sends the multipart body. The file part must precede the token.
func (p *HTTPProvider) postFile(ctx context.Context, url string, r Request) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := r.FileName
	if name == "" {
		name = "file"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(r.Data); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := w.WriteField("token", r.Token); err != nil {
		return nil, fmt.Errorf("failed to write token part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call crypto provider: %w", err)
	}
	return resp, nil
}

// readBinary returns the body of a successful binary response. JSON bodies
// are provider errors even with a 2xx status.
func readBinary(resp *http.Response) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 || isJSON(resp.Header.Get("Content-Type")) {
		return nil, errorFromResponse(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}
	return data, nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	perr := &Error{Status: resp.StatusCode, Description: strings.TrimSpace(string(body))}

	var payload struct {
		ResponseCode string `json:"responseCode"`
		Description  string `json:"description"`
	}
	if json.Unmarshal(body, &payload) == nil {
		perr.Code = payload.ResponseCode
		if payload.Description != "" {
			perr.Description = payload.Description
		}
	}
	if perr.Description == "" {
		perr.Description = http.StatusText(resp.StatusCode)
	}
	return perr
}

func dispositionFileName(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	// tolerate unquoted names the strict parser rejects
	idx := strings.Index(header, "filename=")
	if idx < 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(header[idx+len("filename="):]), `"`)
}

// Package messaging implements the WhatsApp Cloud API client used to talk
// back to issuers.
package messaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/nexusctl/nexus/internal/config"
)

const defaultAPIBaseURL = "https://graph.facebook.com/v17.0"

// maxMediaBytes caps media downloads (voice notes, images).
const maxMediaBytes = 16 * 1024 * 1024

// WhatsAppClient sends messages through the WhatsApp Cloud API.
type WhatsAppClient struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	client        *http.Client
	logger        *slog.Logger
}

// NewWhatsAppClient creates a client from configuration.
func NewWhatsAppClient(cfg config.WhatsAppConfig, logger *slog.Logger) *WhatsAppClient {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &WhatsAppClient{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        logger.With("component", "whatsapp"),
	}
}

// SendText sends a plain text message to a phone number.
func (c *WhatsAppClient) SendText(ctx context.Context, to, text string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	return c.postMessage(ctx, payload)
}

// SendImage uploads a base64-encoded image and sends it with an optional
// caption. The Cloud API has no inline-image form, so this is a two-step
// flow: upload to /media, then reference the returned media ID.
func (c *WhatsAppClient) SendImage(ctx context.Context, to, imageBase64, caption string) error {
	raw, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	mediaID, err := c.uploadMedia(ctx, raw, "image/png")
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	image := map[string]any{"id": mediaID}
	if caption != "" {
		image["caption"] = caption
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "image",
		"image":             image,
	}
	return c.postMessage(ctx, payload)
}

// DownloadMedia fetches the content of an inbound media object (e.g. a voice
// note). The media ID resolves to a short-lived URL which must be fetched
// with the same access token.
func (c *WhatsAppClient) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+mediaID, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("resolve media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("resolve media: HTTP %d: %s", resp.StatusCode, body)
	}

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, "", fmt.Errorf("decode media metadata: %w", err)
	}

	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	dlReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	dlResp, err := c.client.Do(dlReq)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer func() { _ = dlResp.Body.Close() }()

	if dlResp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(dlResp.Body, 4096))
		return nil, "", fmt.Errorf("download media: HTTP %d: %s", dlResp.StatusCode, body)
	}

	data, err := io.ReadAll(io.LimitReader(dlResp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	return data, meta.MimeType, nil
}

func (c *WhatsAppClient) postMessage(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("send message: HTTP %d: %s", resp.StatusCode, errBody)
	}
	return nil
}

func (c *WhatsAppClient) uploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := mw.WriteField("type", mimeType); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", "upload.png")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/media", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload media: HTTP %d: %s", resp.StatusCode, errBody)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("upload media: empty media id")
	}
	return result.ID, nil
}

// Package intent classifies free-form issuer text into structured commands
// using an OpenAI-compatible chat completions API.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nexusctl/nexus/internal/config"
	"github.com/nexusctl/nexus/internal/conversation"
	"github.com/nexusctl/nexus/pkg/protocol"
)

const (
	defaultAPIBaseURL = "https://api.groq.com/openai/v1"
	defaultModel      = "llama-3.3-70b-versatile"
	defaultAudioModel = "whisper-large-v3"
)

const parseSystemPrompt = `You are a command parser for a computer control bot.
Analyze the user's message and determine what action they want to perform.

Return a JSON object with:
- "action": one of [system, app, file, browser, media, chat]
- "command": the specific command
- "params": any parameters needed

IMPORTANT: Return ONLY valid JSON, no other text.

Examples:
User: "open chrome" -> {"action": "app", "command": "open", "params": {"app_name": "chrome"}}
User: "battery" -> {"action": "system", "command": "battery", "params": {}}
User: "find file.txt" -> {"action": "file", "command": "find", "params": {"filename": "file.txt"}}
User: "take a screenshot" -> {"action": "media", "command": "screenshot", "params": {}}
User: "search youtube cat videos" -> {"action": "browser", "command": "search_youtube", "params": {"query": "cat videos"}}

Context: You may be provided with previous messages. Use them to resolve references like "it", "that", "open it", etc.`

const chatSystemPrompt = `You are a helpful assistant integrated into a WhatsApp bot. Keep responses concise and friendly.`

// Client talks to the classifier and transcription endpoints.
type Client struct {
	apiKey     string
	model      string
	audioModel string
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
}

// NewClient creates a classifier client from configuration.
func NewClient(cfg config.IntentConfig, logger *slog.Logger) *Client {
	c := &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		audioModel: cfg.AudioModel,
		baseURL:    cfg.APIBaseURL,
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "intent"),
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.audioModel == "" {
		c.audioModel = defaultAudioModel
	}
	if c.baseURL == "" {
		c.baseURL = defaultAPIBaseURL
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Parse classifies text into an intent. Model output that is not valid JSON
// degrades to a chat intent carrying the raw message, never an error the
// issuer sees.
func (c *Client) Parse(ctx context.Context, text string, history []conversation.Turn) (protocol.Intent, error) {
	content, err := c.complete(ctx, parseSystemPrompt, text, history, 0.1, 200)
	if err != nil {
		return protocol.Intent{}, err
	}

	var parsed protocol.Intent
	if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil || parsed.Action == "" {
		c.logger.Debug("classifier output not parseable, treating as chat", "output", content)
		return chatIntent(text), nil
	}
	return parsed, nil
}

// Chat produces a conversational reply for messages that are not commands.
func (c *Client) Chat(ctx context.Context, text string, history []conversation.Turn) (string, error) {
	return c.complete(ctx, chatSystemPrompt, text, history, 0.7, 300)
}

// Transcribe converts an audio recording to text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", c.audioModel); err != nil {
		return "", err
	}
	if err := mw.WriteField("response_format", "text"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("transcribe: HTTP %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read transcription: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// complete runs a chat completion with the last five history turns as context.
func (c *Client) complete(ctx context.Context, systemPrompt, text string, history []conversation.Turn, temperature float64, maxTokens int) (string, error) {
	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	start := 0
	if len(history) > 5 {
		start = len(history) - 5
	}
	for _, turn := range history[start:] {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: text})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat completion: HTTP %d: %s", resp.StatusCode, errBody)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

func chatIntent(text string) protocol.Intent {
	return protocol.Intent{
		Action:  "chat",
		Command: "respond",
		Params:  map[string]any{"message": text},
	}
}

// stripFences removes a markdown code fence around model output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	parts := strings.SplitN(s, "```", 3)
	if len(parts) < 2 {
		return s
	}
	body := strings.TrimPrefix(parts[1], "json")
	return strings.TrimSpace(body)
}

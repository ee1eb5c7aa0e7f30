// Package lore generates short location descriptions through the Gemini
// generateContent REST API.
package lore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/OCAP2/worldmap/internal/config"
)

// Fixed replies returned instead of errors.
const (
	MissingKeyText = "API ключ не найден. Пожалуйста, настройте окружение."
	EmptyText      = "Не удалось сгенерировать описание."
	FailureText    = "Магические силы сейчас недоступны (Ошибка API)."
)

const (
	defaultModel    = "gemini-2.5-flash"
	defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
)

// Prompt builds the game-master prompt for a location.
func Prompt(name, locationType string) string {
	return fmt.Sprintf("Ты гейм-мастер в фэнтезийной ролевой игре. Напиши краткое, атмосферное описание "+
		"(максимум 3 предложения) для локации с названием %q. Тип локации: %s. "+
		"Используй мистический и загадочный тон на русском языке.", name, locationType)
}

// Client calls the lore service.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a lore client. An empty API key is allowed; Generate then
// answers with MissingKeyText without touching the network.
func New(cfg config.LoreConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      model,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (r generateResponse) text() string {
	var sb strings.Builder
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(sb.String())
}

// Generate returns a description for the location. It never fails: problems
// are logged and one of the fixed replies comes back instead.
func (c *Client) Generate(ctx context.Context, name, locationType string) string {
	if c.apiKey == "" {
		c.logger.Warn("Lore API key missing")
		return MissingKeyText
	}

	text, err := c.generate(ctx, Prompt(name, locationType))
	if err != nil {
		c.logger.Error("Lore generation failed", "error", err, "location", name)
		return FailureText
	}
	if text == "" {
		return EmptyText
	}
	return text
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, url.PathEscape(c.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("lore service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.text(), nil
}

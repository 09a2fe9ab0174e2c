// Package extract is a client for the external text/vision extraction
// service, consumed as a black box: an uploaded field report goes in, raw
// text plus structured entries come out. The service speaks the
// OpenAI-compatible chat-completions protocol.
package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"railplan/internal/domain"
)

// ErrService marks failures of the extraction service itself (unreachable,
// misconfigured, unparseable output). Callers must not write to the store
// when they see it.
var ErrService = errors.New("extraction service error")

const extractionPrompt = `You read handwritten or printed rail depot field reports.
Return ONLY a JSON array; one object per train line, with keys:
train_id (string, required), status (one of run, standby, maintenance, cleaning, or omit),
slot (stabling bay, optional), notes (free text, optional), priority (number, optional).
No prose, no markdown.`

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

type Client struct {
	api   *openai.Client
	model string
}

// New builds a client; a missing API key is a configuration error surfaced
// immediately rather than on first use.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key not configured", ErrService)
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Client{api: openai.NewClientWithConfig(c), model: model}, nil
}

// Model reports the extraction model identifier, used in audit rows.
func (c *Client) Model() string { return c.model }

// Extract sends one uploaded report to the service and returns the parsed
// entries plus the raw text the model produced.
func (c *Client) Extract(ctx context.Context, filename string, data []byte) ([]domain.Entry, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty upload %q", ErrService, filename)
	}
	mime := http.DetectContentType(data)
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: extractionPrompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
				},
			},
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrService, err)
	}
	if len(resp.Choices) == 0 {
		return nil, "", fmt.Errorf("%w: empty response", ErrService)
	}
	raw := resp.Choices[0].Message.Content
	entries, err := ParseEntries(raw)
	if err != nil {
		return nil, raw, err
	}
	return entries, raw, nil
}

// rawEntry tolerates the legacy priority field aliases; they collapse to the
// one canonical field here, at extraction time, never downstream.
type rawEntry struct {
	TrainID          string   `json:"train_id"`
	Status           string   `json:"status"`
	Slot             string   `json:"slot"`
	Notes            string   `json:"notes"`
	Priority         *float64 `json:"priority"`
	BrandingPriority *float64 `json:"branding_priority"`
	Branding         *float64 `json:"branding"`
}

// ParseEntries decodes the service's JSON output, accepting a bare array, an
// {"entries": [...]} wrapper, or a markdown-fenced block around either.
func ParseEntries(raw string) ([]domain.Entry, error) {
	text := stripFences(raw)
	var rows []rawEntry
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		var wrapper struct {
			Entries []rawEntry `json:"entries"`
		}
		if err2 := json.Unmarshal([]byte(text), &wrapper); err2 != nil || wrapper.Entries == nil {
			return nil, fmt.Errorf("%w: unparseable output: %v", ErrService, err)
		}
		rows = wrapper.Entries
	}
	entries := make([]domain.Entry, 0, len(rows))
	for _, r := range rows {
		priority := r.Priority
		if priority == nil {
			priority = r.BrandingPriority
		}
		if priority == nil {
			priority = r.Branding
		}
		entries = append(entries, domain.Entry{
			TrainID:  r.TrainID,
			Status:   r.Status,
			Slot:     r.Slot,
			Notes:    r.Notes,
			Priority: priority,
		})
	}
	return entries, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

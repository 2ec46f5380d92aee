package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"commonroom/pkg/metrics"
	"commonroom/pkg/protocol"
)

// Defaults for the Gemini client.
const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGeminiModel   = "gemini-pro"
)

// Gemini implements Generator against the generateContent REST endpoint.
type Gemini struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

// GeminiOption configures a Gemini client.
type GeminiOption func(*Gemini)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(g *Gemini) { g.httpClient = c }
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) GeminiOption {
	return func(g *Gemini) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithModel selects the model name.
func WithModel(model string) GeminiOption {
	return func(g *Gemini) {
		if model != "" {
			g.model = model
		}
	}
}

// NewGemini creates a client authenticated with apiKey.
func NewGemini(apiKey string, opts ...GeminiOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: missing API key (set GEMINI_API_KEY)")
	}
	g := &Gemini{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    DefaultGeminiBaseURL,
		model:      DefaultGeminiModel,
		apiKey:     apiKey,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Model returns the configured model name.
func (g *Gemini) Model() string { return g.model }

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, p Prompt) (string, error) {
	start := time.Now()
	reply, err := g.generate(ctx, p)
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationFailures.Inc()
		return "", err
	}
	return reply, nil
}

func (g *Gemini) generate(ctx context.Context, p Prompt) (string, error) {
	body, err := json.Marshal(buildGeminiRequest(p))
	if err != nil {
		return "", fmt.Errorf("gemini: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("x-goog-api-key", g.apiKey)

	httpResponse, err := g.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("gemini: sending request: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return "", readGeminiError(httpResponse)
	}

	var wireResponse geminiResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return "", fmt.Errorf("gemini: decoding response: %w", err)
	}
	return wireResponse.text()
}

func (g *Gemini) endpoint() string {
	return fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))
}

// buildGeminiRequest maps a Prompt onto the wire format: persona as the
// system instruction, history as alternating user/model contents.
func buildGeminiRequest(p Prompt) geminiRequest {
	var req geminiRequest
	if p.Persona != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: p.Persona}}}
	}
	for _, turn := range p.History {
		role := "user"
		if turn.Role == protocol.RoleResponder {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: turn.Text}}})
	}
	req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: p.Text}}})
	return req
}

// readGeminiError turns a non-200 response into an error, using the API's
// {"error":{"code","message","status"}} body when present.
func readGeminiError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return fmt.Errorf("gemini: HTTP %d %s: %s", httpResponse.StatusCode, wireError.Error.Status, wireError.Error.Message)
	}
	return fmt.Errorf("gemini: HTTP %d: %s", httpResponse.StatusCode, strings.TrimSpace(string(body)))
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// text concatenates the parts of the first candidate.
func (r geminiResponse) text() (string, error) {
	if len(r.Candidates) == 0 {
		if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("gemini: prompt blocked: %s", r.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("gemini: %w", ErrEmptyReply)
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini: %w (finish reason %s)", ErrEmptyReply, r.Candidates[0].FinishReason)
	}
	return b.String(), nil
}

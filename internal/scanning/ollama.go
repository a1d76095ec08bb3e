package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama implements the Scanner interface using Ollama
type Ollama struct {
	baseURL  string
	model    string
	accounts []string
	client   *http.Client
}

// NewOllama creates a new Ollama Scanner instance
// Recommended models for receipt scanning (in order of recommendation):
//   - qwen2.5vl:7b (good OCR, handles Japanese receipts)
//   - llava:1.6 (best balance of accuracy and speed)
//   - llava:latest (general purpose vision model)
//
// Note: small vision models often lose track of image order in larger batches; lower --batch-size if results mismatch
func NewOllama(baseURL string, modelName string, accounts []string) (*Ollama, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("at least one debit account is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL:  baseURL,
		model:    modelName,
		accounts: accounts,
		client: &http.Client{
			Timeout: 5 * time.Minute, // Ollama can be slow with several images per call
		},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   any             `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// jsonSchema is the JSON Schema equivalent of responseSchema, for Ollama structured outputs
func jsonSchema(accounts []string) map[string]any {
	str := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	num := func(desc string) map[string]any { return map[string]any{"type": "number", "description": desc} }

	receipt := map[string]any{
		"type":     "object",
		"required": requiredReceiptFields,
		"properties": map[string]any{
			"storeName":     str(descStoreName),
			"date":          str(descDate),
			"totalAmount":   num(descTotalAmount),
			"taxAmount":     num(descTaxAmount),
			"taxRate":       num(descTaxRate),
			"invoiceNumber": str(descInvoiceNumber),
			"suggestedDebitAccount": map[string]any{
				"type":        "string",
				"description": debitAccountDescription(accounts),
				"enum":        accounts,
			},
			"suggestedDescription": str(descDescription),
		},
	}

	return map[string]any{
		"type":        "array",
		"description": descResults,
		"items": map[string]any{
			"type":        "object",
			"description": descImageResult,
			"required":    []string{"receipts"},
			"properties": map[string]any{
				"receipts": map[string]any{
					"type":        "array",
					"description": descReceipts,
					"items":       receipt,
				},
			},
		},
	}
}

// ScanImages extracts receipts from a batch of images with a single chat call
func (o *Ollama) ScanImages(ctx context.Context, images []Image) ([]ImageResult, error) {
	if len(images) == 0 {
		return []ImageResult{}, nil
	}

	encoded := make([]string, len(images))
	for i, img := range images {
		encoded[i] = img.Base64Data
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: jsonSchema(o.accounts),
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading Japanese receipts and invoices and proposing bookkeeping entries. You must carefully read all text in images and extract accurate information.",
			},
			{
				Role:    "user",
				Content: buildPrompt(len(images)),
				Images:  encoded,
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests || isQuotaMessage(string(body)) {
			return nil, fmt.Errorf("%w: ollama API status %d: %s", ErrQuotaExceeded, resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	results, err := parseResults(chatResp.Message.Content, len(images))
	if err != nil {
		return nil, fmt.Errorf("parsing ollama response: %w", err)
	}
	return results, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}

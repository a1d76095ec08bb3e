package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client   *genai.Client
	model    string
	accounts []string
	timeout  time.Duration
}

// NewGemini creates a new Gemini Scanner instance.
// accounts is the closed set of debit accounts the model may suggest.
func NewGemini(apiKey string, modelName string, accounts []string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("at least one debit account is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:   client,
		model:    modelName,
		accounts: accounts,
		timeout:  3 * time.Minute,
	}, nil
}

// responseSchema constrains the output to one {receipts: [...]} object per input image
func responseSchema(accounts []string) *genai.Schema {
	receipt := &genai.Schema{
		Type:     genai.TypeObject,
		Required: requiredReceiptFields,
		Properties: map[string]*genai.Schema{
			"storeName":     {Type: genai.TypeString, Description: descStoreName},
			"date":          {Type: genai.TypeString, Description: descDate},
			"totalAmount":   {Type: genai.TypeNumber, Description: descTotalAmount},
			"taxAmount":     {Type: genai.TypeNumber, Description: descTaxAmount},
			"taxRate":       {Type: genai.TypeNumber, Description: descTaxRate},
			"invoiceNumber": {Type: genai.TypeString, Description: descInvoiceNumber},
			"suggestedDebitAccount": {
				Type:        genai.TypeString,
				Description: debitAccountDescription(accounts),
				Enum:        accounts,
			},
			"suggestedDescription": {Type: genai.TypeString, Description: descDescription},
		},
	}

	return &genai.Schema{
		Type:        genai.TypeArray,
		Description: descResults,
		Items: &genai.Schema{
			Type:        genai.TypeObject,
			Description: descImageResult,
			Properties: map[string]*genai.Schema{
				"receipts": {
					Type:        genai.TypeArray,
					Description: descReceipts,
					Items:       receipt,
				},
			},
		},
	}
}

// ScanImages extracts receipts from a batch of images with a single GenerateContent call
func (g *Gemini) ScanImages(ctx context.Context, images []Image) ([]ImageResult, error) {
	if len(images) == 0 {
		return []ImageResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := make([]*genai.Part, 0, len(images)+1)
	parts = append(parts, &genai.Part{Text: buildPrompt(len(images))})
	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Base64Data)
		if err != nil {
			return nil, fmt.Errorf("decoding image %s: %w", img.SourceName, err)
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: data},
		})
	}

	contents := []*genai.Content{{Role: "user", Parts: parts}}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema(g.accounts),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	results, err := parseResults(resp.Text(), len(images))
	if err != nil {
		return nil, fmt.Errorf("parsing gemini response: %w", err)
	}
	return results, nil
}

// classifyGeminiError marks quota and rate-limit failures with ErrQuotaExceeded
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED" {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
	}
	if isQuotaMessage(err.Error()) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("generating content: %w", err)
}

// isQuotaMessage detects quota exhaustion reported only in an error message
func isQuotaMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "quota exceeded") || strings.Contains(msg, "daily limit")
}

// Close releases the scanner; the genai client holds no resources that need closing
func (g *Gemini) Close() error {
	return nil
}

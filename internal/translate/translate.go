// Package translate normalizes vernacular complaint text to English.
//
// Citizens report issues in Tamil or mixed Tamil/English; classification
// prompts, work-order emails, and clustering location text all assume
// English. The Cloud Translation API detects the source language and
// translates only when the text is not already English.
//
// Graceful degradation: if the API key is not set the normalizer is nil
// and text passes through unchanged.
package translate

import (
	"context"
	"fmt"
	"log"
	"strings"

	gtranslate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"
)

// Normalizer translates complaint text to English via the Cloud
// Translation API.
//
// Thread-safety: the underlying client is safe for concurrent use; one
// instance is shared by all pipeline workers.
type Normalizer struct {
	client *gtranslate.Client
}

// NewNormalizer creates a Normalizer backed by the Cloud Translation API.
//
// Returns nil if apiKey is empty (graceful degradation).
func NewNormalizer(ctx context.Context, apiKey string) (*Normalizer, error) {
	if apiKey == "" {
		log.Println("⚠️  TRANSLATE_API_KEY not set. Vernacular normalization disabled.")
		return nil, nil
	}

	client, err := gtranslate.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create translate client: %w", err)
	}

	log.Println("✓ Cloud Translation configured successfully")
	return &Normalizer{client: client}, nil
}

// ToEnglish translates text to English if it is not English already.
//
// Returns the input unchanged when the normalizer is disabled, the text
// is blank, or the API reports the text as already English. On API
// failure the original text is returned with the error so the caller
// can log and continue.
func (n *Normalizer) ToEnglish(ctx context.Context, text string) (string, error) {
	if n == nil || strings.TrimSpace(text) == "" {
		return text, nil
	}

	detections, err := n.client.DetectLanguage(ctx, []string{text})
	if err != nil {
		return text, fmt.Errorf("language detection failed: %w", err)
	}
	if len(detections) > 0 && len(detections[0]) > 0 {
		if detections[0][0].Language == language.English {
			return text, nil
		}
	}

	translations, err := n.client.Translate(ctx, []string{text}, language.English, nil)
	if err != nil {
		return text, fmt.Errorf("translation failed: %w", err)
	}
	if len(translations) == 0 {
		return text, nil
	}
	return translations[0].Text, nil
}

// Close releases the underlying API client.
func (n *Normalizer) Close() error {
	if n == nil {
		return nil
	}
	return n.client.Close()
}

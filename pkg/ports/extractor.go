package ports

import (
	"context"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
)

// Extractor turns attachment bytes into model input.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (domain.Extraction, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, data []byte, mimeType string) (domain.Extraction, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, data []byte, mimeType string) (domain.Extraction, error) {
	return f(ctx, data, mimeType)
}

package coordinator

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
)

const (
	minRefineLength     = 10
	minExtractedLength  = 20
	defaultInlineLimit  = 4 << 20
	defaultDocumentHint = "Please analyze the attached file."
)

// Refiner rewrites plain-text input before dispatch. It must be local and cheap.
type Refiner func(text string) string

// HeuristicRefiner normalizes whitespace and frames the request so the model
// answers in a structured way.
func HeuristicRefiner(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return text
	}
	runes := []rune(text)
	runes[0] = unicode.ToUpper(runes[0])
	text = string(runes)
	if !strings.ContainsAny(text[len(text)-1:], ".?!") {
		text += "."
	}
	return "Request: " + text + "\n\nAnswer clearly and in order. State any assumptions you make and point out information that is missing."
}

// refine applies the refiner when the trimmed input is long enough, keeping
// the result only if it adds content.
func (c *Coordinator) refine(text string) string {
	if c.refiner == nil {
		return text
	}
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= minRefineLength {
		return text
	}
	refined := c.refiner(trimmed)
	if len(refined) <= len(text) {
		return text
	}
	return refined
}

// documentTypes always go through extraction instead of being sent inline.
var documentTypes = map[string]string{
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"text/plain":       "txt",
	"text/markdown":    "md",
	"text/csv":         "csv",
	"application/json": "json",
}

func isImage(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

func attachmentName(att *domain.Attachment) string {
	if att.Name != "" {
		return att.Name
	}
	if ext, ok := documentTypes[att.MimeType]; ok {
		return "attachment." + ext
	}
	return "attachment"
}

func systemNote(name, reason string) string {
	return fmt.Sprintf("[SYSTEM NOTE: The attached file %q could not be read (Reason: %s).]", name, reason)
}

// envelope builds the normalized request. Attachments the model cannot take
// inline are extracted synchronously; extraction failure becomes a note in the
// text rather than an error.
func (c *Coordinator) envelope(ctx context.Context, text string, att *domain.Attachment) domain.Envelope {
	text = c.refine(text)
	if att == nil || len(att.Data) == 0 {
		return domain.Envelope{Text: text}
	}

	name := attachmentName(att)
	_, isDocument := documentTypes[att.MimeType]
	if isImage(att.MimeType) && !isDocument && len(att.Data) <= c.inlineLimit {
		if strings.TrimSpace(text) == "" {
			text = defaultDocumentHint
		}
		return domain.Envelope{Text: text, Attachment: att}
	}

	if c.extractor == nil {
		return domain.Envelope{Text: joinNote(text, systemNote(name, "no extractor configured"))}
	}

	extracted, err := c.extractor.Extract(ctx, att.Data, att.MimeType)
	switch {
	case err != nil:
		c.logger.Warn("Attachment extraction failed", "name", name, "mime", att.MimeType, "err", err)
		return domain.Envelope{Text: joinNote(text, systemNote(name, err.Error()))}
	case extracted.Kind == domain.ExtractionImage && len(att.Data) <= c.inlineLimit:
		return domain.Envelope{Text: text, Attachment: att}
	case extracted.Kind == domain.ExtractionImage:
		return domain.Envelope{Text: joinNote(text, systemNote(name, "file too large to forward"))}
	case len(strings.TrimSpace(extracted.Text)) <= minExtractedLength:
		return domain.Envelope{Text: joinNote(text, systemNote(name, "text extraction returned empty content"))}
	}

	if strings.TrimSpace(text) == "" {
		text = defaultDocumentHint
	}
	doc := fmt.Sprintf("[Content of attached file %q]\n%s", name, strings.TrimSpace(extracted.Text))
	return domain.Envelope{Text: text + "\n\n" + doc}
}

func joinNote(text, note string) string {
	if strings.TrimSpace(text) == "" {
		return note
	}
	return text + "\n\n" + note
}

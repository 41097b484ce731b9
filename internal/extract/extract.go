// Package extract turns attachment bytes into model input.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
)

var (
	// ErrUnsupported is returned for formats that have no local extractor.
	ErrUnsupported = errors.New("unsupported document format")
	// ErrInvalidText is returned when text content is not valid UTF-8.
	ErrInvalidText = errors.New("content is not valid UTF-8 text")
)

const (
	mimeDocx  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimePDF   = "application/pdf"
	mimeWord  = "application/msword"
	docxEntry = "word/document.xml"

	// maxDocumentXML bounds the decompressed document body.
	maxDocumentXML = 32 << 20
)

// Mux dispatches extraction by MIME type.
type Mux struct{}

// New returns the default extractor.
func New() *Mux {
	return &Mux{}
}

// Extract implements ports.Extractor.
func (m *Mux) Extract(ctx context.Context, data []byte, mimeType string) (domain.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Extraction{}, err
	}
	mediaType := mimeType
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mediaType = parsed
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return domain.Extraction{Kind: domain.ExtractionImage}, nil
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json":
		return plainText(data)
	case mediaType == mimeDocx:
		text, err := docx(data)
		if err != nil {
			return domain.Extraction{}, err
		}
		return domain.Extraction{Kind: domain.ExtractionText, Text: text}, nil
	case mediaType == mimePDF, mediaType == mimeWord:
		return domain.Extraction{}, fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
	default:
		return domain.Extraction{}, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
	}
}

func plainText(data []byte) (domain.Extraction, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return domain.Extraction{}, ErrInvalidText
	}
	return domain.Extraction{Kind: domain.ExtractionText, Text: string(data)}, nil
}

// docx reads the paragraphs of word/document.xml. Each <w:p> becomes a line,
// <w:tab/> a tab and <w:br/> a newline.
func docx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}
	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == docxEntry {
			entry = f
			break
		}
	}
	if entry == nil {
		return "", fmt.Errorf("failed to open docx: %s missing", docxEntry)
	}
	rc, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open docx body: %w", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, maxDocumentXML))
	var (
		out    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse docx body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				out.WriteByte('\t')
			case "br":
				out.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

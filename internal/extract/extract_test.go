package extract_test

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/extract"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ports.Extractor = (*extract.Mux)(nil)

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_PlainText(t *testing.T) {
	got, err := extract.New().Extract(context.Background(), []byte("\xef\xbb\xbfclause 1"), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionText, got.Kind)
	assert.Equal(t, "clause 1", got.Text)
}

func TestExtract_JSONAndCSV(t *testing.T) {
	m := extract.New()
	got, err := m.Extract(context.Background(), []byte(`{"a":1}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got.Text)

	got, err = m.Extract(context.Background(), []byte("a,b\n1,2"), "text/csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2", got.Text)
}

func TestExtract_InvalidUTF8(t *testing.T) {
	_, err := extract.New().Extract(context.Background(), []byte{0xff, 0xfe, 0x00}, "text/plain")
	assert.ErrorIs(t, err, extract.ErrInvalidText)
}

func TestExtract_Docx(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Non-Disclosure</w:t></w:r><w:r><w:t xml:space="preserve"> Agreement</w:t></w:r></w:p>
    <w:p><w:r><w:t>Term:</w:t><w:tab/><w:t>2 years</w:t></w:r></w:p>
  </w:body>
</w:document>`
	got, err := extract.New().Extract(context.Background(), buildDocx(t, body),
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionText, got.Kind)
	assert.Equal(t, "Non-Disclosure Agreement\nTerm:\t2 years", got.Text)
}

func TestExtract_CorruptDocx(t *testing.T) {
	_, err := extract.New().Extract(context.Background(), []byte("not a zip"),
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	assert.Error(t, err)
}

func TestExtract_Unsupported(t *testing.T) {
	m := extract.New()
	for _, mt := range []string{"application/pdf", "application/msword", "application/octet-stream"} {
		_, err := m.Extract(context.Background(), []byte("%PDF"), mt)
		assert.ErrorIs(t, err, extract.ErrUnsupported, mt)
	}
}

func TestExtract_Image(t *testing.T) {
	got, err := extract.New().Extract(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionImage, got.Kind)
}

func TestExtract_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := extract.New().Extract(ctx, []byte("x"), "text/plain")
	assert.ErrorIs(t, err, context.Canceled)
}

package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/knowstack/internal/apperr"
	"github.com/kalambet/knowstack/internal/blob"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"nbsp and zero width", "a\u00a0b\u200bc", "a bc"},
		{"hyphenated line break", "infor-\n  mation retrieval", "information retrieval"},
		{"spaces around newline", "line one   \n   line two", "line one\nline two"},
		{"collapse spaces and tabs", "a \t  b", "a b"},
		{"blank line runs", "para one\n\n\n\n\npara two", "para one\n\npara two"},
		{"trim", "  \n hello \n ", "hello"},
		{"whitespace only", " \t\n\u00a0 ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatPlainText, DetectFormat("text/plain; charset=utf-8", "x.bin"))
	assert.Equal(t, FormatPDF, DetectFormat("application/pdf", ""))
	assert.Equal(t, FormatDOCX, DetectFormat(MIMEDOCX, ""))
	assert.Equal(t, FormatPDF, DetectFormat("application/octet-stream", "report.PDF"))
	assert.Equal(t, FormatDOCX, DetectFormat("", "memo.docx"))
	assert.Equal(t, FormatUnknown, DetectFormat("image/png", "photo.png"))
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestExtractPlainText(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("Hello   world.\n\n\n\nSecond para-\ngraph."))

	text, err := New(&blob.LocalStore{Dir: dir}).Extract(context.Background(), path, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "Hello world.\n\nSecond paragraph.", text)
}

func TestExtractFallsBackToExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("content"))

	text, err := New(&blob.LocalStore{Dir: dir}).Extract(context.Background(), path, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "content", text)
}

func TestExtractErrors(t *testing.T) {
	dir := t.TempDir()
	e := New(&blob.LocalStore{Dir: dir})
	ctx := context.Background()

	blank := writeFile(t, dir, "blank.txt", []byte(" \n\t \u00a0"))
	image := writeFile(t, dir, "photo.png", []byte{0x89, 'P', 'N', 'G'})
	badPDF := writeFile(t, dir, "bad.pdf", []byte("not a pdf"))
	badDOCX := writeFile(t, dir, "bad.docx", []byte("not a zip"))

	tests := []struct {
		name        string
		locator     string
		contentType string
	}{
		{"no locator", "", "text/plain"},
		{"missing file", filepath.Join(dir, "missing.txt"), "text/plain"},
		{"whitespace only", blank, "text/plain"},
		{"unsupported", image, "image/png"},
		{"corrupt pdf", badPDF, "application/pdf"},
		{"corrupt docx", badDOCX, MIMEDOCX},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Extract(ctx, tt.locator, tt.contentType)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrExtraction)
			assert.Equal(t, apperr.KindExtraction, apperr.KindOf(err))
		})
	}
}

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractDOCX(t *testing.T) {
	const doc = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First</w:t></w:r><w:r><w:t xml:space="preserve">   paragraph.</w:t></w:r></w:p>
    <w:p></w:p>
    <w:p><w:r><w:t>Second</w:t><w:tab/><w:t>one.</w:t></w:r></w:p>
  </w:body>
</w:document>`

	text, err := FromBytes(buildDOCX(t, doc), FormatDOCX)
	require.NoError(t, err)
	assert.Equal(t, "First paragraph.\nSecond one.", text)
}

func TestExtractDOCXWithoutDocument(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("word/styles.xml")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = FromBytes(buf.Bytes(), FormatDOCX)
	assert.ErrorIs(t, err, apperr.ErrExtraction)
}

func TestExtractDOCXEmpty(t *testing.T) {
	const doc = `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p/></w:body></w:document>`
	_, err := FromBytes(buildDOCX(t, doc), FormatDOCX)
	assert.ErrorIs(t, err, apperr.ErrExtraction)
}

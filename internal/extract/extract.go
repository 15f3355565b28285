// Package extract turns stored document bytes into normalized plain text.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/knowstack/internal/apperr"
	"github.com/kalambet/knowstack/internal/blob"
)

// Extractor reads a document through a blob reader and extracts its text.
type Extractor struct {
	blobs blob.Reader
}

func New(blobs blob.Reader) *Extractor {
	return &Extractor{blobs: blobs}
}

// Extract loads the blob at locator and returns its normalized text. The
// format comes from contentType, or from the locator's extension when the
// content type is not recognized. All failures are of kind
// apperr.KindExtraction.
func (e *Extractor) Extract(ctx context.Context, locator, contentType string) (string, error) {
	if locator == "" {
		return "", apperr.New(apperr.KindExtraction, "document has no stored source")
	}
	format := DetectFormat(contentType, locator)
	if format == FormatUnknown {
		return "", apperr.New(apperr.KindExtraction, "unsupported content type %q", contentType)
	}

	data, err := e.blobs.ReadBytes(ctx, locator)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", apperr.Wrap(apperr.KindExtraction, err, "source file not found")
		}
		return "", apperr.Wrap(apperr.KindExtraction, err, "reading source file")
	}
	return FromBytes(data, format)
}

// FromBytes extracts and normalizes text from data in the given format.
func FromBytes(data []byte, format Format) (string, error) {
	var (
		text string
		err  error
	)
	switch format {
	case FormatPlainText:
		text = Normalize(strings.ToValidUTF8(string(data), "\uFFFD"))
	case FormatPDF:
		text, err = pdfText(data)
	case FormatDOCX:
		text, err = docxText(data)
	default:
		return "", apperr.New(apperr.KindExtraction, "unsupported format %s", format)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", apperr.New(apperr.KindExtraction, "no extractable text in %s document", format)
	}
	return text, nil
}

// pdfText normalizes each page separately and joins them with a blank line.
func pdfText(data []byte) (text string, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", apperr.New(apperr.KindExtraction, "corrupt pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", apperr.Wrap(apperr.KindExtraction, err, "opening pdf")
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		raw, err := p.GetPlainText(nil)
		if err != nil {
			return "", apperr.Wrap(apperr.KindExtraction, err, "reading pdf page %d", i)
		}
		if page := Normalize(raw); page != "" {
			pages = append(pages, page)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// docxText collects the runs of every paragraph in word/document.xml,
// normalizes each paragraph and joins them with newlines.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", apperr.Wrap(apperr.KindExtraction, err, "opening docx archive")
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", apperr.New(apperr.KindExtraction, "docx archive has no word/document.xml")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", apperr.Wrap(apperr.KindExtraction, err, "opening word/document.xml")
	}
	defer rc.Close()

	paragraphs, err := docxParagraphs(rc)
	if err != nil {
		return "", apperr.Wrap(apperr.KindExtraction, err, "parsing word/document.xml")
	}

	var out []string
	for _, p := range paragraphs {
		if p = Normalize(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n"), nil
}

func docxParagraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
		inPara     bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding token: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				current.Reset()
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if inPara {
					paragraphs = append(paragraphs, current.String())
				}
				inPara = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return paragraphs, nil
}

package ingest

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/pkg/types"
)

// FileType is the sniffed document format.
type FileType string

const (
	TypePDF  FileType = "pdf"
	TypeDOCX FileType = "docx"
	TypeText FileType = "text"
)

// Extracted is the plain-text form of one source document. PageOffsets maps
// each 1-based page to its starting character offset in Text, so the chunker
// can attribute chunks to pages. Formats without pages get a single entry.
type Extracted struct {
	Text        string
	Pages       int
	PageOffsets []int
}

// DetectType sniffs the document format from its leading bytes. The file
// name is only a tiebreaker for ZIP containers, which both DOCX and other
// Office formats share.
func DetectType(name string, data []byte) (FileType, error) {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return TypePDF, nil
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		if strings.HasSuffix(strings.ToLower(name), ".docx") {
			return TypeDOCX, nil
		}
		return "", fault.Errorf(fault.InvalidInput, "unsupported ZIP-based format: %s", name)
	case utf8.Valid(data) && !bytes.ContainsRune(data, 0):
		return TypeText, nil
	}
	return "", fault.Errorf(fault.InvalidInput, "unrecognised file format: %s", name)
}

// Extract decodes one uploaded document to plain text, preserving page
// boundaries. Unreadable input fails with an invalid-input fault so the
// failure is never retried.
func Extract(ctx context.Context, doc types.DocumentBlob) (*Extracted, error) {
	if len(doc.Data) == 0 {
		return nil, fault.Errorf(fault.InvalidInput, "empty file: %s", doc.Name)
	}

	ft, err := DetectType(doc.Name, doc.Data)
	if err != nil {
		return nil, err
	}

	switch ft {
	case TypePDF:
		return extractPDF(ctx, doc)
	case TypeDOCX:
		return extractDOCX(doc)
	default:
		return &Extracted{
			Text:        string(doc.Data),
			Pages:       1,
			PageOffsets: []int{0},
		}, nil
	}
}

// extractPDF walks the pages of a PDF, concatenating their plain text.
// Individual unreadable pages are skipped; a document where every page fails
// is rejected as invalid input.
func extractPDF(ctx context.Context, doc types.DocumentBlob) (*Extracted, error) {
	reader, err := pdf.NewReader(bytes.NewReader(doc.Data), int64(len(doc.Data)))
	if err != nil {
		return nil, fault.E(fault.InvalidInput, "unreadable PDF "+doc.Name, err)
	}

	var (
		b       strings.Builder
		offsets []int
		failed  int
	)
	total := reader.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		offsets = append(offsets, b.Len())

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			failed++
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			failed++
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	if failed == total || strings.TrimSpace(b.String()) == "" {
		return nil, fault.Errorf(fault.InvalidInput, "no extractable text in %s", doc.Name)
	}
	return &Extracted{Text: b.String(), Pages: total, PageOffsets: offsets}, nil
}

// extractDOCX decodes a Word document from memory.
func extractDOCX(doc types.DocumentBlob) (*Extracted, error) {
	d, err := docx.ReadDocxFromMemory(bytes.NewReader(doc.Data), int64(len(doc.Data)))
	if err != nil {
		return nil, fault.E(fault.InvalidInput, "unreadable DOCX "+doc.Name, err)
	}
	defer d.Close()

	content := d.Editable().GetContent()
	text := flattenDocxXML(content)
	if strings.TrimSpace(text) == "" {
		return nil, fault.Errorf(fault.InvalidInput, "no extractable text in %s", doc.Name)
	}
	return &Extracted{Text: text, Pages: 1, PageOffsets: []int{0}}, nil
}

// flattenDocxXML strips the WordprocessingML markup, turning paragraph ends
// into newlines so heading boundaries survive chunking.
func flattenDocxXML(content string) string {
	var b strings.Builder
	inTag := false
	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case c == '<':
			inTag = true
			// Paragraph and line-break close tags become newlines.
			if strings.HasPrefix(content[i:], "</w:p>") {
				b.WriteString("\n\n")
			} else if strings.HasPrefix(content[i:], "<w:br") {
				b.WriteByte('\n')
			}
		case c == '>':
			inTag = false
		case !inTag:
			b.WriteByte(c)
		}
	}
	return unescapeXML(b.String())
}

// unescapeXML resolves the five predefined XML entities.
func unescapeXML(s string) string {
	r := strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
	return r.Replace(s)
}

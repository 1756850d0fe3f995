package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/pkg/types"
)

func TestDetectType(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		data     []byte
		want     FileType
		wantErr  bool
	}{
		{"pdf magic", "notes.pdf", []byte("%PDF-1.7 rest"), TypePDF, false},
		{"pdf magic wrong extension", "notes.bin", []byte("%PDF-1.4"), TypePDF, false},
		{"docx zip", "slides.docx", []byte("PK\x03\x04rest"), TypeDOCX, false},
		{"zip but not docx", "archive.zip", []byte("PK\x03\x04rest"), "", true},
		{"plain text", "readme.txt", []byte("hello world"), TypeText, false},
		{"binary garbage", "blob.bin", []byte{0x00, 0x01, 0xff, 0xfe}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DetectType(tc.fileName, tc.data)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if fault.KindOf(err) != fault.InvalidInput {
					t.Errorf("kind = %v, want invalid_input", fault.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("type = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExtract_PlainText(t *testing.T) {
	ex, err := Extract(context.Background(), types.DocumentBlob{
		Name: "notes.txt",
		Data: []byte("first paragraph\n\nsecond paragraph"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Pages != 1 || len(ex.PageOffsets) != 1 {
		t.Errorf("pages = %d offsets = %v, want single page", ex.Pages, ex.PageOffsets)
	}
	if !strings.Contains(ex.Text, "second paragraph") {
		t.Error("text content lost")
	}
}

func TestExtract_EmptyFileRejected(t *testing.T) {
	_, err := Extract(context.Background(), types.DocumentBlob{Name: "empty.txt"})
	if fault.KindOf(err) != fault.InvalidInput {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestExtract_CorruptPDFRejected(t *testing.T) {
	_, err := Extract(context.Background(), types.DocumentBlob{
		Name: "broken.pdf",
		Data: []byte("%PDF-1.7 but nothing else"),
	})
	if err == nil {
		t.Fatal("expected error for corrupt PDF")
	}
	if fault.KindOf(err) != fault.InvalidInput {
		t.Fatalf("kind = %v, want invalid_input (never retried)", fault.KindOf(err))
	}
}

func TestFlattenDocxXML(t *testing.T) {
	xml := `<w:p><w:r><w:t>Week one</w:t></w:r></w:p><w:p><w:r><w:t>covers &amp; introduces basics</w:t></w:r></w:p>`
	got := flattenDocxXML(xml)
	if !strings.Contains(got, "Week one") {
		t.Errorf("flattened = %q, missing text", got)
	}
	if !strings.Contains(got, "covers & introduces basics") {
		t.Errorf("flattened = %q, entity not unescaped", got)
	}
	if !strings.Contains(got, "\n\n") {
		t.Errorf("flattened = %q, paragraph boundary lost", got)
	}
}

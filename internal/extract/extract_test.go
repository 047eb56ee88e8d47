package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func TestFromBytesPlainText(t *testing.T) {
	text, err := FromBytes([]byte("Q1. What is inertia?"), "text/plain; charset=utf-8", "quiz.txt")
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if text != "Q1. What is inertia?" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestFromBytesImagePassthrough(t *testing.T) {
	text, err := FromBytes([]byte{0x89, 0x50, 0x4e, 0x47}, "image/png", "scan.png")
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty text for image, got %q", text)
	}
}

func TestFromBytesUnsupported(t *testing.T) {
	if _, err := FromBytes([]byte("x"), "application/x-msdownload", "setup.exe"); err == nil {
		t.Fatalf("expected unsupported mime error")
	}
}

func TestFromBytesDOCX(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	doc := `<?xml version="1.0"?><w:document xmlns:w="ns"><w:body><w:p><w:r><w:t>Question one</w:t></w:r></w:p><w:p><w:r><w:t>Question two</w:t></w:r></w:p></w:body></w:document>`
	if _, err := w.Write([]byte(doc)); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	text, err := FromBytes(buf.Bytes(), "application/zip", "paper.docx")
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !strings.Contains(text, "Question one") || !strings.Contains(text, "Question two") {
		t.Fatalf("docx text missing content: %q", text)
	}
}

func TestIsSupported(t *testing.T) {
	cases := []struct {
		mime string
		name string
		want bool
	}{
		{"application/pdf", "exam.pdf", true},
		{"image/jpeg", "scan.jpg", true},
		{"text/plain; charset=utf-8", "quiz.txt", true},
		{"application/octet-stream", "paper.pdf", true},
		{"video/mp4", "lecture.mp4", false},
	}
	for _, tc := range cases {
		if got := IsSupported(tc.mime, tc.name); got != tc.want {
			t.Fatalf("IsSupported(%q, %q) = %v, want %v", tc.mime, tc.name, got, tc.want)
		}
	}
}

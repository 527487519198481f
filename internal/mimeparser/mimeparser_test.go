package mimeparser_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eslider/briefkasten/internal/mimeparser"
)

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Meeting tomorrow\r\n" +
	"Date: Mon, 10 Feb 2025 09:00:00 +0000\r\n" +
	"Message-Id: <a@example.com>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Let's meet at the trampoline park.\r\n"

func TestParsePlainTextMessage(t *testing.T) {
	m, err := mimeparser.Parse([]byte(plainMessage), 1, "INBOX", mimeparser.Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Subject != "Meeting tomorrow" {
		t.Errorf("Subject = %q, want %q", m.Subject, "Meeting tomorrow")
	}
	if m.MessageID != "<a@example.com>" {
		t.Errorf("MessageID = %q, want <a@example.com>", m.MessageID)
	}
	if m.From != "Alice <alice@example.com>" {
		t.Errorf("From = %q", m.From)
	}
	if m.To != "Bob <bob@example.com>" {
		t.Errorf("To = %q", m.To)
	}
	if m.Date.IsZero() {
		t.Error("expected non-zero Date")
	}
	if m.BodyText == "" {
		t.Error("expected non-empty body text")
	}
	if m.HasAttachments {
		t.Error("plain message should not report attachments")
	}
}

const multipartMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Invoice attached\r\n" +
	"Date: Tue, 11 Feb 2025 08:00:00 +0000\r\n" +
	"Message-Id: <b@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Please find the invoice attached.\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--BOUNDARY--\r\n"

func TestParseMultipartWithAttachment(t *testing.T) {
	dir := t.TempDir()
	m, err := mimeparser.Parse([]byte(multipartMessage), 2, "INBOX", mimeparser.Options{AttachmentDir: dir})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.BodyText == "" || m.BodyText != "Please find the invoice attached." {
		t.Errorf("BodyText = %q", m.BodyText)
	}
	if !m.HasAttachments {
		t.Fatal("expected HasAttachments")
	}
	if len(m.Attachments) != 1 {
		t.Fatalf("Attachments len = %d, want 1", len(m.Attachments))
	}
	att := m.Attachments[0]
	if att.Filename != "invoice.pdf" {
		t.Errorf("Filename = %q, want invoice.pdf", att.Filename)
	}
	wantPath := filepath.Join(dir, "INBOX", "2", "invoice.pdf")
	if att.Path != wantPath {
		t.Errorf("Path = %q, want %q", att.Path, wantPath)
	}
	if _, err := os.Stat(att.Path); err != nil {
		t.Errorf("expected attachment written to disk: %v", err)
	}
}

func TestParseWithoutAttachmentDirSkipsWrite(t *testing.T) {
	m, err := mimeparser.Parse([]byte(multipartMessage), 3, "INBOX", mimeparser.Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Attachments) != 1 {
		t.Fatalf("Attachments len = %d, want 1", len(m.Attachments))
	}
	if m.Attachments[0].Path != "" {
		t.Error("expected empty Path when AttachmentDir is unset")
	}
}

func TestParseWritesEMLFileWhenEMLDirGiven(t *testing.T) {
	dir := t.TempDir()
	m, err := mimeparser.Parse([]byte(plainMessage), 7, "Archive", mimeparser.Options{EMLDir: dir})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wantPath := filepath.Join(dir, "Archive", "7.eml")
	if m.EMLPath != wantPath {
		t.Errorf("EMLPath = %q, want %q", m.EMLPath, wantPath)
	}
	got, err := os.ReadFile(m.EMLPath)
	if err != nil {
		t.Fatalf("reading written eml: %v", err)
	}
	if string(got) != plainMessage {
		t.Error("written eml bytes do not match the original message")
	}
}

func TestParseWithoutEMLDirLeavesEMLPathEmpty(t *testing.T) {
	m, err := mimeparser.Parse([]byte(plainMessage), 8, "INBOX", mimeparser.Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.EMLPath != "" {
		t.Errorf("EMLPath = %q, want empty when EMLDir is unset", m.EMLPath)
	}
}

const inlineImageMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Signed with a logo\r\n" +
	"Date: Wed, 12 Feb 2025 08:00:00 +0000\r\n" +
	"Message-Id: <c@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/related; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Best regards.\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: inline; filename=\"logo.png\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"iVBORw0KGgo=\r\n" +
	"--BOUNDARY--\r\n"

// TestParseInlineAttachmentWithFilename covers spec.md §4.3's "INLINE with
// a filename" attachment rule: an embedded-image part whose disposition is
// INLINE (not ATTACHMENT) but which carries a filename, as real mail
// clients send inline signature logos and embedded images.
func TestParseInlineAttachmentWithFilename(t *testing.T) {
	dir := t.TempDir()
	m, err := mimeparser.Parse([]byte(inlineImageMessage), 5, "INBOX", mimeparser.Options{AttachmentDir: dir})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.BodyText != "Best regards." {
		t.Errorf("BodyText = %q, want %q", m.BodyText, "Best regards.")
	}
	if !m.HasAttachments {
		t.Fatal("expected HasAttachments for inline part with filename")
	}
	if len(m.Attachments) != 1 {
		t.Fatalf("Attachments len = %d, want 1", len(m.Attachments))
	}
	att := m.Attachments[0]
	if att.Filename != "logo.png" {
		t.Errorf("Filename = %q, want logo.png", att.Filename)
	}
	if att.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", att.ContentType)
	}
	wantPath := filepath.Join(dir, "INBOX", "5", "logo.png")
	if att.Path != wantPath {
		t.Errorf("Path = %q, want %q", att.Path, wantPath)
	}
	if _, err := os.Stat(att.Path); err != nil {
		t.Errorf("expected inline attachment written to disk: %v", err)
	}
}

func TestParseFuzzyDateFallback(t *testing.T) {
	raw := "From: a@b.com\r\n" +
		"To: c@d.com\r\n" +
		"Subject: Odd date\r\n" +
		"Date: 10 Feb 2025 09:00:00\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Body.\r\n"
	m, err := mimeparser.Parse([]byte(raw), 4, "INBOX", mimeparser.Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Date.IsZero() {
		t.Error("expected fuzzy date parser to recover a non-standard Date header")
	}
}

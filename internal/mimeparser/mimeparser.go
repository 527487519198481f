// Package mimeparser turns a raw RFC 5322 message into the structured
// fields the metadata store and fulltext index need: decoded headers,
// address-list formatting, multipart body extraction, and attachment
// enumeration. It generalizes internal/search/eml/parser.go's header
// decoding and fuzzy date parsing to read from an IMAP-fetched byte
// stream instead of a file, and uses github.com/emersion/go-message/mail
// for structured part walking rather than hand-rolled mime/multipart,
// since the wire-level MIME parser is treated as an external library
// rather than something this engine reimplements.
package mimeparser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 charset decoders
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/eslider/briefkasten/internal/model"
)

// maxBodyBytes caps how much plain-text body is retained per message for
// indexing; full content always remains on disk in the raw .eml file.
const maxBodyBytes = 64 * 1024

// Options configures the disk side effects of Parse.
type Options struct {
	// AttachmentDir, if non-empty, causes attachments to be written to
	// disk under <AttachmentDir>/<folder>/<uid>/<filename>, the on-disk
	// layout spec.md §6 fixes.
	AttachmentDir string

	// EMLDir, if non-empty, causes the raw message bytes to be written
	// to <EMLDir>/<folder>/<uid>.eml (spec.md §4.3, §6), and Message.EMLPath
	// to be set to that path. Invariant 1 (spec.md §3) depends on this
	// file actually existing, so EMLPath is left empty if the write fails.
	EMLDir string
}

// Parse reads a full RFC 5322 message and returns its structured form.
// folder is only used to place the raw .eml file and extracted
// attachments on disk at spec.md §6's fixed layout; it is not stored on
// the Message itself.
// Parse failures are returned as both an error and as message.ParseError
// set on a best-effort partial Message (spec.md §7.4): the caller is
// expected to store/index everything parseable and skip the rest.
func Parse(raw []byte, uid uint32, folder string, opts Options) (model.Message, error) {
	m := model.Message{UID: uid, Size: int64(len(raw))}

	reader, err := mail.CreateReader(newReader(raw))
	if err != nil {
		m.ParseError = fmt.Errorf("mimeparser: create reader: %w", err)
		return m, m.ParseError
	}

	if opts.EMLDir != "" {
		if path, werr := writeEML(opts.EMLDir, folder, uid, raw); werr == nil {
			m.EMLPath = path
		}
	}

	header := reader.Header
	m.Subject, _ = header.Subject()
	if id, _ := header.MessageID(); id != "" {
		m.MessageID = "<" + id + ">"
	}
	m.Date = headerDate(header, raw)
	m.From = formatAddressList(header, "From")
	m.To = formatAddressList(header, "To")
	m.CC = formatAddressList(header, "Cc")
	m.InReplyTo = firstHeaderText(header, "In-Reply-To")
	m.References = strings.Join(referenceIDs(header), " ")

	var bodyText string
	var htmlFallback string

	for {
		part, perr := reader.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			// A malformed part doesn't invalidate the whole message; the
			// headers already decoded are kept.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if filename := inlineFilename(h); filename != "" {
				// An INLINE part with a filename is still an attachment
				// per spec.md §4.3 (e.g. an embedded signature image),
				// not body text.
				att, err := extractAttachment(part.Body, filename, ct, folder, uid, opts)
				if err != nil {
					continue
				}
				m.Attachments = append(m.Attachments, att)
				continue
			}
			body, _ := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
			switch {
			case strings.HasPrefix(ct, "text/html"):
				if htmlFallback == "" {
					htmlFallback = stripHTML(string(body))
				}
			case strings.HasPrefix(ct, "text/plain") || ct == "":
				if bodyText == "" {
					bodyText = strings.TrimSpace(string(body))
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			att, err := extractAttachment(part.Body, filename, contentType, folder, uid, opts)
			if err != nil {
				continue
			}
			m.Attachments = append(m.Attachments, att)
		}
	}

	if bodyText == "" {
		bodyText = htmlFallback
	}
	m.BodyText = bodyText
	m.HasAttachments = len(m.Attachments) > 0

	return m, nil
}

func newReader(raw []byte) io.Reader {
	return &sliceReader{data: raw}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// formatAddressList renders an address header as a comma-separated
// "Name <addr>" list, falling back to the raw header text if the
// address list fails to parse (spec.md §4.3).
func formatAddressList(h mail.Header, field string) string {
	addrs, err := h.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return ensureUTF8(strings.TrimSpace(h.Get(field)))
	}
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		if a.Name != "" {
			parts[i] = fmt.Sprintf("%s <%s>", a.Name, a.Address)
		} else {
			parts[i] = a.Address
		}
	}
	return strings.Join(parts, ", ")
}

// inlineFilename returns the filename an INLINE-disposition part carries,
// if any, mirroring mail.AttachmentHeader.Filename()'s fallback chain
// (Content-Disposition's filename param, then Content-Type's discouraged
// name param). A non-empty result means the part is an attachment per
// spec.md §4.3 ("INLINE with a filename"), not inline body text.
func inlineFilename(h *mail.InlineHeader) string {
	_, params, _ := h.ContentDisposition()
	if filename, ok := params["filename"]; ok {
		return filename
	}
	_, params, _ = h.ContentType()
	return params["name"]
}

func firstHeaderText(h mail.Header, field string) string {
	v, err := h.Text(field)
	if err != nil {
		return ensureUTF8(h.Get(field))
	}
	return v
}

// ensureUTF8 repairs a header value that failed RFC 2047 decoding and
// still carries raw legacy-charset bytes, falling back to windows-1252
// (the common case for unlabeled legacy mail), the same last-resort
// repair internal/search/eml/parser.go applies via golang.org/x/text.
func ensureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	enc, err := htmlindex.Get("windows-1252")
	if err != nil || enc == nil {
		return s
	}
	decoded, _, err := transform.String(enc.NewDecoder(), s)
	if err != nil {
		return s
	}
	return decoded
}

func referenceIDs(h mail.Header) []string {
	raw := h.Get("References")
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// headerDate resolves the message date, falling back through the same
// chain internal/search/eml/parser.go uses: the parsed Date header, a
// fuzzy re-parse of the raw header text, then the most recent Received
// header (spec.md §12's fuzzy-date supplement).
func headerDate(h mail.Header, raw []byte) time.Time {
	if t, err := h.Date(); err == nil && !t.IsZero() {
		return t
	}
	if t := parseDateFuzzy(h.Get("Date")); !t.IsZero() {
		return t
	}
	return parseReceivedDate(raw)
}

func parseDateFuzzy(rawDate string) time.Time {
	rawDate = strings.TrimSpace(rawDate)
	if rawDate == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05",
		"2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05",
		time.RFC822Z,
		time.RFC822,
		"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
		"Mon, 02 Jan 2006 15:04:05 -0700",
		"Mon, 02 Jan 2006 15:04:05",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"01-02-2006",
	} {
		if t, err := time.Parse(layout, rawDate); err == nil {
			return t
		}
	}
	return time.Time{}
}

var reReceivedDate = regexp.MustCompile(`(?i)^Received:.*;(.+)$`)

func parseReceivedDate(raw []byte) time.Time {
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		m := reReceivedDate.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if t := parseDateFuzzy(m[1]); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

var (
	reStyle      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reScript     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reHTMLTag    = regexp.MustCompile(`<[^>]*>`)
	reWhitespace = regexp.MustCompile(`\s+`)
	reHTMLEntity = regexp.MustCompile(`&[a-zA-Z0-9#]+;`)
)

func stripHTML(html string) string {
	text := reStyle.ReplaceAllString(html, " ")
	text = reScript.ReplaceAllString(text, " ")
	text = reHTMLTag.ReplaceAllString(text, " ")
	text = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&apos;", "'", "&#39;", "'",
		"&nbsp;", " ",
	).Replace(text)
	text = reHTMLEntity.ReplaceAllString(text, " ")
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// writeEML writes raw to <emlDir>/<folder>/<uid>.eml, the raw RFC 822
// artifact spec.md §6 requires on disk per message.
func writeEML(emlDir, folder string, uid uint32, raw []byte) (string, error) {
	dir := filepath.Join(emlDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create eml dir: %w", err)
	}
	path := filepath.Join(dir, strconv.Itoa(int(uid))+".eml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write eml %q: %w", path, err)
	}
	return path, nil
}

// extractAttachment reads an attachment part fully (bounding memory is
// the caller's job via batch size, spec.md §5) and, if an AttachmentDir
// was given, writes it to disk at attachments/<folder>/<uid>/<filename>,
// spec.md §6's fixed layout.
func extractAttachment(r io.Reader, filename, contentType, folder string, uid uint32, opts Options) (model.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("read attachment %q: %w", filename, err)
	}

	att := model.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
	}

	if opts.AttachmentDir == "" {
		att.Size = -1
		return att, nil
	}

	safeName := filepath.Base(filename)
	if safeName == "" || safeName == "." || safeName == string(filepath.Separator) {
		safeName = "attachment"
	}
	outDir := filepath.Join(opts.AttachmentDir, folder, strconv.Itoa(int(uid)))
	outPath := filepath.Join(outDir, safeName)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return model.Attachment{}, fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return model.Attachment{}, fmt.Errorf("write attachment %q: %w", outPath, err)
	}
	att.Path = outPath
	return att, nil
}

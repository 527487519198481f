// Package model defines the canonical mail entities shared by every
// component of the sync engine: accounts, folders, messages, and
// attachments, plus the small value types that travel between them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier, used for anything
// that doesn't need a deterministic id (metadata store transaction ids).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should never happen).
		return uuid.New().String()
	}
	return id.String()
}

// Flag is one of the five IMAP flags the spec tracks. Storage adapters
// persist flag sets as a sorted, deduplicated slice of these.
type Flag string

const (
	FlagSeen     Flag = "seen"
	FlagFlagged  Flag = "flagged"
	FlagAnswered Flag = "answered"
	FlagDraft    Flag = "draft"
	FlagDeleted  Flag = "deleted"
)

// FlagSet is a set of Flag values, represented as a map for O(1) membership
// tests and diffing.
type FlagSet map[Flag]struct{}

// NewFlagSet builds a FlagSet from a slice, deduplicating as it goes.
func NewFlagSet(flags ...Flag) FlagSet {
	fs := make(FlagSet, len(flags))
	for _, f := range flags {
		fs[f] = struct{}{}
	}
	return fs
}

// Has reports whether f is a member of the set.
func (fs FlagSet) Has(f Flag) bool {
	_, ok := fs[f]
	return ok
}

// Slice returns the set's members in a stable (sorted) order.
func (fs FlagSet) Slice() []Flag {
	out := make([]Flag, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	sortFlags(out)
	return out
}

// Equal reports whether two flag sets contain exactly the same flags.
func (fs FlagSet) Equal(other FlagSet) bool {
	if len(fs) != len(other) {
		return false
	}
	for f := range fs {
		if !other.Has(f) {
			return false
		}
	}
	return true
}

func sortFlags(flags []Flag) {
	// Insertion sort: flag sets are always tiny (<=5 members).
	for i := 1; i < len(flags); i++ {
		for j := i; j > 0 && flags[j] < flags[j-1]; j-- {
			flags[j], flags[j-1] = flags[j-1], flags[j]
		}
	}
}

// IMAPConfig holds the connection details for one account's IMAP endpoint.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	Insecure bool   `yaml:"insecure,omitempty"`
	SSLTrust string `yaml:"ssl_trust,omitempty"`
}

// SMTPConfig holds an optional outgoing-mail endpoint. The sync engine
// never dials it; it's carried through for downstream components.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// Account is a configured mail account: a symbol, an address, an IMAP
// endpoint, and the local data directory it mirrors into.
type Account struct {
	ID       string      `yaml:"-"`
	Email    string      `yaml:"email"`
	IMAP     IMAPConfig  `yaml:"imap"`
	SMTP     *SMTPConfig `yaml:"smtp,omitempty"`
	DataPath string      `yaml:"data_path"`
}

// Folder is a server-side mailbox mirrored locally.
type Folder struct {
	Name        string
	UIDValidity uint32
	UIDNext     uint32
	LastSync    time.Time
}

// Message is the canonical parsed representation of one email, as stored
// in the metadata store and indexed in the fulltext index.
type Message struct {
	UID            uint32
	MessageID      string
	Subject        string
	From           string
	To             string
	CC             string
	Date           time.Time
	Flags          FlagSet
	Size           int64
	InReplyTo      string
	References     string
	EMLPath        string
	HasAttachments bool
	BodyText       string
	Attachments    []Attachment

	// ParseError is set when this message's bytes failed to parse; such
	// messages are excluded from store/index writes (spec §7.4).
	ParseError error
}

// Attachment is a single MIME attachment extracted from a Message.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64 // -1 if unknown
	Path        string
}

// FolderState is the locally recorded sync position for a folder.
type FolderState struct {
	UIDValidity uint32
	UIDNext     uint32
	LastSync    time.Time
}

// RemoteFolderState is what the IMAP Gateway reports for a folder at the
// moment of query.
type RemoteFolderState struct {
	UIDValidity  uint32
	UIDNext      uint32
	MessageCount uint32
}

// SyncMode identifies which of the three sync strategies produced a result.
type SyncMode string

const (
	SyncModeInitial    SyncMode = "initial"
	SyncModeIncremental SyncMode = "incremental"
	SyncModeFullResync  SyncMode = "full_resync"
	SyncModeError       SyncMode = "error"
)

// SyncResult is what a single folder sync produces (spec §4.4, §8).
type SyncResult struct {
	Type           SyncMode
	Stored         int
	Errors         int
	Fetched        int
	Retracted      int
	New            int
	Deleted        int
	FlagsUpdated   int
	FetchErrors    int
	Error          string
}

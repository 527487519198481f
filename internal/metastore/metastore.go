// Package metastore implements the Metadata Store Adapter (spec.md §4.1):
// a typed CRUD surface over a relational store standing in for the
// datalog database the spec treats as an external collaborator. It is
// backed by SQLite, grounded on internal/sync/state.go's schema/open/tx
// idioms from the teacher repo.
package metastore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"github.com/eslider/briefkasten/internal/model"
)

// ErrNotFound is returned by read operations that find nothing.
var ErrNotFound = errors.New("metastore: not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	id   TEXT PRIMARY KEY,
	eid  TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS folders (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	uidvalidity INTEGER NOT NULL DEFAULT 0,
	uidnext     INTEGER NOT NULL DEFAULT 0,
	last_sync   DATETIME,
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_id       INTEGER NOT NULL REFERENCES folders(id),
	uid             INTEGER NOT NULL,
	message_id      TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	from_addr       TEXT NOT NULL DEFAULT '',
	to_addr         TEXT NOT NULL DEFAULT '',
	cc_addr         TEXT NOT NULL DEFAULT '',
	date            DATETIME,
	flags           TEXT NOT NULL DEFAULT '',
	size            INTEGER NOT NULL DEFAULT 0,
	in_reply_to     TEXT NOT NULL DEFAULT '',
	refs            TEXT NOT NULL DEFAULT '',
	eml_path        TEXT NOT NULL DEFAULT '',
	has_attachments INTEGER NOT NULL DEFAULT 0,
	UNIQUE(folder_id, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);

CREATE TABLE IF NOT EXISTS attachments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id   INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT -1,
	path         TEXT NOT NULL DEFAULT ''
);
`

// Store is a connection to one account's metadata database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metadata database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init metastore schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Checkpoint flushes the WAL into the main database file, so a file-level
// copy of the database (composite branching, spec.md §4.5) sees every
// committed write.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(FULL)`)
	if err != nil {
		return fmt.Errorf("checkpoint metastore: %w", err)
	}
	return nil
}

// accountNamespace is an arbitrary fixed namespace UUID used to derive a
// stable per-account entity id, matching spec.md §6: "account-stable id
// derived as UUIDv3 of briefkasten/<account_id>".
var accountNamespace = uuid.MustParse("6fa459ea-ee8a-3ca4-894e-db77e160355e")

// AccountEID returns the deterministic entity id for an account symbol.
func AccountEID(accountID string) string {
	return uuid.NewMD5(accountNamespace, []byte("briefkasten/"+accountID)).String()
}

// EnsureAccount records the account's stable entity id, creating it if
// this is the first time the account is seen.
func (s *Store) EnsureAccount(accountID string) (string, error) {
	eid := AccountEID(accountID)
	_, err := s.db.Exec(`INSERT OR IGNORE INTO accounts (id, eid) VALUES (?, ?)`, accountID, eid)
	if err != nil {
		return "", fmt.Errorf("ensure account: %w", err)
	}
	return eid, nil
}

// GetOrCreateFolder returns the folder entity id for (account, name),
// creating the folder row if it doesn't exist yet.
func (s *Store) GetOrCreateFolder(accountID, name string) (int64, error) {
	row := s.db.QueryRow(`SELECT id FROM folders WHERE account_id = ? AND name = ?`, accountID, name)
	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("get folder: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO folders (account_id, name) VALUES (?, ?)`, accountID, name)
	if err != nil {
		return 0, fmt.Errorf("create folder: %w", err)
	}
	return res.LastInsertId()
}

// GetFolderSyncState returns the locally recorded sync position for a
// folder, or (nil, nil) if the folder has never synced.
func (s *Store) GetFolderSyncState(accountID, name string) (*model.FolderState, error) {
	row := s.db.QueryRow(
		`SELECT uidvalidity, uidnext, last_sync FROM folders WHERE account_id = ? AND name = ?`,
		accountID, name)

	var st model.FolderState
	var lastSync sql.NullTime
	if err := row.Scan(&st.UIDValidity, &st.UIDNext, &lastSync); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get folder sync state: %w", err)
	}
	if st.UIDValidity == 0 && st.UIDNext == 0 && !lastSync.Valid {
		return nil, nil
	}
	st.LastSync = lastSync.Time
	return &st, nil
}

// UpdateFolderSyncState writes the new (uidvalidity, uidnext) for a folder
// and stamps last_sync to now.
func (s *Store) UpdateFolderSyncState(folderEID int64, uidValidity, uidNext uint32) error {
	_, err := s.db.Exec(
		`UPDATE folders SET uidvalidity = ?, uidnext = ?, last_sync = ? WHERE id = ?`,
		uidValidity, uidNext, time.Now().UTC(), folderEID)
	if err != nil {
		return fmt.Errorf("update folder sync state: %w", err)
	}
	return nil
}

// StoreMessagesWithAttachments transacts a batch of messages (and their
// attachments) into a folder in a single transaction, per spec.md §4.1,
// and returns a transaction id for that write. The metadata store here
// stands in for the datalog store the spec describes, which hands back a
// real transaction id on every write; SQLite has no equivalent, so a
// fresh id is minted per call and returned so a caller (the sync engine)
// can pass it on to the index adapter's commit as metadata (spec.md
// §4.2/§9), letting a generation be found later given this id.
func (s *Store) StoreMessagesWithAttachments(folderEID int64, messages []model.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	txID := model.NewID()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin store tx: %w", err)
	}
	defer tx.Rollback()

	msgStmt, err := tx.Prepare(`
		INSERT INTO messages
			(folder_id, uid, message_id, subject, from_addr, to_addr, cc_addr, date,
			 flags, size, in_reply_to, refs, eml_path, has_attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			from_addr = excluded.from_addr,
			to_addr = excluded.to_addr,
			cc_addr = excluded.cc_addr,
			date = excluded.date,
			flags = excluded.flags,
			size = excluded.size,
			in_reply_to = excluded.in_reply_to,
			refs = excluded.refs,
			eml_path = excluded.eml_path,
			has_attachments = excluded.has_attachments`)
	if err != nil {
		return "", fmt.Errorf("prepare message insert: %w", err)
	}
	defer msgStmt.Close()

	attStmt, err := tx.Prepare(`
		INSERT INTO attachments (message_id, filename, content_type, size, path)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare attachment insert: %w", err)
	}
	defer attStmt.Close()

	for _, m := range messages {
		if _, err := msgStmt.Exec(
			folderEID, m.UID, m.MessageID, m.Subject, m.From, m.To, m.CC, m.Date,
			flagsToString(m.Flags), m.Size, m.InReplyTo, m.References, m.EMLPath, boolToInt(m.HasAttachments),
		); err != nil {
			return "", fmt.Errorf("store message uid=%d: %w", m.UID, err)
		}

		if len(m.Attachments) == 0 {
			continue
		}
		var msgRowID int64
		if err := tx.QueryRow(`SELECT id FROM messages WHERE folder_id = ? AND uid = ?`, folderEID, m.UID).Scan(&msgRowID); err != nil {
			return "", fmt.Errorf("resolve message row for attachments uid=%d: %w", m.UID, err)
		}
		if _, err := tx.Exec(`DELETE FROM attachments WHERE message_id = ?`, msgRowID); err != nil {
			return "", fmt.Errorf("clear old attachments uid=%d: %w", m.UID, err)
		}
		for _, a := range m.Attachments {
			if _, err := attStmt.Exec(msgRowID, a.Filename, a.ContentType, a.Size, a.Path); err != nil {
				return "", fmt.Errorf("store attachment %q for uid=%d: %w", a.Filename, m.UID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit store tx: %w", err)
	}
	return txID, nil
}

// RetractMessages deletes the given UIDs (and their attachments, via
// ON DELETE CASCADE) from a folder. Returns the number of messages
// actually removed.
func (s *Store) RetractMessages(folderEID int64, uids []uint32) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin retract tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(uids))
	args := make([]any, 0, len(uids)+1)
	args = append(args, folderEID)
	for i, uid := range uids {
		placeholders[i] = "?"
		args = append(args, uid)
	}
	query := fmt.Sprintf(`DELETE FROM messages WHERE folder_id = ? AND uid IN (%s)`, strings.Join(placeholders, ","))
	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("retract messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retract: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RetractFolderMessages deletes every message (and attachment) in a
// folder, used for UIDVALIDITY changes and full resync (spec.md §4.4).
func (s *Store) RetractFolderMessages(folderEID int64) (int, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE folder_id = ?`, folderEID)
	if err != nil {
		return 0, fmt.Errorf("retract folder messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetLocalUIDs returns the set of UIDs currently stored for a folder.
func (s *Store) GetLocalUIDs(folderEID int64) (map[uint32]struct{}, error) {
	rows, err := s.db.Query(`SELECT uid FROM messages WHERE folder_id = ?`, folderEID)
	if err != nil {
		return nil, fmt.Errorf("get local uids: %w", err)
	}
	defer rows.Close()

	uids := make(map[uint32]struct{})
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids[uid] = struct{}{}
	}
	return uids, rows.Err()
}

// GetLocalFlags returns the current flag set for every message in a folder.
func (s *Store) GetLocalFlags(folderEID int64) (map[uint32]model.FlagSet, error) {
	rows, err := s.db.Query(`SELECT uid, flags FROM messages WHERE folder_id = ?`, folderEID)
	if err != nil {
		return nil, fmt.Errorf("get local flags: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]model.FlagSet)
	for rows.Next() {
		var uid uint32
		var raw string
		if err := rows.Scan(&uid, &raw); err != nil {
			return nil, err
		}
		out[uid] = flagsFromString(raw)
	}
	return out, rows.Err()
}

// UpdateFlags writes new flag sets for a batch of messages. Only rows
// whose flag set actually changed are written, the minimal-diff
// behavior spec.md §4.1 asks for.
func (s *Store) UpdateFlags(folderEID int64, updates map[uint32]model.FlagSet) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flags tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE messages SET flags = ? WHERE folder_id = ? AND uid = ? AND flags <> ?`)
	if err != nil {
		return fmt.Errorf("prepare flag update: %w", err)
	}
	defer stmt.Close()

	for uid, flags := range updates {
		encoded := flagsToString(flags)
		if _, err := stmt.Exec(encoded, folderEID, uid, encoded); err != nil {
			return fmt.Errorf("update flags uid=%d: %w", uid, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns up to limit messages for a folder, newest first.
// limit <= 0 means unbounded.
func (s *Store) ListMessages(folderEID int64, limit int) ([]model.Message, error) {
	query := `SELECT uid, message_id, subject, from_addr, to_addr, cc_addr, date,
		flags, size, in_reply_to, refs, eml_path, has_attachments
		FROM messages WHERE folder_id = ? ORDER BY date DESC`
	args := []any{folderEID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReadMessageByUID reads a single message by (folder, uid).
func (s *Store) ReadMessageByUID(folderEID int64, uid uint32) (*model.Message, error) {
	rows, err := s.db.Query(`SELECT uid, message_id, subject, from_addr, to_addr, cc_addr, date,
		flags, size, in_reply_to, refs, eml_path, has_attachments
		FROM messages WHERE folder_id = ? AND uid = ?`, folderEID, uid)
	if err != nil {
		return nil, fmt.Errorf("read message by uid: %w", err)
	}
	defer rows.Close()
	return scanOneMessage(rows)
}

// ReadMessageByMessageID reads a single message by its RFC Message-ID.
func (s *Store) ReadMessageByMessageID(folderEID int64, messageID string) (*model.Message, error) {
	rows, err := s.db.Query(`SELECT uid, message_id, subject, from_addr, to_addr, cc_addr, date,
		flags, size, in_reply_to, refs, eml_path, has_attachments
		FROM messages WHERE folder_id = ? AND message_id = ?`, folderEID, messageID)
	if err != nil {
		return nil, fmt.Errorf("read message by message-id: %w", err)
	}
	defer rows.Close()
	return scanOneMessage(rows)
}

// MessageCount returns the number of messages stored for a folder.
func (s *Store) MessageCount(folderEID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE folder_id = ?`, folderEID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}

// ListFolders returns every folder known for an account.
func (s *Store) ListFolders(accountID string) ([]model.Folder, error) {
	rows, err := s.db.Query(`SELECT name, uidvalidity, uidnext, last_sync FROM folders WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		var f model.Folder
		var lastSync sql.NullTime
		if err := rows.Scan(&f.Name, &f.UIDValidity, &f.UIDNext, &lastSync); err != nil {
			return nil, err
		}
		f.LastSync = lastSync.Time
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanOneMessage(rows *sql.Rows) (*model.Message, error) {
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanMessageRow(rows)
}

func scanMessageRow(rows *sql.Rows) (*model.Message, error) {
	var m model.Message
	var flags string
	var hasAttachments int
	var date sql.NullTime
	if err := rows.Scan(&m.UID, &m.MessageID, &m.Subject, &m.From, &m.To, &m.CC, &date,
		&flags, &m.Size, &m.InReplyTo, &m.References, &m.EMLPath, &hasAttachments); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Date = date.Time
	m.Flags = flagsFromString(flags)
	m.HasAttachments = hasAttachments != 0
	return &m, nil
}

func flagsToString(fs model.FlagSet) string {
	flags := fs.Slice()
	strs := make([]string, len(flags))
	for i, f := range flags {
		strs[i] = string(f)
	}
	return strings.Join(strs, ",")
}

func flagsFromString(s string) model.FlagSet {
	if s == "" {
		return model.NewFlagSet()
	}
	parts := strings.Split(s, ",")
	flags := make([]model.Flag, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			flags = append(flags, model.Flag(p))
		}
	}
	return model.NewFlagSet(flags...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

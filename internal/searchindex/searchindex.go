// Package searchindex implements the Index Adapter (spec.md §4.2): a
// DuckDB-backed fulltext index persisted as Parquet (zstd), generalizing
// search/index/index.go's single-snapshot design into a small append-only
// history of generations so the composite versioning layer (spec.md §4.5)
// has something to check out and commit against.
package searchindex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/eslider/briefkasten/internal/model"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS messages (
	account_id TEXT NOT NULL,
	folder     TEXT NOT NULL,
	uid        UINTEGER NOT NULL,
	message_id VARCHAR NOT NULL DEFAULT '',
	subject    VARCHAR NOT NULL DEFAULT '',
	from_addr  VARCHAR NOT NULL DEFAULT '',
	to_addr    VARCHAR NOT NULL DEFAULT '',
	cc_addr    VARCHAR NOT NULL DEFAULT '',
	date       TIMESTAMP,
	size       BIGINT NOT NULL DEFAULT 0,
	body_text  VARCHAR NOT NULL DEFAULT ''
)`

const generationsFile = "generations.json"

// Generation is one committed snapshot of the index.
type Generation struct {
	Number    int       `json:"number"`
	Message   string    `json:"message,omitempty"`
	StoreTxID string    `json:"store_tx_id,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Index is a single account's fulltext index. It owns its DuckDB
// connection exclusively: the dual-writer constraint in spec.md §9 means
// nothing else may ever open a second *sql.DB against the same dir.
type Index struct {
	mu  sync.RWMutex
	db  *sql.DB
	dir string

	generations []Generation
}

// Open creates or loads the index rooted at dir. If a prior generation
// exists, its Parquet snapshot is loaded so search is available
// immediately without a full rebuild.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, dir: dir}

	gens, err := loadGenerationsLog(dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load generations log: %w", err)
	}
	idx.generations = gens

	if latest := idx.latestGeneration(); latest != nil {
		if err := idx.loadParquet(latest.Path); err == nil {
			return idx, nil
		}
		// Fall through to a fresh table; the snapshot file is missing or
		// corrupt, and the caller will need to re-index from the metadata
		// store to recover.
	}

	if _, err := idx.db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	return idx, nil
}

// Close releases the DuckDB connection. The index is single-writer
// (spec.md §9); callers that transfer ownership of an Index elsewhere
// must not call Close themselves.
func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

func (idx *Index) loadParquet(path string) error {
	escaped := strings.ReplaceAll(path, "'", "''")
	if _, err := idx.db.Exec(fmt.Sprintf("CREATE TABLE messages AS SELECT * FROM read_parquet('%s')", escaped)); err != nil {
		return fmt.Errorf("load parquet %s: %w", path, err)
	}
	return nil
}

func (idx *Index) latestGeneration() *Generation {
	if len(idx.generations) == 0 {
		return nil
	}
	return &idx.generations[len(idx.generations)-1]
}

// IndexMessages upserts a batch of messages into the index: existing
// rows for the same (account, folder, uid) are deleted first, then the
// new rows are inserted, matching spec.md §4.2's "delete+add" semantics
// for index_messages.
func (idx *Index) IndexMessages(accountID, folder string, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer tx.Rollback()

	delStmt, err := tx.Prepare(`DELETE FROM messages WHERE account_id = ? AND folder = ? AND uid = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer delStmt.Close()

	insStmt, err := tx.Prepare(`INSERT INTO messages
		(account_id, folder, uid, message_id, subject, from_addr, to_addr, cc_addr, date, size, body_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insStmt.Close()

	for _, m := range messages {
		if _, err := delStmt.Exec(accountID, folder, m.UID); err != nil {
			return fmt.Errorf("delete prior row uid=%d: %w", m.UID, err)
		}
		if _, err := insStmt.Exec(accountID, folder, m.UID, m.MessageID, m.Subject,
			m.From, m.To, m.CC, m.Date, m.Size, m.BodyText); err != nil {
			return fmt.Errorf("index message uid=%d: %w", m.UID, err)
		}
	}

	return tx.Commit()
}

// DeleteMessages removes specific UIDs from a folder's index.
func (idx *Index) DeleteMessages(accountID, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	placeholders := make([]string, len(uids))
	args := make([]any, 0, len(uids)+2)
	args = append(args, accountID, folder)
	for i, uid := range uids {
		placeholders[i] = "?"
		args = append(args, uid)
	}
	query := fmt.Sprintf(`DELETE FROM messages WHERE account_id = ? AND folder = ? AND uid IN (%s)`,
		strings.Join(placeholders, ","))
	if _, err := idx.db.Exec(query, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// DeleteFolder removes every indexed message for a folder, used on
// UIDVALIDITY changes and full resync (spec.md §4.4).
func (idx *Index) DeleteFolder(accountID, folder string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, err := idx.db.Exec(`DELETE FROM messages WHERE account_id = ? AND folder = ?`, accountID, folder); err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return nil
}

// Commit persists the current in-memory table as a new Parquet
// generation and records it in the generations log under message,
// optionally tagged with storeTxID — the metadata store's transaction
// id — so a generation can be found given that id via
// GenerationByStoreTxID (spec.md §4.2: "commit(message, optional
// metadata { store_tx_id })").
func (idx *Index) Commit(message, storeTxID string) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	next := 1
	if latest := idx.latestGeneration(); latest != nil {
		next = latest.Number + 1
	}

	path := filepath.Join(idx.dir, fmt.Sprintf("gen-%05d.parquet", next))
	escaped := strings.ReplaceAll(path, "'", "''")
	os.Remove(path)
	if _, err := idx.db.Exec(fmt.Sprintf("COPY messages TO '%s' (FORMAT PARQUET, CODEC 'ZSTD')", escaped)); err != nil {
		return 0, fmt.Errorf("export generation %d: %w", next, err)
	}

	gen := Generation{Number: next, Message: message, StoreTxID: storeTxID, Path: path, CreatedAt: time.Now().UTC()}
	idx.generations = append(idx.generations, gen)
	if err := saveGenerationsLog(idx.dir, idx.generations); err != nil {
		return 0, fmt.Errorf("persist generations log: %w", err)
	}
	return next, nil
}

// GenerationByStoreTxID looks up the generation committed with the given
// metadata-store transaction id, letting a caller locate the index
// generation that corresponds to a specific datalog transaction
// (spec.md §4.2/§9). The most recently committed match wins if a
// storeTxID was ever reused.
func (idx *Index) GenerationByStoreTxID(storeTxID string) (Generation, bool) {
	if storeTxID == "" {
		return Generation{}, false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for i := len(idx.generations) - 1; i >= 0; i-- {
		if idx.generations[i].StoreTxID == storeTxID {
			return idx.generations[i], true
		}
	}
	return Generation{}, false
}

// History returns every committed generation, oldest first.
func (idx *Index) History() []Generation {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Generation, len(idx.generations))
	copy(out, idx.generations)
	return out
}

// AsOf opens a fresh, independent Index reading generation gen's
// Parquet snapshot. The caller owns the returned Index and must Close it;
// it never touches the live writer, honoring the single-writer
// constraint for the primary Index (spec.md §9).
func AsOf(dir string, gen int) (*Index, error) {
	gens, err := loadGenerationsLog(dir)
	if err != nil {
		return nil, fmt.Errorf("load generations log: %w", err)
	}
	var target *Generation
	for i := range gens {
		if gens[i].Number == gen {
			target = &gens[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("searchindex: generation %d not found", gen)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	idx := &Index{db: db, dir: dir, generations: gens[:indexOf(gens, target.Number)+1]}
	if err := idx.loadParquet(target.Path); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func indexOf(gens []Generation, number int) int {
	for i, g := range gens {
		if g.Number == number {
			return i
		}
	}
	return -1
}

// SearchOptions scopes a search across one or more accounts/folders.
type SearchOptions struct {
	AccountID string // empty matches every account
	Folder    string // empty matches every folder
	Query     string
	Offset    int
	Limit int // 0 means unbounded
}

// Hit is one matched message plus a short plain-text snippet.
type Hit struct {
	AccountID string
	Folder    string
	UID       uint32
	MessageID string
	Subject   string
	From      string
	To        string
	Date      time.Time
	Size      int64
	Snippet   string
}

// SearchResult wraps a page of matches with the total match count.
type SearchResult struct {
	Total int
	Hits  []Hit
}

// Search performs a token-level AND across a field-level OR over
// subject/from/to/body (spec.md §4.2), optionally scoped to an account
// and/or folder.
func (idx *Index) Search(opts SearchOptions) (SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tokens := tokenize(opts.Query)

	where, args := idx.buildWhere(opts, tokens)

	var total int
	countQuery := "SELECT COUNT(*) FROM messages" + where
	if err := idx.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return SearchResult{}, fmt.Errorf("count matches: %w", err)
	}

	query := `SELECT account_id, folder, uid, message_id, subject, from_addr, to_addr, date, size, body_text
		FROM messages` + where + ` ORDER BY date DESC`
	queryArgs := append([]any{}, args...)
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		queryArgs = append(queryArgs, opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		queryArgs = append(queryArgs, opts.Offset)
	}

	rows, err := idx.db.Query(query, queryArgs...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var bodyText string
		if err := rows.Scan(&h.AccountID, &h.Folder, &h.UID, &h.MessageID, &h.Subject,
			&h.From, &h.To, &h.Date, &h.Size, &bodyText); err != nil {
			return SearchResult{}, fmt.Errorf("scan hit: %w", err)
		}
		h.Snippet = snippet(h.Subject, bodyText, tokens, 80)
		hits = append(hits, h)
	}
	return SearchResult{Total: total, Hits: hits}, rows.Err()
}

func (idx *Index) buildWhere(opts SearchOptions, tokens []string) (string, []any) {
	var clauses []string
	var args []any

	if opts.AccountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, opts.AccountID)
	}
	if opts.Folder != "" {
		clauses = append(clauses, "folder = ?")
		args = append(args, opts.Folder)
	}
	for _, tok := range tokens {
		clauses = append(clauses,
			"(contains(LOWER(subject), ?) OR contains(LOWER(from_addr), ?) OR contains(LOWER(to_addr), ?) OR contains(LOWER(body_text), ?))")
		args = append(args, tok, tok, tok, tok)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	return fields
}

// snippet returns a short excerpt around the first matching token, or
// the start of the subject/body when there are no tokens to match.
func snippet(subject, body string, tokens []string, width int) string {
	text := body
	if text == "" {
		text = subject
	}
	if len(tokens) == 0 {
		return truncate(text, width)
	}
	lower := strings.ToLower(text)
	for _, tok := range tokens {
		if i := strings.Index(lower, tok); i >= 0 {
			start := i - width/2
			if start < 0 {
				start = 0
			}
			end := start + width
			if end > len(text) {
				end = len(text)
			}
			return strings.TrimSpace(text[start:end])
		}
	}
	return truncate(text, width)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}

func loadGenerationsLog(dir string) ([]Generation, error) {
	path := filepath.Join(dir, generationsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var gens []Generation
	if err := json.Unmarshal(data, &gens); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return gens, nil
}

func saveGenerationsLog(dir string, gens []Generation) error {
	data, err := json.MarshalIndent(gens, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, generationsFile), data, 0o644)
}

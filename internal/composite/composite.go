// Package composite implements Composite Versioning (spec.md §4.5): a
// copy-on-write wrapper around the (metadata store, index) pair that
// gives the pair a single, git-like history of commits, persisted so it
// survives restarts. Its commit log is grounded on internal/account/store.go's
// mutex-guarded load/save idiom, generalized from a YAML file to a
// SQLite-backed ordered log (reusing github.com/mattn/go-sqlite3, already
// pulled in for the metadata store, instead of a new embedded-KV dependency).
package composite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eslider/briefkasten/internal/metastore"
	"github.com/eslider/briefkasten/internal/searchindex"
)

// ErrUnknownSnapshot is returned when a snapshot id has no commit log entry.
var ErrUnknownSnapshot = errors.New("composite: unknown snapshot")

const defaultBranch = "main"

// SnapshotMeta describes one commit in the composite history.
type SnapshotMeta struct {
	ID           string
	Branch       string
	ParentIDs    []string
	Message      string
	Timestamp    time.Time
	SubSnapshots map[string]string // "metastore" -> version tag, "index" -> generation tag
}

// View is a read-only snapshot of both sub-systems as of one commit.
// Index is a freshly opened reader the caller must Close(); Store is the
// live metadata store connection (see AsOf's doc comment on metastore
// snapshot granularity).
type View struct {
	Store *metastore.Store
	Index *searchindex.Index
}

// Composite owns one account's metadata store and index, plus the
// branch/commit bookkeeping that versions them together. Per spec.md §9's
// single-writer constraint, only one Composite may hold a given branch's
// store and index open at a time.
type Composite struct {
	mu       sync.Mutex
	dataPath string
	log      *sql.DB

	branch      string
	current     string
	metaVersion int
	Store       *metastore.Store
	Index       *searchindex.Index
}

// Open opens (initializing if necessary) the composite rooted at
// dataPath, checked out on the default branch.
func Open(dataPath string) (*Composite, error) {
	historyDir := filepath.Join(dataPath, "composite")
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return nil, fmt.Errorf("composite: create history dir: %w", err)
	}

	logPath := filepath.Join(historyDir, "log.db")
	logDB, err := sql.Open("sqlite3", logPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("composite: open log: %w", err)
	}
	if _, err := logDB.Exec(logSchemaSQL); err != nil {
		logDB.Close()
		return nil, fmt.Errorf("composite: init log schema: %w", err)
	}

	c := &Composite{dataPath: dataPath, log: logDB}
	if err := c.checkoutLocked(defaultBranch); err != nil {
		logDB.Close()
		return nil, err
	}
	return c, nil
}

const logSchemaSQL = `
CREATE TABLE IF NOT EXISTS branches (
	name         TEXT PRIMARY KEY,
	head         TEXT NOT NULL DEFAULT '',
	meta_version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS commits (
	id               TEXT PRIMARY KEY,
	branch           TEXT NOT NULL,
	parent_ids       TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL DEFAULT '',
	ts               DATETIME NOT NULL,
	meta_version     INTEGER NOT NULL,
	index_generation INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commits_branch ON commits(branch);
`

// Close releases the current branch's store and index and the commit log.
func (c *Composite) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.closeCurrentLocked()
	if c.log != nil {
		if lerr := c.log.Close(); lerr != nil && err == nil {
			err = fmt.Errorf("composite: close log: %w", lerr)
		}
		c.log = nil
	}
	return err
}

func (c *Composite) closeCurrentLocked() error {
	var errs []error
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, err)
		}
		c.Store = nil
	}
	if c.Index != nil {
		if err := c.Index.Close(); err != nil {
			errs = append(errs, err)
		}
		c.Index = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("composite: close: %v", errs)
	}
	return nil
}

// branchPaths returns the metastore file path and index directory for a
// named branch. The default branch follows spec.md §6's literal layout
// (datahike/, scriptum/main/) directly under dataPath; any other branch
// is a fork nested under composite/branches/<name>/, since the spec
// never names an on-disk location for branches besides the default one
// (spec.md §9: the sub-systems may use their own internal branch naming).
func (c *Composite) branchPaths(name string) (metaPath, indexDir string) {
	if name == defaultBranch {
		return filepath.Join(c.dataPath, "datahike", "meta.db"), filepath.Join(c.dataPath, "scriptum", "main")
	}
	dir := filepath.Join(c.dataPath, "composite", "branches", name)
	return filepath.Join(dir, "meta.db"), filepath.Join(dir, "index")
}

// Branch creates a new named branch forked from the current HEAD,
// without switching to it. Since neither SQLite nor DuckDB understands
// branches natively, a fork is a physical copy of the current branch's
// metastore file and index directory (spec.md §9's dual-writer note;
// see the Open Question decision in DESIGN.md).
func (c *Composite) Branch(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exists int
	if err := c.log.QueryRow(`SELECT COUNT(*) FROM branches WHERE name = ?`, name).Scan(&exists); err != nil {
		return fmt.Errorf("composite: check branch %q: %w", name, err)
	}
	if exists > 0 {
		return fmt.Errorf("composite: branch %q already exists", name)
	}

	if c.Store != nil {
		if err := c.Store.Checkpoint(); err != nil {
			return fmt.Errorf("composite: checkpoint before branch: %w", err)
		}
	}

	srcMeta, srcIndex := c.branchPaths(c.branch)
	dstMeta, dstIndex := c.branchPaths(name)
	if err := os.MkdirAll(filepath.Dir(dstMeta), 0o755); err != nil {
		return fmt.Errorf("composite: create branch dir %q: %w", name, err)
	}
	if err := copyFile(srcMeta, dstMeta); err != nil {
		return fmt.Errorf("composite: fork metastore into branch %q: %w", name, err)
	}
	if err := copyDir(srcIndex, dstIndex); err != nil {
		return fmt.Errorf("composite: fork index into branch %q: %w", name, err)
	}

	_, err := c.log.Exec(
		`INSERT INTO branches (name, head, meta_version) VALUES (?, ?, ?)`,
		name, c.current, c.metaVersion)
	if err != nil {
		return fmt.Errorf("composite: record branch %q: %w", name, err)
	}
	return nil
}

// Checkout switches the composite to branch name, opening its metastore
// and index. The previously checked-out branch's store and index are
// closed first.
func (c *Composite) Checkout(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkoutLocked(name)
}

func (c *Composite) checkoutLocked(name string) error {
	if c.branch == name && c.Store != nil {
		return nil
	}
	if err := c.closeCurrentLocked(); err != nil {
		return err
	}

	metaPath, indexDir := c.branchPaths(name)
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return fmt.Errorf("composite: create branch dir %q: %w", name, err)
	}

	if _, err := c.log.Exec(`INSERT OR IGNORE INTO branches (name, head, meta_version) VALUES (?, '', 0)`, name); err != nil {
		return fmt.Errorf("composite: ensure branch %q: %w", name, err)
	}

	var head string
	var metaVersion int
	err := c.log.QueryRow(`SELECT head, meta_version FROM branches WHERE name = ?`, name).Scan(&head, &metaVersion)
	if err != nil {
		return fmt.Errorf("composite: read branch %q: %w", name, err)
	}

	store, err := metastore.Open(metaPath)
	if err != nil {
		return fmt.Errorf("composite: open metastore for branch %q: %w", name, err)
	}
	index, err := searchindex.Open(indexDir)
	if err != nil {
		store.Close()
		return fmt.Errorf("composite: open index for branch %q: %w", name, err)
	}

	c.branch = name
	c.current = head
	c.metaVersion = metaVersion
	c.Store = store
	c.Index = index
	return nil
}

// Commit commits both sub-systems and records a new composite snapshot.
func (c *Composite) Commit(message string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	genNum, err := c.Index.Commit(message, "")
	if err != nil {
		return "", fmt.Errorf("composite: commit index: %w", err)
	}
	c.metaVersion++

	var parentIDs []string
	if c.current != "" {
		parentIDs = []string{c.current}
	}
	subSnapshots := map[string]string{
		"metastore": "v" + strconv.Itoa(c.metaVersion),
		"index":     "gen" + strconv.Itoa(genNum),
	}
	ts := time.Now().UTC()
	id := snapshotID(parentIDs, subSnapshots, message, ts)

	_, err = c.log.Exec(
		`INSERT INTO commits (id, branch, parent_ids, message, ts, meta_version, index_generation)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, c.branch, strings.Join(parentIDs, ","), message, ts, c.metaVersion, genNum)
	if err != nil {
		return "", fmt.Errorf("composite: record commit: %w", err)
	}

	if _, err := c.log.Exec(`UPDATE branches SET head = ?, meta_version = ? WHERE name = ?`, id, c.metaVersion, c.branch); err != nil {
		return "", fmt.Errorf("composite: update branch head: %w", err)
	}
	c.current = id
	return id, nil
}

// SnapshotID returns the current branch's HEAD commit id, or "" if the
// branch has never been committed.
func (c *Composite) SnapshotID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ParentIDs returns the parent commit ids of the current HEAD.
func (c *Composite) ParentIDs() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return nil, nil
	}
	meta, err := c.snapshotMetaLocked(c.current)
	if err != nil {
		return nil, err
	}
	return meta.ParentIDs, nil
}

// History returns the current branch's commit ids, newest first.
func (c *Composite) History() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	id := c.current
	for id != "" {
		ids = append(ids, id)
		meta, err := c.snapshotMetaLocked(id)
		if err != nil {
			return nil, err
		}
		if len(meta.ParentIDs) == 0 {
			break
		}
		id = meta.ParentIDs[0]
	}
	return ids, nil
}

// SnapshotMeta returns the full commit record for id.
func (c *Composite) SnapshotMeta(id string) (SnapshotMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotMetaLocked(id)
}

func (c *Composite) snapshotMetaLocked(id string) (SnapshotMeta, error) {
	row := c.log.QueryRow(
		`SELECT branch, parent_ids, message, ts, meta_version, index_generation FROM commits WHERE id = ?`, id)

	var branch, parentIDs, message string
	var ts time.Time
	var metaVersion, genNum int
	if err := row.Scan(&branch, &parentIDs, &message, &ts, &metaVersion, &genNum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SnapshotMeta{}, ErrUnknownSnapshot
		}
		return SnapshotMeta{}, fmt.Errorf("composite: read snapshot %q: %w", id, err)
	}

	var parents []string
	if parentIDs != "" {
		parents = strings.Split(parentIDs, ",")
	}
	return SnapshotMeta{
		ID:        id,
		Branch:    branch,
		ParentIDs: parents,
		Message:   message,
		Timestamp: ts,
		SubSnapshots: map[string]string{
			"metastore": "v" + strconv.Itoa(metaVersion),
			"index":     "gen" + strconv.Itoa(genNum),
		},
	}, nil
}

// AsOf returns a read-only view of both sub-systems as of snapshot id.
// The index view is a genuine point-in-time reader opened from that
// commit's Parquet generation. The metastore view is the live, current
// connection: per-commit metastore snapshots would need copy-on-write
// machinery nothing in the retrieval pack demonstrates for SQLite, so
// historical metastore reads are only guaranteed accurate at HEAD (see
// DESIGN.md's Open Question decision for this limitation).
func (c *Composite) AsOf(id string) (View, error) {
	c.mu.Lock()
	meta, err := c.snapshotMetaLocked(id)
	store := c.Store
	c.mu.Unlock()
	if err != nil {
		return View{}, err
	}

	genTag := meta.SubSnapshots["index"]
	genNum, err := strconv.Atoi(strings.TrimPrefix(genTag, "gen"))
	if err != nil {
		return View{}, fmt.Errorf("composite: parse index generation %q: %w", genTag, err)
	}

	_, indexDir := c.branchPaths(meta.Branch)
	idx, err := searchindex.AsOf(indexDir, genNum)
	if err != nil {
		return View{}, fmt.Errorf("composite: open index as of %q: %w", id, err)
	}
	return View{Store: store, Index: idx}, nil
}

// snapshotID derives a commit id deterministically from its parents,
// sub-snapshot tags, message, and timestamp (spec.md §4.5).
func snapshotID(parentIDs []string, subSnapshots map[string]string, message string, ts time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "parents=%s\n", strings.Join(parentIDs, ","))
	fmt.Fprintf(h, "metastore=%s\n", subSnapshots["metastore"])
	fmt.Fprintf(h, "index=%s\n", subSnapshots["index"])
	fmt.Fprintf(h, "message=%s\n", message)
	fmt.Fprintf(h, "ts=%d\n", ts.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:24]
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dst, 0o755)
		}
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

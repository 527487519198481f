// Package engine implements the public engine surface (spec.md §6):
// create_account, sync, search, search_folder, list_folders,
// list_messages, read_message, message_count, close. It orchestrates
// the account handle lifecycle the way internal/sync/service.go's
// Service orchestrates per-account sync: a thin layer that opens
// collaborators, dispatches per folder, isolates per-folder errors, and
// reports progress through a callback while Sync runs.
package engine

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/eslider/briefkasten/internal/composite"
	"github.com/eslider/briefkasten/internal/config"
	"github.com/eslider/briefkasten/internal/imapgateway"
	"github.com/eslider/briefkasten/internal/model"
	"github.com/eslider/briefkasten/internal/searchindex"
	"github.com/eslider/briefkasten/internal/syncengine"
)

// Handle is one account's opened engine surface: its composite-owned
// metadata store and index, plus enough IMAP config to dial a gateway
// on demand for each Sync call. Per spec.md §9, the composite exclusively
// owns the store and index connections; Handle never opens either
// directly.
type Handle struct {
	Account       model.Account
	Composite     *composite.Composite
	AttachmentDir string
	EMLDir        string
	OnProgress    syncengine.ProgressFunc
}

// CreateAccount opens or initializes the composite for acct's data path
// and transacts the account entity, per spec.md §6.
func CreateAccount(acct model.Account) (*Handle, error) {
	if acct.DataPath == "" {
		return nil, fmt.Errorf("engine: account %q missing data_path", acct.ID)
	}

	comp, err := composite.Open(acct.DataPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open composite for account %q: %w", acct.ID, err)
	}
	if _, err := comp.Store.EnsureAccount(acct.ID); err != nil {
		comp.Close()
		return nil, fmt.Errorf("engine: ensure account %q: %w", acct.ID, err)
	}

	return &Handle{
		Account:       acct,
		Composite:     comp,
		AttachmentDir: filepath.Join(acct.DataPath, "attachments"),
		EMLDir:        filepath.Join(acct.DataPath, "eml"),
	}, nil
}

// CreateAccountFromConfig is a convenience wrapper that resolves id
// through a loaded Config before opening the account (spec.md §6's
// "create_account(id_or_config)").
func CreateAccountFromConfig(cfg *config.Config, id string) (*Handle, error) {
	acct, err := cfg.Account(id)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return CreateAccount(acct)
}

// Sync dials the account's IMAP endpoint and syncs every named folder,
// or every folder the server reports if none are named. A per-folder
// failure (spec.md §7.3) is caught and recorded in that folder's result;
// other folders still run. A connection failure (spec.md §7.2) is fatal
// only when the caller didn't name folders up front, since there is then
// nothing to report results against.
func (h *Handle) Sync(ctx context.Context, folders ...string) (map[string]model.SyncResult, error) {
	gw, err := imapgateway.Connect(h.Account.IMAP)
	if err != nil {
		if len(folders) == 0 {
			return nil, fmt.Errorf("engine: connect account %q: %w", h.Account.ID, err)
		}
		results := make(map[string]model.SyncResult, len(folders))
		for _, folder := range folders {
			results[folder] = model.SyncResult{Type: model.SyncModeError, Error: err.Error()}
		}
		return results, nil
	}
	defer gw.Disconnect()

	if len(folders) == 0 {
		folders, err = gw.ListFolders(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: list folders for account %q: %w", h.Account.ID, err)
		}
	}

	eng := &syncengine.Engine{
		Store:         h.Composite.Store,
		Index:         h.Composite.Index,
		Committer:     h.Composite,
		Gateway:       gw,
		AccountID:     h.Account.ID,
		AttachmentDir: h.AttachmentDir,
		EMLDir:        h.EMLDir,
		OnProgress:    h.OnProgress,
	}

	results := make(map[string]model.SyncResult, len(folders))
	for _, folder := range folders {
		result, err := eng.SyncFolder(ctx, folder)
		if err != nil {
			log.Printf("ERROR: sync %s/%s: %v", h.Account.ID, folder, err)
			if result.Error == "" {
				result.Type = model.SyncModeError
				result.Error = err.Error()
			}
		}
		results[folder] = result
	}
	return results, nil
}

// Search runs query across every folder of this account.
func (h *Handle) Search(query string, limit int) (searchindex.SearchResult, error) {
	return h.Composite.Index.Search(searchindex.SearchOptions{
		AccountID: h.Account.ID,
		Query:     query,
		Limit:     limit,
	})
}

// SearchFolder runs query scoped to a single folder of this account.
func (h *Handle) SearchFolder(folder, query string, limit int) (searchindex.SearchResult, error) {
	return h.Composite.Index.Search(searchindex.SearchOptions{
		AccountID: h.Account.ID,
		Folder:    folder,
		Query:     query,
		Limit:     limit,
	})
}

// ListFolders returns every folder this account has ever synced.
func (h *Handle) ListFolders() ([]model.Folder, error) {
	return h.Composite.Store.ListFolders(h.Account.ID)
}

// ListMessages returns up to limit messages from folder (0 means
// unbounded), ordered as the metadata store returns them.
func (h *Handle) ListMessages(folder string, limit int) ([]model.Message, error) {
	folderEID, err := h.Composite.Store.GetOrCreateFolder(h.Account.ID, folder)
	if err != nil {
		return nil, fmt.Errorf("engine: get folder %q: %w", folder, err)
	}
	return h.Composite.Store.ListMessages(folderEID, limit)
}

// ReadMessageByUID reads a single message from folder by its IMAP UID.
func (h *Handle) ReadMessageByUID(folder string, uid uint32) (*model.Message, error) {
	folderEID, err := h.Composite.Store.GetOrCreateFolder(h.Account.ID, folder)
	if err != nil {
		return nil, fmt.Errorf("engine: get folder %q: %w", folder, err)
	}
	return h.Composite.Store.ReadMessageByUID(folderEID, uid)
}

// ReadMessageByMessageID reads a single message from folder by its
// RFC822 Message-ID header.
func (h *Handle) ReadMessageByMessageID(folder, messageID string) (*model.Message, error) {
	folderEID, err := h.Composite.Store.GetOrCreateFolder(h.Account.ID, folder)
	if err != nil {
		return nil, fmt.Errorf("engine: get folder %q: %w", folder, err)
	}
	return h.Composite.Store.ReadMessageByMessageID(folderEID, messageID)
}

// MessageCount returns how many messages folder currently holds locally.
func (h *Handle) MessageCount(folder string) (int, error) {
	folderEID, err := h.Composite.Store.GetOrCreateFolder(h.Account.ID, folder)
	if err != nil {
		return 0, fmt.Errorf("engine: get folder %q: %w", folder, err)
	}
	return h.Composite.Store.MessageCount(folderEID)
}

// Close commits the index with a final "close" message, then closes the
// index and the composite in that order, releasing the metadata store
// connection (spec.md §6).
func (h *Handle) Close() error {
	if _, err := h.Composite.Commit("close"); err != nil {
		h.Composite.Close()
		return fmt.Errorf("engine: commit on close for account %q: %w", h.Account.ID, err)
	}
	return h.Composite.Close()
}

// Package syncengine implements the Sync Engine (spec.md §4.4): the
// stateless orchestration layer that compares remote and local folder
// state, picks a sync mode, and drives the metadata store, the fulltext
// index, and the MIME parser through matching batches. Control flow and
// progress reporting follow internal/sync/service.go's orchestration
// style; error wrapping follows internal/sync/pst/pst.go's use of
// github.com/rotisserie/eris.
package syncengine

import (
	"context"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/eslider/briefkasten/internal/imapgateway"
	"github.com/eslider/briefkasten/internal/metastore"
	"github.com/eslider/briefkasten/internal/mimeparser"
	"github.com/eslider/briefkasten/internal/model"
	"github.com/eslider/briefkasten/internal/searchindex"
)

// FetchBatchSize mirrors imapgateway.FetchBatchSize for the incremental
// new-message loop, which fetches independently of the gateway's own
// streaming helper. Flag refresh fetches all existing UIDs in one call.
const FetchBatchSize = imapgateway.FetchBatchSize

// Gateway is the subset of *imapgateway.Gateway the engine depends on.
// Defined here, rather than imported as a concrete type, so tests can
// drive the engine against a fake IMAP server.
type Gateway interface {
	FetchFolderState(ctx context.Context, folder string) (model.RemoteFolderState, error)
	FetchUIDs(ctx context.Context, folder string) ([]uint32, error)
	FetchAllMessages(ctx context.Context, folder string, uids []uint32, onBatch func([]imapgateway.RawMessage) error) error
	FetchMessages(ctx context.Context, folder string, uids []uint32) ([]imapgateway.RawMessage, error)
	FetchFlags(ctx context.Context, folder string, uids []uint32) (map[uint32]model.FlagSet, error)
}

// Committer is the subset of *composite.Composite the engine needs to
// publish a new composite snapshot once a folder sync completes
// (spec.md §2: "after each folder completes, a single commit on the
// composite versioning layer publishes a new snapshot whose identity
// links the two stores' generations"). Defined locally rather than
// importing internal/composite directly, so syncengine stays free of a
// dependency on its own caller and tests can substitute a fake.
type Committer interface {
	Commit(message string) (string, error)
}

// ProgressFunc reports human-readable progress during a sync.
type ProgressFunc func(msg string)

// Engine ties one account's metadata store, fulltext index, composite
// versioning layer, and IMAP gateway together. It carries no
// sync-specific state of its own; every operation derives its behavior
// entirely from its arguments and from what it reads back from the
// store and the index (spec.md §4.4: "the engine is stateless").
type Engine struct {
	Store         *metastore.Store
	Index         *searchindex.Index
	Committer     Committer
	Gateway       Gateway
	AccountID     string
	AttachmentDir string
	EMLDir        string
	OnProgress    ProgressFunc
}

func (e *Engine) progress(msg string) {
	if e.OnProgress != nil {
		e.OnProgress(msg)
	}
}

// ChangeSet is the result of detect_changes: pure set algebra between
// the remote and local UID sets of a folder.
type ChangeSet struct {
	New      []uint32
	Deleted  []uint32
	Existing []uint32
}

// DetectChanges computes new = remote − local, deleted = local − remote,
// existing = remote ∩ local. Results are sorted ascending so callers get
// deterministic batch ordering.
func DetectChanges(remote []uint32, local map[uint32]struct{}) ChangeSet {
	remoteSet := make(map[uint32]struct{}, len(remote))
	var cs ChangeSet
	for _, uid := range remote {
		remoteSet[uid] = struct{}{}
		if _, ok := local[uid]; ok {
			cs.Existing = append(cs.Existing, uid)
		} else {
			cs.New = append(cs.New, uid)
		}
	}
	for uid := range local {
		if _, ok := remoteSet[uid]; !ok {
			cs.Deleted = append(cs.Deleted, uid)
		}
	}
	sort.Slice(cs.New, func(i, j int) bool { return cs.New[i] < cs.New[j] })
	sort.Slice(cs.Deleted, func(i, j int) bool { return cs.Deleted[i] < cs.Deleted[j] })
	sort.Slice(cs.Existing, func(i, j int) bool { return cs.Existing[i] < cs.Existing[j] })
	return cs
}

// SyncFolder selects a sync mode for folder and runs it to completion.
func (e *Engine) SyncFolder(ctx context.Context, folder string) (model.SyncResult, error) {
	if _, err := e.Store.EnsureAccount(e.AccountID); err != nil {
		return model.SyncResult{Type: model.SyncModeError, Error: err.Error()}, eris.Wrap(err, "ensure account")
	}

	remote, err := e.Gateway.FetchFolderState(ctx, folder)
	if err != nil {
		return model.SyncResult{Type: model.SyncModeError, Error: err.Error()}, eris.Wrapf(err, "fetch folder state %q", folder)
	}

	folderEID, err := e.Store.GetOrCreateFolder(e.AccountID, folder)
	if err != nil {
		return model.SyncResult{Type: model.SyncModeError, Error: err.Error()}, eris.Wrapf(err, "get or create folder %q", folder)
	}

	local, err := e.Store.GetFolderSyncState(e.AccountID, folder)
	if err != nil {
		return model.SyncResult{Type: model.SyncModeError, Error: err.Error()}, eris.Wrapf(err, "get folder sync state %q", folder)
	}

	localUIDs, err := e.Store.GetLocalUIDs(folderEID)
	if err != nil {
		return model.SyncResult{Type: model.SyncModeError, Error: err.Error()}, eris.Wrapf(err, "get local uids %q", folder)
	}

	var result model.SyncResult
	switch {
	case local != nil && local.UIDValidity != 0 && local.UIDValidity != remote.UIDValidity:
		result, err = e.fullResync(ctx, folder, folderEID)
	case len(localUIDs) == 0:
		result, err = e.initialSync(ctx, folder, folderEID)
	default:
		result, err = e.incrementalSync(ctx, folder, folderEID, localUIDs)
	}
	if err != nil {
		result.Type = model.SyncModeError
		result.Error = err.Error()
		return result, err
	}

	if err := e.Store.UpdateFolderSyncState(folderEID, remote.UIDValidity, remote.UIDNext); err != nil {
		return result, eris.Wrapf(err, "update folder sync state %q", folder)
	}
	if e.Committer != nil {
		if _, err := e.Committer.Commit("sync " + folder); err != nil {
			return result, eris.Wrapf(err, "commit composite after sync %q", folder)
		}
	}
	return result, nil
}

// initialSync streams the whole folder once via fetch_all_messages,
// transacting and indexing every batch of FetchBatchSize messages
// immediately so peak memory is bounded by one batch (spec.md §5).
func (e *Engine) initialSync(ctx context.Context, folder string, folderEID int64) (model.SyncResult, error) {
	e.progress("initial sync: " + folder)

	uids, err := e.Gateway.FetchUIDs(ctx, folder)
	if err != nil {
		return model.SyncResult{}, eris.Wrapf(err, "fetch uids %q", folder)
	}

	result := model.SyncResult{Type: model.SyncModeInitial}

	err = e.Gateway.FetchAllMessages(ctx, folder, uids, func(raw []imapgateway.RawMessage) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stored, errs, err := e.storeAndIndexBatch(folder, folderEID, raw)
		result.Stored += stored
		result.Errors += errs
		result.Fetched += len(raw)
		e.progress(folder + ": fetched " + strconv.Itoa(result.Fetched))
		return err
	})
	if err != nil {
		return result, eris.Wrapf(err, "fetch all messages %q", folder)
	}
	return result, nil
}

// fullResync retracts every locally held message and index entry for
// folder, then runs initial sync, per spec.md §4.4.
func (e *Engine) fullResync(ctx context.Context, folder string, folderEID int64) (model.SyncResult, error) {
	e.progress("full resync: " + folder)

	retracted, err := e.Store.RetractFolderMessages(folderEID)
	if err != nil {
		return model.SyncResult{}, eris.Wrapf(err, "retract folder messages %q", folder)
	}
	if err := e.Index.DeleteFolder(e.AccountID, folder); err != nil {
		return model.SyncResult{}, eris.Wrapf(err, "delete folder from index %q", folder)
	}

	result, err := e.initialSync(ctx, folder, folderEID)
	result.Type = model.SyncModeFullResync
	result.Retracted = retracted
	return result, err
}

// incrementalSync fetches only what changed since the last sync:
// new messages by UID batch, deletions by UID, and flag updates for
// everything still present on both sides (spec.md §4.4).
func (e *Engine) incrementalSync(ctx context.Context, folder string, folderEID int64, localUIDs map[uint32]struct{}) (model.SyncResult, error) {
	e.progress("incremental sync: " + folder)

	remoteUIDs, err := e.Gateway.FetchUIDs(ctx, folder)
	if err != nil {
		return model.SyncResult{}, eris.Wrapf(err, "fetch uids %q", folder)
	}
	changes := DetectChanges(remoteUIDs, localUIDs)

	result := model.SyncResult{Type: model.SyncModeIncremental, New: len(changes.New)}

	for start := 0; start < len(changes.New); start += FetchBatchSize {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		end := start + FetchBatchSize
		if end > len(changes.New) {
			end = len(changes.New)
		}
		batch := changes.New[start:end]

		raw, err := e.Gateway.FetchMessages(ctx, folder, batch)
		if err != nil {
			return result, eris.Wrapf(err, "fetch new messages %q", folder)
		}
		stored, errs, err := e.storeAndIndexBatch(folder, folderEID, raw)
		result.Stored += stored
		result.Errors += errs
		if err != nil {
			return result, err
		}
	}

	if len(changes.Deleted) > 0 {
		n, err := e.Store.RetractMessages(folderEID, changes.Deleted)
		if err != nil {
			return result, eris.Wrapf(err, "retract deleted messages %q", folder)
		}
		if err := e.Index.DeleteMessages(e.AccountID, folder, changes.Deleted); err != nil {
			return result, eris.Wrapf(err, "delete messages from index %q", folder)
		}
		result.Deleted = n
	}

	if len(changes.Existing) > 0 {
		updated, err := e.refreshFlags(ctx, folder, folderEID, changes.Existing)
		if err != nil {
			return result, err
		}
		result.FlagsUpdated = updated
	}

	return result, nil
}

// refreshFlags fetches current remote flags for uids, diffs them
// against the local flag map, and writes back only the UIDs whose flag
// set actually changed (spec.md §4.1, §4.4).
func (e *Engine) refreshFlags(ctx context.Context, folder string, folderEID int64, uids []uint32) (int, error) {
	localFlags, err := e.Store.GetLocalFlags(folderEID)
	if err != nil {
		return 0, eris.Wrapf(err, "get local flags %q", folder)
	}

	remoteFlags, err := e.Gateway.FetchFlags(ctx, folder, uids)
	if err != nil {
		return 0, eris.Wrapf(err, "fetch flags %q", folder)
	}

	changed := make(map[uint32]model.FlagSet)
	for _, uid := range uids {
		remote, ok := remoteFlags[uid]
		if !ok {
			continue
		}
		if local := localFlags[uid]; !local.Equal(remote) {
			changed[uid] = remote
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := e.Store.UpdateFlags(folderEID, changed); err != nil {
		return 0, eris.Wrapf(err, "update flags %q", folder)
	}
	return len(changed), nil
}

// storeAndIndexBatch is the batched store+index helper spec.md §4.4
// asks for: valid messages are transacted into the metadata store,
// indexed, and committed to the fulltext index as one batch-scoped
// generation, skipping anything that failed to parse (spec.md §7.4).
// The store transaction id returned by StoreMessagesWithAttachments is
// threaded through to Index.Commit as store_tx_id metadata (spec.md
// §4.2), so a given index generation can be traced back to the
// metadata store transaction that produced it.
func (e *Engine) storeAndIndexBatch(folder string, folderEID int64, raw []imapgateway.RawMessage) (stored, errs int, err error) {
	messages := make([]model.Message, 0, len(raw))
	for _, r := range raw {
		msg, perr := mimeparser.Parse(r.Bytes, r.UID, folder, mimeparser.Options{AttachmentDir: e.AttachmentDir, EMLDir: e.EMLDir})
		msg.Flags = r.Flags
		if perr != nil {
			errs++
			continue
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return 0, errs, nil
	}

	txID, serr := e.Store.StoreMessagesWithAttachments(folderEID, messages)
	if serr != nil {
		return 0, errs + len(messages), eris.Wrapf(serr, "store messages %q", folder)
	}
	if ierr := e.Index.IndexMessages(e.AccountID, folder, messages); ierr != nil {
		return 0, errs + len(messages), eris.Wrapf(ierr, "index messages %q", folder)
	}
	if _, cerr := e.Index.Commit("batch "+folder, txID); cerr != nil {
		return 0, errs + len(messages), eris.Wrapf(cerr, "commit index batch %q", folder)
	}
	return len(messages), errs, nil
}

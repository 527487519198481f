package metastore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/eslider/briefkasten/internal/metastore"
	"github.com/eslider/briefkasten/internal/model"
)

func newTestStore(t *testing.T) *metastore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.sqlite")
	s, err := metastore.Open(path)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountEIDIsStableAndDeterministic(t *testing.T) {
	a := metastore.AccountEID("work")
	b := metastore.AccountEID("work")
	if a != b {
		t.Fatalf("AccountEID not deterministic: %s != %s", a, b)
	}
	if c := metastore.AccountEID("personal"); c == a {
		t.Fatalf("AccountEID collided across accounts: %s", c)
	}
}

func TestGetOrCreateFolderIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.GetOrCreateFolder("work", "INBOX")
	if err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}
	id2, err := s.GetOrCreateFolder("work", "INBOX")
	if err != nil {
		t.Fatalf("GetOrCreateFolder (second call): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("GetOrCreateFolder returned different ids: %d != %d", id1, id2)
	}
}

func TestFolderSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	folderID, err := s.GetOrCreateFolder("work", "INBOX")
	if err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}

	state, err := s.GetFolderSyncState("work", "INBOX")
	if err != nil {
		t.Fatalf("GetFolderSyncState: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state before first sync, got %+v", state)
	}

	if err := s.UpdateFolderSyncState(folderID, 1001, 50); err != nil {
		t.Fatalf("UpdateFolderSyncState: %v", err)
	}

	state, err = s.GetFolderSyncState("work", "INBOX")
	if err != nil {
		t.Fatalf("GetFolderSyncState after update: %v", err)
	}
	if state == nil {
		t.Fatal("expected non-nil state after update")
	}
	if state.UIDValidity != 1001 || state.UIDNext != 50 {
		t.Fatalf("state = %+v, want uidvalidity=1001 uidnext=50", state)
	}
	if state.LastSync.IsZero() {
		t.Error("expected non-zero LastSync after update")
	}
}

func TestStoreMessagesWithAttachmentsAndRead(t *testing.T) {
	s := newTestStore(t)
	folderID, err := s.GetOrCreateFolder("work", "INBOX")
	if err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}

	msgs := []model.Message{
		{
			UID:            1,
			MessageID:      "<a@example.com>",
			Subject:        "Meeting tomorrow",
			From:           "alice@example.com",
			To:             "bob@example.com",
			Date:           time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC),
			Flags:          model.NewFlagSet(model.FlagSeen),
			Size:           512,
			EMLPath:        "INBOX/1.eml",
			HasAttachments: true,
			Attachments: []model.Attachment{
				{Filename: "agenda.pdf", ContentType: "application/pdf", Size: 2048, Path: "INBOX/1-agenda.pdf"},
			},
		},
		{
			UID:       2,
			MessageID: "<b@example.com>",
			Subject:   "Invoice",
			From:      "carol@example.com",
			To:        "bob@example.com",
			Date:      time.Date(2025, 2, 11, 8, 0, 0, 0, time.UTC),
			Flags:     model.NewFlagSet(),
			Size:      256,
			EMLPath:   "INBOX/2.eml",
		},
	}

	txID, err := s.StoreMessagesWithAttachments(folderID, msgs)
	if err != nil {
		t.Fatalf("StoreMessagesWithAttachments: %v", err)
	}
	if txID == "" {
		t.Error("expected a non-empty store transaction id")
	}

	count, err := s.MessageCount(folderID)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("MessageCount = %d, want 2", count)
	}

	got, err := s.ReadMessageByUID(folderID, 1)
	if err != nil {
		t.Fatalf("ReadMessageByUID: %v", err)
	}
	if got.Subject != "Meeting tomorrow" {
		t.Errorf("Subject = %q, want %q", got.Subject, "Meeting tomorrow")
	}
	if !got.Flags.Has(model.FlagSeen) {
		t.Errorf("expected seen flag on uid 1")
	}

	byMessageID, err := s.ReadMessageByMessageID(folderID, "<b@example.com>")
	if err != nil {
		t.Fatalf("ReadMessageByMessageID: %v", err)
	}
	if byMessageID.UID != 2 {
		t.Errorf("ReadMessageByMessageID UID = %d, want 2", byMessageID.UID)
	}

	list, err := s.ListMessages(folderID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListMessages len = %d, want 2", len(list))
	}
}

func TestUpdateFlagsOnlyTouchesGivenMessages(t *testing.T) {
	s := newTestStore(t)
	folderID, _ := s.GetOrCreateFolder("work", "INBOX")

	msgs := []model.Message{
		{UID: 1, Flags: model.NewFlagSet(), EMLPath: "a.eml"},
		{UID: 2, Flags: model.NewFlagSet(model.FlagSeen), EMLPath: "b.eml"},
	}
	if _, err := s.StoreMessagesWithAttachments(folderID, msgs); err != nil {
		t.Fatalf("StoreMessagesWithAttachments: %v", err)
	}

	if err := s.UpdateFlags(folderID, map[uint32]model.FlagSet{
		1: model.NewFlagSet(model.FlagSeen, model.FlagFlagged),
	}); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}

	flags, err := s.GetLocalFlags(folderID)
	if err != nil {
		t.Fatalf("GetLocalFlags: %v", err)
	}
	if !flags[1].Has(model.FlagFlagged) {
		t.Error("uid 1 should now be flagged")
	}
	if !flags[2].Has(model.FlagSeen) || flags[2].Has(model.FlagFlagged) {
		t.Errorf("uid 2 flags changed unexpectedly: %v", flags[2])
	}
}

func TestRetractMessagesRemovesOnlyGivenUIDs(t *testing.T) {
	s := newTestStore(t)
	folderID, _ := s.GetOrCreateFolder("work", "INBOX")

	msgs := []model.Message{
		{UID: 1, EMLPath: "a.eml", HasAttachments: true, Attachments: []model.Attachment{
			{Filename: "x.pdf", Size: 10, Path: "a-x.pdf"},
		}},
		{UID: 2, EMLPath: "b.eml"},
	}
	if _, err := s.StoreMessagesWithAttachments(folderID, msgs); err != nil {
		t.Fatalf("StoreMessagesWithAttachments: %v", err)
	}

	n, err := s.RetractMessages(folderID, []uint32{1})
	if err != nil {
		t.Fatalf("RetractMessages: %v", err)
	}
	if n != 1 {
		t.Fatalf("RetractMessages removed = %d, want 1", n)
	}

	uids, err := s.GetLocalUIDs(folderID)
	if err != nil {
		t.Fatalf("GetLocalUIDs: %v", err)
	}
	if _, ok := uids[1]; ok {
		t.Error("uid 1 should have been retracted")
	}
	if _, ok := uids[2]; !ok {
		t.Error("uid 2 should remain")
	}
}

func TestRetractFolderMessagesClearsEverything(t *testing.T) {
	s := newTestStore(t)
	folderID, _ := s.GetOrCreateFolder("work", "INBOX")

	msgs := []model.Message{{UID: 1, EMLPath: "a.eml"}, {UID: 2, EMLPath: "b.eml"}}
	if _, err := s.StoreMessagesWithAttachments(folderID, msgs); err != nil {
		t.Fatalf("StoreMessagesWithAttachments: %v", err)
	}

	n, err := s.RetractFolderMessages(folderID)
	if err != nil {
		t.Fatalf("RetractFolderMessages: %v", err)
	}
	if n != 2 {
		t.Fatalf("RetractFolderMessages removed = %d, want 2", n)
	}

	count, err := s.MessageCount(folderID)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("MessageCount after full resync wipe = %d, want 0", count)
	}
}

func TestListFoldersReturnsAllAccountFolders(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetOrCreateFolder("work", "INBOX"); err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}
	if _, err := s.GetOrCreateFolder("work", "Archive"); err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}
	if _, err := s.GetOrCreateFolder("other", "INBOX"); err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}

	folders, err := s.ListFolders("work")
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if len(folders) != 2 {
		t.Fatalf("ListFolders len = %d, want 2", len(folders))
	}
}

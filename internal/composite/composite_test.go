package composite_test

import (
	"testing"
	"time"

	"github.com/eslider/briefkasten/internal/composite"
	"github.com/eslider/briefkasten/internal/model"
	"github.com/eslider/briefkasten/internal/searchindex"
)

func TestCommitHistoryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	c, err := composite.Open(dir)
	if err != nil {
		t.Fatalf("composite.Open: %v", err)
	}

	if _, err := c.Commit("first"); err != nil {
		t.Fatalf("Commit(first): %v", err)
	}
	if _, err := c.Commit("second"); err != nil {
		t.Fatalf("Commit(second): %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := composite.Open(dir)
	if err != nil {
		t.Fatalf("composite.Open (reload): %v", err)
	}
	defer c2.Close()

	history, err := c2.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History len = %d, want 2", len(history))
	}

	meta, err := c2.SnapshotMeta(history[0])
	if err != nil {
		t.Fatalf("SnapshotMeta: %v", err)
	}
	if meta.Message != "second" {
		t.Errorf("head message = %q, want second", meta.Message)
	}
}

func TestParentIDsChainBackToRoot(t *testing.T) {
	dir := t.TempDir()
	c, err := composite.Open(dir)
	if err != nil {
		t.Fatalf("composite.Open: %v", err)
	}
	defer c.Close()

	first, err := c.Commit("first")
	if err != nil {
		t.Fatalf("Commit(first): %v", err)
	}
	if _, err := c.Commit("second"); err != nil {
		t.Fatalf("Commit(second): %v", err)
	}

	parents, err := c.ParentIDs()
	if err != nil {
		t.Fatalf("ParentIDs: %v", err)
	}
	if len(parents) != 1 || parents[0] != first {
		t.Errorf("ParentIDs = %v, want [%s]", parents, first)
	}
}

func TestBranchForksStoreAndIndexIndependently(t *testing.T) {
	dir := t.TempDir()
	c, err := composite.Open(dir)
	if err != nil {
		t.Fatalf("composite.Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Store.EnsureAccount("acct1"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	folderEID, err := c.Store.GetOrCreateFolder("acct1", "INBOX")
	if err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}
	msg := model.Message{UID: 1, Subject: "On main", Date: time.Now()}
	if _, err := c.Store.StoreMessagesWithAttachments(folderEID, []model.Message{msg}); err != nil {
		t.Fatalf("StoreMessagesWithAttachments: %v", err)
	}
	if err := c.Index.IndexMessages("acct1", "INBOX", []model.Message{msg}); err != nil {
		t.Fatalf("IndexMessages: %v", err)
	}
	if _, err := c.Commit("seed"); err != nil {
		t.Fatalf("Commit(seed): %v", err)
	}

	if err := c.Branch("feature"); err != nil {
		t.Fatalf("Branch(feature): %v", err)
	}
	if err := c.Checkout("feature"); err != nil {
		t.Fatalf("Checkout(feature): %v", err)
	}

	n, err := c.Store.MessageCount(folderEID)
	if err != nil {
		t.Fatalf("MessageCount on feature branch: %v", err)
	}
	if n != 1 {
		t.Errorf("feature branch should inherit main's message, got count %d", n)
	}

	res, err := c.Index.Search(searchindex.SearchOptions{Query: "main"})
	if err != nil {
		t.Fatalf("Search on feature branch: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("feature branch index should inherit main's document, got total %d", res.Total)
	}

	msg2 := model.Message{UID: 2, Subject: "Only on feature", Date: time.Now()}
	if _, err := c.Store.StoreMessagesWithAttachments(folderEID, []model.Message{msg2}); err != nil {
		t.Fatalf("store on feature: %v", err)
	}
	if _, err := c.Commit("feature work"); err != nil {
		t.Fatalf("Commit(feature work): %v", err)
	}

	if err := c.Checkout("main"); err != nil {
		t.Fatalf("Checkout(main): %v", err)
	}
	n, err = c.Store.MessageCount(folderEID)
	if err != nil {
		t.Fatalf("MessageCount back on main: %v", err)
	}
	if n != 1 {
		t.Errorf("main branch should be unaffected by feature branch commit, got count %d", n)
	}
}

func TestAsOfOpensHistoricalIndexGeneration(t *testing.T) {
	dir := t.TempDir()
	c, err := composite.Open(dir)
	if err != nil {
		t.Fatalf("composite.Open: %v", err)
	}
	defer c.Close()

	if err := c.Index.IndexMessages("acct1", "INBOX", []model.Message{{UID: 1, Subject: "One", Date: time.Now()}}); err != nil {
		t.Fatalf("IndexMessages: %v", err)
	}
	firstID, err := c.Commit("first")
	if err != nil {
		t.Fatalf("Commit(first): %v", err)
	}

	if err := c.Index.IndexMessages("acct1", "INBOX", []model.Message{{UID: 2, Subject: "Two", Date: time.Now()}}); err != nil {
		t.Fatalf("IndexMessages: %v", err)
	}
	if _, err := c.Commit("second"); err != nil {
		t.Fatalf("Commit(second): %v", err)
	}

	view, err := c.AsOf(firstID)
	if err != nil {
		t.Fatalf("AsOf(first): %v", err)
	}
	defer view.Index.Close()

	res, err := view.Index.Search(searchindex.SearchOptions{})
	if err != nil {
		t.Fatalf("Search on historical view: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("AsOf(first) total = %d, want 1", res.Total)
	}
}

// briefkasten-sync is a minimal command-line driver for the sync engine.
//
// Usage:
//
//	briefkasten-sync sync <account_id> [folder...]
//	briefkasten-sync search <account_id> <query>
//	briefkasten-sync list-folders <account_id>
//	briefkasten-sync version
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/eslider/briefkasten/internal/config"
	"github.com/eslider/briefkasten/internal/engine"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sync":
		runSync(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "list-folders":
		runListFolders(os.Args[2:])
	case "version":
		fmt.Printf("briefkasten-sync %s\n", version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: briefkasten-sync <command>

Commands:
  sync <account_id> [folder...]   Sync an account, optionally scoped to folders
  search <account_id> <query>     Search across an account's messages
  list-folders <account_id>       List folders known locally for an account
  version                         Print version information

Environment:
  BRIEFKASTEN_CONFIG   Path to the config document (default: ~/.config/briefkasten/config.edn)`)
}

func openHandle(accountID string) (*engine.Handle, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return engine.CreateAccountFromConfig(cfg, accountID)
}

func runSync(args []string) {
	if len(args) < 1 {
		log.Fatal("ERROR: sync requires an account id")
	}
	accountID, folders := args[0], args[1:]

	h, err := openHandle(accountID)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Printf("WARN: close account %s: %v", accountID, err)
		}
	}()

	h.OnProgress = func(msg string) { log.Printf("INFO: %s: %s", accountID, msg) }

	results, err := h.Sync(context.Background(), folders...)
	if err != nil {
		log.Fatalf("ERROR: sync %s: %v", accountID, err)
	}

	for folder, result := range results {
		if result.Error != "" {
			log.Printf("ERROR: %s/%s: %s", accountID, folder, result.Error)
			continue
		}
		log.Printf("INFO: %s/%s: %s stored=%d new=%d deleted=%d flags_updated=%d errors=%d",
			accountID, folder, result.Type, result.Stored, result.New, result.Deleted, result.FlagsUpdated, result.Errors)
	}
}

func runSearch(args []string) {
	if len(args) < 2 {
		log.Fatal("ERROR: search requires an account id and a query")
	}
	accountID, query := args[0], args[1]

	h, err := openHandle(accountID)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	defer h.Close()

	res, err := h.Search(query, 20)
	if err != nil {
		log.Fatalf("ERROR: search %s: %v", accountID, err)
	}

	fmt.Printf("%d matches\n", res.Total)
	for _, hit := range res.Hits {
		fmt.Printf("%s/%d  %s  %s\n", hit.Folder, hit.UID, hit.Subject, hit.Snippet)
	}
}

func runListFolders(args []string) {
	if len(args) < 1 {
		log.Fatal("ERROR: list-folders requires an account id")
	}
	accountID := args[0]

	h, err := openHandle(accountID)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	defer h.Close()

	folders, err := h.ListFolders()
	if err != nil {
		log.Fatalf("ERROR: list folders %s: %v", accountID, err)
	}
	for _, f := range folders {
		fmt.Printf("%s  uidvalidity=%d uidnext=%d last_sync=%s\n", f.Name, f.UIDValidity, f.UIDNext, f.LastSync)
	}
}

package main

import (
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/campushub/campushub/internal/store"
	"github.com/campushub/campushub/pkg/config"
)

type backfillPairKeysOptions struct {
	DatabasePath string
	DryRun       bool
}

type pairKeyRecord struct {
	ConversationID int64
	PairKey        string
}

func parseBackfillPairKeysArgs(cfg *config.Config, args []string) (backfillPairKeysOptions, error) {
	opts := backfillPairKeysOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown backfill flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

// runBackfillPairKeys computes pair keys for direct conversations created
// before pair keys existed. Duplicate direct conversations for the same user
// pair abort the run; those need manual merging before the unique index can
// hold.
func runBackfillPairKeys(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseBackfillPairKeysArgs(cfg, args)
	if err != nil {
		return err
	}

	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start backfill transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	records, invalidConversationIDs, err := loadUnkeyedDirectConversations(dbConn)
	if err != nil {
		return err
	}
	if len(invalidConversationIDs) > 0 {
		sort.Slice(invalidConversationIDs, func(i, j int) bool { return invalidConversationIDs[i] < invalidConversationIDs[j] })
		return fmt.Errorf("direct conversations without exactly two participants: %v", invalidConversationIDs)
	}

	if duplicates := findDuplicatePairs(records); len(duplicates) > 0 {
		return fmt.Errorf("multiple direct conversations share a participant pair: %v", duplicates)
	}

	if len(records) == 0 {
		if _, err := dbConn.Exec("COMMIT"); err != nil {
			return fmt.Errorf("failed to finish backfill transaction: %w", err)
		}
		inTx = false
		fmt.Fprintln(out, "Pair key backfill: nothing to do (all direct conversations keyed).")
		return nil
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would backfill pair keys for %d direct conversations.\n", len(records))
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	if err := applyPairKeys(dbConn, records); err != nil {
		return err
	}

	if err := validatePairKeyBackfill(dbConn); err != nil {
		return err
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit backfill: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Backfill completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Backfilled pair keys for %d direct conversations.\n", len(records))
	return nil
}

func loadUnkeyedDirectConversations(dbConn *sql.DB) ([]pairKeyRecord, []int64, error) {
	rows, err := dbConn.Query(`
		SELECT c.id, cp.user_id
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE c.is_group = 0 AND c.pair_key IS NULL
		ORDER BY c.id, cp.user_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read direct conversations: %w", err)
	}
	defer rows.Close()

	participants := make(map[int64][]int)
	order := make([]int64, 0)

	for rows.Next() {
		var conversationID int64
		var userID int
		if err := rows.Scan(&conversationID, &userID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan direct conversation: %w", err)
		}
		if _, seen := participants[conversationID]; !seen {
			order = append(order, conversationID)
		}
		participants[conversationID] = append(participants[conversationID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed while reading direct conversations: %w", err)
	}

	records := make([]pairKeyRecord, 0, len(order))
	invalidConversationIDs := make([]int64, 0)

	for _, conversationID := range order {
		ids := participants[conversationID]
		if len(ids) != 2 || ids[0] == ids[1] {
			invalidConversationIDs = append(invalidConversationIDs, conversationID)
			continue
		}
		records = append(records, pairKeyRecord{
			ConversationID: conversationID,
			PairKey:        store.PairKey(ids[0], ids[1]),
		})
	}

	return records, invalidConversationIDs, nil
}

func findDuplicatePairs(records []pairKeyRecord) []string {
	seen := make(map[string]struct{}, len(records))
	duplicates := make([]string, 0)
	for _, record := range records {
		if _, exists := seen[record.PairKey]; exists {
			duplicates = append(duplicates, record.PairKey)
			continue
		}
		seen[record.PairKey] = struct{}{}
	}
	sort.Strings(duplicates)
	return duplicates
}

func applyPairKeys(dbConn *sql.DB, records []pairKeyRecord) error {
	stmt, err := dbConn.Prepare("UPDATE conversations SET pair_key = ? WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare backfill statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.Exec(record.PairKey, record.ConversationID); err != nil {
			return fmt.Errorf("failed to set pair key for conversation %d: %w", record.ConversationID, err)
		}
	}

	return nil
}

func validatePairKeyBackfill(dbConn *sql.DB) error {
	var remaining int
	if err := dbConn.QueryRow(
		"SELECT COUNT(*) FROM conversations WHERE is_group = 0 AND pair_key IS NULL",
	).Scan(&remaining); err != nil {
		return fmt.Errorf("failed to validate backfill: %w", err)
	}
	if remaining != 0 {
		return fmt.Errorf("%d direct conversations still missing pair keys after backfill", remaining)
	}

	var collisions int
	if err := dbConn.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT pair_key FROM conversations
			WHERE pair_key IS NOT NULL
			GROUP BY pair_key HAVING COUNT(*) > 1
		)
	`).Scan(&collisions); err != nil {
		return fmt.Errorf("failed to validate pair key uniqueness: %w", err)
	}
	if collisions != 0 {
		return fmt.Errorf("%d pair keys are shared by multiple conversations", collisions)
	}

	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aqueduct-io/aqueduct/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
}

// historyEntry is one edit in the listing.
type historyEntry struct {
	EditID     int64     `json:"edit_id"`
	ParentID   int64     `json:"parent_id"`
	SnapshotID int64     `json:"snapshot_id"`
	ActorID    string    `json:"actor_id"`
	CreatedAt  time.Time `json:"created_at"`
	Op         string    `json:"op,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <doc-id>",
		Short: "List a document's edit log",
		Long: `List every edit of a document in id order, including edits on
abandoned branches. The current head is marked in text output.

Example:
  aqueduct history 2f1c... --db ./aqueduct.db
  aqueduct history 2f1c... --db ./aqueduct.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, docID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := context.Background()
	rec, err := st.Document(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("unknown document %q", docID))
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load document", err)
	}

	edits, err := st.Edits(ctx, docID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load edits", err)
	}

	entries := make([]historyEntry, 0, len(edits))
	for _, e := range edits {
		var probe struct {
			Op string `json:"op"`
		}
		_ = json.Unmarshal(e.Action, &probe)
		entries = append(entries, historyEntry{
			EditID:     e.ID,
			ParentID:   e.ParentID,
			SnapshotID: e.SnapshotID,
			ActorID:    e.ActorID,
			CreatedAt:  e.CreatedAt,
			Op:         probe.Op,
		})
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"document_id":         rec.ID,
			"name":                rec.Name,
			"current_edit_id":     rec.CurrentEditID,
			"current_snapshot_id": rec.CurrentSnapshotID,
			"edits":               entries,
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", rec.Name, rec.ID)
	for _, entry := range entries {
		marker := " "
		if entry.EditID == rec.CurrentEditID {
			marker = "*"
		}
		op := entry.Op
		if op == "" {
			op = "-"
		}
		fmt.Fprintf(&b, "%s %4d  parent %-4d snapshot %-4d %-12s %s  %s\n",
			marker, entry.EditID, entry.ParentID, entry.SnapshotID, op, entry.CreatedAt.UTC().Format(time.RFC3339), entry.ActorID)
	}
	return formatter.Success(strings.TrimRight(b.String(), "\n"))
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aqueduct-io/aqueduct/internal/document/network"
	"github.com/aqueduct-io/aqueduct/internal/edittree"
	"github.com/aqueduct-io/aqueduct/internal/replay"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Database string
	EditID   int64
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <doc-id>",
		Short: "Print document state at an edit",
		Long: `Materialize and print the document state at an edit by replaying
its lineage from the nearest snapshot. Without --edit the current head is
shown.

Example:
  aqueduct show 2f1c... --db ./aqueduct.db
  aqueduct show 2f1c... --db ./aqueduct.db --edit 7`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().Int64Var(&opts.EditID, "edit", -1, "edit id to materialize (default: current head)")

	return cmd
}

func runShow(opts *ShowOptions, docID string, cmd *cobra.Command) error {
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

	editID := opts.EditID
	if editID < 0 {
		editID = rec.CurrentEditID
	}

	target, err := st.Edit(ctx, docID, editID)
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("edit %d does not exist", editID))
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load edit", err)
	}

	snap, edits, err := st.LoadChain(ctx, docID, target.SnapshotID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load edit chain", err)
	}

	tree := edittree.New()
	tree.Insert(edittree.Edit{ID: target.SnapshotID, ParentID: target.SnapshotID, SnapshotID: target.SnapshotID})
	for _, e := range edits {
		tree.Insert(e)
	}

	doc, err := replay.Materialize(network.Codec{}, snap.State, tree, editID, target.SnapshotID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to materialize state", err)
	}
	state, err := doc.Serialize()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to serialize state", err)
	}

	formatter.VerboseLog("materialized %s at edit %d (snapshot %d)", docID, editID, target.SnapshotID)

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"document_id": docID,
			"edit_id":     editID,
			"snapshot_id": target.SnapshotID,
			"state":       json.RawMessage(state),
		})
	}

	var pretty map[string]any
	if err := json.Unmarshal(state, &pretty); err != nil {
		return WrapExitError(ExitFailure, "failed to decode state", err)
	}
	indented, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return WrapExitError(ExitFailure, "failed to format state", err)
	}
	return formatter.Success(string(indented))
}

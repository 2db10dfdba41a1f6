package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aqueduct-io/aqueduct/internal/document/network"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Database string
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new document",
		Long: `Create a new document with an empty network model.

The document starts with a root edit and an initial snapshot; its id is
printed on success.

Example:
  aqueduct create "downtown mains" --db ./aqueduct.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCreate(opts *CreateOptions, name string, cmd *cobra.Command) error {
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

	state, err := network.New().Serialize()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to serialize empty model", err)
	}

	rec, err := st.CreateDocument(context.Background(), name, state, time.Now())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create document", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"id":   rec.ID,
			"name": rec.Name,
		})
	}
	return formatter.Success(fmt.Sprintf("created document %s (%s)", rec.ID, rec.Name))
}

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aqueduct-io/aqueduct/internal/auth"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

// GrantOptions holds flags for the grant command.
type GrantOptions struct {
	*RootOptions
	Database string
}

// NewGrantCommand creates the grant command.
func NewGrantCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GrantOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "grant <doc-id> <username> <role>",
		Short: "Grant a document role to a user",
		Long: `Grant a user a role on a document. Re-granting replaces the
existing role. Valid roles are "editor" and "viewer".

Example:
  aqueduct grant 2f1c... alice editor --db ./aqueduct.db`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrant(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runGrant(opts *GrantOptions, docID, username, role string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if role != auth.RoleEditor && role != auth.RoleViewer {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid role %q: must be %q or %q", role, auth.RoleEditor, auth.RoleViewer))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := context.Background()
	u, err := st.UserByUsername(ctx, auth.NormalizeUsername(username))
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("unknown user %q", username))
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to look up user", err)
	}

	if _, err := st.Document(ctx, docID); errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("unknown document %q", docID))
	} else if err != nil {
		return WrapExitError(ExitFailure, "failed to look up document", err)
	}

	if err := st.GrantRole(ctx, docID, u.ID, role); err != nil {
		return WrapExitError(ExitFailure, "failed to grant role", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"document_id": docID,
			"user_id":     u.ID,
			"role":        role,
		})
	}
	return formatter.Success(fmt.Sprintf("granted %s on %s to %s", role, docID, u.Username))
}

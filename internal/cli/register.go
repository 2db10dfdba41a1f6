package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aqueduct-io/aqueduct/internal/auth"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

// RegisterOptions holds flags for the register command.
type RegisterOptions struct {
	*RootOptions
	Database string
	Password string
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create a user account",
		Long: `Create a user account directly in the database.

Accounts can also register themselves over the wire; this command exists
for bootstrapping the first editor.

Example:
  aqueduct register alice --db ./aqueduct.db --password "correct horse battery"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Password, "password", "", "account password (required)")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func runRegister(opts *RegisterOptions, username string, cmd *cobra.Command) error {
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

	u, err := auth.NewAuthenticator(st).Register(context.Background(), username, opts.Password)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to register user", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"id":       u.ID,
			"username": u.Username,
		})
	}
	return formatter.Success(fmt.Sprintf("registered user %s (%s)", u.Username, u.ID))
}

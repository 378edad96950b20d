package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mailvault/internal/filex"
	"github.com/dmitrijs2005/mailvault/internal/gmailx"
	"github.com/dmitrijs2005/mailvault/internal/state"
)

// AuthOptions holds flags for the auth command.
type AuthOptions struct {
	*RootOptions
	Credentials  string
	ClientID     string
	ClientSecret string
	Write        bool
}

// NewAuthCommand creates the auth command.
func NewAuthCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuthOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Run the OAuth consent flow and store the token",
		Long: `Run the OAuth desktop consent flow and persist the token, including
the OAuth client material, into the state directory. Later commands refresh
the token from that file alone.

The OAuth client comes from --credentials (a client secrets JSON file) or
from --client-id/--client-secret; the GOOGLE_CLIENT_ID and
GOOGLE_CLIENT_SECRET environment variables are used as a fallback.

By default only the readonly scope is requested, which is all backup needs.
Pass --write to also request the insert and modify scopes required by
restore --apply.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Credentials, "credentials", "", "OAuth client secrets JSON file")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "OAuth client id")
	cmd.Flags().StringVar(&opts.ClientSecret, "client-secret", "", "OAuth client secret")
	cmd.Flags().BoolVar(&opts.Write, "write", false, "also request the insert and modify scopes")

	return cmd
}

func runAuth(cmd *cobra.Command, opts *AuthOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cfg := opts.Config

	credentials := opts.Credentials
	if credentials == "" {
		credentials = cfg.CredentialsFile
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = os.Getenv("GOOGLE_CLIENT_ID")
	}
	clientSecret := opts.ClientSecret
	if clientSecret == "" {
		clientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	}
	if credentials != "" && clientID != "" {
		return NewExitError(ExitFailure, "use either --credentials or --client-id/--client-secret, not both")
	}

	scopes := gmailx.ReadScopes()
	if opts.Write {
		scopes = append(scopes, gmailx.WriteScopes()...)
	}

	oc, err := gmailx.OAuthConfig(credentials, clientID, clientSecret, scopes)
	if err != nil {
		return WrapExitError(ExitFailure, "oauth client", err)
	}

	if err := filex.EnsureDir(cfg.StateDir); err != nil {
		return WrapExitError(ExitFailure, "state directory", err)
	}
	if err := gmailx.Authorize(ctx, oc, gmailx.TokenPath(cfg.StateDir), cmd.OutOrStdout()); err != nil {
		return WrapExitError(ExitFailure, "authorization", err)
	}

	mbox, err := gmailx.Connect(ctx, cfg.StateDir, scopes...)
	if err != nil {
		return WrapExitError(ExitFailure, "connect to mailbox", err)
	}
	email, historyID, err := mbox.Profile(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "read mailbox profile", err)
	}

	// The profile cursor is recorded only when no cursor exists yet.
	// Overwriting an earned cursor on re-auth would skip everything received
	// since the last pass.
	_, err = state.NewCheckpointFile(cfg.StateDir).Patch(func(cp *state.Checkpoint) {
		cp.EmailAddress = email
		cp.AuthedAt = time.Now().Unix()
		if cp.HistoryID == "" {
			cp.HistoryID = fmt.Sprintf("%d", historyID)
		}
	})
	if err != nil {
		return WrapExitError(ExitFailure, "write checkpoint", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OAuth OK. Current historyId: %d\n", historyID)
	return nil
}

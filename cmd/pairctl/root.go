package main

import (
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/onlyus/sync-server-go/internal/client"
	"github.com/onlyus/sync-server-go/internal/util"
)

type globalOptions struct {
	server  string
	user    string
	secret  string
	token   string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "pairctl",
		Short:         "Reference peer for the pairing and sync server",
		Long:          `Pair two identities with a six-character code, then chat and co-play over the peer channel. Commands: token, create, join, status, end, chat, migrate.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("PAIRCTL_SERVER", "http://localhost:8080"), "server base URL")
	flags.StringVar(&opts.user, "user", os.Getenv("PAIRCTL_USER"), "user ID to sign a token for")
	flags.StringVar(&opts.secret, "secret", os.Getenv("AUTH_SECRET"), "server AUTH_SECRET used to sign tokens")
	flags.StringVar(&opts.token, "token", os.Getenv("PAIRCTL_TOKEN"), "identity token (overrides --user/--secret)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newTokenCmd(opts))
	cmd.AddCommand(newCreateCmd(opts))
	cmd.AddCommand(newJoinCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newEndCmd(opts))
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

// identity returns the bearer token and the user ID it carries.
func (o *globalOptions) identity() (token, userID string, err error) {
	if o.token != "" {
		i := strings.LastIndex(o.token, ".")
		if i <= 0 {
			return "", "", errors.New("malformed --token")
		}
		return o.token, o.token[:i], nil
	}
	if o.user == "" || o.secret == "" {
		return "", "", errors.New("set --token, or --user together with --secret")
	}
	return util.SignIdentity(o.secret, o.user), o.user, nil
}

func (o *globalOptions) client() (*client.Client, string, error) {
	token, userID, err := o.identity()
	if err != nil {
		return nil, "", err
	}
	return client.New(o.server, token), userID, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package session

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openkcm/portfolio-site/internal/business"
	"github.com/openkcm/portfolio-site/internal/cmdutils"
	"github.com/openkcm/portfolio-site/internal/config"
)

func Cmd(buildInfo string) *cobra.Command {
	var opts business.SessionOptions

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Portfolio site session",
		Long: "Mounts a session on the shared store, signs in or out, and optionally keeps " +
			"the session in sync with the other contexts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cmdutils.LoadConfig(buildInfo)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			err = cmdutils.RunAsJob(cmd.Context(), func(ctx context.Context, cfg *config.Config) error {
				return business.SessionMain(ctx, cfg, opts)
			}, cfg)
			if err != nil {
				return fmt.Errorf("running session: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "address the session is mounted at, pass the callback URL to complete a sign-in")
	cmd.Flags().StringVar(&opts.SignInEmail, "sign-in-email", "", "request a magic link for the email address")
	cmd.Flags().StringVar(&opts.SignInProvider, "sign-in-provider", "", "start a sign-in with the social provider")
	cmd.Flags().BoolVar(&opts.SignOut, "sign-out", false, "sign out every context")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "keep the session mounted and in sync")

	cmd.MarkFlagsMutuallyExclusive("sign-in-email", "sign-in-provider")

	return cmd
}

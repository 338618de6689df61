package migrate

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/portfolio-site/internal/business"
	"github.com/openkcm/portfolio-site/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Portfolio site migrations",
		"Applies the database migrations of the profile store.",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}

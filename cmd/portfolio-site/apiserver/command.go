package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/portfolio-site/internal/business"
	"github.com/openkcm/portfolio-site/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"Portfolio site API server",
		"Portfolio site API server hosts the public http API: health check and avatar proxy.",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}

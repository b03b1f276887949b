package cmd

import (
	"log"

	"github.com/arcward/craftlink/craftlink"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the rate limited Discord client, request recorder and API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			cl, err := craftlink.New(cfg)
			if err != nil {
				log.Fatalf("error creating craftlink: %s", err.Error())
			}

			if err = cl.Run(ctx); err != nil {
				log.Fatalf("error running craftlink: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}

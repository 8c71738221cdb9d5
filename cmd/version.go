package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/instrumented/version"
)

type cmdVersion struct {
	isJSON bool
}

func (c *cmdVersion) run(cmd *cobra.Command, _ []string) error {
	if !c.isJSON {
		fprintf(cmd.OutOrStdout(), "instrumented %s\n", version.Long())
		return nil
	}

	details, err := json.Marshal(version.Details())
	if err != nil {
		return fmt.Errorf("failed produce a JSON version details: %w", err)
	}
	fprintf(cmd.OutOrStdout(), "%s\n", details)
	return nil
}

func getCmdVersion(_ *rootCommand) *cobra.Command {
	c := &cmdVersion{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Long:  `Show the application version and exit.`,
		RunE:  c.run,
	}
	cmd.Flags().BoolVar(&c.isJSON, "json", false, "if set, output version information will be in JSON format")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func registerValidateCmd(rootCmd *cobra.Command) {
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "validate a schema and policy file",
		Long:  "Load the entity schema and authorization policy and report every entity they define.",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
	registerDefinitionFlags(validateCmd)
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	defs, err := loadDefinitions(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range defs.registry.Entities() {
		fmt.Fprintf(out, "%s\ttable=%s\ttype=%s\tcolumns=%d\trelationships=%d\n",
			e.Name, e.Table, e.TypeName, len(e.Columns), len(e.Relationships))
	}
	fmt.Fprintf(out, "schema valid: %d entities\n", len(defs.registry.Entities()))
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"entityql/internal/authz"
	"entityql/internal/schema"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "entityqlctl",
		Short:        "Inspect entityql schemas and compiled queries",
		SilenceUsage: true,
	}

	registerValidateCmd(rootCmd)
	registerCompileCmd(rootCmd)
	registerTokenCmd(rootCmd)
	return rootCmd
}

func registerDefinitionFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "path to the entity schema YAML file")
	cmd.Flags().String("policy", "", "path to the authorization policy YAML file (built-in policy when empty)")
	_ = cmd.MarkFlagRequired("schema")
}

// definitions are the schema and policy shared by every subcommand.
type definitions struct {
	registry *schema.Registry
	policy   *authz.Policy
}

func loadDefinitions(cmd *cobra.Command) (*definitions, error) {
	schemaPath, err := cmd.Flags().GetString("schema")
	if err != nil {
		return nil, err
	}
	policyPath, err := cmd.Flags().GetString("policy")
	if err != nil {
		return nil, err
	}

	reg, err := schema.LoadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", schemaPath, err)
	}

	var pol *authz.Policy
	if policyPath != "" {
		pol, err = authz.LoadPolicyFile(policyPath)
	} else {
		pol, err = authz.DefaultPolicy()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return &definitions{registry: reg, policy: pol}, nil
}

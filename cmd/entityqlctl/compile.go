package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"entityql/internal/authz"
	"entityql/internal/planner"
	"entityql/internal/sqlutil"
)

// cliServiceIdentity names the principal used when no claims are supplied.
const cliServiceIdentity = "entityqlctl"

func registerCompileCmd(rootCmd *cobra.Command) {
	compileCmd := &cobra.Command{
		Use:   "compile <entity>",
		Short: "compile a where/orderBy payload to SQL",
		Long: "Compile a where and orderBy argument for an entity into the scoped SQL " +
			"statement the server would execute, and print it with its arguments.",
		Args: cobra.ExactArgs(1),
		RunE: runCompile,
	}

	compileCmd.Flags().String("where", "", "where argument as JSON")
	compileCmd.Flags().String("order-by", "", "orderBy argument as a JSON list")
	compileCmd.Flags().String("dialect", "mysql", `SQL dialect ("mysql" or "postgres")`)
	compileCmd.Flags().String("claims", "", "token claims as JSON (service principal when empty)")
	compileCmd.Flags().Uint64("limit", 0, "row limit (none when zero)")
	compileCmd.Flags().Uint64("offset", 0, "row offset")

	registerDefinitionFlags(compileCmd)
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	defs, err := loadDefinitions(cmd)
	if err != nil {
		return err
	}
	e, ok := defs.registry.Entity(args[0])
	if !ok {
		return fmt.Errorf("unknown entity %q", args[0])
	}

	flags := cmd.Flags()
	dialectName, _ := flags.GetString("dialect")
	d, err := sqlutil.DialectFor(dialectName)
	if err != nil {
		return err
	}

	var where map[string]interface{}
	if raw, _ := flags.GetString("where"); raw != "" {
		if err := decodeJSON(raw, &where); err != nil {
			return fmt.Errorf("invalid --where: %w", err)
		}
	}
	var orderBy []map[string]interface{}
	if raw, _ := flags.GetString("order-by"); raw != "" {
		if err := decodeJSON(raw, &orderBy); err != nil {
			return fmt.Errorf("invalid --order-by: %w", err)
		}
	}

	rawClaims, _ := flags.GetString("claims")
	principal, err := cliPrincipal(rawClaims)
	if err != nil {
		return err
	}

	var opts planner.SelectOptions
	if flags.Changed("limit") {
		limit, _ := flags.GetUint64("limit")
		opts.Limit = &limit
	}
	if flags.Changed("offset") {
		offset, _ := flags.GetUint64("offset")
		opts.Offset = &offset
	}

	compiler := planner.NewCompiler(d, authz.NewPolicyClient(d, defs.policy))
	req := &planner.Request{Principal: principal, Action: authz.ActionView}
	q, err := compiler.Select(cmd.Context(), req, e, where, orderBy, opts)
	if err != nil {
		return fmt.Errorf("failed to compile query: %w", err)
	}
	query, queryArgs, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("failed to render query: %w", err)
	}

	renderedArgs, err := json.Marshal(queryArgs)
	if err != nil {
		return fmt.Errorf("failed to render arguments: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, query)
	fmt.Fprintf(out, "-- args: %s\n", renderedArgs)
	return nil
}

func cliPrincipal(rawClaims string) (*authz.Principal, error) {
	if rawClaims == "" {
		return &authz.Principal{
			ID:              cliServiceIdentity,
			Roles:           []string{authz.RoleUser, authz.RoleService},
			ServiceIdentity: cliServiceIdentity,
		}, nil
	}
	var claims map[string]interface{}
	if err := decodeJSON(rawClaims, &claims); err != nil {
		return nil, fmt.Errorf("invalid --claims: %w", err)
	}
	return authz.PrincipalFromClaims(claims)
}

func decodeJSON(raw string, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	return dec.Decode(v)
}

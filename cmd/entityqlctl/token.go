package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func registerTokenCmd(rootCmd *cobra.Command) {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "mint a bearer token for local testing",
		Long: "Mint a JWT carrying a subject, project roles and an optional service identity. " +
			"Sign with a shared secret (HS256) or an RSA private key (RS256).",
		Args: cobra.NoArgs,
		RunE: runToken,
	}

	flags := tokenCmd.Flags()
	flags.Int64("subject", 0, "numeric user id placed in the sub claim")
	flags.Int64Slice("owner", nil, "project ids the subject owns")
	flags.Int64Slice("member", nil, "project ids the subject is a member of")
	flags.Int64Slice("viewer", nil, "project ids the subject may view")
	flags.String("service-identity", "", "service identity claim (grants the service role)")
	flags.String("issuer", "", "iss claim")
	flags.StringSlice("audience", nil, "aud claim")
	flags.Duration("expires", time.Hour, "token lifetime")
	flags.String("secret", "", "HS256 shared secret (at least 32 bytes)")
	flags.String("key", "", "path to an RSA private key (PEM) for RS256")
	flags.String("kid", "local-key", "key id header for RS256 tokens")
	_ = tokenCmd.MarkFlagRequired("subject")
	tokenCmd.MarkFlagsMutuallyExclusive("secret", "key")
	tokenCmd.MarkFlagsOneRequired("secret", "key")

	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	subject, _ := flags.GetInt64("subject")
	expires, _ := flags.GetDuration("expires")
	if expires <= 0 {
		return errors.New("--expires must be positive")
	}

	roles := make(map[string]interface{})
	for _, role := range []string{"owner", "member", "viewer"} {
		ids, _ := flags.GetInt64Slice(role)
		if len(ids) > 0 {
			roles[role] = ids
		}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":           strconv.FormatInt(subject, 10),
		"project_roles": roles,
		"iat":           now.Unix(),
		"nbf":           now.Add(-time.Minute).Unix(),
		"exp":           now.Add(expires).Unix(),
	}
	if identity, _ := flags.GetString("service-identity"); identity != "" {
		claims["service_identity"] = identity
	}
	if issuer, _ := flags.GetString("issuer"); issuer != "" {
		claims["iss"] = issuer
	}
	if audience, _ := flags.GetStringSlice("audience"); len(audience) > 0 {
		claims["aud"] = audience
	}

	var signed string
	var err error
	if secret, _ := flags.GetString("secret"); secret != "" {
		if len(secret) < 32 {
			return errors.New("--secret must be at least 32 bytes")
		}
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	} else {
		keyPath, _ := flags.GetString("key")
		kid, _ := flags.GetString("kid")
		var key *rsa.PrivateKey
		key, err = loadRSAKey(keyPath)
		if err != nil {
			return err
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = kid
		signed, err = token.SignedString(key)
	}
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

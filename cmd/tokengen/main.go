// Package main provides a CLI tool for generating test tokens for the certify
// API and the custody service. The default keys match the local-development
// defaults in config and will NOT work in production.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"certify/internal/credential/handler"
	"certify/internal/credential/signer"
	jwttoken "certify/internal/jwt_token"
	"certify/pkg/secrets"
)

const (
	// Dev signing keys - match config.go when JWT_SIGNING_KEY and
	// CUSTODY_SERVICE_SECRET are not set
	devSigningKey = "dev-secret-key-change-in-production"
	devCustodyKey = "dev-custody-secret-change-in-production"

	defaultIssuer          = "certify"
	defaultAudience        = "certify-api"
	defaultServiceIssuer   = "certify-server"
	defaultCustodyAudience = "certify-custody"
	defaultTokenTTL        = 15 * time.Minute
)

type tokenOutput struct {
	Token     string            `json:"token"`
	Type      string            `json:"type"`
	ExpiresIn string            `json:"expires_in,omitempty"`
	Claims    map[string]any    `json:"claims,omitempty"`
	Usage     map[string]string `json:"usage"`
}

func main() {
	officialCmd := flag.NewFlagSet("official", flag.ExitOnError)
	serviceCmd := flag.NewFlagSet("service", flag.ExitOnError)
	adminCmd := flag.NewFlagSet("admin", flag.ExitOnError)

	// Official token flags
	officialSubject := officialCmd.String("subject", "", "Subject. Generated if empty.")
	officialIssuer := officialCmd.String("issuer-id", "", "Issuer the official acts for. Empty acts for every issuer.")
	officialAuthority := officialCmd.String("authority", "", "Anchor authority. Defaults to the subject.")
	officialRoles := officialCmd.String("roles", handler.RoleOfficial, "Comma-separated roles. Empty for a holder token.")
	officialKey := officialCmd.String("key", devSigningKey, "Signing key (JWT_SIGNING_KEY)")
	officialTTL := officialCmd.Duration("ttl", defaultTokenTTL, "Token time-to-live")
	officialJSON := officialCmd.Bool("json", false, "Output as JSON")

	// Service token flags
	serviceName := serviceCmd.String("service", defaultServiceIssuer, "Calling service name")
	serviceScopes := serviceCmd.String("scopes", strings.Join([]string{signer.ScopeSign, signer.ScopeKeys, signer.ScopeVault}, ","), "Comma-separated custody scopes")
	serviceKey := serviceCmd.String("key", devCustodyKey, "Signing key (CUSTODY_SERVICE_SECRET)")
	serviceTTL := serviceCmd.Duration("ttl", defaultTokenTTL, "Token time-to-live")
	serviceJSON := serviceCmd.Bool("json", false, "Output as JSON")

	// Admin token flags
	adminToken := adminCmd.String("token", "", "Operator token to hash. Generated if empty.")
	adminJSON := adminCmd.Bool("json", false, "Output as JSON")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "official":
		officialCmd.Parse(os.Args[2:])
		generateOfficialToken(*officialSubject, *officialIssuer, *officialAuthority, *officialRoles, *officialKey, *officialTTL, *officialJSON)
	case "service":
		serviceCmd.Parse(os.Args[2:])
		generateServiceToken(*serviceName, *serviceScopes, *serviceKey, *serviceTTL, *serviceJSON)
	case "admin":
		adminCmd.Parse(os.Args[2:])
		generateAdminToken(*adminToken, *adminJSON)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tokengen - Generate test tokens for certify

WARNING: The default signing keys are local-development keys.
         Only use them for local development and testing.

Usage:
  tokengen <command> [flags]

Commands:
  official  Generate an official or holder token for the certify API
  service   Generate a service token for the custody API
  admin     Generate a custody operator token and its bcrypt hash

Examples:
  # Official of dept-health with anchor authority official-7
  tokengen official -subject officer-1 -issuer-id dept-health -authority official-7

  # Holder token (no roles)
  tokengen official -subject holder-1 -roles ""

  # Custody token limited to key lookups
  tokengen service -scopes custody:keys

  # Operator token; set CUSTODY_ADMIN_TOKEN_HASH to the printed hash
  tokengen admin

Use "tokengen <command> -h" for more information about a command.`)
}

func generateOfficialToken(subject, issuerID, authority, roles, key string, ttl time.Duration, jsonOutput bool) {
	if subject == "" {
		subject = uuid.NewString()
	}
	official := jwttoken.Official{
		Subject:   subject,
		IssuerID:  issuerID,
		Authority: authority,
		Roles:     parseList(roles),
	}

	svc := jwttoken.NewJWTService(key, defaultIssuer, defaultAudience, ttl)
	token, err := svc.GenerateOfficialToken(context.Background(), official)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token:     token,
			Type:      "official_token",
			ExpiresIn: ttl.String(),
			Claims: map[string]any{
				"sub":       official.Subject,
				"issuer_id": official.IssuerID,
				"authority": official.Authority,
				"roles":     official.Roles,
			},
			Usage: map[string]string{"header": "Authorization: Bearer <token>"},
		})
		return
	}
	fmt.Println("Official Token (JWT)")
	fmt.Println("====================")
	fmt.Printf("Expires In:  %s\n", ttl)
	fmt.Printf("Subject:     %s\n", official.Subject)
	if issuerID != "" {
		fmt.Printf("Issuer ID:   %s\n", issuerID)
	}
	if authority != "" {
		fmt.Printf("Authority:   %s\n", authority)
	}
	fmt.Printf("Roles:       %v\n", official.Roles)
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  curl -H \"Authorization: Bearer <token>\" http://localhost:8080/v1/...")
}

func generateServiceToken(service, scopes, key string, ttl time.Duration, jsonOutput bool) {
	scopeList := parseList(scopes)
	svc := jwttoken.NewJWTService(key, defaultServiceIssuer, defaultCustodyAudience, ttl)
	token, err := svc.GenerateServiceToken(context.Background(), service, scopeList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token:     token,
			Type:      "service_token",
			ExpiresIn: ttl.String(),
			Claims: map[string]any{
				"sub":   service,
				"scope": scopeList,
			},
			Usage: map[string]string{"header": "Authorization: Bearer <token>"},
		})
		return
	}
	fmt.Println("Custody Service Token (JWT)")
	fmt.Println("===========================")
	fmt.Printf("Expires In:  %s\n", ttl)
	fmt.Printf("Service:     %s\n", service)
	fmt.Printf("Scopes:      %v\n", scopeList)
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  curl -H \"Authorization: Bearer <token>\" http://localhost:8090/v1/keys/<kid>")
}

func generateAdminToken(token string, jsonOutput bool) {
	if token == "" {
		var err error
		if token, err = secrets.Generate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
			os.Exit(1)
		}
	}
	hash, err := secrets.Hash(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error hashing token: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token: token,
			Type:  "admin_token",
			Usage: map[string]string{
				"header": "X-Admin-Token: " + token,
				"env":    "CUSTODY_ADMIN_TOKEN_HASH=" + hash,
			},
		})
		return
	}
	fmt.Println("Custody Operator Token")
	fmt.Println("======================")
	fmt.Printf("Token: %s\n", token)
	fmt.Printf("Hash:  %s\n", hash)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  export CUSTODY_ADMIN_TOKEN_HASH='" + hash + "'")
	fmt.Println("  curl -H \"X-Admin-Token: " + token + "\" -H \"X-Admin-Actor-ID: operator-1\" http://localhost:8090/admin/...")
}

func parseList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, s := range parts {
		trimmed := strings.TrimSpace(s)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

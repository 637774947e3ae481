package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/audit"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/cloudstack"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/vault"
)

func newCredentialsCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Credential store operations",
		Example: "  cloudstack-gateway credentials encrypt --api-key AK --secret-key SK --api-url https://cloud/client/api\n" +
			"  cloudstack-gateway credentials validate\n" +
			"  cloudstack-gateway credentials rotate --user-id <uuid>",
	}
	cmd.AddCommand(
		newCredentialsEncryptCommand(deps),
		newCredentialsValidateCommand(deps),
		newCredentialsRotateCommand(deps),
	)
	return cmd
}

func newCredentialsEncryptCommand(deps commandDeps) *cobra.Command {
	var (
		apiKey    string
		secretKey string
		apiURL    string
		timeout   int
		retries   int
	)

	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Create or update the encrypted credential store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("credentials encrypt does not accept positional arguments")
			}
			if apiKey == "" || secretKey == "" || apiURL == "" {
				return usageErrorf("--api-key, --secret-key, and --api-url are required")
			}

			cfg, err := deps.loadConfig()
			if err != nil {
				return mapCommandError(err)
			}
			passphrase, err := deps.passphrase()
			if err != nil {
				return err
			}

			environment := cfg.Credentials.Environment
			if environment == "" {
				environment = "default"
			}

			store := vault.StoreConfig{
				Default:      environment,
				Environments: map[string]vault.EnvironmentConfig{},
			}
			// Merge into an existing store rather than clobbering other
			// environments.
			if _, statErr := os.Stat(cfg.Credentials.StorePath); statErr == nil {
				v, openErr := vault.Open(cfg.Credentials.StorePath, passphrase, vault.WithEnv(map[string]string{}))
				if openErr != nil {
					return mapCommandError(fmt.Errorf("open existing store: %w", openErr))
				}
				for _, name := range v.Environments() {
					creds, credErr := v.Credentials(name)
					if credErr != nil {
						v.Close()
						return mapCommandError(credErr)
					}
					store.Environments[name] = vault.EnvironmentConfig{
						APIKey:         creds.APIKey,
						SecretKey:      creds.SecretKey(),
						Endpoint:       creds.Endpoint,
						TimeoutSeconds: int(creds.Timeout.Seconds()),
						Retries:        creds.Retries,
					}
				}
				v.Close()
			} else if !errors.Is(statErr, os.ErrNotExist) {
				return mapCommandError(statErr)
			}

			store.Environments[environment] = vault.EnvironmentConfig{
				APIKey:         apiKey,
				SecretKey:      secretKey,
				Endpoint:       apiURL,
				TimeoutSeconds: timeout,
				Retries:        retries,
			}

			if err := vault.SaveStore(cfg.Credentials.StorePath, passphrase, store); err != nil {
				return mapCommandError(err)
			}

			if deps.globals.JSON {
				return printJSON(deps.out, map[string]any{
					"store":       cfg.Credentials.StorePath,
					"environment": environment,
				})
			}
			_, err = fmt.Fprintf(deps.out, "encrypted credential store written to %s (environment %q)\n",
				cfg.Credentials.StorePath, environment)
			return err
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "CloudStack API key")
	cmd.Flags().StringVar(&secretKey, "secret-key", "", "CloudStack secret key")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "CloudStack API endpoint")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Request timeout in seconds (0 = default)")
	cmd.Flags().IntVar(&retries, "retries", 0, "Network retry budget (0 = default)")
	return cmd
}

func newCredentialsValidateCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Probe the API with the stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("credentials validate does not accept positional arguments")
			}

			cfg, err := deps.loadConfig()
			if err != nil {
				return mapCommandError(err)
			}

			trail, cleanup, err := deps.newTrail(cfg)
			if err != nil {
				return mapCommandError(err)
			}
			defer cleanup()

			client := deps.newAPIClient(cfg)
			v, err := deps.openVault(cfg, vault.WithProber(client))
			if err != nil {
				return mapCommandError(err)
			}
			defer v.Close()

			environment := cfg.Credentials.Environment
			creds, err := v.Credentials(environment)
			if err != nil {
				return mapCommandError(err)
			}
			trail.Record(cmd.Context(), audit.Event{
				EventType: audit.EventCredentialLoaded,
				Action:    "credentials.validate",
				Details:   map[string]any{"environment": creds.Environment, "key_prefix": creds.KeyPrefix()},
			})

			if err := v.Validate(cmd.Context(), environment); err != nil {
				trail.Record(cmd.Context(), audit.Event{
					EventType: audit.EventCredentialValidated,
					Severity:  audit.SeverityWarning,
					Action:    "credentials.validate",
					Result:    audit.ResultFailure,
					Details:   map[string]any{"environment": creds.Environment},
				})
				return mapCommandError(err)
			}
			trail.Record(cmd.Context(), audit.Event{
				EventType: audit.EventCredentialValidated,
				Action:    "credentials.validate",
				Details:   map[string]any{"environment": creds.Environment, "key_prefix": creds.KeyPrefix()},
			})
			if deps.globals.JSON {
				return printJSON(deps.out, map[string]any{
					"environment": creds.Environment,
					"key_prefix":  creds.KeyPrefix(),
					"valid":       true,
				})
			}
			_, err = fmt.Fprintf(deps.out, "credentials for %q accepted (key %s...)\n",
				creds.Environment, creds.KeyPrefix())
			return err
		},
	}
}

func newCredentialsRotateCommand(deps commandDeps) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Issue a fresh key pair, verify it, and swap it in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("credentials rotate does not accept positional arguments")
			}
			if userID == "" {
				return usageErrorf("--user-id is required to call registerUserKeys")
			}

			cfg, err := deps.loadConfig()
			if err != nil {
				return mapCommandError(err)
			}

			client := deps.newAPIClient(cfg)
			var v *vault.Vault
			issuer := cloudstack.NewKeyIssuer(client, func(environment string) (vault.Credentials, error) {
				return v.Credentials(environment)
			}, userID)

			v, err = deps.openVault(cfg, vault.WithProber(client), vault.WithKeyIssuer(issuer))
			if err != nil {
				return mapCommandError(err)
			}
			defer v.Close()

			trail, cleanup, err := deps.newTrail(cfg)
			if err != nil {
				return mapCommandError(err)
			}
			defer cleanup()

			result, err := v.Rotate(cmd.Context(), cfg.Credentials.Environment)
			if err != nil {
				trail.Record(cmd.Context(), audit.Event{
					EventType: audit.EventCredentialRotated,
					Severity:  audit.SeverityWarning,
					Action:    "credentials.rotate",
					Result:    audit.ResultFailure,
				})
				return mapCommandError(err)
			}
			trail.Record(cmd.Context(), audit.Event{
				EventType: audit.EventCredentialRotated,
				Action:    "credentials.rotate",
				Details: map[string]any{
					"environment":    result.Environment,
					"old_key_prefix": result.OldKeyPrefix,
					"new_key_prefix": result.NewKeyPrefix,
				},
			})

			if deps.globals.JSON {
				return printJSON(deps.out, map[string]any{
					"environment":    result.Environment,
					"old_key_prefix": result.OldKeyPrefix,
					"new_key_prefix": result.NewKeyPrefix,
					"rotated_at":     result.RotatedAt,
				})
			}
			_, err = fmt.Fprintf(deps.out, "rotated %q: %s... -> %s...\n",
				result.Environment, result.OldKeyPrefix, result.NewKeyPrefix)
			return err
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "CloudStack user ID whose keys are regenerated")
	return cmd
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"llm_broker/internal/credentials"
	"llm_broker/internal/models"
	"llm_broker/internal/providers"
	"llm_broker/internal/storage"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage organization provider credentials",
}

var credentialSealCmd = &cobra.Command{
	Use:   "seal <organization-id> <provider>",
	Short: "Encrypt a provider secret read from stdin and make it the active credential",
	Long: "Reads the secret from stdin, encrypts it with ENCRYPTION_KEY and stores it as the\n" +
		"active credential of the organization. Bedrock secrets are a JSON document with\n" +
		"access_key_id, secret_access_key and optionally session_token and region.",
	Args: cobra.ExactArgs(2),
	RunE: runCredentialSeal,
}

func init() {
	credentialCmd.AddCommand(credentialSealCmd)
	rootCmd.AddCommand(credentialCmd)
}

func runCredentialSeal(cmd *cobra.Command, args []string) error {
	orgID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid organization id: %w", err)
	}
	provider := providers.Kind(strings.ToLower(args[1]))
	switch provider {
	case providers.KindOpenAI, providers.KindAnthropic, providers.KindVertexAI, providers.KindBedrock:
	default:
		return fmt.Errorf("unknown provider %q", args[1])
	}

	secret, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required to seal credentials")
	}
	enc, err := storage.NewEncryptionFromHex(cfg.Encryption.Key)
	if err != nil {
		return err
	}

	repo := db.NewCredentialRepository()
	sealed, err := credentials.NewResolver(repo, enc, nil).Seal(orgID, string(provider), secret)
	if err != nil {
		return err
	}

	cred := &models.ProviderCredential{OrganizationID: orgID, Provider: string(provider), EncryptedSecret: sealed}
	if err := repo.Store(cmd.Context(), cred); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored credential %s for organization %s (%s)\n", cred.ID, orgID, provider)
	return nil
}

func readSecret(r io.Reader) (string, error) {
	data, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}

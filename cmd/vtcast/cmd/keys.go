package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vtcast/internal/config"
	"github.com/jmylchreest/vtcast/internal/database"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/repository"
	"github.com/jmylchreest/vtcast/internal/streamkey"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage stream keys",
	Long: `Issue, check and revoke RTMP stream keys against the configured database.

Keys are stored hashed; the plaintext is printed once when issued.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate <user-id> <stream-id>",
	Short: "Issue a new stream key",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeysGenerate,
}

var keysValidateCmd = &cobra.Command{
	Use:   "validate <key>",
	Short: "Check whether a key may publish",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysValidate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key>",
	Short: "Revoke a stream key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

var keysAliasCmd = &cobra.Command{
	Use:   "alias <alias> <user-id> <stream-id>",
	Short: "Get or create the key managed under an alias",
	Long: `Print the key managed under an alias, issuing one if the alias is new
or its key has lapsed. Alias keys are derived from stream_keys.alias_secret,
which must be set for aliases to survive restarts.`,
	Args: cobra.ExactArgs(3),
	RunE: runKeysAlias,
}

var keysListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's stream keys",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysList,
}

var (
	keysExpiresIn  time.Duration
	keysAllowedIPs []string
	keysIP         string
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd, keysValidateCmd, keysRevokeCmd, keysAliasCmd, keysListCmd)

	keysGenerateCmd.Flags().DurationVar(&keysExpiresIn, "expires-in", 0, "key lifetime, e.g. 24h (default: retention TTL only)")
	keysGenerateCmd.Flags().StringSliceVar(&keysAllowedIPs, "allow-ip", nil, "address or CIDR allowed to publish (repeatable)")
	keysValidateCmd.Flags().StringVar(&keysIP, "ip", "", "address the publisher connects from")
}

// withKeyService opens the database and runs fn with a stream key service.
func withKeyService(ctx context.Context, fn func(*streamkey.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, svc, err := openKeyService(ctx, cfg, appLogger(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			appLogger().Warn("closing database", slog.String("error", cerr.Error()))
		}
	}()

	return fn(svc)
}

// openKeyService opens and migrates the database and builds the stream key
// service over it. metrics may be nil.
func openKeyService(ctx context.Context, cfg *config.Config, log *slog.Logger, metrics *observability.Metrics) (*database.DB, *streamkey.Service, error) {
	db, err := database.New(cfg.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	svc, err := streamkey.NewService(
		repository.NewStreamKeyRepository(db.DB),
		streamkey.Config{DefaultTTL: cfg.StreamKeys.DefaultTTL, AliasSecret: cfg.StreamKeys.AliasSecret},
		nil, log, metrics,
	)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("creating stream key service: %w", err)
	}
	return db, svc, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	return withKeyService(cmd.Context(), func(svc *streamkey.Service) error {
		issued, err := svc.GenerateKey(cmd.Context(), args[0], args[1], streamkey.GenerateOptions{
			ExpiresIn:  keysExpiresIn,
			AllowedIPs: keysAllowedIPs,
		})
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"key":    issued.Key,
			"record": issued.Record,
		})
	})
}

func runKeysValidate(cmd *cobra.Command, args []string) error {
	return withKeyService(cmd.Context(), func(svc *streamkey.Service) error {
		ok, err := svc.ValidateKey(cmd.Context(), args[0], keysIP)
		if err != nil {
			return fmt.Errorf("validating key: %w", err)
		}
		if !ok {
			return streamkey.ErrInvalidKey
		}
		fmt.Fprintln(cmd.OutOrStdout(), "valid")
		return nil
	})
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	return withKeyService(cmd.Context(), func(svc *streamkey.Service) error {
		if err := svc.RevokeKey(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("revoking key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "revoked")
		return nil
	})
}

func runKeysAlias(cmd *cobra.Command, args []string) error {
	return withKeyService(cmd.Context(), func(svc *streamkey.Service) error {
		key, err := svc.GetOrCreateAlias(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return fmt.Errorf("resolving alias: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	})
}

func runKeysList(cmd *cobra.Command, args []string) error {
	return withKeyService(cmd.Context(), func(svc *streamkey.Service) error {
		keys, err := svc.ListKeys(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("listing keys: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), keys)
	})
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentos-dev/agentos/pkg/api"
	"github.com/agentos-dev/agentos/pkg/auth"
	"github.com/agentos-dev/agentos/pkg/config"
	"github.com/agentos-dev/agentos/pkg/embedder"
	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/memory"
	"github.com/agentos-dev/agentos/pkg/quota"
	"github.com/agentos-dev/agentos/pkg/storage"
	memstore "github.com/agentos-dev/agentos/pkg/storage/memory"
	"github.com/agentos-dev/agentos/pkg/storage/postgres"
	"github.com/agentos-dev/agentos/pkg/types"
	"github.com/agentos-dev/agentos/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentos",
	Short: "AgentOS - filesystem-shaped memory service for AI agents",
	Long: `AgentOS is a multi-tenant memory service that stores versioned JSON
values under filesystem-like paths, with history, TTL, glob queries,
and semantic search over embedded entries.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AgentOS version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	createKeyCmd.Flags().String("tenant", "", "tenant id for the new key (default: random)")
	createKeyCmd.Flags().String("label", "", "human-readable key label")
	createKeyCmd.Flags().String("scopes", "memory:read,memory:write,search:read", "comma-separated scopes")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(createKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("AgentOS version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func setup() (*config.Config, storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.Production(),
	})

	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL == "memory://" {
		log.Warn("Using in-memory storage; data will not survive a restart")
		return memstore.NewMemoryStore(), nil
	}
	return postgres.NewPostgresStore(context.Background(), cfg.DatabaseURL)
}

func newQuota(cfg *config.Config, store storage.Store) *quota.Checker {
	return quota.NewChecker(store, quota.Limits{
		WritesPerDay:      cfg.WriteQuotaPerDay,
		EmbedTokensPerDay: cfg.EmbedTokensQuotaPerDay,
		SearchesPerDay:    cfg.SearchQuotaPerDay,
	})
}

func newEmbedder(cfg *config.Config) embedder.Embedder {
	if cfg.OpenAIAPIKey == "" {
		return nil
	}
	return embedder.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbedModel)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the AgentOS API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		if pg, ok := store.(*postgres.PostgresStore); ok {
			if err := pg.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}

		q := newQuota(cfg, store)
		engine := memory.NewEngine(store, newEmbedder(cfg), q)
		jobs := worker.New(store, newEmbedder(cfg), q, cfg.WorkerPollInterval)
		srv := api.NewServer(cfg, store, engine, jobs)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("Received %s, shutting down", sig))
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the embedding worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		emb := newEmbedder(cfg)
		if emb == nil {
			return fmt.Errorf("OPENAI_API_KEY is required to run the worker")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		w := worker.New(store, emb, newQuota(cfg, store), cfg.WorkerPollInterval)
		w.Run(ctx)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		pg, ok := store.(*postgres.PostgresStore)
		if !ok {
			return fmt.Errorf("migrate requires a PostgreSQL DATABASE_URL")
		}
		if err := pg.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Migrations applied")
		return nil
	},
}

var createKeyCmd = &cobra.Command{
	Use:   "create-key",
	Short: "Provision a new API key",
	Long: `Provision a new API key directly against the database. The secret is
printed once and never stored; only its hash is persisted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		tenantID, _ := cmd.Flags().GetString("tenant")
		label, _ := cmd.Flags().GetString("label")
		scopesFlag, _ := cmd.Flags().GetString("scopes")
		if tenantID == "" {
			tenantID = fmt.Sprintf("tenant-%d", time.Now().Unix())
		}

		var scopes []types.Scope
		for _, s := range strings.Split(scopesFlag, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				scopes = append(scopes, types.Scope(s))
			}
		}

		id, secret, err := auth.GenerateKeyPair()
		if err != nil {
			return err
		}
		hash, err := auth.HashSecret(secret)
		if err != nil {
			return err
		}
		if err := store.CreateAPIKey(cmd.Context(), &types.APIKey{
			ID:         id,
			TenantID:   tenantID,
			SecretHash: hash,
			Label:      label,
			Scopes:     scopes,
			CreatedAt:  time.Now(),
		}); err != nil {
			return err
		}

		fmt.Printf("Tenant:  %s\n", tenantID)
		fmt.Printf("Key ID:  %s\n", id)
		fmt.Printf("API key: %s.%s\n", id, secret)
		fmt.Println("Store the API key now; the secret cannot be recovered.")
		return nil
	},
}

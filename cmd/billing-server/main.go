package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hmis/billing/internal/config"
	"github.com/hmis/billing/internal/platform/auth"
	"github.com/hmis/billing/internal/platform/db"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "billing-server",
		Short:        "Hospital invoicing and payment reconciliation API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.UsesPostgres() {
		return fmt.Errorf("this command needs STORE=postgres")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if dir == "" {
					dir = cfg.MigrationsDir
				}
				if schema == "" {
					schema = db.SchemaFor(cfg.DefaultTenant)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default tenant_<DEFAULT_TENANT>)")
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if dir == "" {
					dir = cfg.MigrationsDir
				}
				if schema == "" {
					schema = db.SchemaFor(cfg.DefaultTenant)
				}
				statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default tenant_<DEFAULT_TENANT>)")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier %q", name)
			}
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaFor(name))
				if err := db.CreateTenantSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// tokenCmd mints a bearer token signed with AUTH_SIGNING_KEY for operators
// and integration clients.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("tenant")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			if tenant != "" && !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant identifier %q", tenant)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, subject, tenant, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject, usually the staff user id")
	cmd.Flags().String("tenant", "", "Tenant the token is bound to")
	cmd.Flags().StringSlice("roles", []string{auth.RoleCashier}, "Roles granted (admin, billing, cashier)")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

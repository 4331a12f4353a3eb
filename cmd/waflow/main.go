package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/internal/version"
	"github.com/hachiko-io/waflow/pipeline"
	"github.com/hachiko-io/waflow/server"
	"github.com/hachiko-io/waflow/server/auth"
	"github.com/hachiko-io/waflow/store"
	"github.com/hachiko-io/waflow/store/db"
)

var (
	rootCmd = &cobra.Command{
		Use:   "waflow",
		Short: `Multi-tenant WhatsApp agent backend. Merges bursts of messages, answers them with an LLM pipeline, and lets operators take over any chat.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// Only load .env for direct binary execution; a systemd unit
			// carries its environment in the service file.
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			return nil
		},
		Run: func(_ *cobra.Command, _ []string) {
			instanceProfile := &profile.Profile{
				Mode:    viper.GetString("mode"),
				Addr:    viper.GetString("addr"),
				Port:    viper.GetInt("port"),
				Data:    viper.GetString("data"),
				Driver:  viper.GetString("driver"),
				DSN:     viper.GetString("dsn"),
				Version: version.String(),
			}
			instanceProfile.FromEnv()
			if err := instanceProfile.Validate(); err != nil {
				panic(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			dbDriver, err := db.NewDBDriver(instanceProfile)
			if err != nil {
				cancel()
				printDatabaseError(err, instanceProfile)
				slog.Error("failed to create db driver", "error", err)
				return
			}

			storeInstance := store.New(dbDriver, instanceProfile)
			if err := storeInstance.Migrate(ctx); err != nil {
				cancel()
				slog.Error("failed to migrate", "error", err)
				return
			}

			sealer, err := crypto.NewSealer(instanceProfile.EncryptionKey)
			if err != nil {
				cancel()
				slog.Error("failed to derive the credential sealing key", "error", err)
				return
			}

			exporter := metrics.New(metrics.DefaultConfig())
			pipe := pipeline.New(storeInstance, instanceProfile, exporter, sealer)

			s, err := server.NewServer(ctx, instanceProfile, storeInstance, pipe, exporter, sealer)
			if err != nil {
				cancel()
				slog.Error("failed to create server", "error", err)
				return
			}

			c := make(chan os.Signal, 1)
			// Trigger graceful shutdown on SIGINT or SIGTERM.
			// The default signal sent by the `kill` command is SIGTERM,
			// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
			signal.Notify(c, terminationSignals...)

			go func() {
				if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("pipeline halted", "error", err)
					s.Shutdown(ctx)
					cancel()
				}
			}()

			go func() {
				<-c
				s.Shutdown(ctx)
				cancel()
			}()

			printGreetings(instanceProfile)

			// Start blocks until Shutdown closes the listener.
			if err := s.Start(ctx); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					slog.Error("failed to start server", "error", err)
					cancel()
				}
			}

			<-ctx.Done()
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the management API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := cmd.Flags().GetInt32("user-id")
			if err != nil {
				return err
			}
			if userID <= 0 {
				return errors.New("--user-id must be a positive tenant id")
			}
			ttl, err := cmd.Flags().GetDuration("ttl")
			if err != nil {
				return err
			}

			instanceProfile := &profile.Profile{Mode: viper.GetString("mode")}
			instanceProfile.FromEnv()
			secret, err := instanceProfile.JWTSigningSecret()
			if err != nil {
				return err
			}

			token, err := auth.GenerateToken(secret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "token for user %d, valid for %s\n", userID, ttl)
			fmt.Println(token)
			return nil
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("waflow")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	tokenCmd.Flags().Int32("user-id", 0, "tenant user id the token authenticates as")
	tokenCmd.Flags().Duration("ttl", 720*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("WaFlow %s started successfully!\n", p.Version)

	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if p.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
		}
	}

	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)

	if len(p.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", p.Port)
		fmt.Printf("Management API: http://localhost:%d/api/v1\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
		fmt.Printf("Management API: http://%s:%d/api/v1\n", p.Addr, p.Port)
	}

	if p.PublicURL != "" {
		fmt.Printf("Webhook ingress: %s/api/webhooks/waha/<accountId>\n", strings.TrimRight(p.PublicURL, "/"))
	} else {
		fmt.Fprintln(os.Stderr, "WAFLOW_PUBLIC_URL is not set; new sessions will register unreachable webhook URLs")
	}

	fmt.Println()
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printDatabaseError maps common connection failures to actionable hints.
func printDatabaseError(err error, p *profile.Profile) {
	fmt.Fprintln(os.Stderr, "\nDatabase connection failed")

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		fmt.Fprintln(os.Stderr, "PostgreSQL is not reachable.")
		if p.Driver == "postgres" {
			fmt.Fprintln(os.Stderr, "  start it:  sudo systemctl start postgresql")
			fmt.Fprintln(os.Stderr, "  or develop against sqlite:  waflow --driver=sqlite --data=./data")
		}

	case strings.Contains(errMsg, "SSL is not enabled") || strings.Contains(errMsg, "sslmode"):
		fmt.Fprintln(os.Stderr, "SSL configuration mismatch, append ?sslmode=disable to WAFLOW_DSN.")

	case strings.Contains(errMsg, "password authentication failed"):
		fmt.Fprintln(os.Stderr, "Authentication failed, check the credentials in WAFLOW_DSN.")

	case strings.Contains(errMsg, "does not exist"):
		fmt.Fprintln(os.Stderr, "Database does not exist, create it first:")
		fmt.Fprintln(os.Stderr, `  psql -U postgres -c "CREATE DATABASE waflow;"`)

	default:
		fmt.Fprintln(os.Stderr, "Error:", errMsg)
	}

	if _, statErr := os.Stat(".env"); statErr != nil {
		fmt.Fprintln(os.Stderr, "Tip: create a .env file for local configuration (see .env.example)")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}

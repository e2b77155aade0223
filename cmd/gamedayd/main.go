// gamedayd runs the bot's scheduling core against PostgreSQL. The embedding
// bot wires real collaborators (bet settlement, pick'em posting, backups,
// Discord gateway); this daemon exists for operating the schedule table and
// for running the core standalone with logging placeholders.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gamedaybot/core/jobs"
	"github.com/gamedaybot/core/scheduler"
	"github.com/gamedaybot/core/store/postgres"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gamedayd",
		Short:         "scheduling core daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "config file (default searches ./gamedayd.yaml)")
	root.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")

	cobra.OnInitialize(func() {
		initConfig(root)
	})

	root.AddCommand(runCmd(), migrateCmd())
	return root
}

func initConfig(root *cobra.Command) {
	if cfgFile, _ := root.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gamedayd")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("GAMEDAY")
	viper.AutomaticEnv()

	viper.SetDefault("scheduler.poll_interval", time.Second)
	viper.SetDefault("scheduler.max_retries", 3)

	_ = viper.BindPFlag("database.url", root.PersistentFlags().Lookup("database-url"))

	// a missing config file is fine, env and flags cover everything
	_ = viper.ReadInConfig()
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the polling loop with the registered job set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			slog := &zapLogger{s: log.Sugar()}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			opts := []scheduler.Option{
				scheduler.WithLogger(slog),
				scheduler.WithPollInterval(viper.GetDuration("scheduler.poll_interval")),
				scheduler.WithMaxRetries(viper.GetInt("scheduler.max_retries")),
			}
			if id := viper.GetString("scheduler.worker_id"); id != "" {
				opts = append(opts, scheduler.WithWorkerID(id))
			}
			sched := scheduler.New(postgres.New(db), opts...)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = jobs.RegisterAll(ctx, sched, placeholderCollaborators(slog))
			if err != nil {
				return fmt.Errorf("registering jobs: %w", err)
			}

			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("starting scheduler: %w", err)
			}
			slog.Info("gamedayd running")
			<-ctx.Done()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply the schedule table schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if _, err := db.ExecContext(cmd.Context(), postgres.New(db).Schema()); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
			return nil
		},
	}
}

func openDB() (*sql.DB, error) {
	url := viper.GetString("database.url")
	if url == "" {
		return nil, fmt.Errorf("database URL not configured (set GAMEDAY_DATABASE_URL or --database-url)")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// placeholderCollaborators log instead of acting; the real bot injects its
// own when it embeds the core.
func placeholderCollaborators(log scheduler.Logger) jobs.Collaborators {
	note := func(what string) func(context.Context) error {
		return func(context.Context) error {
			log.Info("%s: no collaborator wired, skipping", what)
			return nil
		}
	}
	return jobs.Collaborators{
		SettleBets:     note("bet settlement"),
		PostPickem:     note("pick'em posting"),
		BackupDatabase: note("database backup"),
		Gateway:        loggingGateway{log: log},
		Logger:         log,
	}
}

type loggingGateway struct {
	log scheduler.Logger
}

func (g loggingGateway) SendMessage(_ context.Context, channelID string, msg jobs.Message) error {
	g.log.Info("message for channel %s: %+v", channelID, msg)
	return nil
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// zapLogger bridges zap to the scheduler's Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Error(format string, args ...any) {
	l.s.Errorf(format, args...)
}

func (l *zapLogger) Warn(format string, args ...any) {
	l.s.Warnf(format, args...)
}

func (l *zapLogger) Info(format string, args ...any) {
	l.s.Infof(format, args...)
}

// Command manage runs one-off administrative tasks against the configured
// database and conversation directory.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/markdave123-py/docchat/internal/app"
	"github.com/markdave123-py/docchat/internal/config"
	db "github.com/markdave123-py/docchat/internal/core/database"
	"github.com/markdave123-py/docchat/internal/core/mail"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/services"
)

const usage = `Usage: manage <command> [flags]

Commands:
  init-db                 create the schema, seed roles and permissions, create the admin user
  migrate-conversations   stamp or delete conversations saved before accounts existed
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "init-db":
		return runInitDB(ctx, args[1:], stdout)
	case "migrate-conversations":
		return runMigrateConversations(ctx, args[1:], stdin, stdout)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func loadConfig(envFile string) (*config.Config, *logger.Logger, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.LoadConfig(files...)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runInitDB(ctx context.Context, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("init-db", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "settings file to load before the environment")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadConfig(*envFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.AdminPassword == "" {
		return errors.New("ADMIN_PASSWORD must be set to create the admin user")
	}

	// NewDatabaseClient bootstraps the schema on connect.
	dbc, err := db.NewDatabaseClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer dbc.Close()

	seed, err := db.LoadSeed()
	if err != nil {
		return err
	}
	if err := dbc.ApplySeed(ctx, seed); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	fmt.Fprintf(stdout, "Seeded %d roles and %d permissions\n", len(seed.Roles), len(seed.Permissions))

	tokens := services.NewTokenService(dbc, cfg.JWTSecret, cfg.TokenTTL, cfg.ResetTokenTTL)
	auth := services.NewAuthService(dbc, tokens, mail.NewLogMailer(log), log, cfg.DefaultRole, cfg.ResetURLBase)

	_, _, err = auth.CreateUser(ctx, services.RegisterInput{
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
		FullName: "Administrator",
	}, "admin")
	switch {
	case errors.Is(err, services.ErrEmailTaken):
		fmt.Fprintf(stdout, "Admin user already exists: %s\n", cfg.AdminEmail)
	case err != nil:
		return fmt.Errorf("create admin: %w", err)
	default:
		fmt.Fprintf(stdout, "Admin user created: %s\n", cfg.AdminEmail)
	}
	return nil
}

func runMigrateConversations(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	flags := pflag.NewFlagSet("migrate-conversations", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "settings file to load before the environment")
	assignUser := flags.String("assign-user", "", "stamp this user id on every conversation without an owner")
	deleteAll := flags.Bool("delete-all", false, "delete every stored conversation")
	yes := flags.Bool("yes", false, "skip the confirmation prompt for --delete-all")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if (*assignUser == "") == !*deleteAll {
		return errors.New("exactly one of --assign-user or --delete-all is required")
	}

	cfg, log, err := loadConfig(*envFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	objects, err := app.NewObjectClient(ctx, cfg, log)
	if err != nil {
		return err
	}
	convs, err := services.NewConversationService(cfg.ConversationDir, objects, log)
	if err != nil {
		return err
	}

	if *assignUser != "" {
		n, err := convs.AssignOwner(ctx, strings.TrimSpace(*assignUser))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Assigned %d conversations to %s\n", n, *assignUser)
		return nil
	}

	if !*yes && !confirm(stdin, stdout, "Delete all conversations? (yes/no): ") {
		fmt.Fprintln(stdout, "Migration cancelled.")
		return nil
	}
	n, err := convs.PurgeAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted %d conversations\n", n)
	return nil
}

func confirm(stdin io.Reader, stdout io.Writer, prompt string) bool {
	fmt.Fprint(stdout, prompt)
	line, _ := bufio.NewReader(stdin).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}

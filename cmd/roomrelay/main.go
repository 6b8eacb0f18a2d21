package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/exp/slog"

	"roomrelay/internal/app"
	"roomrelay/internal/config"
	"roomrelay/internal/database"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "roomrelay:", err)
		os.Exit(1)
	}
}

// roomSeeds collects repeated -seed-room id=name flags.
type roomSeeds []types.Room

func (s *roomSeeds) String() string {
	ids := make([]string, 0, len(*s))
	for _, room := range *s {
		ids = append(ids, room.ID)
	}
	return strings.Join(ids, ",")
}

func (s *roomSeeds) Set(value string) error {
	id, name, _ := strings.Cut(value, "=")
	id = strings.TrimSpace(id)
	if !types.IsValidRoomID(id) {
		return fmt.Errorf("invalid room id %q", id)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	*s = append(*s, types.Room{ID: id, Name: name, IsActive: true})
	return nil
}

// run loads configuration, serves until ctx is cancelled, then shuts down
// within the configured timeout.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("roomrelay", flag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("ROOMRELAY_CONFIG_FILE"), "path to a JSON config file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	showVersion := flags.Bool("version", false, "print the version and exit")
	var seeds roomSeeds
	flags.Var(&seeds, "seed-room", "create or reactivate a room at startup, as id=name (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintln(stdout, "roomrelay", app.Version)
		return nil
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := app.NewLogger(cfg.Logging, stdout)
	slog.SetDefault(logger)

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := seedRooms(ctx, application.Database(), seeds, logger); err != nil {
		_ = application.Stop(context.Background())
		return err
	}

	serveErr, err := application.Start(ctx)
	if err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	var runErr error
	select {
	case err, ok := <-serveErr:
		if ok && err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown error: %w", err))
	}
	return runErr
}

func seedRooms(ctx context.Context, db *database.Manager, seeds roomSeeds, logger *slog.Logger) error {
	for i := range seeds {
		room := seeds[i]
		existing, err := db.GetRoom(ctx, room.ID)
		switch {
		case err == nil:
			if !existing.IsActive {
				if err := db.SetRoomActive(ctx, room.ID, true); err != nil {
					return fmt.Errorf("failed to reactivate room %s: %w", room.ID, err)
				}
			}
		case errors.Is(err, interfaces.ErrRoomNotFound):
			if err := db.CreateRoom(ctx, &room); err != nil {
				return fmt.Errorf("failed to seed room %s: %w", room.ID, err)
			}
		default:
			return fmt.Errorf("failed to look up room %s: %w", room.ID, err)
		}
		logger.Info("room seeded", "room_id", room.ID, "name", room.Name)
	}
	return nil
}

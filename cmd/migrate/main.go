package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"zakat.org/internal/config"
	"zakat.org/internal/migrate"
	"zakat.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	env := os.Getenv("ZAKAT_ENV")
	if env == "" {
		env = config.EnvDevelopment
	}
	var (
		dsn         = flag.String("dsn", os.Getenv("ZAKAT_PG_DSN"), "PostgreSQL DSN")
		environment = flag.String("env", env, "target environment; seed and down are refused in production")
		force       = flag.Bool("force", false, "allow seed and down in production")
		timeout     = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ZAKAT_PG_DSN")
	}
	if flag.NArg() != 1 {
		log.Fatal("usage: migrate [-env production -force] up|down|seed|status")
	}
	command := flag.Arg(0)
	if err := migrate.Allow(command, *environment, *force); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn, config.Default().DB)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	if err := run(ctx, store, command); err != nil {
		log.Fatalf("migrate %s: %v", command, err)
	}
}

func run(ctx context.Context, store *pg.Store, command string) error {
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	mgr, err := migrate.NewManager(store.DB())
	if err != nil {
		return err
	}
	switch command {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	default:
		applied, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range applied {
			fmt.Println(item)
		}
		fmt.Printf("%d migrations applied\n", len(applied))
		return nil
	}
}

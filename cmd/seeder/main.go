package main

import (
	"context"
	"flag"
	"time"

	"agentrouter/internal/adapters/config"
	pgclient "agentrouter/internal/adapters/postgres"
	sqliteclient "agentrouter/internal/adapters/sqlite"
	"agentrouter/internal/domain/model_profile"
	pgrepo "agentrouter/internal/repository/postgres"
	sqliterepo "agentrouter/internal/repository/sqlite"
	"agentrouter/pkg/logger"
)

// seeder writes the roster's model catalog into the profile store so the
// router starts from known prices and latencies on a fresh database
func main() {
	rosterPath := flag.String("roster", "", "Roster file (default: ROSTER_PATH)")
	store := flag.String("store", "", "Profile store: sqlite or postgres (default: PROFILE_STORE)")
	force := flag.Bool("force", false, "Overwrite profiles that already have observations")
	dryRun := flag.Bool("dry-run", false, "Validate the roster without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()

	if *rosterPath == "" {
		*rosterPath = cfg.App.RosterPath
	}
	if *store == "" {
		*store = cfg.Storage.ProfileStore
	}

	log.Infow("Starting seeder",
		"roster", *rosterPath,
		"store", *store,
		"force", *force,
		"dry_run", *dryRun,
	)

	roster, err := config.LoadRoster(*rosterPath)
	if err != nil {
		log.Fatalf("Failed to load roster: %v", err)
	}
	log.Infow("Roster validated", "models", len(roster.Catalog), "roles", len(roster.Roles))

	if *dryRun {
		log.Info("✅ Dry-run mode: roster validated")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	profiles, closeStore := openStore(ctx, cfg, *store, log)
	defer closeStore()

	existing := make(map[model_profile.Key]*model_profile.Profile)
	current, err := profiles.ListModelProfiles(ctx)
	if err != nil {
		log.Fatalf("Failed to list profiles: %v", err)
	}
	for _, p := range current {
		existing[p.Key] = p
	}

	written, skipped := 0, 0
	for i := range roster.Catalog {
		p := roster.Catalog[i]
		if prev, ok := existing[p.Key]; ok && prev.Samples > 0 && !*force {
			skipped++
			continue
		}
		if p.LastUpdated.IsZero() {
			p.LastUpdated = time.Now().UTC()
		}
		if err := profiles.UpsertModelProfile(ctx, p.Key, &p); err != nil {
			log.Errorw("Failed to seed profile", "key", p.Key.String(), "error", err)
			return
		}
		written++
	}

	log.Infow("✅ Catalog seeded", "written", written, "skipped_observed", skipped)
}

func openStore(ctx context.Context, cfg *config.Config, store string, log *logger.Logger) (model_profile.Store, func()) {
	switch store {
	case "sqlite":
		client, err := sqliteclient.Open(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite: %v", err)
		}
		repo, err := sqliterepo.NewAuditStore(ctx, client.DB())
		if err != nil {
			log.Fatalf("Failed to init sqlite schema: %v", err)
		}
		return repo, func() { _ = client.Close() }
	case "postgres":
		client, err := pgclient.NewClient(ctx, cfg.Postgres)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		repo := pgrepo.NewAuditStore(client.DB())
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to init postgres schema: %v", err)
		}
		return repo, func() { _ = client.Close() }
	default:
		log.Fatalf("Unsupported profile store %q (want sqlite or postgres)", store)
		return nil, func() {}
	}
}

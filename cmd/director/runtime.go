package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/choiros/director/pkg/artifacts"
	"github.com/choiros/director/pkg/capability"
	"github.com/choiros/director/pkg/config"
	"github.com/choiros/director/pkg/database"
	"github.com/choiros/director/pkg/eventlog"
	"github.com/choiros/director/pkg/mood"
	"github.com/choiros/director/pkg/oracle"
	"github.com/choiros/director/pkg/orchestrator"
	"github.com/choiros/director/pkg/projection"
	"github.com/choiros/director/pkg/sandbox"
	"github.com/choiros/director/pkg/verifier"
	"github.com/choiros/director/pkg/workspace"
)

// runtime holds the storage subsystems every subcommand needs: the database,
// the event log, the projection, and the artifact store.
type runtime struct {
	cfg     *config.Config
	db      *sql.DB
	dialect database.Dialect
	log     eventlog.Log
	store   *projection.Store
	arts    artifacts.Store
	closers []func()
}

// openRuntime wires storage from configuration. Postgres when DATABASE_URL
// is set, otherwise lite mode under DataDir; JetStream event log when
// NATS_URL is set, otherwise the SQL log in the same database.
func openRuntime(ctx context.Context, cfg *config.Config, storeOpts ...projection.Option) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	db, dialect, err := database.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	rt.db, rt.dialect = db, dialect
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	if cfg.NATSURL != "" {
		js, err := eventlog.NewJetStreamLog(cfg.NATSURL)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = js.Close() })
		rt.log = js
	} else {
		sqlLog, err := eventlog.NewSQLLog(ctx, db, dialect)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.log = sqlLog
	}

	store, err := projection.New(ctx, db, dialect, storeOpts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.store = store

	arts, err := artifacts.NewStoreFromURL(ctx, cfg.ArtifactURL, cfg.DataDir)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.arts = arts

	return rt, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// loadProfiles reads the mood profile YAML, falling back to the built-in
// set when the file does not exist. An invalid file is a config error.
func loadProfiles(cfg *config.Config) (*mood.ProfileSet, error) {
	if _, err := os.Stat(cfg.MoodProfiles); os.IsNotExist(err) {
		return mood.DefaultProfiles(), nil
	}
	return mood.LoadProfiles(cfg.MoodProfiles)
}

// buildDirector assembles a director on top of the runtime. The restarted
// flag marks a process start without clean handoff; the first episode after
// it opens in CONTRITE.
func buildDirector(rt *runtime, restarted bool) (*orchestrator.Director, sandbox.Provider, *verifier.Registry, error) {
	cfg := rt.cfg
	if cfg.LeaseSecret == "" {
		return nil, nil, nil, fmt.Errorf("DIRECTOR_LEASE_SECRET is required")
	}

	registry, err := verifier.LoadRegistry(cfg.VerifierAllowlist)
	if err != nil {
		return nil, nil, nil, err
	}
	profiles, err := loadProfiles(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	sandboxRoot := cfg.SandboxRoot
	if sandboxRoot == "" {
		sandboxRoot = filepath.Join(cfg.DataDir, "sandboxes")
	}
	sandboxes, err := sandbox.NewLocal(sandboxRoot, rt.arts)
	if err != nil {
		return nil, nil, nil, err
	}

	var leases capability.Registry
	if cfg.RedisAddr != "" {
		leases = capability.NewRedisRegistry(cfg.RedisAddr, "", 0)
	}

	director, err := orchestrator.New(orchestrator.Deps{
		Log:       rt.log,
		Store:     rt.store,
		Sandboxes: sandboxes,
		Verifiers: registry,
		Artifacts: rt.arts,
		Profiles:  profiles,
		Associate: orchestrator.NewOracleAssociate(oracle.NewScripted()),
		Leases:    leases,
		Workspace: workspace.NewGit(cfg.WorkspaceRoot),
	}, orchestrator.Config{
		UserID:              cfg.UserID,
		LeaseSecret:         cfg.LeaseSecret,
		ConfidenceThreshold: cfg.InconclusiveConfidenceThreshold,
		Restarted:           restarted,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return director, sandboxes, registry, nil
}

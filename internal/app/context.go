package app

import (
	"context"
	"errors"
	"fmt"

	"rosterline/internal/config"
	"rosterline/internal/engine"
	"rosterline/internal/repo"
)

// ResolveOrgAndConfig picks the active org and ensures the org plus its
// stored config exist in the DB, seeding defaults if missing. It prefers
// overrides, then single-org DB. If the org does not exist, it is created
// on the fly with the caller as owner.
func ResolveOrgAndConfig(ctx context.Context, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		if o, err := r.SingleOrg(ctx); err == nil {
			orgID = o.ID
		} else {
			return "", nil, fmt.Errorf("org not specified; use --org or set ROSTERLINE_DEFAULT_ORG (rl org use <id>)")
		}
	}
	if actorID == "" {
		actorID = "local-user"
	}

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		boot := engine.New(r.DB, config.Default(orgID))
		if err := boot.Bootstrap(ctx); err != nil {
			return "", nil, fmt.Errorf("bootstrap roles: %w", err)
		}
		if _, err := boot.CreateOrg(ctx, engine.OrgCreateOptions{ID: orgID, ActorID: actorID}); err != nil {
			return "", nil, fmt.Errorf("create org: %w", err)
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cfg = config.Default(orgID)
			if err := r.UpsertOrgConfig(ctx, orgID, cfg); err != nil {
				return "", nil, fmt.Errorf("seed org config: %w", err)
			}
		} else {
			return "", nil, err
		}
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

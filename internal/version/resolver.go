// internal/version/resolver.go

// Package version decides which release of a game a room will launch.
package version

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/models"
)

// Catalog is the read side of the developer server.
type Catalog interface {
	GetGame(ctx context.Context, name string) (models.Game, error)
}

// Verdict is the outcome of a compatibility check.
type Verdict int

const (
	Compatible Verdict = iota
	NeedsUpgrade
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case Compatible:
		return "compatible"
	case NeedsUpgrade:
		return "needs_upgrade"
	case Mismatch:
		return "mismatch"
	}
	return "unknown"
}

// Decision pairs a verdict with the version the room should launch.
type Decision struct {
	Verdict Verdict
	Version string
}

// Resolver looks up the latest version of a game and checks rooms against it.
type Resolver struct {
	catalog     Catalog
	cache       Cache
	ttl         time.Duration
	autoUpgrade bool
	logger      *logrus.Logger
}

// Options configure a Resolver. A nil Cache gets an in-memory one.
type Options struct {
	Cache       Cache
	TTL         time.Duration
	AutoUpgrade bool
	Logger      *logrus.Logger
}

func NewResolver(catalog Catalog, opts Options) *Resolver {
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Resolver{
		catalog:     catalog,
		cache:       opts.Cache,
		ttl:         opts.TTL,
		autoUpgrade: opts.AutoUpgrade,
		logger:      opts.Logger,
	}
}

// Resolve returns the catalog entry for name, served from cache when fresh.
// Catalog failures come back as retryable upstream errors; an unknown game
// is GameNotFound.
func (r *Resolver) Resolve(ctx context.Context, name string) (models.Game, error) {
	if g, ok := r.cache.Get(ctx, name); ok {
		return g, nil
	}
	return r.Latest(ctx, name)
}

// Latest asks the catalog directly, skipping the cache, and refreshes the
// cached entry with the answer.
func (r *Resolver) Latest(ctx context.Context, name string) (models.Game, error) {
	g, err := r.catalog.GetGame(ctx, name)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeGameNotFound) || apperr.HasCode(err, apperr.CodeUpstream) {
			return models.Game{}, err
		}
		return models.Game{}, apperr.Upstream(err, "developer server unavailable")
	}
	if g.LatestVersion == "" {
		return models.Game{}, apperr.Newf(apperr.KindValidation, apperr.CodeGameNotFound, "game %s has no published version", name)
	}

	r.cache.Set(ctx, g, r.ttl)
	return g, nil
}

// Invalidate drops the cached entry for name.
func (r *Resolver) Invalidate(ctx context.Context, name string) {
	r.cache.Delete(ctx, name)
}

// CheckCompatibility compares the version a room requires against the
// latest catalog version.
func (r *Resolver) CheckCompatibility(required, latest string) Decision {
	switch c := Compare(required, latest); {
	case c == 0:
		return Decision{Verdict: Compatible, Version: required}
	case c < 0 && r.autoUpgrade:
		return Decision{Verdict: NeedsUpgrade, Version: latest}
	default:
		// behind without auto-upgrade, or the catalog rolled back
		return Decision{Verdict: Mismatch, Version: required}
	}
}

// Check fetches the latest version of gameName and runs CheckCompatibility
// against required. It always goes to the catalog so a release published
// after the room was created is seen on the next start. A Mismatch verdict
// is returned as a VersionMismatch error.
func (r *Resolver) Check(ctx context.Context, gameName, required string) (Decision, error) {
	g, err := r.Latest(ctx, gameName)
	if err != nil {
		return Decision{}, err
	}
	d := r.CheckCompatibility(required, g.LatestVersion)
	if d.Verdict == Mismatch {
		r.logger.WithFields(logrus.Fields{
			"game":     gameName,
			"required": required,
			"latest":   g.LatestVersion,
		}).Info("room version does not match catalog")
		return d, apperr.VersionMismatch(required, g.LatestVersion)
	}
	return d, nil
}

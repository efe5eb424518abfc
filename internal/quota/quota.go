// Package quota computes a user's remaining print allowance from semester
// enrollment and historical page usage.
package quota

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/dispatch/internal/config"
	"github.com/orrn/dispatch/internal/identity"
)

// Store is the slice of the persistence layer the counter needs.
type Store interface {
	SumPrintedCost(ctx context.Context, username string) (int, error)
}

// Snapshot is recomputed per call and never cached.
type Snapshot struct {
	Quota int `json:"quota"`
}

type Counter struct {
	store  Store
	cfg    config.QuotaConfig
	groups map[string]bool
	now    func() time.Time
}

func NewCounter(store Store, cfg config.QuotaConfig) *Counter {
	groups := make(map[string]bool, len(cfg.EligibleGroups))
	for _, g := range cfg.EligibleGroups {
		groups[g] = true
	}
	return &Counter{
		store:  store,
		cfg:    cfg,
		groups: groups,
		now:    time.Now,
	}
}

// JobCost is the page cost charged for one job: every page counts once and
// each color page costs two extra.
func JobCost(pages, colorPages int) int {
	return pages + 2*colorPages
}

// QuotaData computes the user's remaining allowance. Each distinct enrolled
// semester grants a tiered number of pages, except summer terms and terms
// before the cutoff year. The result may be negative; callers must treat
// anything non-positive as insufficient.
func (c *Counter) QuotaData(ctx context.Context, profile *identity.Profile) (Snapshot, error) {
	if profile.Role == "" {
		return Snapshot{}, nil
	}

	allowance := 0
	seen := make(map[Semester]bool)
	for _, raw := range profile.Semesters {
		sem, err := ParseSemester(raw)
		if err != nil {
			log.WithFields(log.Fields{"user": profile.Username, "semester": raw}).
				Warn("skipping unparseable semester")
			continue
		}
		if seen[sem] {
			continue
		}
		seen[sem] = true

		if sem.Term == TermSummer || sem.Year < c.cfg.CutoffYear {
			continue
		}
		if sem.Year < c.cfg.TierBoundaryYear {
			allowance += c.cfg.PagesPerSemesterOld
		} else {
			allowance += c.cfg.PagesPerSemester
		}
	}

	spent, err := c.store.SumPrintedCost(ctx, profile.Username)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{Quota: allowance - spent}, nil
}

// HasCurrentSemesterEligible reports whether the user should be granted the
// running semester: they must belong to an eligible group and the current
// term must appear in their registered semesters. This gates future grants
// and is independent of the remaining quota.
func (c *Counter) HasCurrentSemesterEligible(profile *identity.Profile, registered []string) bool {
	eligible := false
	for _, g := range profile.Groups {
		if c.groups[g] {
			eligible = true
			break
		}
	}
	if !eligible {
		return false
	}

	current := CurrentSemester(c.now())
	for _, raw := range registered {
		if sem, err := ParseSemester(raw); err == nil && sem == current {
			return true
		}
	}
	return false
}

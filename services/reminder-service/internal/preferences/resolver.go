package preferences

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
)

var ErrNoEnabledChannel = errors.New("no enabled channel")

type Store interface {
	ListPreferences(ctx context.Context, patientID string) ([]model.Preference, error)
	LatestOptIns(ctx context.Context, patientID string) (map[model.Channel]model.OptInEvent, error)
}

// ChannelPlan is one enabled channel with the lead time to use for it.
type ChannelPlan struct {
	Channel  model.Channel
	Priority int
	LeadTime time.Duration
}

type Resolver struct {
	store       Store
	defaultLead time.Duration
}

func NewResolver(store Store, defaultLead time.Duration) *Resolver {
	return &Resolver{store: store, defaultLead: defaultLead}
}

// Resolve returns the patient's usable channels, lowest priority value first.
// A channel whose most recent opt-in event is an opt-out is excluded even if enabled.
func (r *Resolver) Resolve(ctx context.Context, patientID string) ([]ChannelPlan, error) {
	prefs, err := r.store.ListPreferences(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("preferences for %s: %w", patientID, err)
	}
	optIns, err := r.store.LatestOptIns(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("opt-ins for %s: %w", patientID, err)
	}

	var out []ChannelPlan
	for _, p := range prefs {
		if !p.Enabled || !p.Channel.Valid() {
			continue
		}
		if ev, ok := optIns[p.Channel]; ok && !ev.OptedIn {
			continue
		}
		lead := p.LeadTime
		if lead <= 0 {
			lead = r.defaultLead
		}
		out = append(out, ChannelPlan{Channel: p.Channel, Priority: p.Priority, LeadTime: lead})
	}
	if len(out) == 0 {
		return nil, ErrNoEnabledChannel
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

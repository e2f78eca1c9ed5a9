package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

// BalancerState reports whether the balancer is enabled and whether a round
// is in progress. Routers without the balancerStatus command are read from
// config.settings and config.locks instead.
func (r *Reader) BalancerState(ctx context.Context) (cluster.BalancerState, error) {
	var reply struct {
		Mode            string `bson:"mode"`
		InBalancerRound bool   `bson:"inBalancerRound"`
	}
	err := r.admin().RunCommand(ctx, bson.D{{Key: "balancerStatus", Value: 1}}).Decode(&reply)
	if err == nil {
		return stateFromStatus(reply.Mode, reply.InBalancerRound), nil
	}
	if !isCommandNotFound(err) {
		return cluster.BalancerState{}, fmt.Errorf("balancerStatus: %w", err)
	}
	return r.legacyBalancerState(ctx)
}

func (r *Reader) legacyBalancerState(ctx context.Context) (cluster.BalancerState, error) {
	var settings *settingsDoc
	var doc settingsDoc
	err := r.config().Collection("settings").FindOne(ctx, bson.D{{Key: "_id", Value: "balancer"}}).Decode(&doc)
	switch {
	case err == nil:
		settings = &doc
	case !errors.Is(err, mongo.ErrNoDocuments):
		return cluster.BalancerState{}, fmt.Errorf("failed to read balancer settings: %w", err)
	}

	var lock *lockDoc
	var ldoc lockDoc
	err = r.config().Collection("locks").FindOne(ctx, bson.D{{Key: "_id", Value: "balancer"}}).Decode(&ldoc)
	switch {
	case err == nil:
		lock = &ldoc
	case !errors.Is(err, mongo.ErrNoDocuments):
		return cluster.BalancerState{}, fmt.Errorf("failed to read balancer lock: %w", err)
	}

	return stateFromSettings(settings, lock), nil
}

type settingsDoc struct {
	Stopped bool   `bson:"stopped"`
	Mode    string `bson:"mode"`
}

type lockDoc struct {
	State int32 `bson:"state"`
}

func stateFromStatus(mode string, inRound bool) cluster.BalancerState {
	mode = strings.ToLower(mode)
	return cluster.BalancerState{
		Enabled: mode != "off",
		Running: inRound,
		Mode:    mode,
	}
}

// stateFromSettings mirrors the legacy rules: a missing settings document
// means the balancer is on, and a held lock (state > 0) means a round is
// in progress.
func stateFromSettings(settings *settingsDoc, lock *lockDoc) cluster.BalancerState {
	state := cluster.BalancerState{Enabled: true, Mode: "full"}
	if settings != nil {
		if settings.Stopped || strings.EqualFold(settings.Mode, "off") {
			state.Enabled = false
			state.Mode = "off"
		}
	}
	if lock != nil && lock.State > 0 {
		state.Running = true
	}
	return state
}

// resolveMode picks the comparison mode. "auto" selects exact bounds on
// servers that accept min/max on find (3.2 and later).
func resolveMode(setting string, version []int32) (cluster.ComparisonMode, error) {
	switch strings.ToLower(setting) {
	case "exact":
		return cluster.ModeExact, nil
	case "approximate":
		return cluster.ModeApproximate, nil
	case "", "auto":
	default:
		return cluster.ModeExact, fmt.Errorf("unknown comparison mode %q (supported: auto, exact, approximate)", setting)
	}

	if len(version) < 2 {
		return cluster.ModeApproximate, nil
	}
	major, minor := version[0], version[1]
	if major > 3 || (major == 3 && minor >= 2) {
		return cluster.ModeExact, nil
	}
	return cluster.ModeApproximate, nil
}

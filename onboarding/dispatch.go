package onboarding

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fleetlink/corewire/store"
)

// RouteDecision is what Route determines for one inbound connection query,
// grounded on original_source/bin/core/src/connection/server.rs's handler:
// dispatch to the standard existing-peer login if the query resolves to a
// known record, to onboarding if it's a new name, and reject outright if
// an unknown name also happens to look like a generated resource id (the
// collision guard spec §4.8 requires).
type RouteDecision int

const (
	// RouteExisting means query resolved to a known peer record; run the
	// standard noiselogin.Responder flow against it.
	RouteExisting RouteDecision = iota
	// RouteOnboard means query is an unrecognized name eligible for
	// onboarding.
	RouteOnboard
	// RouteReject means query is unknown and looks like a resource id, so
	// it cannot be onboarded under that name (spec §4.8 precondition).
	RouteReject
)

// Route decides how an inbound connection query should be handled.
func Route(ctx context.Context, peers store.PeerStore, query string) (RouteDecision, *store.PeerRecord, error) {
	rec, err := peers.GetByID(ctx, query)
	if err == nil {
		return RouteExisting, rec, nil
	}
	rec, err = peers.GetByName(ctx, query)
	if err == nil {
		return RouteExisting, rec, nil
	}
	if LooksLikeResourceID(query) {
		return RouteReject, nil, errors.Errorf("onboarding: %q is not a known peer and looks like a resource id, refusing to onboard", query)
	}
	return RouteOnboard, nil, nil
}

package topology

import (
	"context"
	"errors"
	"time"

	"iriscache/cacheerr"
	"iriscache/distributor"
	"iriscache/membership"
)

type outcomeKind uint8

const (
	outcomeDone outcomeKind = iota
	outcomeRetry
	outcomeFail
)

// RouteOutcome is what the route loop does after one attempt.
type RouteOutcome struct {
	kind  outcomeKind
	delay time.Duration
	err   error
}

func Done() RouteOutcome                    { return RouteOutcome{kind: outcomeDone} }
func Retry(d time.Duration) RouteOutcome    { return RouteOutcome{kind: outcomeRetry, delay: d} }
func Fail(err error) RouteOutcome           { return RouteOutcome{kind: outcomeFail, err: err} }
func (o RouteOutcome) IsRetry() bool        { return o.kind == outcomeRetry }
func (o RouteOutcome) Err() error           { return o.err }
func (o RouteOutcome) Delay() time.Duration { return o.delay }

const (
	suspectBackoff  = 50 * time.Millisecond
	transferBackoff = 20 * time.Millisecond
	maxBulkRetries  = 3
)

// routeState tracks one logical operation across attempts.
type routeState struct {
	// maxSuspects bounds retries after suspected members; zero is unbounded.
	maxSuspects    int
	suspects       int
	suspected      bool
	timeoutRetried bool
}

func bulkRouteState(servers int) routeState {
	return routeState{maxSuspects: min(max(servers, 1), maxBulkRetries)}
}

// classify decides how a routed call that returned err continues.
func classify(ctx context.Context, dist *distributor.Manager, key string, err error, st *routeState) RouteOutcome {
	switch {
	case err == nil:
		return Done()
	case ctx.Err() != nil:
		return Fail(ctx.Err())
	case errors.Is(err, cacheerr.ErrSuspected):
		st.suspected = true
		st.suspects++
		if st.maxSuspects > 0 && st.suspects > st.maxSuspects {
			return Fail(err)
		}
		return Retry(suspectBackoff)
	case errors.Is(err, cacheerr.ErrTimeout):
		if st.suspected && !st.timeoutRetried {
			st.timeoutRetried = true
			return Retry(0)
		}
		return Fail(cacheerr.GeneralFailure(err))
	case errors.Is(err, cacheerr.ErrStateTransfer):
		if dist != nil {
			if werr := dist.Wait(ctx, key); werr != nil {
				return Fail(werr)
			}
		}
		return Retry(transferBackoff)
	case errors.Is(err, cacheerr.ErrNotCoordinator):
		return Retry(suspectBackoff)
	default:
		return Fail(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// route runs call against target until it succeeds or fails for good.
// target is resolved again before every attempt.
func route[T any](ctx context.Context, dist *distributor.Manager, key string, st routeState,
	target func() membership.Address, call func(membership.Address) (T, error)) (T, error) {
	var zero T
	for {
		var (
			res T
			err error
		)
		if dest := target(); dest.IsZero() {
			err = cacheerr.ErrStateTransfer
		} else {
			res, err = call(dest)
		}
		out := classify(ctx, dist, key, err, &st)
		switch out.kind {
		case outcomeDone:
			return res, nil
		case outcomeFail:
			return zero, out.err
		}
		if err := sleepCtx(ctx, out.delay); err != nil {
			return zero, err
		}
	}
}

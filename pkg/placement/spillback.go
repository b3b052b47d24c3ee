package placement

import (
	"context"
	"errors"
	"fmt"

	"github.com/spearworks/spearctl/pkg/apitypes"
)

// InvokeFunc dispatches one invocation attempt to a candidate node.
// Implementations classify failures by returning an error wrapping
// apitypes.ErrUnavailable (transient — advance to the next candidate) or
// apitypes.ErrInvalidArg (permanent — stop immediately).
type InvokeFunc func(ctx context.Context, nodeUUID string) error

// ErrNoCandidates is returned when a spillback attempt runs out of
// candidates without a success.
var ErrNoCandidates = errors.New("placement: no candidates remain")

// Spillback tries candidates in order, advancing past transient
// (unavailable-class) failures and recording feedback into the engine's
// cooldowns, per spec §4.5 and the literal scenarios in §8. It stops
// immediately on a permanent (invalid-argument-class) failure. At least
// one candidate attempt is made when candidates is non-empty.
func (e *Engine) Spillback(ctx context.Context, candidates []Candidate, invoke InvokeFunc) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}
	for _, c := range candidates {
		err := invoke(ctx, c.NodeUUID)
		if err == nil {
			e.RecordFeedback(c.NodeUUID, FeedbackSuccess)
			return c.NodeUUID, nil
		}
		if errors.Is(err, apitypes.ErrInvalidArg) {
			e.RecordFeedback(c.NodeUUID, FeedbackPermanent)
			return "", fmt.Errorf("placement: invocation to %s rejected: %w", c.NodeUUID, err)
		}
		// Treat anything else (including explicit ErrUnavailable) as
		// transient: advance to the next candidate.
		e.RecordFeedback(c.NodeUUID, FeedbackTransient)
	}
	return "", ErrNoCandidates
}

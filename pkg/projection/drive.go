package projection

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/eventbus"
	"github.com/spearworks/spearctl/pkg/log"
	"github.com/spearworks/spearctl/pkg/metrics"
)

// replayPageSize bounds each ReplaySince call during catch-up.
const replayPageSize = 500

// Driver subscribes the Index to an event stream and applies envelopes
// in order, checkpointing after each one, per spec §4.4's drive loop.
type Driver struct {
	idx    *Index
	bus    *eventbus.Bus
	name   string
	stream string
	logger zerolog.Logger
}

// NewDriver builds a Driver for the given checkpoint name, consuming the
// given stream (typically "all").
func NewDriver(idx *Index, bus *eventbus.Bus, name, stream string) *Driver {
	return &Driver{
		idx:    idx,
		bus:    bus,
		name:   name,
		stream: stream,
		logger: log.WithComponent("projection." + name),
	}
}

// Run replays from the persisted checkpoint, then live-subscribes until
// ctx is cancelled. It is meant to run as a single goroutine per
// projection (no intra-stream parallelism, per §5).
func (d *Driver) Run(ctx context.Context) error {
	checkpoint, err := d.idx.LoadCheckpoint(ctx, d.name)
	if err != nil {
		return err
	}

	for {
		envs, err := d.bus.ReplaySince(ctx, d.stream, checkpoint, replayPageSize)
		if err != nil && err != eventbus.ErrReplayGap {
			return err
		}
		if err == eventbus.ErrReplayGap {
			d.logger.Warn().Uint64("checkpoint", checkpoint).Msg("replay gap: retention pruned part of the requested range")
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			d.apply(ctx, env)
			checkpoint = env.Seq
			if err := d.idx.StoreCheckpoint(ctx, d.name, checkpoint); err != nil {
				return err
			}
		}
		if len(envs) < replayPageSize {
			break
		}
	}
	if err := d.idx.StoreCheckpoint(ctx, d.name, checkpoint); err != nil {
		return err
	}
	metrics.ProjectionCheckpoint.WithLabelValues(d.name).Set(float64(checkpoint))

	live, unsub := d.bus.Subscribe(d.stream)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-live:
			if !ok {
				return nil
			}
			if env.Seq <= checkpoint {
				continue // already applied during replay catch-up
			}
			d.apply(ctx, env)
			checkpoint = env.Seq
			if err := d.idx.StoreCheckpoint(ctx, d.name, checkpoint); err != nil {
				d.logger.Error().Err(err).Msg("failed to persist projection checkpoint")
				continue
			}
			metrics.ProjectionCheckpoint.WithLabelValues(d.name).Set(float64(checkpoint))
		}
	}
}

// apply decodes and applies one envelope. Undecodable payloads are
// logged and skipped; the checkpoint still advances past them (§4.4).
func (d *Driver) apply(ctx context.Context, env apitypes.EventEnvelope) {
	nowMs := time.Now().UnixMilli()
	var err error
	switch env.ResourceType {
	case apitypes.ResourceInstance:
		var inst apitypes.Instance
		if decErr := eventbus.DecodePayload(env.Payload, &inst); decErr != nil {
			d.recordApplyError(env)
			return
		}
		err = d.idx.ApplyInstanceEvent(ctx, env.Op, inst, nowMs)
	case apitypes.ResourceExecution:
		var exe apitypes.Execution
		if decErr := eventbus.DecodePayload(env.Payload, &exe); decErr != nil {
			d.recordApplyError(env)
			return
		}
		err = d.idx.ApplyExecutionEvent(ctx, env.Op, exe, nowMs)
	default:
		return
	}
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", env.EventID).Uint64("seq", env.Seq).Msg("projection apply failed, checkpoint still advances")
	}
}

func (d *Driver) recordApplyError(env apitypes.EventEnvelope) {
	metrics.ProjectionApplyErrors.WithLabelValues(d.name).Inc()
	d.logger.Warn().Str("event_id", env.EventID).Uint64("seq", env.Seq).Msg("undecodable payload, skipping")
}

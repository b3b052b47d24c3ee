// Package eventbus is the unified, multi-stream event log: durable
// per-stream sequencing, bounded retention, and live fan-out. Directly
// grounded on original_source/src/sms/unified_events.rs's UnifiedEventBus,
// with the broadcast-channel idiom taken from the teacher's
// pkg/events.Broker (subscriber map + buffered channel + drop-on-full
// select/default), generalized here to one broadcaster per stream name
// instead of one bus-wide broker.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/keyspace"
	"github.com/spearworks/spearctl/pkg/kv"
	"github.com/spearworks/spearctl/pkg/log"
	"github.com/spearworks/spearctl/pkg/metrics"
)

// DefaultMaxEventsPerStream is the default retention window per spec §4.3.
const DefaultMaxEventsPerStream = 10_000

// DefaultSubscriberBuffer is the default bounded channel size for live
// subscribers, per §5's "broadcast channels ... bounded (default 1024)".
const DefaultSubscriberBuffer = 1024

// ErrReplayGap is returned by ReplaySince when retention has pruned the
// requested prefix of a stream; it is distinct from a plain end-of-stream
// empty result.
var ErrReplayGap = errors.New("eventbus: replay gap: retention has pruned part of the requested range")

// Bus is the process-wide event log. One Bus instance is the global
// broadcaster-registry singleton required by §9.
type Bus struct {
	kv kv.Store

	mu          sync.Mutex // guards counters and streamLocks maps
	counters    map[string]uint64
	streamLocks map[string]*sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]map[chan apitypes.EventEnvelope]struct{}

	maxEventsPerStream uint64
	subscriberBuffer   int
}

// New constructs a Bus over the given store. maxEventsPerStream and
// subscriberBuffer fall back to their package defaults when zero.
func New(store kv.Store, maxEventsPerStream uint64, subscriberBuffer int) *Bus {
	if maxEventsPerStream == 0 {
		maxEventsPerStream = DefaultMaxEventsPerStream
	}
	if subscriberBuffer == 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Bus{
		kv:                 store,
		counters:           make(map[string]uint64),
		streamLocks:        make(map[string]*sync.Mutex),
		subs:               make(map[string]map[chan apitypes.EventEnvelope]struct{}),
		maxEventsPerStream: maxEventsPerStream,
		subscriberBuffer:   subscriberBuffer,
	}
}

func (b *Bus) streamLock(stream string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.streamLocks[stream]
	if !ok {
		l = &sync.Mutex{}
		b.streamLocks[stream] = l
	}
	return l
}

// Stream name helpers, per §4.3.

func NodeStream(nodeUUID string) string { return "node." + nodeUUID }

func AllStream() string { return "all" }

func TypeStream(rt apitypes.ResourceType) string { return "type." + string(rt) }

func ResourceStream(rt apitypes.ResourceType, id string) string {
	return "resource." + string(rt) + "." + id
}

// Append assigns a fresh per-stream seq to a copy of env for each target
// stream, persists it, prunes retention, and fans out to live
// subscribers. The first assigned seq is returned (matching
// original_source's append_to_streams contract). Partial fan-out across
// streams is permitted on failure: the error reports the stream that
// failed; streams processed before it keep their writes.
func (b *Bus) Append(ctx context.Context, env apitypes.EventEnvelope, streams []string) (uint64, error) {
	timer := time.Now()
	var firstSeq uint64
	for i, stream := range streams {
		e := env
		e.Stream = stream
		seq, err := b.appendOne(ctx, e)
		if err != nil {
			return firstSeq, fmt.Errorf("eventbus: append to stream %s: %w", stream, err)
		}
		if i == 0 {
			firstSeq = seq
		}
		metrics.EventsAppendedTotal.WithLabelValues(streamClass(stream)).Inc()
	}
	metrics.EventPublishDuration.Observe(time.Since(timer).Seconds())
	return firstSeq, nil
}

func (b *Bus) appendOne(ctx context.Context, env apitypes.EventEnvelope) (uint64, error) {
	lock := b.streamLock(env.Stream)
	lock.Lock()
	defer lock.Unlock()

	seq, err := b.loadCounterLocked(ctx, env.Stream)
	if err != nil {
		return 0, err
	}
	seq++
	env.Seq = seq

	val, err := keyspace.Marshal(env)
	if err != nil {
		return 0, err
	}
	if err := b.kv.Put(ctx, keyspace.EventKey(env.Stream, seq), val); err != nil {
		return 0, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if err := b.kv.Put(ctx, keyspace.EventsCounterKey(env.Stream), []byte(keyspace.FormatCheckpoint(seq))); err != nil {
		return 0, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	b.mu.Lock()
	b.counters[env.Stream] = seq
	b.mu.Unlock()

	if seq > b.maxEventsPerStream {
		oldSeq := seq - b.maxEventsPerStream
		if _, err := b.kv.Delete(ctx, keyspace.EventKey(env.Stream, oldSeq)); err == nil {
			metrics.EventsPrunedTotal.WithLabelValues(streamClass(env.Stream)).Inc()
		}
	}

	b.broadcast(env)
	return seq, nil
}

func (b *Bus) loadCounterLocked(ctx context.Context, stream string) (uint64, error) {
	b.mu.Lock()
	v, ok := b.counters[stream]
	b.mu.Unlock()
	if ok {
		return v, nil
	}
	raw, found, err := b.kv.Get(ctx, keyspace.EventsCounterKey(stream))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if found {
		v = keyspace.ParseCheckpoint(string(raw))
	}
	b.mu.Lock()
	b.counters[stream] = v
	b.mu.Unlock()
	return v, nil
}

// Subscribe returns a live, lossy channel of envelopes appended to stream
// from this point on, plus an unsubscribe func. Unsubscribing removes the
// channel from the stream's subscriber set and closes it.
func (b *Bus) Subscribe(stream string) (<-chan apitypes.EventEnvelope, func()) {
	ch := make(chan apitypes.EventEnvelope, b.subscriberBuffer)

	b.subsMu.Lock()
	set, ok := b.subs[stream]
	if !ok {
		set = make(map[chan apitypes.EventEnvelope]struct{})
		b.subs[stream] = set
	}
	set[ch] = struct{}{}
	b.subsMu.Unlock()

	unsub := func() {
		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		if set, ok := b.subs[stream]; ok {
			delete(set, ch)
		}
		close(ch)
	}
	return ch, unsub
}

func (b *Bus) broadcast(env apitypes.EventEnvelope) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for ch := range b.subs[env.Stream] {
		select {
		case ch <- env:
		default:
			log.WithComponent("eventbus").Warn().Str("stream", env.Stream).Msg("subscriber buffer full, dropping live event")
		}
	}
}

// ReplaySince returns, in ascending seq order, up to limit envelopes in
// stream with seq > afterSeq. limit <= 0 means unbounded.
func (b *Bus) ReplaySince(ctx context.Context, stream string, afterSeq uint64, limit int) ([]apitypes.EventEnvelope, error) {
	pairs, err := b.kv.ScanPrefix(ctx, keyspace.EventStreamPrefix(stream))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}

	var envs []apitypes.EventEnvelope
	for _, p := range pairs {
		var e apitypes.EventEnvelope
		if err := keyspace.Unmarshal(p.Value, &e); err != nil {
			continue
		}
		if e.Seq > afterSeq {
			envs = append(envs, e)
		}
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Seq < envs[j].Seq })

	if limit > 0 && len(envs) > limit {
		envs = envs[:limit]
	}

	if afterSeq > 0 && len(pairs) > 0 {
		oldest := oldestSeq(pairs)
		if oldest > afterSeq {
			return envs, ErrReplayGap
		}
	}
	return envs, nil
}

func oldestSeq(pairs []kv.KVPair) uint64 {
	var min uint64
	first := true
	for _, p := range pairs {
		var e apitypes.EventEnvelope
		if err := keyspace.Unmarshal(p.Value, &e); err != nil {
			continue
		}
		if first || e.Seq < min {
			min = e.Seq
			first = false
		}
	}
	return min
}

func streamClass(stream string) string {
	switch {
	case stream == "all":
		return "all"
	case len(stream) >= 5 && stream[:5] == "type.":
		return "type"
	case len(stream) >= 9 && stream[:9] == "resource.":
		return "resource"
	case len(stream) >= 5 && stream[:5] == "node.":
		return "node"
	default:
		return "other"
	}
}

// NewEventID generates a fresh, random event id.
func NewEventID() string { return uuid.NewString() }

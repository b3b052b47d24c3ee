package registry

import (
	"context"
	"fmt"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/keyspace"
)

// RegisterNode creates or replaces a node record.
func (r *Registry) RegisterNode(ctx context.Context, n apitypes.Node) (apitypes.Node, error) {
	if n.UUID == "" {
		return apitypes.Node{}, fmt.Errorf("%w: uuid is required", apitypes.ErrInvalidArg)
	}
	if err := keyspace.Sanitize(n.UUID); err != nil {
		return apitypes.Node{}, fmt.Errorf("%w: %v", apitypes.ErrInvalidArg, err)
	}
	if n.Status == "" {
		n.Status = apitypes.NodeOnline
	}
	if n.RegisteredAtS == 0 {
		n.RegisteredAtS = nowS()
	}
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	err := r.withLock(func() error { return r.putNode(ctx, n) })
	if err != nil {
		return apitypes.Node{}, err
	}
	if _, err := r.bus.PublishNodeEvent(ctx, n, apitypes.OpCreate); err != nil {
		r.logger.Warn().Err(err).Str("node_uuid", n.UUID).Msg("failed to publish node create event")
	}
	return n, nil
}

// UpdateNode overwrites mutable fields of an existing node.
func (r *Registry) UpdateNode(ctx context.Context, n apitypes.Node) (apitypes.Node, error) {
	existing, ok, err := r.GetNode(ctx, n.UUID)
	if err != nil {
		return apitypes.Node{}, err
	}
	if !ok {
		return apitypes.Node{}, fmt.Errorf("%w: node %s", apitypes.ErrNotFound, n.UUID)
	}
	merged := existing
	if n.IP != "" {
		merged.IP = n.IP
	}
	if n.Port != 0 {
		merged.Port = n.Port
	}
	if n.Status != "" {
		merged.Status = n.Status
	}
	if n.Metadata != nil {
		merged.Metadata = n.Metadata
	}
	if err := r.withLock(func() error { return r.putNode(ctx, merged) }); err != nil {
		return apitypes.Node{}, err
	}
	if _, err := r.bus.PublishNodeEvent(ctx, merged, apitypes.OpUpdate); err != nil {
		r.logger.Warn().Err(err).Str("node_uuid", merged.UUID).Msg("failed to publish node update event")
	}
	return merged, nil
}

// Heartbeat records the latest liveness ping for a node.
func (r *Registry) Heartbeat(ctx context.Context, uuid string, ts int64, healthInfo map[string]string) (apitypes.Node, error) {
	existing, ok, err := r.GetNode(ctx, uuid)
	if err != nil {
		return apitypes.Node{}, err
	}
	if !ok {
		return apitypes.Node{}, fmt.Errorf("%w: node %s", apitypes.ErrNotFound, uuid)
	}
	existing.LastHeartbeatS = ts
	existing.Status = apitypes.NodeOnline
	for k, v := range healthInfo {
		if existing.Metadata == nil {
			existing.Metadata = map[string]string{}
		}
		existing.Metadata[k] = v
	}
	if err := r.withLock(func() error { return r.putNode(ctx, existing) }); err != nil {
		return apitypes.Node{}, err
	}
	return existing, nil
}

// DeleteNode removes a node record and emits a delete event.
func (r *Registry) DeleteNode(ctx context.Context, uuid string) error {
	err := r.withLock(func() error {
		_, err := r.kv.Delete(ctx, keyspace.NodeKey(uuid))
		if err != nil {
			return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := r.bus.PublishNodeDeleted(ctx, uuid); err != nil {
		r.logger.Warn().Err(err).Str("node_uuid", uuid).Msg("failed to publish node delete event")
	}
	return nil
}

// GetNode returns a node, applying liveness derivation from the
// heartbeat timeout (now - last_heartbeat_s <= timeout => online).
func (r *Registry) GetNode(ctx context.Context, uuid string) (apitypes.Node, bool, error) {
	raw, ok, err := r.kv.Get(ctx, keyspace.NodeKey(uuid))
	if err != nil {
		return apitypes.Node{}, false, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return apitypes.Node{}, false, nil
	}
	var n apitypes.Node
	if err := keyspace.Unmarshal(raw, &n); err != nil {
		return apitypes.Node{}, false, err
	}
	return r.withLiveness(n), true, nil
}

// withLiveness derives Status=online/offline from heartbeat freshness,
// unless the node is explicitly in maintenance.
func (r *Registry) withLiveness(n apitypes.Node) apitypes.Node {
	if n.Status == apitypes.NodeMaintenance {
		return n
	}
	if nowS()-n.LastHeartbeatS <= r.heartbeatTimeoutS {
		n.Status = apitypes.NodeOnline
	} else {
		n.Status = apitypes.NodeOffline
	}
	return n
}

// ListNodes returns all nodes, optionally filtered by status.
func (r *Registry) ListNodes(ctx context.Context, statusFilter apitypes.NodeStatus) ([]apitypes.Node, error) {
	pairs, err := r.kv.ScanPrefix(ctx, keyspace.PrefixNode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	out := make([]apitypes.Node, 0, len(pairs))
	for _, p := range pairs {
		var n apitypes.Node
		if err := keyspace.Unmarshal(p.Value, &n); err != nil {
			continue
		}
		n = r.withLiveness(n)
		if statusFilter != "" && n.Status != statusFilter {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *Registry) putNode(ctx context.Context, n apitypes.Node) error {
	val, err := keyspace.Marshal(n)
	if err != nil {
		return err
	}
	if err := r.kv.Put(ctx, keyspace.NodeKey(n.UUID), val); err != nil {
		return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return nil
}

// UpdateNodeResource refreshes a node's resource snapshot.
func (r *Registry) UpdateNodeResource(ctx context.Context, res apitypes.NodeResource) error {
	if res.UUID == "" {
		return fmt.Errorf("%w: uuid is required", apitypes.ErrInvalidArg)
	}
	if res.UpdatedAtMs == 0 {
		res.UpdatedAtMs = nowMs()
	}
	return r.withLock(func() error {
		val, err := keyspace.Marshal(res)
		if err != nil {
			return err
		}
		if err := r.kv.Put(ctx, keyspace.ResourceKey(res.UUID), val); err != nil {
			return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
		}
		return nil
	})
}

// GetNodeResource returns a node's most recent resource snapshot.
func (r *Registry) GetNodeResource(ctx context.Context, uuid string) (apitypes.NodeResource, bool, error) {
	raw, ok, err := r.kv.Get(ctx, keyspace.ResourceKey(uuid))
	if err != nil {
		return apitypes.NodeResource{}, false, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return apitypes.NodeResource{}, false, nil
	}
	var res apitypes.NodeResource
	if err := keyspace.Unmarshal(raw, &res); err != nil {
		return apitypes.NodeResource{}, false, err
	}
	return res, true, nil
}

// ListNodeResources returns resource snapshots for the given node uuids,
// skipping any that have none.
func (r *Registry) ListNodeResources(ctx context.Context, uuids []string) ([]apitypes.NodeResource, error) {
	out := make([]apitypes.NodeResource, 0, len(uuids))
	for _, u := range uuids {
		res, ok, err := r.GetNodeResource(ctx, u)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, res)
		}
	}
	return out, nil
}

// NodeWithResource bundles a node and its latest resource snapshot.
type NodeWithResource struct {
	Node     apitypes.Node
	Resource apitypes.NodeResource
	HasRes   bool
}

// GetNodeWithResource returns a node plus its resource snapshot, if any.
func (r *Registry) GetNodeWithResource(ctx context.Context, uuid string) (NodeWithResource, bool, error) {
	n, ok, err := r.GetNode(ctx, uuid)
	if err != nil || !ok {
		return NodeWithResource{}, ok, err
	}
	res, hasRes, err := r.GetNodeResource(ctx, uuid)
	if err != nil {
		return NodeWithResource{}, false, err
	}
	return NodeWithResource{Node: n, Resource: res, HasRes: hasRes}, true, nil
}

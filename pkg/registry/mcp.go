package registry

import (
	"context"
	"fmt"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/keyspace"
)

// CreateMcpServer registers a new MCP tool server record.
func (r *Registry) CreateMcpServer(ctx context.Context, rec apitypes.McpServerRecord) (apitypes.McpServerRecord, error) {
	if rec.ServerID == "" {
		return apitypes.McpServerRecord{}, fmt.Errorf("%w: server_id is required", apitypes.ErrInvalidArg)
	}
	if _, ok, err := r.GetMcpServer(ctx, rec.ServerID); err != nil {
		return apitypes.McpServerRecord{}, err
	} else if ok {
		return apitypes.McpServerRecord{}, fmt.Errorf("%w: mcp server %s", apitypes.ErrAlreadyExists, rec.ServerID)
	}
	rec.UpdatedAtMs = nowMs()
	if err := r.withLock(func() error { return r.putMcpServer(ctx, rec) }); err != nil {
		return apitypes.McpServerRecord{}, err
	}
	return rec, nil
}

// UpdateMcpServer replaces an existing MCP server record.
func (r *Registry) UpdateMcpServer(ctx context.Context, rec apitypes.McpServerRecord) (apitypes.McpServerRecord, error) {
	if _, ok, err := r.GetMcpServer(ctx, rec.ServerID); err != nil {
		return apitypes.McpServerRecord{}, err
	} else if !ok {
		return apitypes.McpServerRecord{}, fmt.Errorf("%w: mcp server %s", apitypes.ErrNotFound, rec.ServerID)
	}
	rec.UpdatedAtMs = nowMs()
	if err := r.withLock(func() error { return r.putMcpServer(ctx, rec) }); err != nil {
		return apitypes.McpServerRecord{}, err
	}
	return rec, nil
}

// DeleteMcpServer removes an MCP server record.
func (r *Registry) DeleteMcpServer(ctx context.Context, serverID string) error {
	return r.withLock(func() error {
		if _, err := r.kv.Delete(ctx, keyspace.McpServerKey(serverID)); err != nil {
			return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
		}
		return nil
	})
}

// GetMcpServer returns an MCP server record.
func (r *Registry) GetMcpServer(ctx context.Context, serverID string) (apitypes.McpServerRecord, bool, error) {
	raw, ok, err := r.kv.Get(ctx, keyspace.McpServerKey(serverID))
	if err != nil {
		return apitypes.McpServerRecord{}, false, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return apitypes.McpServerRecord{}, false, nil
	}
	var rec apitypes.McpServerRecord
	if err := keyspace.Unmarshal(raw, &rec); err != nil {
		return apitypes.McpServerRecord{}, false, err
	}
	return rec, true, nil
}

// ListMcpServers returns all registered MCP server records.
func (r *Registry) ListMcpServers(ctx context.Context) ([]apitypes.McpServerRecord, error) {
	pairs, err := r.kv.ScanPrefix(ctx, keyspace.PrefixMcpServer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	out := make([]apitypes.McpServerRecord, 0, len(pairs))
	for _, p := range pairs {
		var rec apitypes.McpServerRecord
		if err := keyspace.Unmarshal(p.Value, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Registry) putMcpServer(ctx context.Context, rec apitypes.McpServerRecord) error {
	val, err := keyspace.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.kv.Put(ctx, keyspace.McpServerKey(rec.ServerID), val); err != nil {
		return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return nil
}

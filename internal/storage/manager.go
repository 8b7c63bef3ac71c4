package storage

import (
	"context"

	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
)

// Manager routes storage operations across Local, Network and P2P
// providers according to a configured Strategy: local-only,
// network-only, p2p-only, or hybrid (write to primary, replicate to
// secondaries asynchronously; read tries providers in priority order,
// falling back on checksum failure).
type Manager struct {
	strategy Strategy
	local    Provider
	network  Provider
	p2p      Provider
	bus      *events.Bus
}

// NewManager builds a Manager for strategy, wiring whichever providers are
// non-nil. A provider left nil is simply skipped by routing/priority
// logic; callers following hybrid strategy are expected to supply all
// three.
func NewManager(strategy Strategy, local, network, p2p Provider, bus *events.Bus) *Manager {
	return &Manager{strategy: strategy, local: local, network: network, p2p: p2p, bus: bus}
}

func (m *Manager) emit(name events.Name, payload any) {
	if m.bus != nil {
		m.bus.Emit(name, payload)
	}
}

// primary returns the provider that owns synchronous writes for the
// configured strategy.
func (m *Manager) primary() (Provider, error) {
	switch m.strategy {
	case LocalOnly:
		return m.local, nil
	case NetworkOnly:
		return m.network, nil
	case P2POnly:
		return m.p2p, nil
	case Hybrid:
		if m.local != nil {
			return m.local, nil
		}
		if m.network != nil {
			return m.network, nil
		}
		return m.p2p, nil
	default:
		return nil, meshvaulterrors.NoProvidersErr(string(m.strategy))
	}
}

// secondaries returns the providers hybrid strategy replicates to
// asynchronously after a successful primary write.
func (m *Manager) secondaries(primary Provider) []Provider {
	if m.strategy != Hybrid {
		return nil
	}
	all := []Provider{m.local, m.network, m.p2p}
	out := make([]Provider, 0, len(all))
	for _, p := range all {
		if p != nil && p != primary {
			out = append(out, p)
		}
	}
	return out
}

// priorityOrder returns providers to try for a read, in the order this
// manager prefers them.
func (m *Manager) priorityOrder() []Provider {
	switch m.strategy {
	case LocalOnly:
		return nonNil(m.local)
	case NetworkOnly:
		return nonNil(m.network)
	case P2POnly:
		return nonNil(m.p2p)
	default: // Hybrid: local is fastest, then network, then p2p
		return nonNil(m.local, m.network, m.p2p)
	}
}

func nonNil(providers ...Provider) []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Store writes data through the strategy's primary provider. Under hybrid
// strategy, it also fires asynchronous replication to the remaining
// providers; a secondary's failure emits events.ReplicationFailed and
// never fails the call, since the primary write already succeeded.
func (m *Manager) Store(ctx context.Context, data []byte, opts StoreOptions) (ArtifactMetadata, error) {
	primary, err := m.primary()
	if err != nil {
		return ArtifactMetadata{}, err
	}
	if primary == nil {
		return ArtifactMetadata{}, meshvaulterrors.NoProvidersErr(string(m.strategy))
	}

	meta, err := primary.Store(ctx, data, opts)
	if err != nil {
		return ArtifactMetadata{}, err
	}

	replOpts := opts
	replOpts.ArtifactID = meta.ID
	for _, secondary := range m.secondaries(primary) {
		secondary := secondary
		go func() {
			replicateCtx := context.Background()
			if _, err := secondary.Store(replicateCtx, data, replOpts); err != nil {
				m.emit(events.ReplicationFailed, meta.ID)
			} else {
				m.emit(events.Replicated, meta.ID)
			}
		}()
	}

	m.emit(events.Stored, meta.ID)
	return meta, nil
}

// Retrieve tries providers in priority order, falling through to the
// next on a miss or a checksum-validation failure. It reports NotFound
// if no provider holds the artifact.
func (m *Manager) Retrieve(ctx context.Context, id string) ([]byte, error) {
	order := m.priorityOrder()
	if len(order) == 0 {
		return nil, meshvaulterrors.NoProvidersErr(string(m.strategy))
	}

	var lastErr error
	for _, p := range order {
		data, err := p.Retrieve(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		meta, merr := p.GetMetadata(ctx, id)
		if merr == nil && contentChecksum(data) != meta.Checksum {
			lastErr = meshvaulterrors.ChunkValidationErr(meta.Checksum, nil)
			continue
		}
		m.emit(events.Retrieved, id)
		return data, nil
	}
	if lastErr == nil {
		lastErr = meshvaulterrors.NotFoundErr("artifact", id)
	}
	return nil, lastErr
}

// GetMetadata tries providers in priority order until one has the id.
func (m *Manager) GetMetadata(ctx context.Context, id string) (ArtifactMetadata, error) {
	order := m.priorityOrder()
	var lastErr error
	for _, p := range order {
		meta, err := p.GetMetadata(ctx, id)
		if err == nil {
			return meta, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = meshvaulterrors.NotFoundErr("artifact", id)
	}
	return ArtifactMetadata{}, lastErr
}

// UpdateMetadata applies patch through every provider that holds id,
// succeeding if at least one does.
func (m *Manager) UpdateMetadata(ctx context.Context, id string, patch func(*ArtifactMetadata)) (ArtifactMetadata, error) {
	order := m.priorityOrder()
	var last ArtifactMetadata
	var lastErr error
	applied := false
	for _, p := range order {
		meta, err := p.UpdateMetadata(ctx, id, patch)
		if err != nil {
			lastErr = err
			continue
		}
		last = meta
		applied = true
	}
	if !applied {
		if lastErr == nil {
			lastErr = meshvaulterrors.NotFoundErr("artifact", id)
		}
		return ArtifactMetadata{}, lastErr
	}
	return last, nil
}

// Delete removes id from every configured provider, succeeding if at
// least one provider deleted something.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	order := m.priorityOrder()
	deleted := false
	var lastErr error
	for _, p := range order {
		ok, err := p.Delete(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			deleted = true
		}
	}
	if !deleted && lastErr != nil {
		return false, lastErr
	}
	if deleted {
		m.emit(events.Deleted, id)
	}
	return deleted, nil
}

// ValidateChecksum checks id against the first provider in priority order
// that holds it.
func (m *Manager) ValidateChecksum(ctx context.Context, id string) (bool, error) {
	order := m.priorityOrder()
	var lastErr error
	for _, p := range order {
		ok, err := p.ValidateChecksum(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		return ok, nil
	}
	if lastErr == nil {
		lastErr = meshvaulterrors.NotFoundErr("artifact", id)
	}
	return false, lastErr
}

// GetStats aggregates stats across every configured provider.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	var total Stats
	count := 0
	for _, p := range nonNil(m.local, m.network, m.p2p) {
		s, err := p.GetStats(ctx)
		if err != nil {
			continue
		}
		total.TotalDownloads += s.TotalDownloads
		total.TotalSize += s.TotalSize
		total.ActiveProviders += s.ActiveProviders
		total.Reliability += s.Reliability
		count++
	}
	if count > 0 {
		total.Reliability /= float64(count)
	}
	return total, nil
}

// Cleanup runs maintenance on every configured provider, returning the
// first error encountered (continuing to clean up the rest regardless).
func (m *Manager) Cleanup(ctx context.Context) error {
	var firstErr error
	for _, p := range nonNil(m.local, m.network, m.p2p) {
		if err := p.Cleanup(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

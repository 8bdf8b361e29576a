package ipam

import (
	"fmt"
	"net/netip"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// Manager allocates overlay IPs from pools and maintains the assignment
// records backing them.
//
// ALLOCATION STRATEGY:
// Deterministic sequential scan per pool (first free address wins). The
// unique index on ip_address makes concurrent allocations race-safe: the
// loser's save fails and the request surfaces a conflict.
type Manager struct {
	app core.App
}

// NewManager creates an allocation manager bound to the application.
func NewManager(app core.App) *Manager {
	return &Manager{app: app}
}

// EnsureDefaultPool guarantees a pool covering defaultCIDR exists, then
// backfills legacy assignments that lack a pool reference. Runs at startup.
func (m *Manager) EnsureDefaultPool(defaultCIDR string) error {
	prefix, err := ValidatePoolCIDR(defaultCIDR)
	if err != nil {
		return err
	}

	pools, err := m.app.FindAllRecords(types.CollectionIPPools)
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}

	var defaultPool *core.Record
	for _, p := range pools {
		if Contains(p.GetString("cidr"), prefix.Addr().Next()) {
			defaultPool = p
			break
		}
	}
	if defaultPool == nil {
		col, err := m.app.FindCollectionByNameOrId(types.CollectionIPPools)
		if err != nil {
			return err
		}
		defaultPool = core.NewRecord(col)
		defaultPool.Set("cidr", defaultCIDR)
		defaultPool.Set("description", "Default pool")
		if err := m.app.Save(defaultPool); err != nil {
			return fmt.Errorf("create default pool: %w", err)
		}
		pools = append(pools, defaultPool)
	}

	return m.backfillPoolRefs(pools, defaultPool)
}

// backfillPoolRefs assigns a pool to every assignment missing one, matching
// the address against known pool networks and falling back to the default
// pool.
func (m *Manager) backfillPoolRefs(pools []*core.Record, defaultPool *core.Record) error {
	orphans, err := m.app.FindAllRecords(types.CollectionAssignments, dbx.HashExp{"pool": ""})
	if err != nil {
		return fmt.Errorf("list unpooled assignments: %w", err)
	}
	for _, a := range orphans {
		addr, err := netip.ParseAddr(a.GetString("ip_address"))
		if err != nil {
			continue
		}
		target := defaultPool
		for _, p := range pools {
			if Contains(p.GetString("cidr"), addr) {
				target = p
				break
			}
		}
		a.Set("pool", target.Id)
		if err := m.app.Save(a); err != nil {
			return fmt.Errorf("backfill assignment %s: %w", a.Id, err)
		}
	}
	return nil
}

// Allocate creates the assignment set a client's topology requires. The
// first address of each family is the primary. poolID and ipGroupID are
// optional constraints; when empty, the first pool of the right family is
// used unconstrained.
func (m *Manager) Allocate(clientID string, topology types.IPVersion, poolID, ipGroupID string) ([]*core.Record, error) {
	if !topology.Valid() {
		return nil, apperr.New(apperr.Validation, "unknown ip topology %q", topology)
	}

	col, err := m.app.FindCollectionByNameOrId(types.CollectionAssignments)
	if err != nil {
		return nil, err
	}

	var created []*core.Record
	primarySeen := map[string]bool{}
	for _, family := range familiesFor(topology) {
		pool, clip, err := m.poolFor(family, poolID, ipGroupID)
		if err != nil {
			return nil, err
		}

		used, err := m.usedAddrs(pool.Id)
		if err != nil {
			return nil, err
		}
		// Addresses handed out earlier in this same call are not yet saved
		// when running outside a transaction, so track them too.
		for _, r := range created {
			if a, err := netip.ParseAddr(r.GetString("ip_address")); err == nil {
				used[a] = true
			}
		}

		addr, err := NextAvailable(pool.GetString("cidr"), used, clip)
		if err != nil {
			return nil, err
		}

		rec := core.NewRecord(col)
		rec.Set("client", clientID)
		rec.Set("ip_address", addr.String())
		rec.Set("ip_family", family)
		rec.Set("is_primary", !primarySeen[family])
		rec.Set("pool", pool.Id)
		if ipGroupID != "" {
			rec.Set("ip_group", ipGroupID)
		}
		if err := m.app.Save(rec); err != nil {
			return nil, apperr.Wrap(err, apperr.Conflict, "save assignment for %s", addr)
		}
		primarySeen[family] = true
		created = append(created, rec)
	}
	return created, nil
}

// Primary returns the client's primary assignment for the given family,
// or a NotFound error.
func (m *Manager) Primary(clientID, family string) (*core.Record, error) {
	rec, err := m.app.FindFirstRecordByFilter(types.CollectionAssignments,
		"client = {:client} && ip_family = {:family} && is_primary = true",
		dbx.Params{"client": clientID, "family": family})
	if err != nil {
		return nil, apperr.New(apperr.Prerequisite, "client %s has no primary %s assignment", clientID, family)
	}
	return rec, nil
}

// PrimaryInPool returns the client's primary assignment in the given pool,
// whatever its address family. Pools are single-family, so this is what
// topology lookups want: the overlay address peers in that pool dial.
func (m *Manager) PrimaryInPool(clientID, poolID string) (*core.Record, error) {
	rec, err := m.app.FindFirstRecordByFilter(types.CollectionAssignments,
		"client = {:client} && pool = {:pool} && is_primary = true",
		dbx.Params{"client": clientID, "pool": poolID})
	if err != nil {
		return nil, apperr.New(apperr.Prerequisite,
			"client %s has no primary assignment in pool %s", clientID, poolID)
	}
	return rec, nil
}

// Addresses returns every address assigned to the client, primaries first.
func (m *Manager) Addresses(clientID string) ([]*core.Record, error) {
	return m.app.FindRecordsByFilter(types.CollectionAssignments,
		"client = {:client}", "-is_primary,ip_address", 0, 0,
		dbx.Params{"client": clientID})
}

// usedAddrs collects the addresses already assigned within a pool.
func (m *Manager) usedAddrs(poolID string) (map[netip.Addr]bool, error) {
	records, err := m.app.FindAllRecords(types.CollectionAssignments, dbx.HashExp{"pool": poolID})
	if err != nil {
		return nil, fmt.Errorf("list pool assignments: %w", err)
	}
	used := make(map[netip.Addr]bool, len(records))
	for _, r := range records {
		if a, err := netip.ParseAddr(r.GetString("ip_address")); err == nil {
			used[a] = true
		}
	}
	return used, nil
}

// poolFor resolves the pool (and optional clip range) an allocation should
// draw from.
func (m *Manager) poolFor(family, poolID, ipGroupID string) (*core.Record, *Range, error) {
	var pool *core.Record
	if poolID != "" {
		p, err := m.app.FindRecordById(types.CollectionIPPools, poolID)
		if err != nil {
			return nil, nil, apperr.New(apperr.NotFound, "pool %s not found", poolID)
		}
		pool = p
	} else {
		pools, err := m.app.FindAllRecords(types.CollectionIPPools)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range pools {
			if prefix, err := netip.ParsePrefix(p.GetString("cidr")); err == nil {
				if (family == "ipv4") == prefix.Addr().Is4() {
					pool = p
					break
				}
			}
		}
		if pool == nil {
			return nil, nil, apperr.New(apperr.Prerequisite, "no %s pool configured", family)
		}
	}

	prefix, err := netip.ParsePrefix(pool.GetString("cidr"))
	if err != nil {
		return nil, nil, apperr.Wrap(err, apperr.Validation, "pool %s has invalid cidr", pool.Id)
	}
	if (family == "ipv4") != prefix.Addr().Is4() {
		return nil, nil, apperr.New(apperr.Validation, "pool %s is not an %s pool", pool.Id, family)
	}

	var clip *Range
	if ipGroupID != "" {
		g, err := m.app.FindRecordById(types.CollectionIPGroups, ipGroupID)
		if err != nil {
			return nil, nil, apperr.New(apperr.NotFound, "ip group %s not found", ipGroupID)
		}
		if g.GetString("pool") != pool.Id {
			return nil, nil, apperr.New(apperr.Validation, "ip group %s does not belong to pool %s", ipGroupID, pool.Id)
		}
		r, err := ValidateGroupRange(pool.GetString("cidr"), g.GetString("start_ip"), g.GetString("end_ip"))
		if err != nil {
			return nil, nil, err
		}
		clip = &r
	}
	return pool, clip, nil
}

// familiesFor expands a topology into the ordered list of address families
// to allocate. multi_ variants get two addresses of each family they name.
func familiesFor(topology types.IPVersion) []string {
	switch topology {
	case types.IPVersionV6Only:
		return []string{"ipv6"}
	case types.IPVersionDualStack:
		return []string{"ipv4", "ipv6"}
	case types.IPVersionMultiV4:
		return []string{"ipv4", "ipv4"}
	case types.IPVersionMultiV6:
		return []string{"ipv6", "ipv6"}
	case types.IPVersionMultiBoth:
		return []string{"ipv4", "ipv4", "ipv6", "ipv6"}
	default:
		return []string{"ipv4"}
	}
}

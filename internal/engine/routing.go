package engine

import (
	"fmt"
	"net/netip"

	"sdn-zone-firewall/internal/model"
)

// RouteResult is a successful lookup.
type RouteResult struct {
	Port uint32
	Via  model.RouteVia
}

// RoutingTable maps (switch, destination) to an egress port. It is read-only
// after construction.
type RoutingTable struct {
	switches map[uint64]*model.SwitchTable
}

func NewRoutingTable(tables []model.SwitchTable) (*RoutingTable, error) {
	rt := &RoutingTable{switches: make(map[uint64]*model.SwitchTable, len(tables))}
	for i := range tables {
		src := &tables[i]
		if _, dup := rt.switches[src.SwitchID]; dup {
			return nil, fmt.Errorf("duplicate routing table for switch %d", src.SwitchID)
		}
		if err := checkRole(src); err != nil {
			return nil, err
		}
		table := *src
		table.Entries = make([]model.RouteEntry, len(src.Entries))
		copy(table.Entries, src.Entries)
		for j, entry := range table.Entries {
			if !entry.Dst.IsValid() {
				return nil, fmt.Errorf("switch %d: route %d has an invalid destination range", src.SwitchID, j)
			}
		}
		if src.Uplink != nil {
			uplink := *src.Uplink
			table.Uplink = &uplink
		}
		rt.switches[src.SwitchID] = &table
	}
	return rt, nil
}

// checkRole enforces that only edge switches carry an uplink.
func checkRole(t *model.SwitchTable) error {
	switch t.Role {
	case model.RoleEdge:
		if t.Uplink == nil {
			return fmt.Errorf("edge switch %d has no uplink port", t.SwitchID)
		}
	case model.RoleCore:
		if t.Uplink != nil {
			return fmt.Errorf("core switch %d must not have an uplink port", t.SwitchID)
		}
	default:
		return fmt.Errorf("switch %d has unknown role '%s'", t.SwitchID, t.Role)
	}
	return nil
}

// Lookup returns the egress port for dst at switchID. Entries are checked in
// order, then the uplink. Unknown switches have no routes.
func (rt *RoutingTable) Lookup(switchID uint64, dst netip.Addr) (RouteResult, bool) {
	table, ok := rt.switches[switchID]
	if !ok {
		return RouteResult{}, false
	}
	dst = dst.Unmap()
	for _, entry := range table.Entries {
		if entry.Dst.Contains(dst) {
			return RouteResult{Port: entry.Port, Via: model.RouteEntryMatch}, true
		}
	}
	if table.Uplink != nil {
		return RouteResult{Port: *table.Uplink, Via: model.RouteUplink}, true
	}
	return RouteResult{}, false
}

func (rt *RoutingTable) HasSwitch(switchID uint64) bool {
	_, ok := rt.switches[switchID]
	return ok
}

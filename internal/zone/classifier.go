// Package zone maps addresses to the named zones of the deployment.
package zone

import (
	"fmt"
	"net/netip"

	"sdn-zone-firewall/internal/model"
)

// Classifier is immutable once built and safe for concurrent use.
type Classifier struct {
	order   []model.ZoneName
	members map[model.ZoneName]map[netip.Addr]struct{}
	owner   map[netip.Addr]model.ZoneName
}

// NewClassifier builds a classifier from zone definitions. Zones must have
// unique, non-empty names and must not share addresses.
func NewClassifier(defs []model.ZoneDef) (*Classifier, error) {
	c := &Classifier{
		members: make(map[model.ZoneName]map[netip.Addr]struct{}, len(defs)),
		owner:   make(map[netip.Addr]model.ZoneName),
	}
	for _, def := range defs {
		if def.Name == model.Unclassified {
			return nil, fmt.Errorf("zone with empty name")
		}
		if _, dup := c.members[def.Name]; dup {
			return nil, fmt.Errorf("duplicate zone '%s'", def.Name)
		}
		set := make(map[netip.Addr]struct{}, len(def.Members))
		for _, addr := range def.Members {
			if !addr.IsValid() {
				return nil, fmt.Errorf("zone '%s': invalid member address", def.Name)
			}
			addr = addr.Unmap()
			if other, ok := c.owner[addr]; ok && other != def.Name {
				return nil, fmt.Errorf("address %s is in both zone '%s' and zone '%s'", addr, other, def.Name)
			}
			c.owner[addr] = def.Name
			set[addr] = struct{}{}
		}
		c.members[def.Name] = set
		c.order = append(c.order, def.Name)
	}
	return c, nil
}

// Classify returns the first zone, in declaration order, containing addr.
func (c *Classifier) Classify(addr netip.Addr) model.ZoneName {
	addr = addr.Unmap()
	for _, name := range c.order {
		if _, ok := c.members[name][addr]; ok {
			return name
		}
	}
	return model.Unclassified
}

func (c *Classifier) InZone(addr netip.Addr, zone model.ZoneName) bool {
	_, ok := c.members[zone][addr.Unmap()]
	return ok
}

// Has reports whether zone was declared.
func (c *Classifier) Has(zone model.ZoneName) bool {
	_, ok := c.members[zone]
	return ok
}

// Zones returns the zone names in declaration order.
func (c *Classifier) Zones() []model.ZoneName {
	out := make([]model.ZoneName, len(c.order))
	copy(out, c.order)
	return out
}

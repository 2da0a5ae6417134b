package engine

import (
	"net/netip"
	"sort"

	"sdn-zone-firewall/internal/model"
	"sdn-zone-firewall/internal/zone"
)

// Firewall evaluates deny rules in priority order; the first match wins and
// no match means the packet is allowed.
type Firewall struct {
	Rules []model.FirewallRule
	zones *zone.Classifier
}

func NewFirewall(rules []model.FirewallRule, zones *zone.Classifier) *Firewall {
	sorted := make([]model.FirewallRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Firewall{Rules: sorted, zones: zones}
}

// Evaluate returns the first enabled rule matching pkt. Only IPv4 packets
// are ever matched.
func (f *Firewall) Evaluate(pkt *model.Packet) (*model.FirewallRule, bool) {
	if pkt.Kind != model.KindIPv4 {
		return nil, false
	}
	for i := range f.Rules {
		rule := &f.Rules[i]
		if !rule.Enabled {
			continue
		}
		if f.matches(rule, pkt) {
			return rule, true
		}
	}
	return nil, false
}

func (f *Firewall) matches(rule *model.FirewallRule, pkt *model.Packet) bool {
	if !matchProto(rule.Proto, pkt) {
		return false
	}
	if f.matchAddr(rule.Src, pkt.SrcIP) && f.matchAddr(rule.Dst, pkt.DstIP) {
		return true
	}
	return rule.Bidirectional && f.matchAddr(rule.Src, pkt.DstIP) && f.matchAddr(rule.Dst, pkt.SrcIP)
}

func (f *Firewall) matchAddr(m model.AddrMatcher, ip netip.Addr) bool {
	switch m.Type {
	case model.MatchAny:
		return true
	case model.MatchAddr:
		return m.Addr.IsValid() && m.Addr.Unmap() == ip.Unmap()
	case model.MatchZone, model.MatchZoneSet:
		if f.zones == nil {
			return false
		}
		for _, z := range m.Zones {
			if f.zones.InZone(ip, z) {
				return true
			}
		}
	}
	return false
}

func matchProto(p model.ProtoConstraint, pkt *model.Packet) bool {
	switch p {
	case model.ProtoEcho:
		return pkt.Upper == model.UpperEcho
	case model.ProtoAnyIP, "":
		return true
	default:
		return false
	}
}

package parser

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"sdn-zone-firewall/internal/model"
	"sdn-zone-firewall/internal/utils"
)

var ErrUnknownProvider = errors.New("unknown topology provider")

// parseMatcher reads the endpoint syntax shared by every provider:
// "any", "addr:<ip>", "zone:<name>" or "zones:<name>,<name>".
func parseMatcher(s string) (model.AddrMatcher, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") || strings.EqualFold(s, "all") {
		return model.Any(), nil
	}
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		return model.AddrMatcher{}, fmt.Errorf("invalid endpoint '%s'", s)
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "addr":
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return model.AddrMatcher{}, fmt.Errorf("invalid endpoint address '%s': %w", value, err)
		}
		return model.Addr(addr.Unmap()), nil
	case "zone":
		if value == "" {
			return model.AddrMatcher{}, fmt.Errorf("empty zone in endpoint '%s'", s)
		}
		return model.Zone(model.ZoneName(value)), nil
	case "zones":
		var zones []model.ZoneName
		for _, z := range strings.Split(value, ",") {
			if z = strings.TrimSpace(z); z != "" {
				zones = append(zones, model.ZoneName(z))
			}
		}
		if len(zones) == 0 {
			return model.AddrMatcher{}, fmt.Errorf("empty zone list in endpoint '%s'", s)
		}
		return model.ZoneSet(zones...), nil
	default:
		return model.AddrMatcher{}, fmt.Errorf("unknown endpoint type '%s'", kind)
	}
}

func parseProto(s string) (model.ProtoConstraint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ip", "any":
		return model.ProtoAnyIP, nil
	case "echo", "icmp":
		return model.ProtoEcho, nil
	default:
		return "", fmt.Errorf("unknown protocol constraint '%s'", s)
	}
}

// parseRange accepts "a.b.c.d", "a.b.c.d-e.f.g.h" or a CIDR.
func parseRange(s string) (netipx.IPRange, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "-") {
		r, err := netipx.ParseIPRange(s)
		if err != nil {
			return netipx.IPRange{}, err
		}
		return r, nil
	}
	p, ok := utils.ParsePrefix(s)
	if !ok {
		return netipx.IPRange{}, fmt.Errorf("invalid route destination '%s'", s)
	}
	return netipx.RangeOfPrefix(p), nil
}

func parseAddrs(values []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(values))
	for _, v := range values {
		addr, err := netip.ParseAddr(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid address '%s': %w", v, err)
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

func parseRole(s string) (model.SwitchRole, error) {
	switch model.SwitchRole(strings.ToLower(strings.TrimSpace(s))) {
	case model.RoleCore:
		return model.RoleCore, nil
	case model.RoleEdge, "":
		return model.RoleEdge, nil
	default:
		return "", fmt.Errorf("unknown switch role '%s'", s)
	}
}

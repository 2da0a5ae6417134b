// Package topology holds the built-in campus deployment: two departments
// behind four edge switches, a server behind a fifth edge switch, and a
// trusted and an untrusted external host on the core switch.
package topology

import (
	"net"
	"net/netip"

	"go4.org/netipx"

	"sdn-zone-firewall/internal/model"
)

const (
	ZoneDeptA     model.ZoneName = "dept-a"
	ZoneDeptB     model.ZoneName = "dept-b"
	ZoneTrusted   model.ZoneName = "trusted"
	ZoneUntrusted model.ZoneName = "untrusted"
	ZoneServer    model.ZoneName = "server"
)

const CoreSwitch uint64 = 5

var (
	TrustedHost   = netip.MustParseAddr("192.47.38.109")
	UntrustedHost = netip.MustParseAddr("108.35.24.113")
	ServerHost    = netip.MustParseAddr("128.114.3.178")

	DeptA = []netip.Addr{
		netip.MustParseAddr("128.114.1.101"),
		netip.MustParseAddr("128.114.1.102"),
		netip.MustParseAddr("128.114.1.103"),
		netip.MustParseAddr("128.114.1.104"),
	}
	DeptB = []netip.Addr{
		netip.MustParseAddr("128.114.2.201"),
		netip.MustParseAddr("128.114.2.202"),
		netip.MustParseAddr("128.114.2.203"),
		netip.MustParseAddr("128.114.2.204"),
	}
)

// Campus returns a fresh copy of the built-in deployment. Flow timeouts are
// left unset so the controller configuration decides them.
func Campus() *model.Topology {
	return &model.Topology{
		Zones:    campusZones(),
		Rules:    campusRules(),
		Switches: campusSwitches(),
		Hosts:    campusHosts(),
		Links:    campusLinks(),
	}
}

func campusZones() []model.ZoneDef {
	return []model.ZoneDef{
		{Name: ZoneDeptA, Members: append([]netip.Addr(nil), DeptA...)},
		{Name: ZoneDeptB, Members: append([]netip.Addr(nil), DeptB...)},
		{Name: ZoneTrusted, Members: []netip.Addr{TrustedHost}},
		{Name: ZoneUntrusted, Members: []netip.Addr{UntrustedHost}},
		{Name: ZoneServer, Members: []netip.Addr{ServerHost}},
	}
}

func campusRules() []model.FirewallRule {
	internal := model.ZoneSet(ZoneDeptA, ZoneDeptB, ZoneServer)
	return []model.FirewallRule{
		{ID: "1", Priority: 10, Name: "untrusted-to-server", Src: model.Addr(UntrustedHost), Dst: model.Addr(ServerHost), Proto: model.ProtoAnyIP, Action: model.ActionDeny, Enabled: true},
		{ID: "2", Priority: 20, Name: "untrusted-echo-to-internal", Src: model.Addr(UntrustedHost), Dst: internal, Proto: model.ProtoEcho, Action: model.ActionDeny, Enabled: true},
		{ID: "3", Priority: 30, Name: "trusted-to-server", Src: model.Addr(TrustedHost), Dst: model.Addr(ServerHost), Proto: model.ProtoAnyIP, Action: model.ActionDeny, Enabled: true},
		{ID: "4", Priority: 40, Name: "trusted-echo-to-dept-b", Src: model.Addr(TrustedHost), Dst: model.Zone(ZoneDeptB), Proto: model.ProtoEcho, Action: model.ActionDeny, Enabled: true},
		{ID: "5", Priority: 50, Name: "echo-between-departments", Src: model.Zone(ZoneDeptA), Dst: model.Zone(ZoneDeptB), Proto: model.ProtoEcho, Bidirectional: true, Action: model.ActionDeny, Enabled: true},
	}
}

func campusSwitches() []model.SwitchTable {
	uplink := func() *uint32 { p := uint32(1); return &p }
	host := func(a netip.Addr, port uint32) model.RouteEntry {
		return model.RouteEntry{Dst: netipx.IPRangeFrom(a, a), Port: port}
	}
	pair := func(from, to netip.Addr, port uint32) model.RouteEntry {
		return model.RouteEntry{Dst: netipx.IPRangeFrom(from, to), Port: port}
	}

	return []model.SwitchTable{
		{SwitchID: 1, Name: "s1", Role: model.RoleEdge, Uplink: uplink(), Entries: []model.RouteEntry{host(DeptA[0], 2), host(DeptA[1], 3)}},
		{SwitchID: 2, Name: "s2", Role: model.RoleEdge, Uplink: uplink(), Entries: []model.RouteEntry{host(DeptA[2], 2), host(DeptA[3], 3)}},
		{SwitchID: 3, Name: "s3", Role: model.RoleEdge, Uplink: uplink(), Entries: []model.RouteEntry{host(DeptB[0], 2), host(DeptB[1], 3)}},
		{SwitchID: 4, Name: "s4", Role: model.RoleEdge, Uplink: uplink(), Entries: []model.RouteEntry{host(DeptB[2], 2), host(DeptB[3], 3)}},
		{SwitchID: CoreSwitch, Name: "s5", Role: model.RoleCore, Entries: []model.RouteEntry{
			pair(DeptA[0], DeptA[1], 1),
			pair(DeptA[2], DeptA[3], 2),
			pair(DeptB[0], DeptB[1], 3),
			pair(DeptB[2], DeptB[3], 4),
			host(ServerHost, 5),
			host(TrustedHost, 6),
			host(UntrustedHost, 7),
		}},
		{SwitchID: 6, Name: "s6", Role: model.RoleEdge, Uplink: uplink(), Entries: []model.RouteEntry{host(ServerHost, 2)}},
	}
}

func campusHosts() []model.Host {
	mac := func(s string) net.HardwareAddr {
		hw, err := net.ParseMAC(s)
		if err != nil {
			panic(err)
		}
		return hw
	}
	return []model.Host{
		{Name: "h101", MAC: mac("00:00:00:00:01:01"), IP: DeptA[0], SwitchID: 1, Port: 2},
		{Name: "h102", MAC: mac("00:00:00:00:01:02"), IP: DeptA[1], SwitchID: 1, Port: 3},
		{Name: "h103", MAC: mac("00:00:00:00:01:03"), IP: DeptA[2], SwitchID: 2, Port: 2},
		{Name: "h104", MAC: mac("00:00:00:00:01:04"), IP: DeptA[3], SwitchID: 2, Port: 3},
		{Name: "h201", MAC: mac("00:00:00:00:02:01"), IP: DeptB[0], SwitchID: 3, Port: 2},
		{Name: "h202", MAC: mac("00:00:00:00:02:02"), IP: DeptB[1], SwitchID: 3, Port: 3},
		{Name: "h203", MAC: mac("00:00:00:00:02:03"), IP: DeptB[2], SwitchID: 4, Port: 2},
		{Name: "h204", MAC: mac("00:00:00:00:02:04"), IP: DeptB[3], SwitchID: 4, Port: 3},
		{Name: "h_trust", MAC: mac("00:00:00:00:03:01"), IP: TrustedHost, SwitchID: CoreSwitch, Port: 6},
		{Name: "h_untrust", MAC: mac("00:00:00:00:04:01"), IP: UntrustedHost, SwitchID: CoreSwitch, Port: 7},
		{Name: "h_server", MAC: mac("00:00:00:00:05:01"), IP: ServerHost, SwitchID: 6, Port: 2},
	}
}

func campusLinks() []model.Link {
	return []model.Link{
		{A: CoreSwitch, APort: 1, B: 1, BPort: 1},
		{A: CoreSwitch, APort: 2, B: 2, BPort: 1},
		{A: CoreSwitch, APort: 3, B: 3, BPort: 1},
		{A: CoreSwitch, APort: 4, B: 4, BPort: 1},
		{A: CoreSwitch, APort: 5, B: 6, BPort: 1},
	}
}

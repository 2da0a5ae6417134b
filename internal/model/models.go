package model

import (
	"net"
	"net/netip"
	"time"

	"go4.org/netipx"
)

// Protocol names a service protocol in traffic inputs.
type Protocol string

const (
	TCP  Protocol = "tcp"
	UDP  Protocol = "udp"
	ICMP Protocol = "icmp"
	ARP  Protocol = "arp"
)

type ZoneName string

// Unclassified is returned for addresses outside every configured zone.
const Unclassified ZoneName = ""

type ZoneDef struct {
	Name    ZoneName
	Members []netip.Addr
}

type PacketKind int

const (
	KindOther PacketKind = iota
	KindARP
	KindIPv4
)

func (k PacketKind) String() string {
	switch k {
	case KindARP:
		return "arp"
	case KindIPv4:
		return "ipv4"
	default:
		return "other"
	}
}

type UpperLayer int

const (
	UpperOther UpperLayer = iota
	UpperEcho             // ICMP
)

// Packet is the parsed view of one packet-in payload.
type Packet struct {
	Kind     PacketKind
	SrcMAC   net.HardwareAddr
	DstMAC   net.HardwareAddr
	SrcIP    netip.Addr
	DstIP    netip.Addr
	Upper    UpperLayer
	Protocol uint8 // IP protocol number
	SrcPort  uint16
	DstPort  uint16
	Raw      []byte
}

type PacketIn struct {
	SwitchID uint64
	InPort   uint32
	Packet   Packet
}

type MatchType string

const (
	MatchAny     MatchType = "any"
	MatchAddr    MatchType = "addr"
	MatchZone    MatchType = "zone"
	MatchZoneSet MatchType = "zones"
)

// AddrMatcher selects packet endpoints. Only the field for Type is used.
type AddrMatcher struct {
	Type  MatchType
	Addr  netip.Addr
	Zones []ZoneName
}

func Any() AddrMatcher                      { return AddrMatcher{Type: MatchAny} }
func Addr(a netip.Addr) AddrMatcher         { return AddrMatcher{Type: MatchAddr, Addr: a} }
func Zone(z ZoneName) AddrMatcher           { return AddrMatcher{Type: MatchZone, Zones: []ZoneName{z}} }
func ZoneSet(zones ...ZoneName) AddrMatcher { return AddrMatcher{Type: MatchZoneSet, Zones: zones} }

type ProtoConstraint string

const (
	ProtoAnyIP ProtoConstraint = "ip"
	ProtoEcho  ProtoConstraint = "echo"
)

const ActionDeny = "deny"

type FirewallRule struct {
	ID            string
	Priority      int
	Name          string
	Src           AddrMatcher
	Dst           AddrMatcher
	Proto         ProtoConstraint
	Bidirectional bool
	Action        string // "deny"
	Enabled       bool
}

type SwitchRole string

const (
	RoleCore SwitchRole = "core"
	RoleEdge SwitchRole = "edge"
)

type RouteEntry struct {
	Dst     netipx.IPRange
	Port    uint32
	Comment string
}

// SwitchTable holds the ordered routes of one switch. Uplink, when set, is
// used for every destination no entry matches.
type SwitchTable struct {
	SwitchID uint64
	Name     string
	Role     SwitchRole
	Entries  []RouteEntry
	Uplink   *uint32
}

type Host struct {
	Name     string
	MAC      net.HardwareAddr
	IP       netip.Addr
	SwitchID uint64
	Port     uint32
}

// Link connects two switch ports.
type Link struct {
	A     uint64
	APort uint32
	B     uint64
	BPort uint32
}

type FlowTimeouts struct {
	Idle time.Duration
	Hard time.Duration
}

var DefaultFlowTimeouts = FlowTimeouts{Idle: 10 * time.Second, Hard: 30 * time.Second}

// Topology is the complete static input of the controller. It is built once
// at startup and never mutated afterwards.
type Topology struct {
	Zones    []ZoneDef
	Rules    []FirewallRule
	Switches []SwitchTable
	Hosts    []Host
	Links    []Link
	Flow     FlowTimeouts
}

type DecisionKind int

const (
	Flood DecisionKind = iota
	DenyAndInstall
	DenyOnly
	Forward
	NoRoute
)

func (k DecisionKind) String() string {
	switch k {
	case Flood:
		return "FLOOD"
	case DenyAndInstall:
		return "DENY_INSTALL"
	case DenyOnly:
		return "DENY_ONLY"
	case Forward:
		return "FORWARD"
	case NoRoute:
		return "NO_ROUTE"
	default:
		return "UNKNOWN"
	}
}

type RouteVia string

const (
	RouteEntryMatch RouteVia = "entry"
	RouteUplink     RouteVia = "uplink"
)

type Decision struct {
	Kind   DecisionKind
	Port   uint32 // only for Forward
	Route  RouteVia
	RuleID string
	Reason string
}

// TraceResult is the outcome of following one flow through the switches.
type TraceResult struct {
	SrcIP         string
	DstIP         string
	ServiceLabel  string
	Protocol      string
	Port          int
	IngressSwitch uint64
	Outcome       string // "DELIVERED", "DENIED", "DROPPED", "NO_ROUTE", "FLOODED", "LOOP", "UNATTACHED", "MALFORMED"
	LastSwitch    uint64
	Decision      string
	MatchedRuleID string
	Reason        string
	Path          []string
	DeliveredTo   string
}

package engine

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"sdn-zone-firewall/internal/flow"
	"sdn-zone-firewall/internal/model"
	"sdn-zone-firewall/internal/zone"
)

const (
	ReasonARP         = "ARP_FLOOD"
	ReasonNotIP       = "NOT_IP"
	ReasonFirewall    = "MATCH_FIREWALL_DENY"
	ReasonRouteEntry  = "ROUTE_ENTRY"
	ReasonRouteUplink = "ROUTE_UPLINK"
	ReasonNoRoute     = "NO_ROUTE"
)

// Engine decides the fate of the first packet of every flow. Its tables are
// fixed at construction so it is safe for concurrent use.
type Engine struct {
	zones     *zone.Classifier
	firewall  *Firewall
	routes    *RoutingTable
	installer flow.Installer
	timeouts  model.FlowTimeouts
	logger    *slog.Logger

	counters [model.NoRoute + 1]atomic.Uint64
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New builds the engine tables from topo. A nil installer discards every
// instruction.
func New(topo *model.Topology, installer flow.Installer, opts ...Option) (*Engine, error) {
	if topo == nil {
		return nil, fmt.Errorf("nil topology")
	}
	zones, err := zone.NewClassifier(topo.Zones)
	if err != nil {
		return nil, fmt.Errorf("failed to build zones: %w", err)
	}
	for _, rule := range topo.Rules {
		if rule.Action != model.ActionDeny {
			return nil, fmt.Errorf("rule %s: unsupported action '%s'", rule.ID, rule.Action)
		}
		if err := checkZones(rule.Src, zones); err != nil {
			return nil, fmt.Errorf("rule %s: src: %w", rule.ID, err)
		}
		if err := checkZones(rule.Dst, zones); err != nil {
			return nil, fmt.Errorf("rule %s: dst: %w", rule.ID, err)
		}
	}
	routes, err := NewRoutingTable(topo.Switches)
	if err != nil {
		return nil, fmt.Errorf("failed to build routing table: %w", err)
	}
	if installer == nil {
		installer = discard{}
	}
	timeouts, err := flowTimeouts(topo.Flow)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		zones:     zones,
		firewall:  NewFirewall(topo.Rules, zones),
		routes:    routes,
		installer: installer,
		timeouts:  timeouts,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func checkZones(m model.AddrMatcher, zones *zone.Classifier) error {
	if m.Type != model.MatchZone && m.Type != model.MatchZoneSet {
		return nil
	}
	if len(m.Zones) == 0 {
		return fmt.Errorf("no zones given")
	}
	for _, z := range m.Zones {
		if !zones.Has(z) {
			return fmt.Errorf("unknown zone '%s'", z)
		}
	}
	return nil
}

// flowTimeouts fills each unset timeout from model.DefaultFlowTimeouts.
func flowTimeouts(t model.FlowTimeouts) (model.FlowTimeouts, error) {
	if t.Idle < 0 || t.Hard < 0 {
		return model.FlowTimeouts{}, fmt.Errorf("negative flow timeout: idle %s, hard %s", t.Idle, t.Hard)
	}
	if t.Idle == 0 {
		t.Idle = model.DefaultFlowTimeouts.Idle
	}
	if t.Hard == 0 {
		t.Hard = model.DefaultFlowTimeouts.Hard
	}
	return t, nil
}

// Decide evaluates one packet-in event without side effects.
func (e *Engine) Decide(ev *model.PacketIn) model.Decision {
	pkt := &ev.Packet
	switch pkt.Kind {
	case model.KindARP:
		return model.Decision{Kind: model.Flood, Reason: ReasonARP}
	case model.KindIPv4:
	default:
		return model.Decision{Kind: model.DenyOnly, Reason: ReasonNotIP}
	}

	if rule, ok := e.firewall.Evaluate(pkt); ok {
		return model.Decision{Kind: model.DenyAndInstall, RuleID: rule.ID, Reason: ReasonFirewall}
	}

	route, ok := e.routes.Lookup(ev.SwitchID, pkt.DstIP)
	if !ok {
		return model.Decision{Kind: model.NoRoute, Reason: ReasonNoRoute}
	}
	reason := ReasonRouteEntry
	if route.Via == model.RouteUplink {
		reason = ReasonRouteUplink
	}
	return model.Decision{Kind: model.Forward, Port: route.Port, Route: route.Via, Reason: reason}
}

// Handle decides ev and hands the outcome to the installer.
func (e *Engine) Handle(ev *model.PacketIn) model.Decision {
	pkt := &ev.Packet
	if pkt.Kind == model.KindIPv4 {
		e.logger.Debug("Packet in", "switch", ev.SwitchID, "in_port", ev.InPort, "src", pkt.SrcIP, "dst", pkt.DstIP)
	}

	d := e.Decide(ev)
	e.counters[d.Kind].Add(1)

	switch d.Kind {
	case model.Flood:
		e.installer.Flood(ev.SwitchID, ev.InPort, pkt.Raw)
	case model.DenyOnly:
		e.logger.Warn("Dropping non-IP packet", "switch", ev.SwitchID, "in_port", ev.InPort)
	case model.DenyAndInstall:
		e.logger.Warn("Firewall deny", "switch", ev.SwitchID, "rule", d.RuleID,
			"src", pkt.SrcIP, "src_zone", e.zones.Classify(pkt.SrcIP),
			"dst", pkt.DstIP, "dst_zone", e.zones.Classify(pkt.DstIP))
		e.installer.Install(flow.DenyRule(ev))
	case model.Forward:
		e.logger.Info("Installing route", "switch", ev.SwitchID, "dst", pkt.DstIP, "port", d.Port, "via", d.Route)
		e.installer.Install(flow.ForwardRule(ev, d.Port, e.timeouts))
	case model.NoRoute:
		e.logger.Warn("No route, packet dropped", "switch", ev.SwitchID, "dst", pkt.DstIP)
	}
	return d
}

// Stats counts handled decisions per kind.
type Stats struct {
	Flood          uint64
	DenyAndInstall uint64
	DenyOnly       uint64
	Forward        uint64
	NoRoute        uint64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Flood:          e.counters[model.Flood].Load(),
		DenyAndInstall: e.counters[model.DenyAndInstall].Load(),
		DenyOnly:       e.counters[model.DenyOnly].Load(),
		Forward:        e.counters[model.Forward].Load(),
		NoRoute:        e.counters[model.NoRoute].Load(),
	}
}

func (e *Engine) Zones() *zone.Classifier {
	return e.zones
}

type discard struct{}

func (discard) Flood(uint64, uint32, []byte) {}
func (discard) Install(flow.FlowMod)         {}

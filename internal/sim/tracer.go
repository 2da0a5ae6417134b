// Package sim replays frames through the engine switch by switch, following
// forwarding decisions over the configured links until the frame reaches a
// host or stops.
package sim

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"sdn-zone-firewall/internal/engine"
	"sdn-zone-firewall/internal/model"
	"sdn-zone-firewall/internal/packet"
)

const DefaultMaxHops = 16

const (
	OutcomeDelivered  = "DELIVERED"
	OutcomeDenied     = "DENIED"
	OutcomeDropped    = "DROPPED"
	OutcomeNoRoute    = "NO_ROUTE"
	OutcomeFlooded    = "FLOODED"
	OutcomeLoop       = "LOOP"
	OutcomeUnattached = "UNATTACHED"
	OutcomeMalformed  = "MALFORMED"
)

const (
	reasonHostMismatch = "HOST_MISMATCH"
	reasonDanglingPort = "DANGLING_PORT"
	reasonUnknownHost  = "UNKNOWN_SOURCE_HOST"
)

// EphemeralPort is the source port of generated TCP and UDP frames.
const EphemeralPort = 40000

type port struct {
	sw   uint64
	port uint32
}

// Tracer is not safe for concurrent use; give every worker its own.
type Tracer struct {
	engine  *engine.Engine
	decoder *packet.Decoder
	maxHops int

	byIP   map[netip.Addr]model.Host
	byMAC  map[string]model.Host
	hostAt map[port]model.Host
	links  map[port]port
	names  map[uint64]string
}

type Option func(*Tracer)

func WithMaxHops(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.maxHops = n
		}
	}
}

func NewTracer(e *engine.Engine, topo *model.Topology, opts ...Option) *Tracer {
	t := &Tracer{
		engine:  e,
		decoder: packet.NewDecoder(),
		maxHops: DefaultMaxHops,
		byIP:    make(map[netip.Addr]model.Host, len(topo.Hosts)),
		byMAC:   make(map[string]model.Host, len(topo.Hosts)),
		hostAt:  make(map[port]model.Host, len(topo.Hosts)),
		links:   make(map[port]port, 2*len(topo.Links)),
		names:   make(map[uint64]string, len(topo.Switches)),
	}
	for _, h := range topo.Hosts {
		t.byIP[h.IP.Unmap()] = h
		if len(h.MAC) > 0 {
			t.byMAC[h.MAC.String()] = h
		}
		t.hostAt[port{h.SwitchID, h.Port}] = h
	}
	for _, l := range topo.Links {
		a, b := port{l.A, l.APort}, port{l.B, l.BPort}
		t.links[a] = b
		t.links[b] = a
	}
	for _, s := range topo.Switches {
		if s.Name != "" {
			t.names[s.SwitchID] = s.Name
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracer) switchName(id uint64) string {
	if name, ok := t.names[id]; ok {
		return name
	}
	return fmt.Sprintf("s%d", id)
}

func (t *Tracer) ingress(pkt *model.Packet) (model.Host, bool) {
	if pkt.SrcIP.IsValid() {
		if h, ok := t.byIP[pkt.SrcIP]; ok {
			return h, true
		}
	}
	if len(pkt.SrcMAC) > 0 {
		h, ok := t.byMAC[pkt.SrcMAC.String()]
		return h, ok
	}
	return model.Host{}, false
}

// Trace follows frame from the switch its source host is attached to. The
// only error returned is the context's.
func (t *Tracer) Trace(ctx context.Context, frame []byte) (model.TraceResult, error) {
	var res model.TraceResult

	pkt, err := t.decoder.Decode(frame)
	if err != nil {
		res.Outcome = OutcomeMalformed
		res.Reason = err.Error()
		return res, nil
	}
	if pkt.SrcIP.IsValid() {
		res.SrcIP = pkt.SrcIP.String()
	}
	if pkt.DstIP.IsValid() {
		res.DstIP = pkt.DstIP.String()
	}
	res.Protocol = protocolName(&pkt)
	res.Port = int(pkt.DstPort)

	src, ok := t.ingress(&pkt)
	if !ok {
		res.Outcome = OutcomeUnattached
		res.Reason = reasonUnknownHost
		return res, nil
	}
	res.IngressSwitch = src.SwitchID

	at := port{src.SwitchID, src.Port}
	for hop := 0; ; hop++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if hop >= t.maxHops {
			res.Outcome = OutcomeLoop
			return res, nil
		}

		ev := model.PacketIn{SwitchID: at.sw, InPort: at.port, Packet: pkt}
		d := t.engine.Handle(&ev)
		res.LastSwitch = at.sw
		res.Decision = d.Kind.String()
		res.MatchedRuleID = d.RuleID
		res.Reason = d.Reason
		res.Path = append(res.Path, fmt.Sprintf("%s:%d", t.switchName(at.sw), at.port))

		switch d.Kind {
		case model.Flood:
			res.Outcome = OutcomeFlooded
			return res, nil
		case model.DenyAndInstall:
			res.Outcome = OutcomeDenied
			return res, nil
		case model.DenyOnly:
			res.Outcome = OutcomeDropped
			return res, nil
		case model.NoRoute:
			res.Outcome = OutcomeNoRoute
			return res, nil
		}

		out := port{at.sw, d.Port}
		if h, ok := t.hostAt[out]; ok {
			if h.IP == pkt.DstIP {
				res.Outcome = OutcomeDelivered
				res.DeliveredTo = h.Name
			} else {
				res.Outcome = OutcomeDropped
				res.Reason = reasonHostMismatch
			}
			return res, nil
		}
		next, ok := t.links[out]
		if !ok {
			res.Outcome = OutcomeDropped
			res.Reason = reasonDanglingPort
			return res, nil
		}
		at = next
	}
}

func protocolName(pkt *model.Packet) string {
	switch pkt.Kind {
	case model.KindARP:
		return string(model.ARP)
	case model.KindIPv4:
		switch pkt.Protocol {
		case 1:
			return string(model.ICMP)
		case 6:
			return string(model.TCP)
		case 17:
			return string(model.UDP)
		}
		return fmt.Sprintf("ip/%d", pkt.Protocol)
	default:
		return pkt.Kind.String()
	}
}

// FrameFor describes a frame from src to dst for one service, using the
// MACs of known hosts.
func (t *Tracer) FrameFor(src, dst netip.Addr, proto model.Protocol, dstPort int) (packet.FrameSpec, error) {
	spec := packet.FrameSpec{SrcIP: src.Unmap(), DstIP: dst.Unmap(), SrcMAC: t.macOf(src), DstMAC: t.macOf(dst)}
	switch proto {
	case model.ARP:
		spec.Kind = packet.FrameARP
	case model.ICMP:
		spec.Kind = packet.FrameICMP
	case model.TCP, model.UDP:
		if dstPort < 0 || dstPort > 65535 {
			return spec, fmt.Errorf("invalid port %d", dstPort)
		}
		spec.Kind = packet.FrameTCP
		if proto == model.UDP {
			spec.Kind = packet.FrameUDP
		}
		spec.SrcPort = EphemeralPort
		spec.DstPort = uint16(dstPort)
	default:
		return spec, fmt.Errorf("unsupported protocol '%s'", proto)
	}
	return spec, nil
}

func (t *Tracer) macOf(addr netip.Addr) net.HardwareAddr {
	if h, ok := t.byIP[addr.Unmap()]; ok {
		return h.MAC
	}
	return nil
}

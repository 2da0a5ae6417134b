// Package flow describes the switch-side instructions produced by the engine
// and the collaborators that deliver them.
package flow

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"sdn-zone-firewall/internal/model"
)

const EtherTypeIPv4 uint16 = 0x0800

// Installer delivers instructions to switches. Calls are fire-and-forget:
// the engine never learns whether a switch accepted them.
type Installer interface {
	Flood(switchID uint64, inPort uint32, data []byte)
	Install(mod FlowMod)
}

// Match fields left zero are wildcards.
type Match struct {
	InPort    uint32
	EtherType uint16
	SrcIP     netip.Addr
	DstIP     netip.Addr
	IPProto   uint8
	SrcPort   uint16
	DstPort   uint16
}

func (m Match) String() string {
	var sb strings.Builder
	if m.InPort != 0 {
		fmt.Fprintf(&sb, "in_port=%d,", m.InPort)
	}
	fmt.Fprintf(&sb, "dl_type=0x%04x,nw_src=%s,nw_dst=%s,nw_proto=%d", m.EtherType, m.SrcIP, m.DstIP, m.IPProto)
	if m.SrcPort != 0 || m.DstPort != 0 {
		fmt.Fprintf(&sb, ",tp_src=%d,tp_dst=%d", m.SrcPort, m.DstPort)
	}
	return sb.String()
}

// Action is an output action. A FlowMod without actions drops matching packets.
type Action struct {
	OutPort uint32
}

type FlowMod struct {
	SwitchID    uint64
	Match       Match
	Actions     []Action
	IdleTimeout time.Duration // zero means no expiry
	HardTimeout time.Duration // zero means no expiry
	Data        []byte
}

func (f FlowMod) IsDrop() bool {
	return len(f.Actions) == 0
}

// MatchFromPacket builds an exact match on the flow of ev.
func MatchFromPacket(ev *model.PacketIn) Match {
	pkt := &ev.Packet
	return Match{
		InPort:    ev.InPort,
		EtherType: EtherTypeIPv4,
		SrcIP:     pkt.SrcIP,
		DstIP:     pkt.DstIP,
		IPProto:   pkt.Protocol,
		SrcPort:   pkt.SrcPort,
		DstPort:   pkt.DstPort,
	}
}

// DenyRule discards the flow of ev at its switch until removed, whatever
// port it arrives on.
func DenyRule(ev *model.PacketIn) FlowMod {
	match := MatchFromPacket(ev)
	match.InPort = 0
	return FlowMod{
		SwitchID: ev.SwitchID,
		Match:    match,
	}
}

// ForwardRule sends the flow of ev out port and releases the buffered packet.
func ForwardRule(ev *model.PacketIn, port uint32, timeouts model.FlowTimeouts) FlowMod {
	return FlowMod{
		SwitchID:    ev.SwitchID,
		Match:       MatchFromPacket(ev),
		Actions:     []Action{{OutPort: port}},
		IdleTimeout: timeouts.Idle,
		HardTimeout: timeouts.Hard,
		Data:        ev.Packet.Raw,
	}
}

// FloodRecord is a flood instruction seen by a Recorder.
type FloodRecord struct {
	SwitchID uint64
	InPort   uint32
	Size     int
}

// Recorder keeps every instruction in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	mods   []FlowMod
	floods []FloodRecord
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Flood(switchID uint64, inPort uint32, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.floods = append(r.floods, FloodRecord{SwitchID: switchID, InPort: inPort, Size: len(data)})
}

func (r *Recorder) Install(mod FlowMod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mods = append(r.mods, mod)
}

// FlowMods returns a copy of the installed rules in arrival order.
func (r *Recorder) FlowMods() []FlowMod {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FlowMod, len(r.mods))
	copy(out, r.mods)
	return out
}

func (r *Recorder) Floods() []FloodRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FloodRecord, len(r.floods))
	copy(out, r.floods)
	return out
}

// LogInstaller logs every instruction and forwards it to Next, if set.
type LogInstaller struct {
	Logger *slog.Logger
	Next   Installer
}

func (l *LogInstaller) Flood(switchID uint64, inPort uint32, data []byte) {
	l.logger().Debug("Flooding packet", "switch", switchID, "in_port", inPort, "bytes", len(data))
	if l.Next != nil {
		l.Next.Flood(switchID, inPort, data)
	}
}

func (l *LogInstaller) Install(mod FlowMod) {
	action := "drop"
	if !mod.IsDrop() {
		action = fmt.Sprintf("output:%d", mod.Actions[0].OutPort)
	}
	l.logger().Debug("Installing flow", "switch", mod.SwitchID, "match", mod.Match.String(), "action", action,
		"idle_timeout", mod.IdleTimeout, "hard_timeout", mod.HardTimeout)
	if l.Next != nil {
		l.Next.Install(mod)
	}
}

func (l *LogInstaller) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

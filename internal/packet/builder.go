package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type FrameKind string

const (
	FrameARP  FrameKind = "arp"
	FrameICMP FrameKind = "icmp"
	FrameTCP  FrameKind = "tcp"
	FrameUDP  FrameKind = "udp"
)

// FrameSpec describes a synthetic frame. ARP frames are who-has requests
// for DstIP; ICMP frames are echo requests.
type FrameSpec struct {
	Kind    FrameKind
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Build serializes spec into an Ethernet frame.
func Build(spec FrameSpec) ([]byte, error) {
	if !spec.SrcIP.Is4() || !spec.DstIP.Is4() {
		return nil, fmt.Errorf("frame addresses must be IPv4: %s -> %s", spec.SrcIP, spec.DstIP)
	}
	srcMAC := spec.SrcMAC
	if len(srcMAC) == 0 {
		srcMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	dstMAC := spec.DstMAC
	if len(dstMAC) == 0 || spec.Kind == FrameARP {
		dstMAC = broadcastMAC
	}
	src4, dst4 := spec.SrcIP.As4(), spec.DstIP.As4()

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: net.IP(src4[:]), DstIP: net.IP(dst4[:])}
	payload := gopacket.Payload(spec.Payload)

	var stack []gopacket.SerializableLayer
	switch spec.Kind {
	case FrameARP:
		eth.EthernetType = layers.EthernetTypeARP
		stack = []gopacket.SerializableLayer{eth, &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   srcMAC,
			SourceProtAddress: src4[:],
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    dst4[:],
		}}
	case FrameICMP:
		ip.Protocol = layers.IPProtocolICMPv4
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
		stack = []gopacket.SerializableLayer{eth, ip, icmp, payload}
	case FrameTCP:
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{SrcPort: layers.TCPPort(spec.SrcPort), DstPort: layers.TCPPort(spec.DstPort), SYN: true, Window: 64240}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		stack = []gopacket.SerializableLayer{eth, ip, tcp, payload}
	case FrameUDP:
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(spec.SrcPort), DstPort: layers.UDPPort(spec.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		stack = []gopacket.SerializableLayer{eth, ip, udp, payload}
	default:
		return nil, fmt.Errorf("unknown frame kind '%s'", spec.Kind)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("failed to serialize %s frame: %w", spec.Kind, err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

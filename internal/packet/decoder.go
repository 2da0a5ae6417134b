// Package packet turns raw Ethernet frames into model.Packet values and back.
package packet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"sdn-zone-firewall/internal/model"
)

// ErrMalformed is returned for frames that cannot be parsed at all.
var ErrMalformed = errors.New("malformed packet")

// Decoder reuses its layer buffers between calls, so one Decoder must not be
// shared between goroutines.
type Decoder struct {
	parser *gopacket.DecodingLayerParser

	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	arp     layers.ARP
	ip4     layers.IPv4
	icmp4   layers.ICMPv4
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	decoded []gopacket.LayerType
}

func NewDecoder() *Decoder {
	d := &Decoder{}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth,
		&d.dot1q,
		&d.arp,
		&d.ip4,
		&d.icmp4,
		&d.tcp,
		&d.udp,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode classifies frame. Frames with an unsupported network layer decode to
// KindOther; truncated or corrupt supported layers return ErrMalformed.
func (d *Decoder) Decode(frame []byte) (model.Packet, error) {
	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return model.Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(d.decoded) == 0 {
		return model.Packet{}, fmt.Errorf("%w: no ethernet header", ErrMalformed)
	}

	pkt := model.Packet{
		Kind:   model.KindOther,
		SrcMAC: cloneMAC(d.eth.SrcMAC),
		DstMAC: cloneMAC(d.eth.DstMAC),
		Raw:    frame,
	}
	for _, layerType := range d.decoded {
		switch layerType {
		case layers.LayerTypeARP:
			pkt.Kind = model.KindARP
			pkt.SrcIP, _ = netip.AddrFromSlice(d.arp.SourceProtAddress)
			pkt.DstIP, _ = netip.AddrFromSlice(d.arp.DstProtAddress)
		case layers.LayerTypeIPv4:
			pkt.Kind = model.KindIPv4
			pkt.SrcIP = addrFrom(d.ip4.SrcIP)
			pkt.DstIP = addrFrom(d.ip4.DstIP)
			pkt.Protocol = uint8(d.ip4.Protocol)
		case layers.LayerTypeICMPv4:
			pkt.Upper = model.UpperEcho
		case layers.LayerTypeTCP:
			pkt.SrcPort = uint16(d.tcp.SrcPort)
			pkt.DstPort = uint16(d.tcp.DstPort)
		case layers.LayerTypeUDP:
			pkt.SrcPort = uint16(d.udp.SrcPort)
			pkt.DstPort = uint16(d.udp.DstPort)
		}
	}
	return pkt, nil
}

func addrFrom(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		addr, _ := netip.AddrFromSlice(v4)
		return addr
	}
	addr, _ := netip.AddrFromSlice(ip)
	return addr
}

func cloneMAC(mac net.HardwareAddr) net.HardwareAddr {
	if len(mac) == 0 {
		return nil
	}
	out := make(net.HardwareAddr, len(mac))
	copy(out, mac)
	return out
}

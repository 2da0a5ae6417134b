package packet

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdn-zone-firewall/internal/model"
)

var (
	hostA = netip.MustParseAddr("128.114.1.101")
	hostB = netip.MustParseAddr("128.114.2.201")
	macA  = net.HardwareAddr{0, 0, 0, 0, 1, 1}
	macB  = net.HardwareAddr{0, 0, 0, 0, 2, 1}
)

func TestDecodeRoundTripsBuiltFrames(t *testing.T) {
	tests := []struct {
		name     string
		spec     FrameSpec
		kind     model.PacketKind
		upper    model.UpperLayer
		protocol uint8
		dstPort  uint16
	}{
		{"arp", FrameSpec{Kind: FrameARP, SrcMAC: macA, SrcIP: hostA, DstIP: hostB}, model.KindARP, model.UpperOther, 0, 0},
		{"icmp", FrameSpec{Kind: FrameICMP, SrcMAC: macA, DstMAC: macB, SrcIP: hostA, DstIP: hostB}, model.KindIPv4, model.UpperEcho, 1, 0},
		{"tcp", FrameSpec{Kind: FrameTCP, SrcMAC: macA, DstMAC: macB, SrcIP: hostA, DstIP: hostB, SrcPort: 40000, DstPort: 22}, model.KindIPv4, model.UpperOther, 6, 22},
		{"udp", FrameSpec{Kind: FrameUDP, SrcMAC: macA, DstMAC: macB, SrcIP: hostA, DstIP: hostB, SrcPort: 40000, DstPort: 5000, Payload: []byte("hi")}, model.KindIPv4, model.UpperOther, 17, 5000},
	}

	d := NewDecoder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Build(tt.spec)
			require.NoError(t, err)

			pkt, err := d.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, pkt.Kind)
			assert.Equal(t, hostA, pkt.SrcIP)
			assert.Equal(t, hostB, pkt.DstIP)
			assert.Equal(t, tt.upper, pkt.Upper)
			assert.Equal(t, tt.protocol, pkt.Protocol)
			assert.Equal(t, tt.dstPort, pkt.DstPort)
			assert.Equal(t, macA, pkt.SrcMAC)
			assert.Equal(t, frame, pkt.Raw)
		})
	}
}

func TestBuildARPUsesBroadcast(t *testing.T) {
	frame, err := Build(FrameSpec{Kind: FrameARP, SrcMAC: macA, DstMAC: macB, SrcIP: hostA, DstIP: hostB})
	require.NoError(t, err)
	pkt, err := NewDecoder().Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, broadcastMAC, pkt.DstMAC)
}

func TestDecodeUnsupportedNetworkLayerIsOther(t *testing.T) {
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolNoNextHeader, HopLimit: 64,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, ip6))

	pkt, err := NewDecoder().Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, model.KindOther, pkt.Kind)
	assert.False(t, pkt.SrcIP.IsValid())
}

func TestDecodeVLANTaggedFrames(t *testing.T) {
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeDot1Q}

	buf := gopacket.NewSerializeBuffer()
	tag := &layers.Dot1Q{VLANIdentifier: 10, Type: layers.EthernetTypeIPv4}
	ip4 := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: hostA.AsSlice(), DstIP: hostB.AsSlice()}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 22, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip4))
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, tag, ip4, tcp))

	pkt, err := NewDecoder().Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, model.KindIPv4, pkt.Kind)
	assert.Equal(t, hostA, pkt.SrcIP)
	assert.Equal(t, hostB, pkt.DstIP)
	assert.Equal(t, uint8(6), pkt.Protocol)
	assert.Equal(t, uint16(22), pkt.DstPort)

	buf = gopacket.NewSerializeBuffer()
	tag = &layers.Dot1Q{VLANIdentifier: 10, Type: layers.EthernetTypeARP}
	arp := &layers.ARP{AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: macA, SourceProtAddress: hostA.AsSlice(),
		DstHwAddress: make([]byte, 6), DstProtAddress: hostB.AsSlice()}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, tag, arp))

	pkt, err = NewDecoder().Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, model.KindARP, pkt.Kind)
	assert.Equal(t, hostB, pkt.DstIP)
}

func TestDecodeMalformed(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode([]byte{0x00, 0x01})
	assert.True(t, errors.Is(err, ErrMalformed))

	frame, err := Build(FrameSpec{Kind: FrameTCP, SrcIP: hostA, DstIP: hostB, SrcPort: 1, DstPort: 2})
	require.NoError(t, err)
	_, err = d.Decode(frame[:20])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBuildRejectsBadSpecs(t *testing.T) {
	_, err := Build(FrameSpec{Kind: FrameTCP, SrcIP: netip.MustParseAddr("2001:db8::1"), DstIP: hostB})
	assert.Error(t, err)

	_, err = Build(FrameSpec{Kind: "gre", SrcIP: hostA, DstIP: hostB})
	assert.Error(t, err)
}

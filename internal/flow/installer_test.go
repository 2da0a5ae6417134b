package flow

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdn-zone-firewall/internal/model"
)

func tcpEvent() *model.PacketIn {
	return &model.PacketIn{
		SwitchID: 3,
		InPort:   2,
		Packet: model.Packet{
			Kind:     model.KindIPv4,
			SrcIP:    netip.MustParseAddr("128.114.2.201"),
			DstIP:    netip.MustParseAddr("128.114.1.101"),
			Protocol: 6,
			SrcPort:  40000,
			DstPort:  22,
			Raw:      []byte{1, 2, 3},
		},
	}
}

func TestDenyRuleHasNoActionsOrTimeouts(t *testing.T) {
	mod := DenyRule(tcpEvent())

	assert.True(t, mod.IsDrop())
	assert.Equal(t, uint64(3), mod.SwitchID)
	assert.Zero(t, mod.IdleTimeout)
	assert.Zero(t, mod.HardTimeout)
	assert.Nil(t, mod.Data)
	assert.Equal(t, EtherTypeIPv4, mod.Match.EtherType)
	assert.Zero(t, mod.Match.InPort, "deny match must cover every ingress port")
	assert.Equal(t, netip.MustParseAddr("128.114.2.201"), mod.Match.SrcIP)
	assert.Equal(t, uint16(22), mod.Match.DstPort)
	assert.Equal(t, "dl_type=0x0800,nw_src=128.114.2.201,nw_dst=128.114.1.101,nw_proto=6,tp_src=40000,tp_dst=22", mod.Match.String())
}

func TestForwardRuleCarriesPacketAndTimeouts(t *testing.T) {
	ev := tcpEvent()
	mod := ForwardRule(ev, 1, model.FlowTimeouts{Idle: time.Second, Hard: time.Minute})

	require.False(t, mod.IsDrop())
	assert.Equal(t, []Action{{OutPort: 1}}, mod.Actions)
	assert.Equal(t, time.Second, mod.IdleTimeout)
	assert.Equal(t, time.Minute, mod.HardTimeout)
	assert.Equal(t, ev.Packet.Raw, mod.Data)
	assert.Equal(t, MatchFromPacket(ev), mod.Match)
}

func TestMatchString(t *testing.T) {
	m := MatchFromPacket(tcpEvent())
	assert.Equal(t, "in_port=2,dl_type=0x0800,nw_src=128.114.2.201,nw_dst=128.114.1.101,nw_proto=6,tp_src=40000,tp_dst=22", m.String())

	m.SrcPort, m.DstPort, m.IPProto = 0, 0, 1
	assert.False(t, strings.Contains(m.String(), "tp_"))
}

func TestRecorderIsSafeForConcurrentUse(t *testing.T) {
	rec := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rec.Install(DenyRule(tcpEvent()))
				rec.Flood(1, 2, []byte{0})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, rec.FlowMods(), 800)
	assert.Len(t, rec.Floods(), 800)
	assert.Equal(t, FloodRecord{SwitchID: 1, InPort: 2, Size: 1}, rec.Floods()[0])
}

func TestLogInstallerForwards(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder()
	l := &LogInstaller{
		Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Next:   rec,
	}

	l.Install(ForwardRule(tcpEvent(), 4, model.DefaultFlowTimeouts))
	l.Install(DenyRule(tcpEvent()))
	l.Flood(5, 1, []byte{0, 0})

	assert.Len(t, rec.FlowMods(), 2)
	assert.Len(t, rec.Floods(), 1)
	out := buf.String()
	assert.Contains(t, out, `"action":"output:4"`)
	assert.Contains(t, out, `"action":"drop"`)
	assert.Contains(t, out, "Flooding packet")

	// A LogInstaller without a successor only logs.
	(&LogInstaller{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}).Install(DenyRule(tcpEvent()))
}

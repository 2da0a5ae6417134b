package parser

import (
	"fmt"
	"io"
	"net"
	"time"

	"gopkg.in/yaml.v3"

	"sdn-zone-firewall/internal/model"
)

type fileDoc struct {
	Zones []struct {
		Name    string   `yaml:"name"`
		Members []string `yaml:"members"`
	} `yaml:"zones"`
	Rules []struct {
		ID            string `yaml:"id"`
		Priority      int    `yaml:"priority"`
		Name          string `yaml:"name"`
		Src           string `yaml:"src"`
		Dst           string `yaml:"dst"`
		Proto         string `yaml:"proto"`
		Bidirectional bool   `yaml:"bidirectional"`
		Action        string `yaml:"action"`
		Enabled       *bool  `yaml:"enabled"`
	} `yaml:"rules"`
	Switches []struct {
		ID     uint64  `yaml:"id"`
		Name   string  `yaml:"name"`
		Role   string  `yaml:"role"`
		Uplink *uint32 `yaml:"uplink"`
		Routes []struct {
			Dst     string `yaml:"dst"`
			Port    uint32 `yaml:"port"`
			Comment string `yaml:"comment"`
		} `yaml:"routes"`
	} `yaml:"switches"`
	Hosts []struct {
		Name   string `yaml:"name"`
		MAC    string `yaml:"mac"`
		IP     string `yaml:"ip"`
		Switch uint64 `yaml:"switch"`
		Port   uint32 `yaml:"port"`
	} `yaml:"hosts"`
	Links []struct {
		A     uint64 `yaml:"a"`
		APort uint32 `yaml:"a_port"`
		B     uint64 `yaml:"b"`
		BPort uint32 `yaml:"b_port"`
	} `yaml:"links"`
	Flow struct {
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		HardTimeout time.Duration `yaml:"hard_timeout"`
	} `yaml:"flow"`
}

// FileParser reads a YAML topology document.
type FileParser struct {
	reader io.Reader

	Topology *model.Topology
}

func NewFileParser(reader io.Reader) *FileParser {
	return &FileParser{reader: reader}
}

func (p *FileParser) Parse() error {
	var doc fileDoc
	dec := yaml.NewDecoder(p.reader)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode topology: %w", err)
	}

	topo := &model.Topology{
		Flow: model.FlowTimeouts{Idle: doc.Flow.IdleTimeout, Hard: doc.Flow.HardTimeout},
	}

	for _, z := range doc.Zones {
		members, err := parseAddrs(z.Members)
		if err != nil {
			return fmt.Errorf("zone '%s': %w", z.Name, err)
		}
		topo.Zones = append(topo.Zones, model.ZoneDef{Name: model.ZoneName(z.Name), Members: members})
	}

	for i, r := range doc.Rules {
		rule := model.FirewallRule{
			ID:            r.ID,
			Priority:      r.Priority,
			Name:          r.Name,
			Bidirectional: r.Bidirectional,
			Action:        r.Action,
			Enabled:       r.Enabled == nil || *r.Enabled,
		}
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("%d", i+1)
		}
		if rule.Action == "" {
			rule.Action = model.ActionDeny
		}
		var err error
		if rule.Src, err = parseMatcher(r.Src); err != nil {
			return fmt.Errorf("rule %s: src: %w", rule.ID, err)
		}
		if rule.Dst, err = parseMatcher(r.Dst); err != nil {
			return fmt.Errorf("rule %s: dst: %w", rule.ID, err)
		}
		if rule.Proto, err = parseProto(r.Proto); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		topo.Rules = append(topo.Rules, rule)
	}

	for _, s := range doc.Switches {
		role, err := parseRole(s.Role)
		if err != nil {
			return fmt.Errorf("switch %d: %w", s.ID, err)
		}
		table := model.SwitchTable{SwitchID: s.ID, Name: s.Name, Role: role, Uplink: s.Uplink}
		for _, r := range s.Routes {
			dst, err := parseRange(r.Dst)
			if err != nil {
				return fmt.Errorf("switch %d: %w", s.ID, err)
			}
			table.Entries = append(table.Entries, model.RouteEntry{Dst: dst, Port: r.Port, Comment: r.Comment})
		}
		topo.Switches = append(topo.Switches, table)
	}

	for _, h := range doc.Hosts {
		host, err := newHost(h.Name, h.MAC, h.IP, h.Switch, h.Port)
		if err != nil {
			return err
		}
		topo.Hosts = append(topo.Hosts, host)
	}

	for _, l := range doc.Links {
		topo.Links = append(topo.Links, model.Link{A: l.A, APort: l.APort, B: l.B, BPort: l.BPort})
	}

	p.Topology = topo
	return nil
}

func newHost(name, mac, ip string, sw uint64, port uint32) (model.Host, error) {
	addrs, err := parseAddrs([]string{ip})
	if err != nil {
		return model.Host{}, fmt.Errorf("host '%s': %w", name, err)
	}
	host := model.Host{Name: name, IP: addrs[0], SwitchID: sw, Port: port}
	if mac != "" {
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return model.Host{}, fmt.Errorf("host '%s': %w", name, err)
		}
		host.MAC = hw
	}
	return host, nil
}

package parser

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"sdn-zone-firewall/internal/model"
)

// DBParser loads a topology from the cfg_* tables of a MariaDB or SQLite
// database. When site is set only rows tagged with that site are read.
type DBParser struct {
	db   *sql.DB
	site string

	Topology *model.Topology
}

func NewMariaDBParser(dsn, site string) (*DBParser, error) {
	return NewDBParser("mysql", dsn, site)
}

func NewSQLiteParser(path, site string) (*DBParser, error) {
	return NewDBParser("sqlite", path, site)
}

func NewDBParser(driver, dsn, site string) (*DBParser, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &DBParser{db: db, site: site}, nil
}

func (p *DBParser) Close() {
	p.db.Close()
}

func (p *DBParser) Parse() error {
	topo := &model.Topology{}
	if err := p.loadZones(topo); err != nil {
		return fmt.Errorf("failed to load zones: %w", err)
	}
	if err := p.loadRules(topo); err != nil {
		return fmt.Errorf("failed to load firewall rules: %w", err)
	}
	if err := p.loadSwitches(topo); err != nil {
		return fmt.Errorf("failed to load switches: %w", err)
	}
	if err := p.loadRoutes(topo); err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}
	if err := p.loadHosts(topo); err != nil {
		return fmt.Errorf("failed to load hosts: %w", err)
	}
	if err := p.loadLinks(topo); err != nil {
		return fmt.Errorf("failed to load links: %w", err)
	}
	p.Topology = topo
	return nil
}

func (p *DBParser) query(columns, table, order string) (*sql.Rows, error) {
	q := fmt.Sprintf("SELECT %s FROM %s", columns, table)
	var args []any
	if p.site != "" {
		q += " WHERE site_name = ?"
		args = append(args, p.site)
	}
	if order != "" {
		q += " ORDER BY " + order
	}
	return p.db.Query(q, args...)
}

func (p *DBParser) loadZones(topo *model.Topology) error {
	rows, err := p.query("zone_name, members", "cfg_zone", "seq ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, membersJSON string
		if err := rows.Scan(&name, &membersJSON); err != nil {
			return err
		}
		var raw []string
		if err := json.Unmarshal([]byte(membersJSON), &raw); err != nil {
			return fmt.Errorf("zone '%s': invalid members: %w", name, err)
		}
		members, err := parseAddrs(raw)
		if err != nil {
			return fmt.Errorf("zone '%s': %w", name, err)
		}
		topo.Zones = append(topo.Zones, model.ZoneDef{Name: model.ZoneName(name), Members: members})
	}
	return rows.Err()
}

func (p *DBParser) loadRules(topo *model.Topology) error {
	rows, err := p.query("priority, rule_id, rule_name, src_match, dst_match, proto, bidirectional, action, is_enabled",
		"cfg_firewall_rule", "priority ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rule model.FirewallRule
		var src, dst, proto, isEnabled string
		if err := rows.Scan(&rule.Priority, &rule.ID, &rule.Name, &src, &dst, &proto, &rule.Bidirectional, &rule.Action, &isEnabled); err != nil {
			return err
		}
		rule.Enabled = strings.EqualFold(isEnabled, "enable")
		rule.Action = strings.ToLower(rule.Action)

		if rule.Src, err = parseMatcher(src); err != nil {
			return fmt.Errorf("rule %s: src: %w", rule.ID, err)
		}
		if rule.Dst, err = parseMatcher(dst); err != nil {
			return fmt.Errorf("rule %s: dst: %w", rule.ID, err)
		}
		if rule.Proto, err = parseProto(proto); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		topo.Rules = append(topo.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	sort.SliceStable(topo.Rules, func(i, j int) bool {
		return topo.Rules[i].Priority < topo.Rules[j].Priority
	})
	return nil
}

func (p *DBParser) loadSwitches(topo *model.Topology) error {
	rows, err := p.query("dpid, switch_name, role, uplink_port", "cfg_switch", "dpid ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var table model.SwitchTable
		var role string
		var uplink sql.NullInt64
		if err := rows.Scan(&table.SwitchID, &table.Name, &role, &uplink); err != nil {
			return err
		}
		if table.Role, err = parseRole(role); err != nil {
			return fmt.Errorf("switch %d: %w", table.SwitchID, err)
		}
		if uplink.Valid {
			if uplink.Int64 < 1 || uplink.Int64 > math.MaxUint32 {
				return fmt.Errorf("switch %d: uplink port %d out of range", table.SwitchID, uplink.Int64)
			}
			port := uint32(uplink.Int64)
			table.Uplink = &port
		}
		topo.Switches = append(topo.Switches, table)
	}
	return rows.Err()
}

func (p *DBParser) loadRoutes(topo *model.Topology) error {
	index := make(map[uint64]int, len(topo.Switches))
	for i, s := range topo.Switches {
		index[s.SwitchID] = i
	}

	rows, err := p.query("dpid, dst, port, comment", "cfg_route", "dpid ASC, seq ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var dpid uint64
		var dst string
		var port uint32
		var comment sql.NullString
		if err := rows.Scan(&dpid, &dst, &port, &comment); err != nil {
			return err
		}
		i, ok := index[dpid]
		if !ok {
			return fmt.Errorf("route for unknown switch %d", dpid)
		}
		r, err := parseRange(dst)
		if err != nil {
			return fmt.Errorf("switch %d: %w", dpid, err)
		}
		topo.Switches[i].Entries = append(topo.Switches[i].Entries, model.RouteEntry{Dst: r, Port: port, Comment: comment.String})
	}
	return rows.Err()
}

func (p *DBParser) loadHosts(topo *model.Topology) error {
	rows, err := p.query("host_name, mac, ip, dpid, port", "cfg_host", "host_name ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, ip string
		var mac sql.NullString
		var dpid uint64
		var port uint32
		if err := rows.Scan(&name, &mac, &ip, &dpid, &port); err != nil {
			return err
		}
		host, err := newHost(name, mac.String, ip, dpid, port)
		if err != nil {
			return err
		}
		topo.Hosts = append(topo.Hosts, host)
	}
	return rows.Err()
}

func (p *DBParser) loadLinks(topo *model.Topology) error {
	rows, err := p.query("a_dpid, a_port, b_dpid, b_port", "cfg_link", "a_dpid ASC, a_port ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.A, &l.APort, &l.B, &l.BPort); err != nil {
			return err
		}
		topo.Links = append(topo.Links, l)
	}
	return rows.Err()
}

package parser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"sdn-zone-firewall/internal/model"
	"sdn-zone-firewall/internal/utils"
	"sdn-zone-firewall/pkg/wellknown"
)

// InputTraffic is the traffic matrix replayed through the controller.
type InputTraffic struct {
	SrcIPs []netip.Prefix
	DstIPs []Destination
	Ports  []PortInfo
}

type Destination struct {
	Prefix   netip.Prefix
	Metadata map[string]string
}

// PortInfo is one service of the matrix. Port is zero for ICMP and ARP.
type PortInfo struct {
	Label    string
	Port     int
	Protocol model.Protocol
}

func ParseInputTraffic(srcFile, dstFile, portsFile io.Reader) (*InputTraffic, error) {
	srcIPs, err := parseSrcFile(srcFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing source file: %w", err)
	}

	dsts, err := parseDstFile(dstFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing destination file: %w", err)
	}

	ports, err := parsePortsFile(portsFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing ports file: %w", err)
	}

	return &InputTraffic{
		SrcIPs: srcIPs,
		DstIPs: dsts,
		Ports:  ports,
	}, nil
}

func segmentColumn(header []string) int {
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "Network Segment") {
			return i
		}
	}
	return -1
}

func parseSrcFile(r io.Reader) ([]netip.Prefix, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	netSegCol := segmentColumn(header)
	if netSegCol == -1 {
		return nil, fmt.Errorf("could not find 'Network Segment' column in source file")
	}

	var prefixes []netip.Prefix
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		p, ok := utils.ParsePrefix(record[netSegCol])
		if !ok {
			continue // Skip invalid entries
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func parseDstFile(r io.Reader) ([]Destination, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	netSegCol := segmentColumn(header)
	if netSegCol == -1 {
		return nil, fmt.Errorf("could not find 'Network Segment' column in destination file")
	}

	var destinations []Destination
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		p, ok := utils.ParsePrefix(record[netSegCol])
		if !ok {
			continue
		}

		meta := make(map[string]string)
		for i, colName := range header {
			if i < len(record) {
				meta["dst_"+strings.ToLower(strings.TrimSpace(colName))] = record[i]
			}
		}

		destinations = append(destinations, Destination{
			Prefix:   p,
			Metadata: meta,
		})
	}
	return destinations, nil
}

// parsePortsFile reads one service per line: "ssh,22/tcp", "22/tcp",
// "ping,icmp", "arp" or a well-known name such as "HTTP".
func parsePortsFile(r io.Reader) ([]PortInfo, error) {
	scanner := bufio.NewScanner(r)
	var ports []PortInfo
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		label, service, found := strings.Cut(line, ",")
		label = strings.TrimSpace(label)
		if found {
			service = strings.TrimSpace(service)
		} else {
			service = label
		}

		ports = append(ports, parseService(label, service)...)
	}

	return ports, scanner.Err()
}

func parseService(label, service string) []PortInfo {
	portStr, protoStr, ok := strings.Cut(service, "/")
	if !ok {
		switch model.Protocol(strings.ToLower(service)) {
		case model.ICMP:
			return []PortInfo{{Label: label, Protocol: model.ICMP}}
		case model.ARP:
			return []PortInfo{{Label: label, Protocol: model.ARP}}
		}
		entries, found := wellknown.GetService(service)
		if !found {
			return nil
		}
		infos := make([]PortInfo, 0, len(entries))
		for _, e := range entries {
			infos = append(infos, PortInfo{Label: label, Port: e.Port, Protocol: e.Protocol})
		}
		return infos
	}

	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port < 0 || port > 65535 {
		return nil
	}

	protocol := model.Protocol(strings.ToLower(strings.TrimSpace(protoStr)))
	if protocol != model.TCP && protocol != model.UDP {
		return nil
	}

	return []PortInfo{{Label: label, Port: port, Protocol: protocol}}
}

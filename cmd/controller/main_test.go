package main

import (
	"encoding/csv"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"sdn-zone-firewall/internal/config"
	"sdn-zone-firewall/internal/packet"
	"sdn-zone-firewall/internal/parser"
)

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()
	if cmd == nil {
		t.Fatal("newRootCmd returned nil")
	}
	if cmd.Use != "sdn-zone-firewall" {
		t.Errorf("Expected use 'sdn-zone-firewall', got '%s'", cmd.Use)
	}
	for name := range config.FlagKeys {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("Expected flag --%s bound to config", name)
		}
	}
}

func TestEstimateTotalTasks(t *testing.T) {
	traffic := (*parser.InputTraffic)(nil)
	if estimateTotalTasks(traffic, "sample", 10) != 0 {
		t.Error("Expected 0 for nil traffic")
	}

	prefix := netip.MustParsePrefix("10.0.0.0/24")
	traffic = &parser.InputTraffic{
		SrcIPs: []netip.Prefix{prefix},
		DstIPs: []parser.Destination{
			{Prefix: prefix},
		},
		Ports: []parser.PortInfo{
			{Protocol: "tcp", Port: 80},
		},
	}

	// Sample mode
	count := estimateTotalTasks(traffic, "sample", 65536)
	if count != 1 {
		t.Errorf("Expected 1 task in sample mode, got %d", count)
	}

	// Expand mode
	count = estimateTotalTasks(traffic, "expand", 65536)
	if count != 256*256 {
		t.Errorf("Expected %d tasks in expand mode, got %d", 256*256, count)
	}

	// Max hosts restriction
	count = estimateTotalTasks(traffic, "expand", 10)
	if count != 1 {
		t.Errorf("Expected 1 task when max-hosts is exceeded, got %d", count)
	}
}

func TestAddresses(t *testing.T) {
	p := netip.MustParsePrefix("128.114.1.100/30")
	if got := addresses(p, "sample", 256); len(got) != 1 || got[0] != netip.MustParseAddr("128.114.1.100") {
		t.Errorf("Expected first address in sample mode, got %v", got)
	}
	if got := addresses(p, "expand", 256); len(got) != 4 {
		t.Errorf("Expected 4 addresses in expand mode, got %v", got)
	}
}

func TestSetupLogger(t *testing.T) {
	levels := []string{"DEBUG", "INFO", "WARN", "ERROR", "UNKNOWN"}
	for _, lvl := range levels {
		l := setupLogger(config.LogConfig{Level: lvl, Format: "json"})
		if l == nil {
			t.Errorf("setupLogger returned nil for level %s", lvl)
		}
	}

	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")
	l1 := setupLogger(config.LogConfig{Level: "info", Format: "text", File: logFile, MaxSizeMB: 1})
	if l1 == nil {
		t.Fatal("setupLogger with file returned nil")
	}
	l1.Info("hello")
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("Expected log file to be created: %v", err)
	}
}

func TestLoadTopology(t *testing.T) {
	topo, err := loadTopology(config.TopologyConfig{Provider: config.ProviderBuiltin})
	if err != nil || len(topo.Rules) != 5 {
		t.Fatalf("Expected builtin campus with 5 rules, got %v, %v", topo, err)
	}

	topo, err = loadTopology(config.TopologyConfig{Provider: config.ProviderFile, File: "../../configs/campus.yaml"})
	if err != nil || len(topo.Switches) != 6 {
		t.Fatalf("Expected campus file with 6 switches, got %v, %v", topo, err)
	}

	// Test unknown provider
	_, err = loadTopology(config.TopologyConfig{Provider: "fortigate"})
	if !errors.Is(err, parser.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}

	// Test file with missing path
	if _, err = loadTopology(config.TopologyConfig{Provider: config.ProviderFile}); err == nil {
		t.Error("Expected error for missing topology path")
	}
	if _, err = loadTopology(config.TopologyConfig{Provider: config.ProviderFile, File: "/nonexistent/topology.yaml"}); err == nil {
		t.Error("Expected error for nonexistent topology file")
	}

	// Test mariadb with missing and invalid DSN
	if _, err = loadTopology(config.TopologyConfig{Provider: config.ProviderMariaDB}); err == nil {
		t.Error("Expected error for missing mariadb DSN")
	}
	if _, err = loadTopology(config.TopologyConfig{Provider: config.ProviderMariaDB, DSN: "invalid-dsn"}); err == nil {
		t.Error("Expected error for invalid mariadb DSN")
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return rows
}

func column(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func TestRun(t *testing.T) {
	tmpDir := t.TempDir()

	srcFile := filepath.Join(tmpDir, "src.csv")
	dstFile := filepath.Join(tmpDir, "dst.csv")
	portsFile := filepath.Join(tmpDir, "ports.txt")
	outFile := filepath.Join(tmpDir, "out.csv")
	deliveredFile := filepath.Join(tmpDir, "delivered.csv")
	flowsFile := filepath.Join(tmpDir, "flows.csv")

	os.WriteFile(srcFile, []byte("Network Segment\n128.114.1.101\n108.35.24.113"), 0644)
	os.WriteFile(dstFile, []byte("Network Segment,Site\n128.114.2.201,dept-b\n128.114.3.178,server"), 0644)
	os.WriteFile(portsFile, []byte("ssh,22/tcp\nping,icmp"), 0644)

	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"--src", srcFile,
		"--dst", dstFile,
		"--ports", portsFile,
		"--out", outFile,
		"--delivered", deliveredFile,
		"--flows", flowsFile,
		"--mode", "sample",
		"--log-level", "debug",
		"--log-file", filepath.Join(tmpDir, "controller.log"),
	})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	rows := readCSV(t, outFile)
	if len(rows) != 1+2*2*2 {
		t.Fatalf("Expected 8 traced flows, got %d rows", len(rows))
	}
	outcomes := make(map[string]string)
	src, dst, svc, out := column(rows[0], "src_ip"), column(rows[0], "dst_ip"), column(rows[0], "service_label"), column(rows[0], "outcome")
	for _, row := range rows[1:] {
		outcomes[row[src]+">"+row[dst]+"/"+row[svc]] = row[out]
	}
	want := map[string]string{
		"128.114.1.101>128.114.2.201/ssh":  "DELIVERED",
		"128.114.1.101>128.114.2.201/ping": "DENIED",
		"128.114.1.101>128.114.3.178/ssh":  "DELIVERED",
		"128.114.1.101>128.114.3.178/ping": "DELIVERED",
		"108.35.24.113>128.114.2.201/ssh":  "DELIVERED",
		"108.35.24.113>128.114.2.201/ping": "DENIED",
		"108.35.24.113>128.114.3.178/ssh":  "DENIED",
		"108.35.24.113>128.114.3.178/ping": "DENIED",
	}
	for k, v := range want {
		if outcomes[k] != v {
			t.Errorf("%s: expected %s, got %q", k, v, outcomes[k])
		}
	}

	if delivered := readCSV(t, deliveredFile); len(delivered) != 1+4 {
		t.Errorf("Expected 4 delivered flows, got %d rows", len(delivered)-1)
	}
	if flows := readCSV(t, flowsFile); len(flows) < 2 {
		t.Errorf("Expected installed flow rules, got %d rows", len(flows))
	}

	// Test Expand mode with a topology file
	cmdExpand := newRootCmd()
	cmdExpand.SetArgs([]string{
		"--src", srcFile,
		"--dst", dstFile,
		"--ports", portsFile,
		"--provider", "file",
		"--topology", "../../configs/campus.yaml",
		"--out", filepath.Join(tmpDir, "out_expand.csv"),
		"--delivered", filepath.Join(tmpDir, "delivered_expand.csv"),
		"--flows", filepath.Join(tmpDir, "flows_expand.csv"),
		"--mode", "expand",
		"--max-hosts", "256",
		"--workers", "2",
	})
	if err := cmdExpand.Execute(); err != nil {
		t.Fatalf("Expand mode Execute failed: %v", err)
	}
}

func TestRunAppliesFlowTimeoutFlags(t *testing.T) {
	tmpDir := t.TempDir()

	srcFile := filepath.Join(tmpDir, "src.csv")
	dstFile := filepath.Join(tmpDir, "dst.csv")
	portsFile := filepath.Join(tmpDir, "ports.txt")
	flowsFile := filepath.Join(tmpDir, "flows.csv")

	os.WriteFile(srcFile, []byte("Network Segment\n128.114.1.101"), 0644)
	os.WriteFile(dstFile, []byte("Network Segment\n128.114.2.201"), 0644)
	os.WriteFile(portsFile, []byte("ssh,22/tcp"), 0644)

	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"--src", srcFile,
		"--dst", dstFile,
		"--ports", portsFile,
		"--out", filepath.Join(tmpDir, "out.csv"),
		"--delivered", filepath.Join(tmpDir, "delivered.csv"),
		"--flows", flowsFile,
		"--idle-timeout", "3s",
		"--hard-timeout", "7s",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	rows := readCSV(t, flowsFile)
	if len(rows) < 2 {
		t.Fatalf("Expected installed flow rules, got %d rows", len(rows))
	}
	action, idle, hard := column(rows[0], "action"), column(rows[0], "idle_timeout"), column(rows[0], "hard_timeout")
	forwards := 0
	for _, row := range rows[1:] {
		if row[action] == "drop" {
			continue
		}
		forwards++
		if row[idle] != "3s" || row[hard] != "7s" {
			t.Errorf("Expected 3s/7s timeouts, got %s/%s", row[idle], row[hard])
		}
	}
	if forwards == 0 {
		t.Error("Expected at least one forwarding rule")
	}
}

func TestRunPcap(t *testing.T) {
	tmpDir := t.TempDir()
	pcapFile := filepath.Join(tmpDir, "capture.pcap")
	outFile := filepath.Join(tmpDir, "out.csv")

	f, err := os.Create(pcapFile)
	if err != nil {
		t.Fatal(err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	specs := []packet.FrameSpec{
		{Kind: packet.FrameARP, SrcIP: netip.MustParseAddr("128.114.1.101"), DstIP: netip.MustParseAddr("128.114.1.102")},
		{Kind: packet.FrameTCP, SrcIP: netip.MustParseAddr("192.47.38.109"), DstIP: netip.MustParseAddr("128.114.3.178"), SrcPort: 40000, DstPort: 80},
	}
	for _, spec := range specs {
		frame, err := packet.Build(spec)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.WritePacket(gopacket.CaptureInfo{Length: len(frame), CaptureLength: len(frame)}, frame); err != nil {
			t.Fatal(err)
		}
	}
	f.Close()

	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"--pcap", pcapFile,
		"--out", outFile,
		"--delivered", filepath.Join(tmpDir, "delivered.csv"),
		"--flows", filepath.Join(tmpDir, "flows.csv"),
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	rows := readCSV(t, outFile)
	if len(rows) != 3 {
		t.Fatalf("Expected 2 traced frames, got %d rows", len(rows)-1)
	}
	out := column(rows[0], "outcome")
	seen := map[string]bool{rows[1][out]: true, rows[2][out]: true}
	if !seen["FLOODED"] || !seen["DENIED"] {
		t.Errorf("Expected FLOODED and DENIED outcomes, got %v", seen)
	}
}

func TestRunErrors(t *testing.T) {
	// Missing input files or other errors that should cause run to return error
	tmpDir := t.TempDir()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--src", filepath.Join(tmpDir, "nonexistent"), "--dst", "nonexistent", "--ports", "nonexistent"})
	if err := cmd.Execute(); err == nil {
		t.Error("Expected error for nonexistent input files")
	}

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--out", filepath.Join(tmpDir, "out.csv")})
	if err := cmd.Execute(); err == nil {
		t.Error("Expected error when neither a matrix nor a pcap is given")
	}

	// Invalid provider
	srcFile := filepath.Join(tmpDir, "src.csv")
	dstFile := filepath.Join(tmpDir, "dst.csv")
	portsFile := filepath.Join(tmpDir, "ports.txt")
	os.WriteFile(srcFile, []byte("Network Segment\n10.0.0.0/24"), 0644)
	os.WriteFile(dstFile, []byte("Network Segment\n10.1.0.0/24"), 0644)
	os.WriteFile(portsFile, []byte("80/tcp"), 0644)

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--src", srcFile, "--dst", dstFile, "--ports", portsFile, "--provider", "invalid"})
	if err := cmd.Execute(); err == nil {
		t.Error("Expected error for invalid provider")
	}

	// Task limit
	cmd = newRootCmd()
	cmd.SetArgs([]string{"--src", srcFile, "--dst", dstFile, "--ports", portsFile, "--mode", "expand", "--max-tasks", "10",
		"--out", filepath.Join(tmpDir, "out.csv"), "--delivered", filepath.Join(tmpDir, "d.csv"), "--flows", filepath.Join(tmpDir, "f.csv")})
	if err := cmd.Execute(); err == nil {
		t.Error("Expected error when the task limit is exceeded")
	}
}

package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"sdn-zone-firewall/internal/config"
	"sdn-zone-firewall/internal/engine"
	"sdn-zone-firewall/internal/flow"
	"sdn-zone-firewall/internal/model"
	"sdn-zone-firewall/internal/packet"
	"sdn-zone-firewall/internal/parser"
	"sdn-zone-firewall/internal/sim"
	"sdn-zone-firewall/internal/topology"
	"sdn-zone-firewall/internal/utils"
)

var (
	configFile    string
	srcFile       string
	dstFile       string
	portsFile     string
	pcapFile      string
	outFile       string
	deliveredFile string
	flowsFile     string
	matchMode     string
	maxHosts      uint64
	maxTasks      uint64
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdn-zone-firewall",
		Short: "Zone firewall and static routing decisions for an SDN campus",
		Long: `sdn-zone-firewall loads a campus topology, then replays a traffic matrix or
a pcap capture through the controller decision engine, following every
forwarded packet switch by switch until it is delivered or stopped.`,
		SilenceUsage: true,
		RunE:         run,
	}

	// Set up flags
	rootCmd.Flags().StringVar(&configFile, "config", "", "Controller config file (YAML)")
	rootCmd.Flags().StringVar(&srcFile, "src", "", "Source IP list CSV file")
	rootCmd.Flags().StringVar(&dstFile, "dst", "", "Destination IP list CSV file")
	rootCmd.Flags().StringVar(&portsFile, "ports", "", "Services list file")
	rootCmd.Flags().StringVar(&pcapFile, "pcap", "", "Replay the frames of a pcap file instead of the traffic matrix")
	rootCmd.Flags().String("provider", config.ProviderBuiltin, "Topology provider: 'builtin', 'file', 'mariadb' or 'sqlite'")
	rootCmd.Flags().String("topology", "", "Topology YAML file (for 'file' provider)")
	rootCmd.Flags().String("dsn", "", "Database connection string (for 'mariadb' and 'sqlite' providers)")
	rootCmd.Flags().String("site", "", "Site name to filter DB queries (adds WHERE site_name = '...')")
	rootCmd.Flags().StringVar(&outFile, "out", "results.csv", "Output CSV file for all traced flows")
	rootCmd.Flags().StringVar(&deliveredFile, "delivered", "delivered.csv", "Output CSV file for delivered flows")
	rootCmd.Flags().StringVar(&flowsFile, "flows", "flows.csv", "Output CSV file for installed flow rules")
	rootCmd.Flags().IntP("workers", "w", 4, "Number of concurrent workers")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", "json", "Log format (json, text)")
	rootCmd.Flags().String("log-file", "", "Log file path, rotated (default: stderr)")
	rootCmd.Flags().Duration("idle-timeout", model.DefaultFlowTimeouts.Idle, "Idle timeout of forwarding rules")
	rootCmd.Flags().Duration("hard-timeout", model.DefaultFlowTimeouts.Hard, "Hard timeout of forwarding rules")

	// Matching mode flags
	rootCmd.Flags().StringVar(&matchMode, "mode", "sample", "Matching mode: 'sample' (test first IP) or 'expand' (test all IPs in small CIDRs)")
	rootCmd.Flags().Uint64Var(&maxHosts, "max-hosts", 256, "Maximum number of hosts in a CIDR to expand in 'expand' mode")
	rootCmd.Flags().Uint64Var(&maxTasks, "max-tasks", 1000000, "Maximum number of tasks allowed before aborting")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// task is one frame to trace. Matrix tasks carry addresses and a service and
// are built into a frame by the worker; pcap tasks carry the frame itself.
type task struct {
	frame []byte

	src, dst     netip.Addr
	proto        model.Protocol
	port         int
	serviceLabel string
	srcSegment   string
	dstSegment   string
	dstMeta      map[string]string
}

type record struct {
	model.TraceResult
	SrcSegment string
	DstSegment string
	DstSite    string
}

func run(cmd *cobra.Command, args []string) error {
	// --- 1. Load Configuration ---
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	// --- 2. Setup Logging ---
	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting SDN zone firewall", "version", "1.0-go")
	startTime := time.Now()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	// --- 3. Load Topology ---
	slog.Info("Loading topology...", "provider", cfg.Topology.Provider)
	topo, err := loadTopology(cfg.Topology)
	if err != nil {
		slog.Error("Failed to load topology", "error", err)
		return err
	}
	if topo.Flow.Idle == 0 {
		topo.Flow.Idle = cfg.Flow.IdleTimeout
	}
	if topo.Flow.Hard == 0 {
		topo.Flow.Hard = cfg.Flow.HardTimeout
	}
	slog.Info("Successfully loaded topology", "zones", len(topo.Zones), "rules", len(topo.Rules),
		"switches", len(topo.Switches), "hosts", len(topo.Hosts), "links", len(topo.Links))

	// --- 4. Create Engine ---
	recorder := flow.NewRecorder()
	eng, err := engine.New(topo, &flow.LogInstaller{Logger: logger, Next: recorder}, engine.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to build engine", "error", err)
		return err
	}

	// --- 5. Open Inputs ---
	var produce func(chan<- task) int
	var totalTasks uint64
	if pcapFile != "" {
		f, err := os.Open(pcapFile)
		if err != nil {
			slog.Error("Failed to open pcap file", "path", pcapFile, "error", err)
			return err
		}
		defer f.Close()
		r, err := pcapgo.NewReader(f)
		if err != nil {
			slog.Error("Failed to read pcap header", "path", pcapFile, "error", err)
			return err
		}
		produce = func(tasks chan<- task) int { return producePcap(ctx, r, tasks) }
	} else {
		traffic, err := openTraffic()
		if err != nil {
			return err
		}
		slog.Info("Input traffic parsed", "source_cidrs", len(traffic.SrcIPs), "destination_cidrs", len(traffic.DstIPs), "services", len(traffic.Ports))

		totalTasks = estimateTotalTasks(traffic, matchMode, maxHosts)
		slog.Info("Task count estimated", "total_tasks", totalTasks)
		if maxTasks > 0 && totalTasks > maxTasks {
			slog.Error("Estimated task count exceeds limit", "total_tasks", totalTasks, "max_tasks", maxTasks)
			return fmt.Errorf("estimated %d tasks exceeds limit of %d", totalTasks, maxTasks)
		}
		produce = func(tasks chan<- task) int { return produceMatrix(ctx, traffic, tasks) }
	}

	var completedTasks atomic.Uint64
	progressDone := make(chan struct{})
	if totalTasks > 0 {
		go reportProgress(totalTasks, &completedTasks, progressDone)
	}

	// --- 6. Setup Worker Pool and Channels ---
	workers := cfg.Workers
	tasks := make(chan task, workers*100)
	results := make(chan record, workers*100)
	var wg sync.WaitGroup

	// --- 7. Start Writer Goroutine ---
	slog.Info("Starting result writer", "output_file", outFile, "delivered_file", deliveredFile)
	writerErr := make(chan error, 1)
	go func() {
		writerErr <- resultWriter(results, outFile, deliveredFile, &completedTasks)
	}()

	// --- 8. Start Worker Goroutines ---
	slog.Info("Starting tracer workers", "count", workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker(ctx, &wg, i+1, sim.NewTracer(eng, topo), tasks, results)
	}

	// --- 9. Start Producer Goroutine ---
	go func() {
		slog.Info("Starting task producer", "mode", matchMode, "pcap", pcapFile != "")
		taskCount := produce(tasks)
		close(tasks)
		slog.Info("Task producer finished", "total_tasks", taskCount)
	}()

	// --- 10. Wait for Workers and Writer ---
	wg.Wait()
	close(results)
	err = <-writerErr
	close(progressDone)
	if err != nil {
		slog.Error("Failed to write results", "error", err)
		return err
	}

	if err := writeFlows(flowsFile, recorder.FlowMods()); err != nil {
		slog.Error("Failed to write flow rules", "path", flowsFile, "error", err)
		return err
	}

	stats := eng.Stats()
	slog.Info("Decisions", "flood", stats.Flood, "deny_install", stats.DenyAndInstall, "deny_only", stats.DenyOnly,
		"forward", stats.Forward, "no_route", stats.NoRoute, "flow_rules", len(recorder.FlowMods()))
	if err := ctx.Err(); err != nil {
		slog.Warn("Simulation interrupted", "error", err)
		return err
	}
	slog.Info("Simulation complete", "duration", time.Since(startTime))
	return nil
}

func openTraffic() (*parser.InputTraffic, error) {
	if srcFile == "" || dstFile == "" || portsFile == "" {
		return nil, fmt.Errorf("--src, --dst and --ports are required unless --pcap is set")
	}
	srcF, err := os.Open(srcFile)
	if err != nil {
		slog.Error("Failed to open source IP file", "path", srcFile, "error", err)
		return nil, err
	}
	defer srcF.Close()

	dstF, err := os.Open(dstFile)
	if err != nil {
		slog.Error("Failed to open destination IP file", "path", dstFile, "error", err)
		return nil, err
	}
	defer dstF.Close()

	portsF, err := os.Open(portsFile)
	if err != nil {
		slog.Error("Failed to open ports file", "path", portsFile, "error", err)
		return nil, err
	}
	defer portsF.Close()

	slog.Info("Parsing input traffic files")
	traffic, err := parser.ParseInputTraffic(srcF, dstF, portsF)
	if err != nil {
		slog.Error("Failed to parse input traffic", "error", err)
		return nil, err
	}
	return traffic, nil
}

func reportProgress(totalTasks uint64, completed *atomic.Uint64, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastLogged uint64
	for {
		select {
		case <-ticker.C:
			n := completed.Load()
			if n == lastLogged {
				continue
			}
			remaining := uint64(0)
			if n < totalTasks {
				remaining = totalTasks - n
			}
			percent := float64(n) / float64(totalTasks) * 100
			slog.Info("Progress", "total_tasks", totalTasks, "completed_tasks", n, "remaining_tasks", remaining, "percent", fmt.Sprintf("%.2f", percent))
			lastLogged = n
			if n >= totalTasks {
				return
			}
		case <-done:
			return
		}
	}
}

// addresses returns the addresses of p to test: the first one in sample
// mode, all of them in expand mode when p is small enough.
func addresses(p netip.Prefix, mode string, maxHosts uint64) []netip.Addr {
	size := utils.PrefixSize(p)
	if mode == "expand" && size > 1 && size <= maxHosts {
		return utils.Expand(p)
	}
	return []netip.Addr{p.Masked().Addr()}
}

func produceMatrix(ctx context.Context, traffic *parser.InputTraffic, tasks chan<- task) int {
	taskCount := 0
	for _, src := range traffic.SrcIPs {
		srcAddrs := addresses(src, matchMode, maxHosts)
		for _, dst := range traffic.DstIPs {
			dstAddrs := addresses(dst.Prefix, matchMode, maxHosts)
			for _, srcIP := range srcAddrs {
				for _, dstIP := range dstAddrs {
					for _, portInfo := range traffic.Ports {
						t := task{
							src:          srcIP,
							dst:          dstIP,
							proto:        portInfo.Protocol,
							port:         portInfo.Port,
							serviceLabel: portInfo.Label,
							srcSegment:   src.String(),
							dstSegment:   dst.Prefix.String(),
							dstMeta:      dst.Metadata,
						}
						select {
						case tasks <- t:
							taskCount++
						case <-ctx.Done():
							return taskCount
						}
					}
				}
			}
		}
	}
	return taskCount
}

func producePcap(ctx context.Context, r *pcapgo.Reader, tasks chan<- task) int {
	taskCount := 0
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			return taskCount
		}
		if err != nil {
			slog.Error("Failed to read pcap packet", "index", taskCount, "error", err)
			return taskCount
		}
		select {
		case tasks <- task{frame: data, serviceLabel: "pcap"}:
			taskCount++
		case <-ctx.Done():
			return taskCount
		}
	}
}

func estimateTotalTasks(traffic *parser.InputTraffic, mode string, maxHosts uint64) uint64 {
	if traffic == nil {
		return 0
	}

	count := func(p netip.Prefix) uint64 {
		if mode == "expand" {
			size := utils.PrefixSize(p)
			if size > 1 && size <= maxHosts {
				return size
			}
		}
		return 1
	}

	var total uint64
	for _, src := range traffic.SrcIPs {
		for _, dst := range traffic.DstIPs {
			total += count(src) * count(dst.Prefix) * uint64(len(traffic.Ports))
		}
	}
	return total
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if cfg.File != "" {
		logWriter = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,  // megabytes
			MaxBackups: cfg.MaxBackups, // number of backups
			MaxAge:     cfg.MaxAgeDays, // days
		}
	}

	// Falls back to info for unknown levels; Load has already validated it.
	lvl, _ := config.ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(logWriter, opts))
	}
	return slog.New(slog.NewJSONHandler(logWriter, opts))
}

func loadTopology(cfg config.TopologyConfig) (*model.Topology, error) {
	switch cfg.Provider {
	case config.ProviderBuiltin, "":
		return topology.Campus(), nil
	case config.ProviderFile:
		if cfg.File == "" {
			return nil, fmt.Errorf("topology file path must be provided for file provider")
		}
		file, err := os.Open(cfg.File)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		p := parser.NewFileParser(file)
		if err := p.Parse(); err != nil {
			return nil, err
		}
		return p.Topology, nil
	case config.ProviderMariaDB, config.ProviderSQLite:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database connection string must be provided for %s provider", cfg.Provider)
		}
		var p *parser.DBParser
		var err error
		if cfg.Provider == config.ProviderMariaDB {
			p, err = parser.NewMariaDBParser(cfg.DSN, cfg.Site)
		} else {
			p, err = parser.NewSQLiteParser(cfg.DSN, cfg.Site)
		}
		if err != nil {
			return nil, err
		}
		defer p.Close()
		if err := p.Parse(); err != nil {
			return nil, err
		}
		return p.Topology, nil
	default:
		return nil, fmt.Errorf("%w: %s", parser.ErrUnknownProvider, cfg.Provider)
	}
}

func worker(ctx context.Context, wg *sync.WaitGroup, id int, tracer *sim.Tracer, tasks <-chan task, results chan<- record) {
	defer wg.Done()
	slog.Debug("Worker started", "id", id)
	for t := range tasks {
		rec, err := traceTask(ctx, tracer, &t)
		if errors.Is(err, context.Canceled) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping task", "worker", id, "src", t.src, "dst", t.dst, "service", t.serviceLabel, "error", err)
			continue
		}
		if rec.Outcome == sim.OutcomeMalformed {
			slog.Warn("Malformed frame ignored", "worker", id, "error", rec.Reason)
		}
		results <- rec
	}
	slog.Debug("Worker finished", "id", id)
}

func traceTask(ctx context.Context, tracer *sim.Tracer, t *task) (record, error) {
	frame := t.frame
	if frame == nil {
		spec, err := tracer.FrameFor(t.src, t.dst, t.proto, t.port)
		if err != nil {
			return record{}, err
		}
		if frame, err = packet.Build(spec); err != nil {
			return record{}, err
		}
	}

	res, err := tracer.Trace(ctx, frame)
	if err != nil {
		return record{}, err
	}
	res.ServiceLabel = t.serviceLabel
	if t.frame == nil {
		res.Port = t.port
	}

	rec := record{TraceResult: res, SrcSegment: t.srcSegment, DstSegment: t.dstSegment}
	if val, ok := t.dstMeta["dst_site"]; ok {
		rec.DstSite = val
	}
	return rec, nil
}

var resultHeader = []string{"src_network_segment", "dst_network_segment", "dst_site", "src_ip", "dst_ip", "service_label", "protocol", "port",
	"ingress_switch", "outcome", "decision", "matched_rule_id", "reason", "path", "delivered_to"}

func resultWriter(results <-chan record, outPath, deliveredPath string, completedTasks *atomic.Uint64) error {
	// Drain on early return so workers never block.
	defer func() {
		for range results {
		}
	}()

	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", outPath, err)
	}
	defer outFile.Close()

	deliveredFile, err := os.Create(deliveredPath)
	if err != nil {
		return fmt.Errorf("failed to create delivered file %s: %w", deliveredPath, err)
	}
	defer deliveredFile.Close()

	outWriter := csv.NewWriter(outFile)
	deliveredWriter := csv.NewWriter(deliveredFile)

	// Write headers
	outWriter.Write(resultHeader)
	deliveredWriter.Write(resultHeader)

	var written uint64
	for r := range results {
		row := []string{
			r.SrcSegment,
			r.DstSegment,
			r.DstSite,
			r.SrcIP,
			r.DstIP,
			r.ServiceLabel,
			r.Protocol,
			fmt.Sprintf("%d", r.Port),
			fmt.Sprintf("%d", r.IngressSwitch),
			r.Outcome,
			r.Decision,
			r.MatchedRuleID,
			r.Reason,
			strings.Join(r.Path, ">"),
			r.DeliveredTo,
		}
		outWriter.Write(row)
		if r.Outcome == sim.OutcomeDelivered {
			deliveredWriter.Write(row)
		}
		written++
		if written%1024 == 0 {
			completedTasks.Store(written)
		}
	}
	completedTasks.Store(written)

	outWriter.Flush()
	deliveredWriter.Flush()
	if err := outWriter.Error(); err != nil {
		return err
	}
	if err := deliveredWriter.Error(); err != nil {
		return err
	}
	slog.Info("Result writer finished", "records", written)
	return nil
}

func writeFlows(path string, mods []flow.FlowMod) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"switch", "match", "action", "idle_timeout", "hard_timeout"})
	for _, m := range mods {
		action := "drop"
		if !m.IsDrop() {
			action = fmt.Sprintf("output:%d", m.Actions[0].OutPort)
		}
		w.Write([]string{
			fmt.Sprintf("%d", m.SwitchID),
			m.Match.String(),
			action,
			m.IdleTimeout.String(),
			m.HardTimeout.String(),
		})
	}
	w.Flush()
	return w.Error()
}

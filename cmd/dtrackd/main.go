/*
dtrackd is the per-node daemon: it binds the detection, routing, and
discovery sockets, runs the sync barrier at startup, then drives the
DETECT -> COLLECT -> PROCESS cycle forever. Flag parsing follows
cmd/ptp4u/main.go's style: build a Config with defaults, parse flags
into overrides, optionally load a YAML file, log.Fatalf on anything
that prevents the node from starting.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dtrack-fleet/dtrack/config"
	"github.com/dtrack-fleet/dtrack/cycle"
	"github.com/dtrack-fleet/dtrack/debug"
	"github.com/dtrack-fleet/dtrack/detector"
	"github.com/dtrack-fleet/dtrack/discovery"
	"github.com/dtrack-fleet/dtrack/registry"
	"github.com/dtrack-fleet/dtrack/routing"
	"github.com/dtrack-fleet/dtrack/stats"
	"github.com/dtrack-fleet/dtrack/syncbarrier"
	"github.com/dtrack-fleet/dtrack/tracker"
	"github.com/dtrack-fleet/dtrack/transport"
)

const (
	discoveryReceiveTimeout = 1 * time.Second
	discoveryBufferSize     = 1024
)

func main() {
	c := config.Default()

	var (
		nodeIDFlag        string
		hostFlag          string
		portFlag          int
		discoveryPortFlag int
		discoveryCIDRFlag string
		neighborsFlag     string
		configFlag        string
		logLevelFlag      string
		monitoringFlag    int
		cycleTimeFlag     time.Duration
		collectTimeout    time.Duration
		syntheticFlag     bool
	)

	flag.StringVar(&nodeIDFlag, "id", "", "node id; auto-generated if empty")
	flag.StringVar(&hostFlag, "host", "", "bind address for all sockets")
	flag.IntVar(&portFlag, "port", 0, "base detection port (routing uses port+1)")
	flag.IntVar(&discoveryPortFlag, "discoveryport", 0, "cluster-wide discovery/sync port")
	flag.StringVar(&discoveryCIDRFlag, "discover", "", "CIDR to auto-discover peers on, e.g. 192.168.1.0/24")
	flag.StringVar(&neighborsFlag, "neighbors", "", "manual neighbor list: id,host,port;...")
	flag.StringVar(&configFlag, "config", "", "path to a YAML config file")
	flag.StringVar(&logLevelFlag, "loglevel", "warning", "log level: debug, info, warning, error")
	flag.IntVar(&monitoringFlag, "monitoringport", 0, "port to run the prometheus /metrics and /debug/* endpoints on")
	flag.DurationVar(&cycleTimeFlag, "cycletime", 0, "cycle period, e.g. 10s")
	flag.DurationVar(&collectTimeout, "collecttimeout", 0, "COLLECT phase hard cutoff, e.g. 5s")
	flag.BoolVar(&syntheticFlag, "synthetic", false, "use the synthetic detector instead of a real camera pipeline")
	flag.Parse()

	switch logLevelFlag {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", logLevelFlag)
	}

	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}

	if configFlag != "" {
		loaded, err := config.Read(configFlag)
		if err != nil {
			log.Fatalf("reading config: %v", err)
		}
		c = loaded
	}
	if nodeIDFlag != "" {
		warn("node_id")
		c.NodeID = nodeIDFlag
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
		log.Infof("no node id configured, generated %s", c.NodeID)
	}
	if hostFlag != "" {
		warn("host")
		c.Host = hostFlag
	}
	if portFlag != 0 {
		warn("port")
		c.Port = portFlag
	}
	if discoveryPortFlag != 0 {
		warn("discovery_port")
		c.DiscoveryPort = discoveryPortFlag
	}
	if discoveryCIDRFlag != "" {
		warn("discovery_cidr")
		c.DiscoveryCIDR = discoveryCIDRFlag
	}
	if monitoringFlag != 0 {
		warn("monitoring_port")
		c.MonitoringPort = monitoringFlag
	}
	if cycleTimeFlag != 0 {
		warn("cycle_time")
		c.CycleTime = cycleTimeFlag
	}
	if collectTimeout != 0 {
		warn("collection_timeout")
		c.CollectionTimeout = collectTimeout
	}
	if neighborsFlag != "" {
		neighbors, err := parseNeighbors(neighborsFlag)
		if err != nil {
			log.Fatalf("parsing -neighbors: %v", err)
		}
		c.Neighbors = neighbors
	}

	if err := c.EvalAndValidate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detectionSocket, err := transport.Bind("detection", c.Host, c.Port)
	if err != nil {
		log.Fatalf("binding detection socket: %v", err)
	}
	defer detectionSocket.Close()

	routingSocket, err := transport.Bind("routing", c.Host, c.Port+1)
	if err != nil {
		log.Fatalf("binding routing socket: %v", err)
	}
	defer routingSocket.Close()

	discoverySocket, err := transport.Bind("discovery", c.Host, c.DiscoveryPort)
	if err != nil {
		log.Fatalf("binding discovery socket: %v", err)
	}
	defer discoverySocket.Close()

	reg := registry.New()
	reg.Upsert(registry.Peer{NodeID: c.NodeID, Endpoint: registry.Endpoint{Host: c.Host, Port: c.Port}})
	for _, n := range c.Neighbors {
		reg.Upsert(registry.Peer{
			NodeID:   n.NodeID,
			Endpoint: registry.Endpoint{Host: n.Host, Port: n.Port},
			LinkCost: n.LinkCost,
		})
	}

	var collector stats.Collector = stats.Noop{}
	var prom *stats.PromCollector
	if c.MonitoringPort != 0 {
		prom = stats.NewPromCollector()
		collector = prom
	}

	responder := discovery.NewResponder(c.NodeID, c.Host, c.Port, discoverySocket, reg)
	barrier := syncbarrier.New(c.NodeID, discoverySocket, reg.Snapshot(), c.GraceWindow, c.StaleThreshold)

	// Discovery and sync share one port, so exactly one ReceiveLoop
	// owns the socket and hands every datagram to both handlers; each
	// ignores message types that aren't its own.
	go discoverySocket.ReceiveLoop(ctx, discoveryReceiveTimeout, discoveryBufferSize, func(payload []byte, from *net.UDPAddr) {
		responder.HandleDatagram(payload, from)
		barrier.HandleDatagram(payload, from)
	})

	if c.DiscoveryCIDR != "" {
		scanner := discovery.NewScanner(discoverySocket, reg, c.DiscoveryPort)
		if _, err := scanner.Scan(ctx, c.DiscoveryCIDR); err != nil {
			log.Errorf("discovery scan failed: %v", err)
		}
		log.Infof("discovery scan complete, %d peers known", reg.Count())
	}

	barrier.Start(ctx)
	released, cohort := barrier.Wait(c.SyncTimeout)
	if !released {
		log.Warnf("sync timeout, proceeding with cohort: %v", cohort)
	} else {
		log.Infof("sync barrier released, cohort: %v", cohort)
	}
	time.Sleep(syncbarrier.WaitForBoundary(time.Now()))

	table := routing.NewTable(c.NodeID, routingSocket)
	table.SetNeighbors(routing.NeighborsFromRegistry(reg.Snapshot(), c.NodeID))
	routingManager := routing.NewManager(table)
	go routingManager.Run(ctx)

	localDetector := buildDetector(c.NodeID, syntheticFlag)

	trackerEngine := tracker.New(tracker.LogSink{}, collector, 0, 0, c.InactiveTimeout)
	go trackerEngine.RunOutboundQueue(ctx)

	if prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		debug.Register(mux, reg, table, trackerEngine)
		go func() {
			log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", c.MonitoringPort), mux))
		}()
	}

	engine := cycle.New(c.NodeID, localDetector, reg, table, detectionSocket, trackerEngine, collector, c.CycleTime, c.CollectionTimeout)
	go engine.Run(ctx)

	if err := sdNotifyReady(); err != nil {
		log.Warnf("sd_notify: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	barrier.Stop()
	cancel()
}

// sdNotifyReady tells systemd the node is past barrier sync and its
// sockets and loops are up, so a Type=notify unit can depend on it.
func sdNotifyReady() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		return err
	} else if !supported {
		log.Debug("sd_notify not supported, NOTIFY_SOCKET unset")
	} else {
		log.Info("sent sd_notify ready")
	}
	return nil
}

func buildDetector(nodeID string, synthetic bool) detector.LocalDetector {
	if synthetic {
		return detector.NewSynthetic(seedFromNodeID(nodeID), 3, 0.3, 10)
	}
	return detector.NewStatic(nil)
}

func seedFromNodeID(nodeID string) int64 {
	var seed int64
	for _, r := range nodeID {
		seed = seed*31 + int64(r)
	}
	if seed == 0 {
		seed = 1
	}
	return seed
}

func parseNeighbors(spec string) ([]config.NeighborConfig, error) {
	var out []config.NeighborConfig
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ",")
		if len(parts) < 3 {
			return nil, &neighborFormatError{entry: entry}
		}
		port, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, err
		}
		linkCost := 1
		if len(parts) >= 4 {
			linkCost, err = strconv.Atoi(strings.TrimSpace(parts[3]))
			if err != nil {
				return nil, err
			}
		}
		out = append(out, config.NeighborConfig{
			NodeID:   strings.TrimSpace(parts[0]),
			Host:     strings.TrimSpace(parts[1]),
			Port:     port,
			LinkCost: linkCost,
		})
	}
	return out, nil
}

type neighborFormatError struct{ entry string }

func (e *neighborFormatError) Error() string {
	return "malformed neighbor entry, want id,host,port[,link_cost]: " + e.entry
}

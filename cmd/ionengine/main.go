// Command ionengine wires two LTP engines, each with its own neighbor
// directory, and a Prometheus metrics endpoint into a single process.
// Their spans are linked by an in-process loopback transport pair and
// both timer wheels are ticked once a second. It has no contact plan
// store or CGR planner and submits no blocks itself.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dtnstack/ioncore/internal/store"
	"github.com/dtnstack/ioncore/pkg/config"
	"github.com/dtnstack/ioncore/pkg/contactplan"
	"github.com/dtnstack/ioncore/pkg/linkservice"
	"github.com/dtnstack/ioncore/pkg/ltp"
	"github.com/dtnstack/ioncore/pkg/metrics"
)

var (
	configPath = flag.String("c", "", "path to an ioncore INI config file (optional, defaults are used if empty)")
	httpAddr   = flag.String("http", ":9110", "address to serve /metrics on")
	localID    = flag.Uint64("local", 1, "local LTP engine id")
	remoteID   = flag.Uint64("remote", 2, "remote LTP engine id for the demo loopback span")
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	flag.Parse()

	cfg := &config.Config{Engine: config.EngineConfig{LocalEngineID: *localID}, Spans: map[uint64]config.SpanOverride{}}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("error loading config %v: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	st, err := store.Open(":memory:", logrus.NewEntry(logrus.StandardLogger()))
	if err != nil {
		fmt.Printf("error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	notifier := &loggingNotifier{log: logrus.WithField("component", "ionengine")}

	localEngine := ltp.NewEngine(cfg.Engine.LocalEngineID, contactplan.NewDirectory(nil), notifier, nil)
	remoteEngine := ltp.NewEngine(*remoteID, contactplan.NewDirectory(nil), notifier, nil)
	localEngine.SetMetrics(m)
	remoteEngine.SetMetrics(m)

	localSpanCfg := cfg.ApplySpan(*remoteID)
	localSpanCfg.EngineID = *remoteID
	remoteSpanCfg := cfg.ApplySpan(cfg.Engine.LocalEngineID)
	remoteSpanCfg.EngineID = cfg.Engine.LocalEngineID

	localSpan := localEngine.AddSpan(localSpanCfg, st)
	remoteSpan := remoteEngine.AddSpan(remoteSpanCfg, st)

	localTransport, remoteTransport := linkservice.NewLoopbackPair()
	localBridge := linkservice.NewBridge(localEngine, localSpan, localTransport, logrus.WithField("component", "lsb-local"))
	remoteBridge := linkservice.NewBridge(remoteEngine, remoteSpan, remoteTransport, logrus.WithField("component", "lsb-remote"))
	if err := localBridge.Start(); err != nil {
		fmt.Printf("error starting local bridge: %v\n", err)
		os.Exit(1)
	}
	if err := remoteBridge.Start(); err != nil {
		fmt.Printf("error starting remote bridge: %v\n", err)
		os.Exit(1)
	}
	defer localBridge.Stop()
	defer remoteBridge.Stop()

	// Tick / Clock Driver (the TCD): a 1 Hz external process
	// dispatching both engines' timer wheels.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case now := <-ticker.C:
				localEngine.Tick(now)
				remoteEngine.Tick(now)
				m.ActiveExportSessions.WithLabelValues(fmt.Sprint(*remoteID)).Set(0)
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logrus.WithField("addr", *httpAddr).Info("serving /metrics")
	if err := http.ListenAndServe(*httpAddr, mux); err != nil {
		fmt.Printf("http server error: %v\n", err)
		os.Exit(1)
	}
}

// loggingNotifier is the minimal ltp.Notifier this demo wires up: it logs
// every session-level outcome instead of handing bytes to an application.
type loggingNotifier struct {
	log *logrus.Entry
}

func (n *loggingNotifier) RecvRedPart(spanEngineID, sessionNbr uint64, data []byte, endOfBlock bool) {
	n.log.WithFields(logrus.Fields{"span": spanEngineID, "session": sessionNbr, "bytes": len(data), "eob": endOfBlock}).Info("RecvRedPart")
}

func (n *loggingNotifier) RecvGreenSegment(spanEngineID, sessionNbr uint64, data []byte, endOfBlock bool) {
	n.log.WithFields(logrus.Fields{"span": spanEngineID, "session": sessionNbr, "bytes": len(data), "eob": endOfBlock}).Info("RecvGreenSegment")
}

func (n *loggingNotifier) ExportSessionComplete(spanEngineID, sessionNbr uint64, sdus []ltp.SDU) {
	n.log.WithFields(logrus.Fields{"span": spanEngineID, "session": sessionNbr, "sdus": len(sdus)}).Info("ExportSessionComplete")
}

func (n *loggingNotifier) ExportSessionCanceled(spanEngineID, sessionNbr uint64, reason error) {
	n.log.WithFields(logrus.Fields{"span": spanEngineID, "session": sessionNbr, "reason": reason}).Warn("ExportSessionCanceled")
}

func (n *loggingNotifier) ImportSessionComplete(spanEngineID, sessionNbr uint64) {
	n.log.WithFields(logrus.Fields{"span": spanEngineID, "session": sessionNbr}).Info("ImportSessionComplete")
}

func (n *loggingNotifier) ImportSessionCanceled(spanEngineID, sessionNbr uint64, reason error) {
	n.log.WithFields(logrus.Fields{"span": spanEngineID, "session": sessionNbr, "reason": reason}).Warn("ImportSessionCanceled")
}

func (n *loggingNotifier) XmitComplete(spanEngineID, sessionNbr uint64) {
	n.log.WithFields(logrus.Fields{"span": spanEngineID, "session": sessionNbr}).Info("XmitComplete")
}

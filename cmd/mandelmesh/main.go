package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/lumberjack"
	"golang.org/x/sync/errgroup"

	"mandelmesh.io/internal/mesh/diag"
	"mandelmesh.io/internal/mesh/field"
	"mandelmesh.io/internal/mesh/frame"
	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/stream"
	"mandelmesh.io/internal/mesh/vec"
	"mandelmesh.io/internal/metrics"
	"mandelmesh.io/internal/persistence/indexdb"
	persistlog "mandelmesh.io/internal/persistence/log"
	"mandelmesh.io/internal/persistence/snapshot"
	"mandelmesh.io/internal/transport/viewer"
	"mandelmesh.io/internal/tuning"
	"mandelmesh.io/internal/viewerproto"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to mandelmesh.yaml (default: <configs>/mandelmesh.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite chunk index")
		logFile    = flag.String("log_file", "", "write logs to this file with rotation instead of stdout")
		logMaxMB   = flag.Int("log_max_mb", 100, "rotate the log file after this many megabytes")
		logMaxAge  = flag.Int("log_max_age", 14, "delete rotated log files older than this many days")
		quietDiag  = flag.Bool("quiet_diag", false, "do not print per-chunk extraction lines")

		snapPath   = flag.String("snapshot", "", "path to snapshot to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume from the latest snapshot in the data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	var out io.Writer = os.Stdout
	if *logFile != "" {
		lj := &lumberjack.Logger{
			Filename: *logFile,
			MaxSize:  *logMaxMB,  // megabytes
			MaxAge:   *logMaxAge, // days
		}
		defer lj.Close()
		out = lj
	}
	logger := log.New(out, "[mandelmesh] ", log.LstdFlags|log.Lmicroseconds)
	meshLog := log.New(out, "[mesh] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "mandelmesh.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	// Diagnostics fan out to the log, the event log and Prometheus.
	prom := metrics.New()
	var tick func() uint64
	events := persistlog.NewEventLogger(*dataDir, persistlog.EventLoggerOptions{
		Tick: func() uint64 {
			if tick == nil {
				return 0
			}
			return tick()
		},
	})
	defer events.Close()
	logSink := diag.Logger(meshLog)
	if *quietDiag {
		logSink = diag.Drop(logSink, diag.Extracted, diag.BatchApplied, diag.ChunkEvicted)
	}
	sink := diag.Multi(logSink, events, prom)

	idx, err := openIndex(*dataDir, *disableDB, tune)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	box := field.NewMandelbox(tune.Mandelbox, sink)
	fieldV1 := frame.EncodeField(tune.Mandelbox)

	// Resume from snapshot when it was produced with the same parameters.
	snapshotDir := filepath.Join(*dataDir, "snapshots")
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = snapshot.Latest(snapshotDir)
	}
	var (
		resumed   []*stream.Chunk
		startTick uint64
	)
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		switch {
		case err != nil:
			logger.Fatalf("read snapshot: %v", err)
		case snap.Resolution != tune.Resolution || snap.Field != fieldV1 || frame.DecodeCoord(snap.Root) != octree.Root:
			logger.Printf("snapshot %s was built with different parameters; extracting from scratch", filepath.Base(snapshotToLoad))
		default:
			resumed, err = frame.DecodeSnapshot(snap)
			if err != nil {
				logger.Fatalf("decode snapshot: %v", err)
			}
			startTick = snap.Header.Tick
		}
	}

	tree, err := stream.New(stream.Config{
		Root:          octree.Root,
		Resolution:    tune.Resolution,
		Backlog:       tune.Backlog,
		Policy:        splitPolicy(tune.Split),
		SkipRootSplit: len(resumed) > 0,
	}, box, sink)
	if err != nil {
		logger.Fatalf("tree: %v", err)
	}

	loop := frame.New(frame.Config{
		TickRateHz:         tune.TickRateHz,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
		MaxViewers:         tune.Viewer.MaxViewers,
		StartTick:          startTick,
		Params:             worldParams(tune),
		Field:              fieldV1,
	}, tree, logger)
	tick = loop.CurrentTick
	if idx != nil {
		loop.SetIndex(idx)
	}
	if len(resumed) > 0 {
		tree.Install(resumed, loop.FinalizeChunk)
		logger.Printf("resumed from snapshot=%s tick=%d chunks=%d", filepath.Base(snapshotToLoad), startTick, len(resumed))
	}

	prom.WatchTree(tree.Metrics)
	prom.WatchLoop(loop.Metrics)
	prom.WatchIndex(idx.Stats)
	prom.WatchCounter("eventlog", "dropped_total", "Event log entries dropped because the queue was full.", events.Dropped)

	ctx, cancel := signalContext()
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Snapshot writer.
	snapCh := make(chan snapshot.MeshSnapshotV1, 2)
	loop.SetSnapshotSink(snapCh)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap := <-snapCh:
				path := snapshot.Path(snapshotDir, snap.Header.Tick)
				start := time.Now()
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				var size int64
				if fi, err := os.Stat(path); err == nil {
					size = fi.Size()
				}
				logger.Printf("snapshot tick=%d chunks=%d size=%s in %s", snap.Header.Tick, len(snap.Chunks), humanize.Bytes(uint64(size)), time.Since(start).Round(time.Millisecond))
				idx.RecordSnapshot(indexdb.SnapshotRecord{
					Tick:       snap.Header.Tick,
					Path:       path,
					Chunks:     len(snap.Chunks),
					Resolution: snap.Resolution,
					Bytes:      size,
				})
				removed, err := snapshot.Prune(snapshotDir, tune.SnapshotKeep)
				if err != nil {
					logger.Printf("snapshot prune: %v", err)
				} else if len(removed) > 0 {
					logger.Printf("snapshot pruned %d old file(s)", len(removed))
				}
			}
		}
	})

	g.Go(func() error { return ignoreCanceled(tree.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(loop.Run(ctx)) })

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if err := tree.Err(); err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", prom.Handler())

	vs := viewer.NewServer(loop, logger, viewer.Options{
		SendBuffer:   tune.Viewer.SendBuffer,
		WriteTimeout: time.Duration(tune.Viewer.WriteTimeoutMs) * time.Millisecond,
	})
	mux.HandleFunc("/v1/bootstrap", vs.BootstrapHandler())
	mux.HandleFunc("/v1/ws", vs.WSHandler())

	enableAdminHTTP := envBool("MM_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("MM_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		registerAdmin(mux, loop, tree, idx)
	} else {
		logger.Printf("admin endpoints disabled (MM_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (MM_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("listening on %s (resolution=%d, split=%s)", *addr, tune.Resolution, tune.Split.Policy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		var fault *stream.WorkerFault
		if errors.As(err, &fault) {
			logger.Printf("worker fault at %s: %v\n%s", fault.Coord, fault.Value, fault.Stack)
		}
		logger.Printf("stopped: %v", err)
		events.Close()
		if idx != nil {
			idx.Close()
		}
		os.Exit(1)
	}
	logger.Printf("stopped")
}

func openIndex(dataDir string, disabled bool, tune tuning.Tuning) (*indexdb.SQLiteIndex, error) {
	if disabled {
		return nil, nil
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index.db"))
	if err != nil {
		return nil, err
	}
	if err := idx.UpsertTuning(tune); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("record tuning: %w", err)
	}
	return idx, nil
}

func splitPolicy(s tuning.SplitTuning) stream.SplitPolicy {
	switch s.Policy {
	case "max_depth":
		return stream.MaxDepth{Depth: s.MaxDepth}
	case "distance":
		return stream.Distance{Eye: vec.New(s.Eye[0], s.Eye[1], s.Eye[2]), Factor: s.Factor, MaxDepth: s.MaxDepth}
	default:
		return stream.NoSplit{}
	}
}

func worldParams(t tuning.Tuning) viewerproto.WorldParams {
	m := t.Mandelbox
	return viewerproto.WorldParams{
		TickRateHz:    t.TickRateHz,
		Resolution:    t.Resolution,
		WorldDiameter: octree.WorldDiameter,
		Root:          octree.Root.String(),
		Mandelbox: viewerproto.MandelboxParams{
			FoldingLimit: m.FoldingLimit,
			FixedRadius2: m.FixedRadius2,
			MinRadius2:   m.MinRadius2,
			Scale:        m.Scale,
			Bailout:      m.Bailout,
			MaxIters:     m.MaxIters,
		},
	}
}

func registerAdmin(mux *http.ServeMux, loop *frame.Loop, tree *stream.Tree, idx *indexdb.SQLiteIndex) {
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Tick  uint64         `json:"tick"`
			Tree  stream.Metrics `json:"tree"`
			Frame frame.Metrics  `json:"frame"`
			Index indexdb.Stats  `json:"index"`
		}{
			Tick:  loop.CurrentTick(),
			Tree:  tree.Metrics(),
			Frame: loop.Metrics(),
			Index: idx.Stats(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/admin/v1/split", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		c, err := octree.ParseCoord(r.URL.Query().Get("coord"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel2()
		rw.Header().Set("Content-Type", "application/json")
		if err := loop.RequestSplit(ctx2, c); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "coord": c.String(), "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "coord": c.String()})
	})
	mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel2()
		tick, err := loop.RequestSnapshot(ctx2)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

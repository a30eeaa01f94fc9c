package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/miretskiy/deltabuf/delta"
)

//go:embed templates/index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

var log = logrus.New()

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

var geometry = delta.Geometry{Channels: 8, PagesPerBlock: 64, PageSize: delta.DefaultPageSize}

// Client message types
type ClientMessage struct {
	Type     string                `json:"type"`
	Config   *delta.Config         `json:"config,omitempty"`
	Workload *delta.WorkloadConfig `json:"workload,omitempty"`
}

// Server message types
type ServerMessage struct {
	Type     string                `json:"type"`
	Running  *bool                 `json:"running,omitempty"`
	Config   *delta.Config         `json:"config,omitempty"`
	Workload *delta.WorkloadConfig `json:"workload,omitempty"`
	Stats    *delta.EngineStats    `json:"stats,omitempty"`
	Last     *delta.WorkloadResult `json:"last,omitempty"`
	Rows     []delta.StatsRow      `json:"rows,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// engineState owns one engine per connection and drives workload batches
// against it while running
type engineState struct {
	mu        sync.Mutex
	engine    *delta.Engine
	collector *delta.Collector
	cfg       delta.Config
	wc        delta.WorkloadConfig
	latency   time.Duration
	running   bool
	paused    bool
	batches   int64

	last   atomic.Pointer[delta.WorkloadResult]
	busy   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopCh chan struct{}
}

func newEngineState(cfg delta.Config, wc delta.WorkloadConfig, latency time.Duration) (*engineState, error) {
	s := &engineState{
		cfg:     cfg,
		wc:      wc,
		latency: latency,
		stopCh:  make(chan struct{}),
	}
	if err := s.build(); err != nil {
		return nil, err
	}
	return s, nil
}

// build creates a fresh engine over in-memory collaborators. Caller holds mu
// or owns s exclusively.
func (s *engineState) build() error {
	e, err := delta.NewEngine(geometry, s.cfg, delta.Env{
		Mapper:      delta.NewMemMapper(true),
		Provisioner: delta.NewLineProvisioner(1<<16, geometry.PagesPerBlock, 1<<24),
		Device:      delta.NewMemDevice(s.latency),
		Sink:        delta.SinkFunc(func(*delta.IOCommand) {}),
		Logger:      log,
	})
	if err != nil {
		return err
	}
	s.engine = e
	s.collector = registerEngine(e)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.last.Store(nil)
	s.batches = 0
	return nil
}

// teardown stops the running batch and the engine. Caller holds mu.
func (s *engineState) teardown() {
	s.cancel()
	s.wg.Wait()
	unregisterEngine(s.collector)
	s.engine.Exit()
}

// start begins issuing batches
func (s *engineState) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.paused = false
}

// pause stops issuing batches; in-flight writes still complete
func (s *engineState) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// reset replaces the engine with a fresh one
func (s *engineState) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
	s.running = false
	s.paused = false
	return s.build()
}

// updateConfig validates and applies new engine and workload settings. The
// engine is rebuilt since its pools are sized at init.
func (s *engineState) updateConfig(cfg *delta.Config, wc *delta.WorkloadConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if wc != nil {
		if err := wc.Validate(geometry.PageSize); err != nil {
			return err
		}
		s.wc = *wc
	}
	if cfg == nil {
		return nil
	}
	s.teardown()
	s.cfg = *cfg
	return s.build()
}

// isRunning returns true if batches are being issued
func (s *engineState) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.paused
}

// getConfig returns the current engine and workload configuration
func (s *engineState) getConfig() (delta.Config, delta.WorkloadConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.wc
}

// step launches the next batch unless the previous one is still running
func (s *engineState) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused || !s.busy.CompareAndSwap(false, true) {
		return
	}
	s.batches++
	wc := s.wc
	if wc.Seed != 0 {
		wc.Seed += s.batches
	}
	e, ctx := s.engine, s.ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		res, err := delta.RunWorkload(ctx, e, wc)
		if err != nil && ctx.Err() == nil {
			log.Errorf("Batch failed: %v", err)
		}
		updatePrometheusMetrics(res)
		// teardown waits for this goroutine, so a stale batch never lands on a new engine
		s.last.Store(&res)
	}()
}

// snapshot returns current stats, the last batch result and in-flight rows
func (s *engineState) snapshot() (delta.EngineStats, *delta.WorkloadResult, []delta.StatsRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Stats(), s.last.Load(), s.engine.Rows()
}

// stop signals the UI loop to stop and shuts the engine down
func (s *engineState) stop() {
	close(s.stopCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
}

// uiUpdateLoop periodically launches a batch and sends updates to the client
func uiUpdateLoop(conn *safeConn, state *engineState) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-state.stopCh:
			log.Debug("UI update loop stopping")
			return

		case <-ticker.C:
			if !state.isRunning() {
				continue
			}
			state.step()

			stats, last, rows := state.snapshot()
			if err := conn.WriteJSON(ServerMessage{Type: "stats", Stats: &stats, Last: last}); err != nil {
				log.Warnf("Error sending stats: %v", err)
				return
			}
			if err := conn.WriteJSON(ServerMessage{Type: "rows", Rows: rows}); err != nil {
				log.Warnf("Error sending rows: %v", err)
				return
			}
		}
	}
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent writes
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

func (sc *safeConn) sendStatus(state *engineState, errMsg string) {
	running := state.isRunning()
	cfg, wc := state.getConfig()
	msg := ServerMessage{
		Type:     "status",
		Running:  &running,
		Config:   &cfg,
		Workload: &wc,
		Error:    errMsg,
	}
	if err := sc.WriteJSON(msg); err != nil {
		log.Warnf("Error sending status: %v", err)
	}
}

func handleWebSocket(baseCfg delta.Config, latency time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("Error upgrading connection: %v", err)
			return
		}
		defer conn.Close()

		// Wrap connection with mutex for safe concurrent writes
		safeConn := &safeConn{Conn: conn}
		clientLog := log.WithField("client", r.RemoteAddr)
		clientLog.Info("Client connected")

		state, err := newEngineState(baseCfg, delta.DefaultWorkloadConfig(), latency)
		if err != nil {
			clientLog.Errorf("Error creating engine: %v", err)
			return
		}
		promMetrics.clients.Inc()
		defer promMetrics.clients.Dec()

		safeConn.sendStatus(state, "")
		go uiUpdateLoop(safeConn, state)

		// Handle messages from client
		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					clientLog.Warnf("Error reading message: %v", err)
				}
				break
			}

			clientLog.Debugf("Received command: %s", msg.Type)

			errMsg := ""
			switch msg.Type {
			case "start":
				state.start()
				clientLog.Info("Engine started")

			case "pause":
				state.pause()
				clientLog.Info("Engine paused")

			case "reset":
				if err := state.reset(); err != nil {
					errMsg = err.Error()
				}
				clientLog.Info("Engine reset")

			case "config_update":
				if err := state.updateConfig(msg.Config, msg.Workload); err != nil {
					clientLog.Warnf("Error updating config: %v", err)
					errMsg = err.Error()
				} else {
					clientLog.Infof("Config updated: %+v %+v", msg.Config, msg.Workload)
				}

			default:
				errMsg = fmt.Sprintf("unknown command %q", msg.Type)
			}
			safeConn.sendStatus(state, errMsg)
		}

		// Clean up
		state.stop()
		clientLog.Info("Client disconnected")
	}
}

func serveHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, nil); err != nil {
		log.Errorf("Error executing template: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func quitHandler(w http.ResponseWriter, r *http.Request) {
	log.Info("🛑 Shutdown requested via /quitquitquit")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Server shutting down...")

	go func() {
		time.Sleep(100 * time.Millisecond)
		log.Info("👋 Server stopped")
		os.Exit(0)
	}()
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	configFile := flag.String("config", "", "Path to JSON or YAML engine configuration (optional)")
	latency := flag.Duration("latency", 200*time.Microsecond, "Simulated flash program latency")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := delta.TestConfig()
	cfg.CommandSlots = delta.DefaultCommandSlots
	cfg.RetryCount = delta.DefaultRetryCount
	cfg.TimeoutUsec = delta.DefaultTimeoutUsec
	if *configFile != "" {
		var err error
		if cfg, err = delta.LoadConfig(*configFile); err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
		log.Infof("✓ Loaded config: %s", *configFile)
	}

	initPrometheusMetrics()

	http.HandleFunc("/", serveHome)
	http.HandleFunc("/ws", handleWebSocket(cfg, *latency))
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/quitquitquit", quitHandler)

	log.Infof("🚀 Server starting on http://localhost%s", *addr)
	log.Infof("📡 WebSocket endpoint: ws://localhost%s/ws", *addr)
	log.Infof("📈 Metrics endpoint: http://localhost%s/metrics", *addr)
	log.Infof("🛑 Shutdown endpoint: http://localhost%s/quitquitquit", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

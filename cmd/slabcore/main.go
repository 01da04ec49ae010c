package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slabcore/internal/book"
	"slabcore/internal/engine"
	"slabcore/internal/event"
	"slabcore/internal/ingestion"
	"slabcore/internal/liquidation"
	"slabcore/internal/observability"
	"slabcore/internal/persistence"
	"slabcore/internal/portfolio"
	"slabcore/internal/projection"
	"slabcore/internal/query"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	PostgresDSN        string
	NATSURL            string
	HTTPAddr           string
	MetricsAddr        string
	MigrationsDir      string
	PersistChanSize    int
	ProjectionChanSize int
	PublishChanSize    int
	EventChanSize      int
	PersistBatchSize   int
	PersistFlushMs     int
	SnapshotInterval   int64
	DedupCapacity      int
	ReplayPageSize     int

	TakerFeeBps     int64
	MakerFeeBps     int64
	KillBandBps     int64
	BatchIntervalMs uint64

	LiqCooldownMs     uint64
	LiqMaxStalenessMs uint64
	LiqFeeBps         int64
	LiqPriceBandBps   int64
	LiqRewardBps      int64

	Instruments []InstrumentConfig
}

// InstrumentConfig is one listed contract, parsed from the SLAB_INSTRUMENTS
// JSON array. Prices and sizes use 6-decimal fixed point; margin fractions
// are parts per million.
type InstrumentConfig struct {
	InstrumentIdx uint16 `json:"instrument_idx"`
	Symbol        string `json:"symbol"`
	ContractSize  int64  `json:"contract_size"`
	Tick          int64  `json:"tick"`
	Lot           int64  `json:"lot"`
	MinNotional   int64  `json:"min_notional"`
	IndexPrice    int64  `json:"index_price"`
	IMFraction    int64  `json:"im_fraction"`
	MMFraction    int64  `json:"mm_fraction"`
}

const defaultInstruments = `[
	{"instrument_idx": 0, "symbol": "BTC-PERP", "contract_size": 1000000,
	 "tick": 100000, "lot": 1000, "min_notional": 10000000,
	 "index_price": 50000000000, "im_fraction": 100000, "mm_fraction": 50000}
]`

func loadConfig() (Config, error) {
	cfg := Config{
		PostgresDSN:        envOrDefault("SLAB_POSTGRES_DSN", "postgres://localhost:5432/slabcore?sslmode=disable"),
		NATSURL:            envOrDefault("SLAB_NATS_URL", "nats://localhost:4222"),
		HTTPAddr:           envOrDefault("SLAB_HTTP_ADDR", ":8080"),
		MetricsAddr:        envOrDefault("SLAB_METRICS_ADDR", ":9091"),
		MigrationsDir:      envOrDefault("SLAB_MIGRATIONS_DIR", "migrations"),
		PersistChanSize:    envIntOrDefault("SLAB_PERSIST_CHAN_SIZE", 1024),
		ProjectionChanSize: envIntOrDefault("SLAB_PROJECTION_CHAN_SIZE", 2048),
		PublishChanSize:    envIntOrDefault("SLAB_PUBLISH_CHAN_SIZE", 2048),
		EventChanSize:      envIntOrDefault("SLAB_EVENT_CHAN_SIZE", 1024),
		PersistBatchSize:   envIntOrDefault("SLAB_PERSIST_BATCH_SIZE", 50),
		PersistFlushMs:     envIntOrDefault("SLAB_PERSIST_FLUSH_MS", 100),
		SnapshotInterval:   int64(envIntOrDefault("SLAB_SNAPSHOT_INTERVAL", 100_000)),
		DedupCapacity:      envIntOrDefault("SLAB_DEDUP_CAPACITY", 1_000_000),
		ReplayPageSize:     envIntOrDefault("SLAB_REPLAY_PAGE_SIZE", 5000),

		TakerFeeBps:     int64(envIntOrDefault("SLAB_TAKER_FEE_BPS", 5)),
		MakerFeeBps:     int64(envIntOrDefault("SLAB_MAKER_FEE_BPS", -2)),
		KillBandBps:     int64(envIntOrDefault("SLAB_KILL_BAND_BPS", 500)),
		BatchIntervalMs: uint64(envIntOrDefault("SLAB_BATCH_INTERVAL_MS", 200)),

		LiqCooldownMs:     uint64(envIntOrDefault("SLAB_LIQ_COOLDOWN_MS", 5000)),
		LiqMaxStalenessMs: uint64(envIntOrDefault("SLAB_LIQ_MAX_STALENESS_MS", 10_000)),
		LiqFeeBps:         int64(envIntOrDefault("SLAB_LIQ_FEE_BPS", 100)),
		LiqPriceBandBps:   int64(envIntOrDefault("SLAB_LIQ_PRICE_BAND_BPS", 500)),
		LiqRewardBps:      int64(envIntOrDefault("SLAB_LIQ_REWARD_BPS", 50)),
	}

	instrumentsJSON := envOrDefault("SLAB_INSTRUMENTS", defaultInstruments)
	if err := json.Unmarshal([]byte(instrumentsJSON), &cfg.Instruments); err != nil {
		return cfg, fmt.Errorf("parse SLAB_INSTRUMENTS: %w", err)
	}
	if len(cfg.Instruments) == 0 {
		return cfg, fmt.Errorf("SLAB_INSTRUMENTS: at least one instrument required")
	}
	return cfg, nil
}

// gatedIdempotencyChecker wraps the Postgres cold-path checker and stays
// disabled during log replay: the replayed events are the rows in
// slab.events, so consulting the table would classify every one of them
// as a duplicate and replay would be a no-op.
type gatedIdempotencyChecker struct {
	inner   engine.DBIdempotencyChecker
	enabled atomic.Bool
}

func (g *gatedIdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	if !g.enabled.Load() {
		return false, nil
	}
	return g.inner.IsDuplicate(eventType, idempotencyKey)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("INFO: slabcore starting")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: open postgres: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := persistence.WaitForDB(ctx, db, 30*time.Second); err != nil {
		log.Fatalf("FATAL: postgres not reachable: %v", err)
	}
	log.Println("INFO: postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: migrations: %v", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	engineLog := observability.NewLogger("engine")

	// --- Recovery: snapshot, then replay the event log tail ---
	snapMgr := persistence.NewSnapshotManager(db)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Fatalf("FATAL: load snapshot: %v", err)
	}

	startSequence := int64(1)
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Printf("INFO: snapshot found at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no verified snapshot, replaying from genesis")
	}

	persistChan := make(chan engine.Output, cfg.PersistChanSize)
	projectionChan := make(chan engine.Output, cfg.ProjectionChanSize)

	dbChecker := &gatedIdempotencyChecker{inner: persistence.NewPostgresIdempotencyChecker(db)}

	eng := engine.New(startSequence, engine.Config{
		TakerFeeBps:     cfg.TakerFeeBps,
		MakerFeeBps:     cfg.MakerFeeBps,
		KillBandBps:     cfg.KillBandBps,
		BatchIntervalMs: cfg.BatchIntervalMs,
		DedupCapacity:   cfg.DedupCapacity,
		Liquidation: liquidation.Config{
			CooldownMs:        cfg.LiqCooldownMs,
			MaxStalenessMs:    cfg.LiqMaxStalenessMs,
			LiquidationFeeBps: cfg.LiqFeeBps,
			PriceBandBps:      cfg.LiqPriceBandBps,
			RewardBps:         cfg.LiqRewardBps,
		},
	}, persistChan, projectionChan, dbChecker, metrics, engineLog)

	// Instruments must be listed before snapshot restore: restore writes
	// funding state back onto the listed books.
	for _, ic := range cfg.Instruments {
		err := eng.ListInstrument(ic.InstrumentIdx, book.Instrument{
			Symbol:       ic.Symbol,
			ContractSize: ic.ContractSize,
			Tick:         ic.Tick,
			Lot:          ic.Lot,
			MinNotional:  ic.MinNotional,
			IndexPrice:   ic.IndexPrice,
		}, portfolio.RiskParams{
			IMFraction: ic.IMFraction,
			MMFraction: ic.MMFraction,
		})
		if err != nil {
			log.Fatalf("FATAL: list instrument %s: %v", ic.Symbol, err)
		}
		log.Printf("INFO: listed %s (idx=%d)", ic.Symbol, ic.InstrumentIdx)
	}

	if snap != nil {
		if err := eng.RestoreFromSnapshot(snap); err != nil {
			log.Fatalf("FATAL: restore snapshot: %v", err)
		}
	}

	replayCount, err := replayEventLog(ctx, eng, snapMgr, metrics, startSequence, cfg.ReplayPageSize, persistChan, projectionChan)
	if err != nil {
		log.Fatalf("FATAL: replay: %v", err)
	}
	dbChecker.enabled.Store(true)
	log.Printf("INFO: recovery complete, replayed %d events, next sequence %d", replayCount, eng.Sequence())

	// Resting orders and holds are not snapshotted, so projections built
	// before the restart stay valid but the books start empty.

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats: %v", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	rawChan := make(chan ingestion.RawEvent, cfg.EventChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: subscribe: %v", err)
	}

	// --- Workers ---
	var wg sync.WaitGroup

	// The persist channel fans out: the durable writer path is blocking,
	// the outbound publisher is best-effort.
	persistWorkerChan := make(chan engine.Output, cfg.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(persistWorkerChan)
		defer close(publishChan)
		for out := range persistChan {
			persistWorkerChan <- out
			select {
			case publishChan <- toPublishable(out):
			default:
				log.Printf("WARN: publish channel full, dropping event seq=%d", out.Envelope.Sequence)
			}
		}
	}()

	persistWorker := persistence.NewWorker(db, persistWorkerChan, cfg.PersistBatchSize,
		time.Duration(cfg.PersistFlushMs)*time.Millisecond, metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := persistWorker.Run(context.Background()); err != nil {
			log.Printf("ERROR: persistence worker: %v", err)
		}
	}()

	recentFills := projection.NewRecentFills(0)
	views := projection.NewViews()
	projWorker := projection.NewWorker(db, projectionChan, recentFills, metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := projWorker.Run(context.Background()); err != nil {
			log.Printf("ERROR: projection worker: %v", err)
		}
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishChan)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(context.Background()); err != nil {
			log.Printf("ERROR: outbound publisher: %v", err)
		}
	}()

	// --- HTTP query surface ---
	queryMux := http.NewServeMux()
	queryHandler := query.NewHandler(query.NewService(db), recentFills, views, metrics)
	queryHandler.Register(queryMux)
	queryMux.HandleFunc("GET /healthz", healthChecker.LivenessHandler)
	queryMux.HandleFunc("GET /readyz", healthChecker.ReadinessHandler)

	queryServer := &http.Server{Addr: cfg.HTTPAddr, Handler: queryMux}
	go func() {
		log.Printf("INFO: query server listening on %s", cfg.HTTPAddr)
		if err := queryServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: query server: %v", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Printf("INFO: metrics server listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: metrics server: %v", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Println("INFO: slabcore ready")

	// --- Ingest loop: the only goroutine that touches the engine ---
	// Snapshot checks run here too, so engine state is never read
	// concurrently with event processing.
	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		runIngestLoop(ctx, eng, rawChan, snapMgr, views, metrics, cfg.SnapshotInterval)
	}()

	sig := <-sigChan
	log.Printf("INFO: received %v, shutting down", sig)
	healthChecker.SetReady(false)
	cancel()

	subscriber.Stop()
	<-ingestDone

	// The engine is quiesced: close its output channels so workers flush
	// and exit, then snapshot the final state.
	close(persistChan)
	close(projectionChan)
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	finalSnap := eng.CreateSnapshotState()
	if finalSnap.Sequence > 0 {
		if err := snapMgr.SaveSnapshot(shutdownCtx, finalSnap); err != nil {
			log.Printf("ERROR: final snapshot: %v", err)
		} else if err := snapMgr.MarkVerified(shutdownCtx, finalSnap.Sequence); err != nil {
			log.Printf("ERROR: verify final snapshot: %v", err)
		} else {
			log.Printf("INFO: final snapshot saved at sequence %d", finalSnap.Sequence)
		}
	}

	queryServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	nc.Close()
	log.Println("INFO: slabcore stopped")
}

// replayEventLog pages through slab.events from startSequence and feeds each
// stored source event back through the engine. Rows with an empty payload are
// follow-on envelopes derived from a multi-batch source event; the engine
// re-derives them, so they are skipped here. Engine outputs produced during
// replay are discarded: the rows being replayed came from the log, so writing
// them again would be a no-op, and projections already hold their effects.
func replayEventLog(
	ctx context.Context,
	eng *engine.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	startSequence int64,
	pageSize int,
	persistChan, projectionChan chan engine.Output,
) (int64, error) {
	start := time.Now()

	stopDrain := make(chan struct{})
	var drainWG sync.WaitGroup
	for _, ch := range []chan engine.Output{persistChan, projectionChan} {
		drainWG.Add(1)
		go func(ch chan engine.Output) {
			defer drainWG.Done()
			for {
				select {
				case <-ch:
				case <-stopDrain:
					for {
						select {
						case <-ch:
						default:
							return
						}
					}
				}
			}
		}(ch)
	}
	defer func() {
		close(stopDrain)
		drainWG.Wait()
	}()

	var replayed int64
	var lastStoredHash []byte
	from := startSequence

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			lastStoredHash = row.StateHash
			if len(row.Payload) == 0 {
				continue
			}
			evt, err := event.UnmarshalEvent(row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("decode event seq=%d: %w", row.Sequence, err)
			}
			if err := eng.ProcessEvent(evt); err != nil {
				return replayed, fmt.Errorf("replay event seq=%d: %w", row.Sequence, err)
			}
			replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}

		from = rows[len(rows)-1].Sequence + 1
	}

	// The replayed hash chain must land exactly on the stored tip.
	if lastStoredHash != nil {
		tip := eng.StateHash()
		if !bytes.Equal(tip[:], lastStoredHash) {
			return replayed, fmt.Errorf("state hash divergence after replay: engine=%x stored=%x", tip[:8], lastStoredHash[:8])
		}
		log.Printf("INFO: hash chain verified at tip %x", lastStoredHash[:8])
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	return replayed, nil
}

// runIngestLoop receives raw NATS messages, resolves and parses them, and
// drives the engine. Messages are ACKed only after the engine has accepted
// them; transient failures NAK for redelivery, while malformed payloads ACK
// so poison messages do not cycle forever.
func runIngestLoop(
	ctx context.Context,
	eng *engine.Engine,
	rawChan <-chan ingestion.RawEvent,
	snapMgr *persistence.SnapshotManager,
	views *projection.Views,
	metrics *observability.Metrics,
	snapshotInterval int64,
) {
	snapTicker := time.NewTicker(10 * time.Second)
	defer snapTicker.Stop()

	lastSnapSeq := eng.Sequence() - 1
	var pendingVerify int64

	refreshDepth(eng, views)
	refreshPortfolios(eng, views)

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType, ok := resolveEventType(raw.Subject)
			if !ok {
				log.Printf("WARN: unknown subject %s, acking", raw.Subject)
				raw.AckFunc()
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				log.Printf("WARN: malformed %s event: %v", eventType, err)
				raw.AckFunc()
				continue
			}

			if err := eng.ProcessEvent(evt); err != nil {
				log.Printf("WARN: process %s failed, naking: %v", eventType, err)
				raw.NakFunc()
				continue
			}
			raw.AckFunc()
			refreshDepth(eng, views)

		case <-snapTicker.C:
			refreshPortfolios(eng, views)
			// A snapshot saved while persistence lags stays unverified
			// until the event log catches up to its sequence.
			if pendingVerify > 0 {
				persisted, err := snapMgr.GetLatestSequence(ctx)
				if err == nil && persisted >= pendingVerify {
					if err := snapMgr.MarkVerified(ctx, pendingVerify); err != nil {
						log.Printf("ERROR: verify snapshot %d: %v", pendingVerify, err)
					} else {
						log.Printf("INFO: snapshot %d verified", pendingVerify)
						pendingVerify = 0
					}
				}
			}

			seq := eng.Sequence() - 1
			if seq-lastSnapSeq < snapshotInterval {
				continue
			}

			start := time.Now()
			snap := eng.CreateSnapshotState()
			if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
				log.Printf("ERROR: snapshot at %d: %v", snap.Sequence, err)
				continue
			}
			lastSnapSeq = snap.Sequence
			pendingVerify = snap.Sequence
			if metrics != nil {
				metrics.SnapshotTaken.Inc()
				metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
				metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
			}
			log.Printf("INFO: snapshot saved at sequence %d", snap.Sequence)
		}
	}
}

// refreshDepth rebuilds the in-memory depth view for every listed market.
// Runs on the ingest goroutine, so engine state is read without racing.
func refreshDepth(eng *engine.Engine, views *projection.Views) {
	asOf := eng.Sequence() - 1
	reg := eng.Registry()
	for _, idx := range reg.Instruments() {
		b, err := reg.Book(idx)
		if err != nil {
			continue
		}
		views.SetDepth(projection.DepthSnapshot{
			Market:       b.Instrument.Symbol,
			Bids:         projection.AggregateLevels(b.Orders(book.Bid)),
			Asks:         projection.AggregateLevels(b.Orders(book.Ask)),
			AsOfSequence: asOf,
		})
	}
}

// refreshPortfolios rebuilds the portfolio snapshot view. Runs on the
// snapshot ticker: margin figures may trail the engine by one interval.
func refreshPortfolios(eng *engine.Engine, views *projection.Views) {
	asOf := eng.Sequence() - 1
	for _, folio := range eng.Registry().Portfolios() {
		if folio == nil {
			continue
		}
		snap := projection.PortfolioSnapshot{
			UserID:         folio.User.String(),
			Equity:         folio.Equity,
			IM:             folio.IM,
			MM:             folio.MM,
			FreeCollateral: folio.FreeCollateral,
			LpBuckets:      len(folio.LpBuckets),
			AsOfSequence:   asOf,
		}
		for _, exp := range folio.Exposures {
			snap.Exposures = append(snap.Exposures, projection.ExposureView{
				InstrumentIdx: exp.InstrumentIdx,
				Qty:           exp.Qty,
			})
		}
		views.SetPortfolio(snap)
	}
}

// subjectPrefixes maps NATS subject prefixes to source event types. Longest
// prefix wins so overlapping hierarchies resolve deterministically.
var subjectPrefixes = []struct {
	prefix    string
	eventType string
}{
	{"slab.instructions.", "InstructionSubmitted"},
	{"slab.withdrawals.", "Withdrawal"},
	{"slab.deposits.", "Deposit"},
	{"slab.prices.", "MarkPriceUpdate"},
	{"slab.funding.", "FundingUpdate"},
	{"slab.risk.", "RiskParamUpdate"},
}

func resolveEventType(subject string) (string, bool) {
	best := ""
	bestLen := 0
	for _, sp := range subjectPrefixes {
		if strings.HasPrefix(subject, sp.prefix) && len(sp.prefix) > bestLen {
			best = sp.eventType
			bestLen = len(sp.prefix)
		}
	}
	return best, bestLen > 0
}

func toPublishable(out engine.Output) ingestion.PublishableEvent {
	env := out.Envelope
	return ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Market:         env.Symbol,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      env.StateHash[:],
		Timestamp:      time.UnixMilli(int64(env.TsMs)),
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

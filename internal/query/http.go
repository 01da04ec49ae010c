package query

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"slabcore/internal/observability"
	"slabcore/internal/projection"
)

// Handler exposes the query service over HTTP/JSON. Projection-backed
// endpoints read Postgres; the recent-fills tape, depth and portfolio
// snapshots are served from memory.
type Handler struct {
	svc     *Service
	fills   *projection.RecentFills
	views   *projection.Views
	metrics *observability.Metrics
}

func NewHandler(svc *Service, fills *projection.RecentFills, views *projection.Views, metrics *observability.Metrics) *Handler {
	return &Handler{svc: svc, fills: fills, views: views, metrics: metrics}
}

// Register mounts all query routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/balances/{user_id}", h.instrument("balances", h.getBalance))
	mux.HandleFunc("GET /v1/positions/{user_id}", h.instrument("positions", h.getPositions))
	mux.HandleFunc("GET /v1/fills", h.instrument("fills", h.getFills))
	mux.HandleFunc("GET /v1/fills/recent", h.instrument("fills_recent", h.getRecentFills))
	mux.HandleFunc("GET /v1/depth/{market}", h.instrument("depth", h.getDepth))
	mux.HandleFunc("GET /v1/portfolio/{user_id}", h.instrument("portfolio", h.getPortfolio))
	mux.HandleFunc("GET /v1/liquidations/{user_id}", h.instrument("liquidations", h.getLiquidations))
	mux.HandleFunc("GET /v1/journal/{user_id}", h.instrument("journal", h.getJournal))
	mux.HandleFunc("GET /v1/admin/integrity", h.instrument("integrity", h.getIntegrity))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if h.metrics != nil {
			h.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
			h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = "USDC"
	}

	resp, err := h.svc.GetBalance(r.Context(), userID, asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (h *Handler) getPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	resp, err := h.svc.GetPositions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (h *Handler) getFills(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	if market == "" {
		writeError(w, http.StatusBadRequest, "market is required")
		return
	}
	limit := queryLimit(r, 100)
	before := queryCursor(r, "before")

	resp, err := h.svc.GetFills(r.Context(), market, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (h *Handler) getRecentFills(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	if market == "" {
		writeError(w, http.StatusBadRequest, "market is required")
		return
	}
	if h.fills == nil {
		writeError(w, http.StatusServiceUnavailable, "recent fills unavailable")
		return
	}
	writeJSON(w, h.fills.Query(market, queryLimit(r, 50)))
}

func (h *Handler) getDepth(w http.ResponseWriter, r *http.Request) {
	market := r.PathValue("market")
	if h.views == nil {
		writeError(w, http.StatusServiceUnavailable, "depth view unavailable")
		return
	}
	snap, ok := h.views.Depth(market)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown market")
		return
	}
	writeJSON(w, snap)
}

func (h *Handler) getPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	if h.views == nil {
		writeError(w, http.StatusServiceUnavailable, "portfolio view unavailable")
		return
	}
	snap, ok := h.views.Portfolio(userID.String())
	if !ok {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	writeJSON(w, snap)
}

func (h *Handler) getLiquidations(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	resp, err := h.svc.GetLiquidations(r.Context(), userID, queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (h *Handler) getJournal(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	resp, err := h.svc.GetJournalHistory(r.Context(), userID, queryLimit(r, 100), queryCursor(r, "after"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (h *Handler) getIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, report)
}

// --- helpers ---

func queryLimit(r *http.Request, def int) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func queryCursor(r *http.Request, name string) *int64 {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/sms-autoreply/internal/ingest"
	"github.com/LeventeLantos/sms-autoreply/internal/model"
	"github.com/LeventeLantos/sms-autoreply/internal/repo"
	"github.com/LeventeLantos/sms-autoreply/internal/scheduler"
)

const maxInboundBytes = 64 << 10

// Stores groups the repositories the admin API reads and writes.
type Stores struct {
	Messages repo.MessageStore
	Events   repo.EventStore
	Filters  repo.FilterStore
	Settings repo.SettingsStore
}

type Handler struct {
	sched  *scheduler.Scheduler
	stores Stores
	inbox  *ingest.Ingestor
}

func NewHandler(s *scheduler.Scheduler, stores Stores, inbox *ingest.Ingestor) *Handler {
	return &Handler{sched: s, stores: stores, inbox: inbox}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) LoopStatus(w http.ResponseWriter, r *http.Request) {
	st := loopStatus(h.sched.Status())
	if h.inbox != nil {
		st["queueDepth"] = h.inbox.Len()
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) LoopStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) LoopStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

// LoopScan asks the running loop for an immediate scan. The request is dropped
// (queued=false) while a scan is in progress or another request is pending.
func (h *Handler) LoopScan(w http.ResponseWriter, r *http.Request) {
	if !h.sched.IsRunning() {
		writeError(w, http.StatusConflict, "loop is not running")
		return
	}
	queued := h.sched.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	items, err := h.stores.Messages.GetAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m, err := h.stores.Messages.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) InboundMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	a, err := ingest.DecodeArrival(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := h.inbox.Offer(a); {
	case errors.Is(err, ingest.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ingest.ErrInvalidArrival):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
	}
}

// ListLogs pages the event log newest first, optionally narrowed by
// ?category= and ?since= (RFC 3339).
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := model.LogQuery{
		Category: model.Category(strings.ToLower(query.Get("category"))),
		Limit:    parseInt(query.Get("limit"), model.DefaultLogLimit),
		Offset:   parseInt(query.Get("offset"), 0),
	}
	if q.Category != "" && !q.Category.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", q.Category))
		return
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}

	items, err := h.stores.Events.ListEvents(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ListFilters returns one list when ?list= is given, both otherwise.
func (h *Handler) ListFilters(w http.ResponseWriter, r *http.Request) {
	list := model.Membership(strings.ToLower(r.URL.Query().Get("list")))
	if list != "" && !list.Valid() {
		writeError(w, http.StatusBadRequest, "list must be allowed or blocked")
		return
	}

	lists := []model.Membership{model.Allowed, model.Blocked}
	if list != "" {
		lists = []model.Membership{list}
	}

	out := make(map[string][]model.FilterEntry, len(lists))
	for _, l := range lists {
		items, err := h.stores.Filters.ListFilters(r.Context(), l)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []model.FilterEntry{}
		}
		out[string(l)] = items
	}
	writeJSON(w, http.StatusOK, out)
}

type addFilterRequest struct {
	PhoneNumber string           `json:"phoneNumber"`
	Membership  model.Membership `json:"membership"`
}

func (h *Handler) AddFilter(w http.ResponseWriter, r *http.Request) {
	var req addFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}
	if !req.Membership.Valid() {
		writeError(w, http.StatusBadRequest, "membership must be allowed or blocked")
		return
	}

	f, err := h.stores.Filters.AddFilter(r.Context(), req.PhoneNumber, req.Membership)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *Handler) RemoveFilter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.stores.Filters.RemoveFilter(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.stores.Settings.GetSettings(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PutSettings replaces the settings record. The device id is kept when the
// request leaves it empty.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var next model.Settings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if next.DeviceID == "" {
		cur, err := h.stores.Settings.GetSettings(r.Context())
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		next.DeviceID = cur.DeviceID
	}

	if err := h.stores.Settings.SaveSettings(r.Context(), next); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func loopStatus(st scheduler.Status) map[string]any {
	out := map[string]any{
		"running":         st.Running,
		"intervalSeconds": st.Interval.Seconds(),
		"cooldownSeconds": st.Cooldown.Seconds(),
	}
	if st.LastRun != nil {
		out["lastRun"] = st.LastRun.UTC()
	}
	if st.LastError != "" {
		out["lastError"] = st.LastError
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

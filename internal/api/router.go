package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/loop/status", h.LoopStatus)
	mux.HandleFunc("POST /v1/loop/start", h.LoopStart)
	mux.HandleFunc("POST /v1/loop/stop", h.LoopStop)
	mux.HandleFunc("POST /v1/loop/scan", h.LoopScan)

	mux.HandleFunc("GET /v1/messages", h.ListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("POST /v1/messages/inbound", h.InboundMessage)

	mux.HandleFunc("GET /v1/logs", h.ListLogs)

	mux.HandleFunc("GET /v1/filters", h.ListFilters)
	mux.HandleFunc("POST /v1/filters", h.AddFilter)
	mux.HandleFunc("DELETE /v1/filters/{id}", h.RemoveFilter)

	mux.HandleFunc("GET /v1/settings", h.GetSettings)
	mux.HandleFunc("PUT /v1/settings", h.PutSettings)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("smsrelay"))
	})

	return mux
}

package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/messages", h.CreateMessage)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("POST /v1/messages/{id}/delivered", h.MarkDelivered)
	mux.HandleFunc("POST /v1/messages/{id}/read", h.MarkRead)
	mux.HandleFunc("POST /v1/messages/{id}/failed", h.MarkFailed)
	mux.HandleFunc("POST /v1/messages/{id}/expire", h.MarkExpired)
	mux.HandleFunc("POST /v1/messages/{id}/quota", h.MarkQuotaConsumed)

	mux.HandleFunc("GET /v1/tenants/{tenantID}/messages", h.ListTenantMessages)
	mux.HandleFunc("GET /v1/campaigns/{campaignID}/messages", h.ListCampaignMessages)
	mux.HandleFunc("GET /v1/campaigns/{campaignID}/stats", h.CampaignStats)

	mux.HandleFunc("POST /v1/reclaimer/sweep", h.SweepStuck)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("message-dispatch"))
	})

	return mux
}

package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// pushesTotal counts push events by what the synchronizer did with them.
	pushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memora_sync_push_total",
		Help: "Push events handled by open conversations, by outcome.",
	}, []string{"outcome"})

	sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memora_sync_send_total",
		Help: "Send attempts, by kind (conversation|attachment) and outcome.",
	}, []string{"kind", "outcome"})

	loadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memora_sync_load_total",
		Help: "Conversation loads, by outcome.",
	}, []string{"outcome"})

	inboxRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memora_inbox_refresh_total",
		Help: "Inbox refreshes from the backend, by outcome (ok|stale).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(pushesTotal, sendsTotal, loadsTotal, inboxRefreshTotal)
}

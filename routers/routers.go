package routers

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dag-consensus/handlers"
)

// RegisterRoutes sets up all the HTTP routes of the node
func RegisterRoutes(r *mux.Router, h *handlers.Handler, gatherer prometheus.Gatherer) {

	// Summary of tips, statuses, finalized height and voting backlog
	r.HandleFunc("/status", h.GetStatus).Methods("GET")

	// Submits a vertex; it is validated, stored and scheduled for voting
	r.HandleFunc("/vertices", h.AddVertex).Methods("POST")

	r.HandleFunc("/vertices/{id}", h.GetVertex).Methods("GET")

	// Successful-round counter and vote record of a vertex
	r.HandleFunc("/vertices/{id}/confidence", h.GetConfidence).Methods("GET")

	r.HandleFunc("/tips", h.GetTips).Methods("GET")

	// Undecided vertices reached by walking back from the tips
	r.HandleFunc("/tips/query-targets", h.GetQueryTargets).Methods("GET")

	// Parents for a new vertex, chosen by the weighted walk
	r.HandleFunc("/tips/parents", h.GetParents).Methods("GET")

	// The finalized sequence in finality order
	r.HandleFunc("/finalized", h.GetFinalized).Methods("GET")

	// Byzantine detector record of a peer
	r.HandleFunc("/peers/{id}", h.GetPeer).Methods("GET")

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mediocregopher/sentinel"
	"github.com/mediocregopher/sentinel/metrics"
)

// topologySource is implemented by *sentinel.Sentinel.
type topologySource interface {
	Snapshot() sentinel.Snapshot
	State() sentinel.State
	Generation() uint64
}

type topologyResponse struct {
	Group      string            `json:"group"`
	State      string            `json:"state"`
	Generation uint64            `json:"generation"`
	Snapshot   sentinel.Snapshot `json:"snapshot"`
}

func newRouter(group string, src topologySource, col *metrics.Collector) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", col.Handler).Methods(http.MethodGet)
	r.HandleFunc("/topology", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(topologyResponse{
			Group:      group,
			State:      src.State().String(),
			Generation: src.Generation(),
			Snapshot:   src.Snapshot(),
		})
	}).Methods(http.MethodGet)
	return r
}

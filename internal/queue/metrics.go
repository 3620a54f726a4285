package queue

import (
	"encoding/json"
	"log"
	"net/http"
)

// CountsHandler serves per-queue counts as JSON for operator visibility.
// It is a passive read surface over queue state, not a control interface.
func CountsHandler(broker *Broker, queues []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		out := make(map[string]*Counts, len(queues))
		for _, queue := range queues {
			counts, err := broker.QueueCounts(r.Context(), queue)
			if err != nil {
				log.Printf("metrics: failed to read counts for %s: %v", queue, err)
				http.Error(w, "failed to read queue counts", http.StatusInternalServerError)
				return
			}
			out[queue] = counts
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.Printf("metrics: failed to encode counts: %v", err)
		}
	})
}

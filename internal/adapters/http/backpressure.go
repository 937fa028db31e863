package httpadapter

import (
	"net/http"

	"golang.org/x/time/rate"
)

// trafficController rejects requests with 503 once the surface is taking
// more load than it is configured to accept, instead of queueing requests
// indefinitely behind an already-saturated model pipeline. It is deliberately
// coarser than the per-submission model concurrency gate in the ingest use
// case: this one protects the process itself from being overrun by request
// volume, the other protects the vision-language model from overlapping calls.
type trafficController struct {
	limiter *rate.Limiter
}

func newTrafficController(requestsPerSecond float64, burst int) *trafficController {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &trafficController{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

func (tc *trafficController) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tc.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server is at capacity, retry shortly"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/metrics"
	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/xperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorf("encoding admin response", err)
	}
}

// RespondError writes the {"error":{...}} envelope for err, choosing the
// status code from err.Code.
func RespondError(w http.ResponseWriter, err *Error) {
	Respond(w, err.Code.HTTPStatus(), Envelope{Error: err})
}

// NewRouter builds the unauthenticated reference mount: request ID and
// recoverer middleware, then the three routes an admin deployment never
// gates behind auth (§6): GET /api/health, GET /api/cluster/info, and
// POST /api/cluster/join (protected by the join token itself rather than
// bearer auth). A full deployment mounts its authenticated routes onto
// the returned *chi.Mux alongside these, after its own auth middleware.
func NewRouter(info ClusterInfoProvider, cluster *raftcluster.Cluster) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(recordAPIMetrics)

	r.Get("/api/health", handleHealth)
	r.Get("/api/cluster/info", handleClusterInfo(info))
	r.Post("/api/cluster/join", handleClusterJoin(info, cluster))

	return r
}

// recordAPIMetrics observes xp_api_request_duration_seconds and counts
// xp_api_requests_total by method and response status, the HTTP analogue
// of the status/duration pair pkg/reconciler and pkg/quota already record
// for their own cycles.
func recordAPIMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(ww.Status())).Inc()
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleClusterInfo(info ClusterInfoProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		Respond(w, http.StatusOK, info.ClusterInfo())
	}
}

// handleClusterJoin decodes a raftcluster.JoinRequest and runs §4.5's
// leader-side admission (token validation, CSR signing, learner add).
// Called on a follower, it redirects to the current leader rather than
// returning an error, same as RequireLeader does for authenticated
// routes, since a joining node has no way to discover the leader other
// than by following this redirect.
func handleClusterJoin(info ClusterInfoProvider, cluster *raftcluster.Cluster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req raftcluster.JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondError(w, NewError(CodeInvalidRequest, "malformed join request: "+err.Error()))
			return
		}

		resp, err := cluster.HandleJoinRequest(req)
		if err != nil {
			if xperr.CodeOf(err) == xperr.CodeUnavailable {
				leaderURL := info.ClusterInfo().LeaderAPIBaseURL
				if leaderURL == "" {
					RespondError(w, NewError(CodeInternal, "no known cluster leader"))
					return
				}
				http.Redirect(w, r, leaderURL+r.URL.Path, http.StatusTemporaryRedirect)
				return
			}
			RespondError(w, FromDomainError(err))
			return
		}

		Respond(w, http.StatusOK, resp)
	}
}

// RequireLeader wraps a write handler so it 307-redirects to the
// cluster's current leader when called on a follower (§4.2, §6), rather
// than attempting a local write that Raft would reject. Mount it on
// authenticated mutating routes; it never applies to the two routes
// NewRouter itself mounts, both of which are safe to serve from any
// node.
func RequireLeader(info ClusterInfoProvider, isLeader func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isLeader() {
				next.ServeHTTP(w, r)
				return
			}

			leaderURL := info.ClusterInfo().LeaderAPIBaseURL
			if leaderURL == "" {
				RespondError(w, NewError(CodeInternal, "no known cluster leader"))
				return
			}
			http.Redirect(w, r, leaderURL+r.URL.Path, http.StatusTemporaryRedirect)
		})
	}
}

package adminhttp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/xperr"
)

// RequireAdminToken gates a single route behind the operator bearer token
// (XP_ADMIN_TOKEN_HASH, read by pkg/config and compared here as a SHA-256
// hex digest so the raw token is never held in process memory at rest).
// This is deliberately narrow: the general authenticated CRUD router and
// its auth middleware are out of this module's scope (§1), but minting a
// join token is part of the join protocol itself (§4.5) and needs some
// gate, so it gets this one purpose-built check rather than waiting on
// that out-of-scope router.
func RequireAdminToken(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				RespondError(w, NewError(CodeUnauthorized, "admin token not configured"))
				return
			}

			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				RespondError(w, NewError(CodeUnauthorized, "missing bearer token"))
				return
			}

			sum := sha256.Sum256([]byte(token))
			got := hex.EncodeToString(sum[:])
			if subtle.ConstantTimeCompare([]byte(got), []byte(tokenHash)) != 1 {
				RespondError(w, NewError(CodeUnauthorized, "invalid bearer token"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// JoinTokenRequest is the body of POST /api/admin/cluster/join-tokens.
type JoinTokenRequest struct {
	LeaderAPIBaseURL string `json:"leader_api_base_url"`
}

// MountJoinTokenRoute adds the leader-only, bearer-gated join-token
// mint endpoint to r. Kept as a separate opt-in mount (rather than part
// of NewRouter) since it depends on an operator-configured token hash
// that a bare reference deployment may not have set.
func MountJoinTokenRoute(r *chi.Mux, info ClusterInfoProvider, cluster *raftcluster.Cluster, adminTokenHash string) {
	handler := RequireAdminToken(adminTokenHash)(handleIssueJoinToken(info, cluster))
	r.Post("/api/admin/cluster/join-tokens", handler.ServeHTTP)
}

func handleIssueJoinToken(info ClusterInfoProvider, cluster *raftcluster.Cluster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req JoinTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondError(w, NewError(CodeInvalidRequest, "malformed join-token request: "+err.Error()))
			return
		}

		token, err := cluster.IssueJoinToken(req.LeaderAPIBaseURL)
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

		encoded, err := token.EncodeBase64URLJSON()
		if err != nil {
			RespondError(w, NewError(CodeInternal, "encode join token: "+err.Error()))
			return
		}

		Respond(w, http.StatusOK, map[string]string{"join_token": encoded})
	}
}

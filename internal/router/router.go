package router

import (
	"net/http"
	"strings"

	"github.com/reelsmith/backend/internal/auth"
	"github.com/reelsmith/backend/internal/credits"
	"github.com/reelsmith/backend/internal/jobs"
	"github.com/reelsmith/backend/internal/middleware"
)

// New returns an http.Handler that serves the API under /api/v1. Job and
// credit routes sit behind bearer auth; /credits/add authenticates with the
// billing webhook secret inside its handler instead.
func New(authSvc auth.Service, authHandler *auth.Handler, jobsHandler *jobs.Handler, creditsHandler *credits.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	requireUser := middleware.BearerAuth(authSvc)

	mux.HandleFunc(base+"/auth/register", authHandler.Register)
	mux.HandleFunc(base+"/auth/login", authHandler.Login)

	mux.Handle(base+"/jobs", requireUser(jobsCollectionHandler(jobsHandler)))
	mux.Handle(base+"/jobs/", requireUser(jobsItemHandler(jobsHandler)))

	mux.Handle(base+"/credits/balance", requireUser(methodGET(creditsHandler.GetBalance)))
	mux.Handle(base+"/credits/ledger", requireUser(methodGET(creditsHandler.ListLedger)))
	mux.HandleFunc(base+"/credits/add", methodPOST(creditsHandler.AddCredits))

	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func jobsCollectionHandler(h *jobs.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.CreateJob(w, r)
		case http.MethodGet:
			h.ListJobs(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// jobsItemHandler dispatches /api/v1/jobs/{id}[/steps|/retry|/cancel].
func jobsItemHandler(h *jobs.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
		parts := strings.SplitN(rest, "/", 2)
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}
		switch {
		case action == "" && r.Method == http.MethodGet:
			h.GetJob(w, r)
		case action == "steps" && r.Method == http.MethodGet:
			h.ListSteps(w, r)
		case action == "retry" && r.Method == http.MethodPost:
			h.RetryStep(w, r)
		case action == "cancel" && r.Method == http.MethodPost:
			h.Cancel(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

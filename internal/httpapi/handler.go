// Package httpapi exposes the campaign control API over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"campaignq/internal/dispatch"
	"campaignq/internal/housekeeping"
	"campaignq/internal/notify"
	"campaignq/internal/quota"
	logx "campaignq/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 8 << 20

type LimitSource interface {
	Status(ctx context.Context) (quota.Status, error)
}

type EventSource interface {
	History() []notify.Event
}

type JobSource interface {
	Jobs() []housekeeping.JobInfo
}

// Deps are the components served by the API. Events, Jobs and Metrics are optional.
type Deps struct {
	Scheduler *dispatch.Scheduler
	Queue     *dispatch.Queue
	Limits    LimitSource
	Events    EventSource
	Jobs      JobSource
	Metrics   http.Handler
}

type api struct {
	deps Deps
	log  logx.Logger
}

// NewHandler builds the router. Everything except /healthz sits behind the token.
func NewHandler(deps Deps, cfg Config, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(withAuth(cfg.Token))
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/v1", func(r chi.Router) {
			r.Get("/limits", a.limits)
			r.Get("/events", a.events)
			r.Get("/housekeeping", a.jobs)
			r.Get("/campaigns", a.listCampaigns)
			r.Route("/campaigns/{id}", func(r chi.Router) {
				r.Get("/", a.getCampaign)
				r.Get("/items", a.listItems)
				r.Post("/items", a.enqueue)
				r.Post("/start", a.start)
				r.Post("/pause", a.pause)
				r.Post("/resume", a.resume)
				r.Post("/stop", a.stop)
				r.Post("/requeue", a.requeue)
			})
		})
	})
	return r
}

type enqueueRequest struct {
	Campaign   dispatch.Campaign    `json:"campaign"`
	Recipients []dispatch.Recipient `json:"recipients"`
}

type enqueueResponse struct {
	CampaignID string   `json:"campaign_id"`
	Enqueued   int      `json:"enqueued"`
	Rejected   []string `json:"rejected,omitempty"`
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}
	if req.Campaign.ID != "" && req.Campaign.ID != id {
		writeError(w, http.StatusBadRequest, errors.New("campaign.id does not match path"))
		return
	}
	req.Campaign.ID = id

	items, err := a.deps.Queue.Enqueue(r.Context(), req.Campaign, req.Recipients)
	if errors.Is(err, dispatch.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := enqueueResponse{CampaignID: id, Enqueued: len(items), Rejected: rejected(err)}
	if len(items) == 0 {
		if err == nil {
			err = errors.New("no recipients")
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "rejected": resp.Rejected})
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(id string) error { return a.deps.Scheduler.Start(r.Context(), id) })
}

func (a *api) pause(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.deps.Scheduler.Pause)
}

func (a *api) resume(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(id string) error { return a.deps.Scheduler.Resume(r.Context(), id) })
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(id string) error { return a.deps.Scheduler.Stop(r.Context(), id) })
}

func (a *api) requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := a.deps.Scheduler.Requeue(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "requeued": n})
}

// control runs one lifecycle operation and answers with the resulting run.
func (a *api) control(w http.ResponseWriter, r *http.Request, op func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	info, err := a.deps.Scheduler.Run(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) getCampaign(w http.ResponseWriter, r *http.Request) {
	info, err := a.deps.Scheduler.Run(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) listItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.deps.Queue.Known(id) {
		writeError(w, http.StatusNotFound, dispatch.ErrUnknownCampaign)
		return
	}
	items := a.deps.Queue.Items(id)
	if st := dispatch.Status(r.URL.Query().Get("status")); st != "" {
		kept := items[:0]
		for _, it := range items {
			if it.Status == st {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) listCampaigns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Scheduler.Runs())
}

func (a *api) limits(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Limits.Status(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) events(w http.ResponseWriter, _ *http.Request) {
	var out []notify.Event
	if a.deps.Events != nil {
		out = a.deps.Events.History()
	}
	if out == nil {
		out = []notify.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) jobs(w http.ResponseWriter, _ *http.Request) {
	var out []housekeeping.JobInfo
	if a.deps.Jobs != nil {
		out = a.deps.Jobs.Jobs()
	}
	if out == nil {
		out = []housekeeping.JobInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnknownCampaign):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrNotRunning), errors.Is(err, dispatch.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// rejected flattens the per-recipient errors joined by Enqueue.
func rejected(err error) []string {
	if err == nil {
		return nil
	}
	var errs []error
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		errs = j.Unwrap()
	} else {
		errs = []error{err}
	}
	var out []string
	for _, e := range errs {
		var ir *dispatch.InvalidRecipientError
		if errors.As(e, &ir) {
			out = append(out, ir.Error())
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

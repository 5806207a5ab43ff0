package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"campaignq/internal/dispatch"
	"campaignq/internal/notify"
	"campaignq/internal/quota"
	"campaignq/internal/storage"
	"campaignq/internal/transport"
	logx "campaignq/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticEvents []notify.Event

func (s staticEvents) History() []notify.Event { return s }

type fixture struct {
	h     http.Handler
	sched *dispatch.Scheduler
	queue *dispatch.Queue
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mem := storage.NewMemory()
	lim := quota.New(mem, quota.Options{HourlyLimit: 25, DailyLimit: 100, ThresholdPct: 80, Location: time.UTC})
	q := dispatch.NewQueue(dispatch.QueueOptions{Store: mem})
	tr := transport.Func(func(_ context.Context, m transport.Message) (transport.Result, error) {
		return transport.Result{MessageID: "msg-" + m.ItemID}, nil
	})
	s := dispatch.NewScheduler(q, lim, tr, dispatch.Options{})
	require.NoError(t, s.Boot(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	deps := Deps{
		Scheduler: s,
		Queue:     q,
		Limits:    lim,
		Events:    staticEvents{{Type: notify.CampaignStarted, CampaignID: "c1"}},
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}
	return &fixture{h: NewHandler(deps, cfg, logx.Nop()), sched: s, queue: q}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const enqueueBody = `{
  "campaign": {"subject": "Spring sale", "body": "<p>hi</p>", "sender_email": "news@example.com"},
  "recipients": [
    {"id": "r1", "address": "a@example.com"},
    {"id": "r2", "address": ""},
    {"id": "r3", "address": "c@example.com", "priority": -1}
  ]
}`

func TestEnqueueAndRunCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/v1/campaigns/c1/items", enqueueBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[enqueueResponse](t, rec)
	assert.Equal(t, 2, resp.Enqueued)
	require.Len(t, resp.Rejected, 1)
	assert.Contains(t, resp.Rejected[0], "r2")

	rec = f.do(t, http.MethodGet, "/v1/campaigns/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[dispatch.RunInfo](t, rec)
	assert.Equal(t, dispatch.StateIdle, info.State)
	assert.Equal(t, 2, info.Progress.Pending)

	rec = f.do(t, http.MethodPost, "/v1/campaigns/c1/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		st, err := f.sched.State("c1")
		return err == nil && st == dispatch.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/v1/campaigns/c1/items?status=sent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[[]dispatch.QueueItem](t, rec)
	require.Len(t, items, 2)
	assert.Equal(t, "c@example.com", items[0].Address, "priority order")
	assert.NotEmpty(t, items[0].MessageID)

	rec = f.do(t, http.MethodGet, "/v1/limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[quota.Status](t, rec)
	assert.Equal(t, 2, st.HourlyCount)
	assert.Equal(t, 23, st.HourlyRemaining)

	rec = f.do(t, http.MethodGet, "/v1/campaigns", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]dispatch.RunInfo](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Progress.Sent)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/v1/campaigns/c1/items", `{"recipients":[{"address":" "}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/campaigns/c1/items", `{"recipients":[],"extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/campaigns/c1/items", `{"campaign":{"id":"c2"},"recipients":[{"address":"a@example.com"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlErrorsMapToStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/campaigns/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/campaigns/nope/start", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/campaigns/nope/items", "").Code)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/campaigns/c1/items", enqueueBody).Code)
	rec := f.do(t, http.MethodPost, "/v1/campaigns/c1/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/campaigns/c1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decode[dispatch.RunInfo](t, rec)
	assert.Equal(t, dispatch.StateIdle, info.State)
	assert.Equal(t, 0, info.Progress.Pending, "stop discards pending items")
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)

	rec := f.do(t, http.MethodGet, "/v1/limits", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/limits", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/limits", "", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics?token=s3cret", "").Code)
}

func TestEventsAndJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/v1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[[]notify.Event](t, rec)
	require.Len(t, evs, 1)
	assert.Equal(t, notify.CampaignStarted, evs[0].Type)

	rec = f.do(t, http.MethodGet, "/v1/housekeeping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/debug/pprof/", "").Code)

	on := newFixture(t, Config{Pprof: true})
	assert.Equal(t, http.StatusOK, on.do(t, http.MethodGet, "/debug/pprof/", "").Code)
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	assert.NoError(t, CheckBind(Config{}))
	assert.NoError(t, CheckBind(Config{Addr: "localhost:8080"}))
	assert.NoError(t, CheckBind(Config{Addr: "[::1]:8080"}))
	assert.ErrorIs(t, CheckBind(Config{Addr: ":8080"}), errInsecureBind)
	assert.ErrorIs(t, CheckBind(Config{Addr: "0.0.0.0:8080"}), errInsecureBind)
	assert.NoError(t, CheckBind(Config{Addr: "0.0.0.0:8080", Token: "t"}))
	assert.NoError(t, CheckBind(Config{Addr: "0.0.0.0:8080", AllowInsecure: true}))
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	svc := NewService(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	svc.Start(context.Background())

	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, svc.Addr())
}

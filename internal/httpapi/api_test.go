package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notifyd/internal/digest"
	"notifyd/internal/dispatch"
	"notifyd/internal/ledger"
	"notifyd/internal/metrics"
	"notifyd/internal/model"
	"notifyd/internal/pipeline"
	"notifyd/internal/prefs"
	"notifyd/internal/stats"
)

type fakeBackend struct {
	submitErr error
	receipt   pipeline.Receipt
	lastQuery ledger.Query
	lastKey   model.IntentKey
	keyErr    error
	imported  *prefs.Document
	importErr error
	doc       prefs.Document
	from, to  time.Time
}

func (f *fakeBackend) Submit(_ context.Context, ev model.Event) (pipeline.Receipt, error) {
	rc := f.receipt
	rc.EventID = ev.ID
	return rc, f.submitErr
}

func (f *fakeBackend) Resend(_ context.Context, k model.IntentKey) (pipeline.Receipt, error) {
	f.lastKey = k
	return pipeline.Receipt{Accepted: true, EventID: k.EventID + "~r1", Intents: 1, Immediate: 1}, f.keyErr
}

func (f *fakeBackend) MarkRead(_ context.Context, k model.IntentKey) (model.DeliveryRecord, error) {
	f.lastKey = k
	return model.DeliveryRecord{EventID: k.EventID, RecipientID: k.RecipientID, Channel: k.Channel, Status: model.StatusSent}, f.keyErr
}

func (f *fakeBackend) History(_ context.Context, q ledger.Query) (ledger.Page, error) {
	f.lastQuery = q
	return ledger.Page{Total: 0, Page: 1, PerPage: 50}, nil
}

func (f *fakeBackend) Stats(_ context.Context, from, to time.Time) (stats.Report, error) {
	f.from, f.to = from, to
	return stats.Report{Counts: stats.Counts{Sent: 3, Read: 1, ReadRate: 33.33}}, nil
}

func (f *fakeBackend) PendingDigests() []digest.Pending {
	return []digest.Pending{{RecipientID: "u1", Channel: model.ChannelEmail, Kind: digest.KindDigest, Items: 2}}
}

func (f *fakeBackend) FlushNow(context.Context) int { return 2 }

func (f *fakeBackend) Preferences() prefs.Document { return f.doc }

func (f *fakeBackend) ImportPreferences(doc prefs.Document) error {
	if f.importErr != nil {
		return f.importErr
	}
	f.imported = &doc
	return nil
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitStatusMapping(t *testing.T) {
	t.Parallel()
	ok := pipeline.Receipt{Accepted: true, Intents: 1, Immediate: 1}
	cases := []struct {
		name    string
		body    string
		receipt pipeline.Receipt
		err     error
		want    int
	}{
		{"accepted", `{"id":"e1","type":"info","priority":"low","recipients":["u1"]}`, ok, nil, http.StatusAccepted},
		{"duplicate", `{"id":"e1","type":"info","priority":"low","recipients":["u1"]}`, pipeline.Receipt{Accepted: true, Duplicate: true}, nil, http.StatusOK},
		{"unknown field", `{"id":"e1","kind":"info"}`, ok, nil, http.StatusBadRequest},
		{"invalid type", `{"id":"e1"}`, pipeline.Receipt{}, fmt.Errorf("%w: %q", model.ErrInvalidType, "x"), http.StatusBadRequest},
		{"no recipients", `{"id":"e1"}`, pipeline.Receipt{}, model.ErrNoRecipients, http.StatusUnprocessableEntity},
		{"queue full", `{"id":"e1"}`, pipeline.Receipt{Intents: 1, Rejected: 1}, fmt.Errorf("1 of 1 intents not queued: %w", dispatch.ErrQueueFull), http.StatusServiceUnavailable},
		{"partial", `{"id":"e1"}`, pipeline.Receipt{Accepted: true, Intents: 2, Rejected: 1}, dispatch.ErrQueueFull, http.StatusAccepted},
		{"internal", `{"id":"e1"}`, pipeline.Receipt{}, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := NewRouter(&fakeBackend{receipt: tc.receipt, submitErr: tc.err}, Options{})
			rec := do(t, h, http.MethodPost, "/v1/events", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestHistoryQueryParsing(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{}
	h := NewRouter(fb, Options{})

	rec := do(t, h, http.MethodGet, "/v1/history?recipient=u1&channel=EMAIL&status=sent&sort=sent_at&order=desc&page=2&per_page=10&from=2025-01-01&to=2025-01-31", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	q := fb.lastQuery
	wantFrom := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wantTo := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	if q.Recipient != "u1" || q.Channel != model.ChannelEmail || q.Status != model.StatusSent || q.Sort != ledger.SortSentAt || !q.Desc || q.Page != 2 || q.PerPage != 10 || !q.From.Equal(wantFrom) || !q.To.Equal(wantTo) {
		t.Fatalf("query = %+v", q)
	}
	var page ledger.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil || page.Records == nil {
		t.Fatalf("page = %s err=%v", rec.Body.String(), err)
	}

	for _, bad := range []string{"channel=fax", "status=lost", "sort=title", "order=up", "page=-1", "from=yesterday", "from=2025-02-01&to=2025-01-01", "type=spam"} {
		if rec := do(t, h, http.MethodGet, "/v1/history?"+bad, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", bad, rec.Code)
		}
	}
}

func TestReadAndResend(t *testing.T) {
	t.Parallel()
	key := `{"event_id":"e1","recipient_id":"u1","channel":"sms"}`
	cases := []struct {
		path string
		err  error
		want int
	}{
		{"/v1/history/read", nil, http.StatusOK},
		{"/v1/history/read", model.ErrAlreadyRead, http.StatusConflict},
		{"/v1/history/read", model.ErrNotSent, http.StatusConflict},
		{"/v1/history/read", model.ErrNotFound, http.StatusNotFound},
		{"/v1/history/resend", nil, http.StatusAccepted},
		{"/v1/history/resend", pipeline.ErrNotResendable, http.StatusConflict},
	}
	for _, tc := range cases {
		fb := &fakeBackend{keyErr: tc.err}
		rec := do(t, NewRouter(fb, Options{}), http.MethodPost, tc.path, key)
		if rec.Code != tc.want {
			t.Fatalf("%s err=%v: status = %d, want %d", tc.path, tc.err, rec.Code, tc.want)
		}
		if fb.lastKey.Channel != model.ChannelSMS {
			t.Fatalf("key = %+v", fb.lastKey)
		}
	}
	rec := do(t, NewRouter(&fakeBackend{}, Options{}), http.MethodPost, "/v1/history/read", `{"event_id":"e1","recipient_id":"u1","channel":"fax"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad channel status = %d", rec.Code)
	}
}

func TestConfigImportExport(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{doc: prefs.Document{Users: []model.User{{ID: "u1", Timezone: "UTC"}}}}
	h := NewRouter(fb, Options{})

	rec := do(t, h, http.MethodGet, "/v1/config?format=yaml", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "id: u1") {
		t.Fatalf("yaml export = %d %s", rec.Code, rec.Body.String())
	}

	yamlDoc := "users:\n  - id: u2\n    timezone: Europe/Berlin\n"
	rec = do(t, h, http.MethodPut, "/v1/config", yamlDoc, "Content-Type", "application/yaml")
	if rec.Code != http.StatusOK || fb.imported == nil || fb.imported.Users[0].ID != "u2" {
		t.Fatalf("yaml import = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPut, "/v1/config", `{"users":[],"owners":[]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown field import = %d", rec.Code)
	}

	fb.importErr = &prefs.ImportError{Problems: []string{"a", "b"}}
	rec = do(t, h, http.MethodPut, "/v1/config", `{"users":[]}`)
	var body errorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusUnprocessableEntity || len(body.Problems) != 2 {
		t.Fatalf("rejected import = %d %s", rec.Code, rec.Body.String())
	}
}

func TestOperatorEndpoints(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	fb := &fakeBackend{}
	h := NewRouter(fb, Options{Metrics: m, CORSOrigins: []string{"https://admin.example.com"}, Health: func() map[string]any {
		return map[string]any{"dispatcher": "running"}
	}})

	if rec := do(t, h, http.MethodGet, "/v1/digests", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"recipient_id":"u1"`) {
		t.Fatalf("digests = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/v1/digests/flush", ""); !strings.Contains(rec.Body.String(), `"handed_off":2`) {
		t.Fatalf("flush = %s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/v1/stats?from=2025-01-01T00:00:00Z", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"read_rate":33.33`) {
		t.Fatalf("stats = %d %s", rec.Code, rec.Body.String())
	}
	if !fb.from.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) || !fb.to.IsZero() {
		t.Fatalf("stats range = %v..%v", fb.from, fb.to)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); !strings.Contains(rec.Body.String(), `"dispatcher":"running"`) {
		t.Fatalf("healthz = %s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "notifyd_http_requests_total") {
		t.Fatalf("metrics = %d", rec.Code)
	}

	rec := do(t, h, http.MethodOptions, "/v1/events", "",
		"Origin", "https://admin.example.com",
		"Access-Control-Request-Method", "POST")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Fatalf("cors allow origin = %q", got)
	}
}

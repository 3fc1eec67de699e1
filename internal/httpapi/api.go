// Package httpapi is the JSON HTTP surface of notifyd.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/digest"
	"notifyd/internal/ledger"
	"notifyd/internal/metrics"
	"notifyd/internal/model"
	"notifyd/internal/pipeline"
	"notifyd/internal/prefs"
	"notifyd/internal/stats"
	"notifyd/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 4 << 20

// Backend is the operation set served over HTTP. *pipeline.Service implements it.
type Backend interface {
	Submit(ctx context.Context, ev model.Event) (pipeline.Receipt, error)
	Resend(ctx context.Context, key model.IntentKey) (pipeline.Receipt, error)
	MarkRead(ctx context.Context, key model.IntentKey) (model.DeliveryRecord, error)
	History(ctx context.Context, q ledger.Query) (ledger.Page, error)
	Stats(ctx context.Context, from, to time.Time) (stats.Report, error)
	PendingDigests() []digest.Pending
	FlushNow(ctx context.Context) int
	Preferences() prefs.Document
	ImportPreferences(doc prefs.Document) error
}

type Options struct {
	Log         logx.Logger
	CORSOrigins []string
	// Metrics enables request instrumentation and GET /metrics.
	Metrics *metrics.Metrics
	// Health reports component state for GET /healthz. Nil reports ok.
	Health func() map[string]any
}

type API struct {
	b      Backend
	log    logx.Logger
	health func() map[string]any
}

// NewRouter builds the chi router.
func NewRouter(b Backend, opts Options) http.Handler {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	a := &API{b: b, log: opts.Log, health: opts.Health}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", a.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", a.handleSubmit)
		r.Get("/history", a.handleHistory)
		r.Post("/history/read", a.handleMarkRead)
		r.Post("/history/resend", a.handleResend)
		r.Get("/stats", a.handleStats)
		r.Get("/config", a.handleExport)
		r.Put("/config", a.handleImport)
		r.Get("/digests", a.handleDigests)
		r.Post("/digests/flush", a.handleFlush)
	})
	return r
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		// Downstream logs carry the request id.
		r = r.WithContext(logx.ContextWith(r.Context(), logField(r)))
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logField(r),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func logField(r *http.Request) logx.Field {
	return logx.String("request_id", middleware.GetReqID(r.Context()))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.health != nil {
		for k, v := range a.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type submitResponse struct {
	pipeline.Receipt
	Error string `json:"error,omitempty"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if err := decodeJSON(r, &ev); err != nil {
		a.writeError(w, r, err)
		return
	}
	rc, err := a.b.Submit(r.Context(), ev)
	switch {
	case err != nil && !rc.Accepted:
		a.writeError(w, r, err)
	case err != nil:
		// Part of the event was refused; report what got through.
		writeJSON(w, http.StatusAccepted, submitResponse{Receipt: rc, Error: err.Error()})
	case rc.Duplicate:
		writeJSON(w, http.StatusOK, submitResponse{Receipt: rc})
	default:
		writeJSON(w, http.StatusAccepted, submitResponse{Receipt: rc})
	}
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	page, err := a.b.History(r.Context(), q)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if page.Records == nil {
		page.Records = []model.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseQuery(r *http.Request) (ledger.Query, error) {
	v := r.URL.Query()
	q := ledger.Query{Recipient: strings.TrimSpace(v.Get("recipient"))}
	if s := v.Get("type"); s != "" {
		t := model.NotificationType(s)
		if !t.Valid() && t != model.TypeDigest {
			return q, fmt.Errorf("%w: %q", model.ErrInvalidType, s)
		}
		q.Type = t
	}
	if s := v.Get("channel"); s != "" {
		ch, err := model.ParseChannel(s)
		if err != nil {
			return q, err
		}
		q.Channel = ch
	}
	if s := v.Get("status"); s != "" {
		st := model.Status(strings.ToLower(s))
		if !st.Valid() {
			return q, fmt.Errorf("%w: status %q", errBadRequest, s)
		}
		q.Status = st
	}
	var err error
	if q.From, q.To, err = parseRange(r); err != nil {
		return q, err
	}
	switch s := v.Get("sort"); s {
	case "", ledger.SortCreatedAt, ledger.SortSentAt:
		q.Sort = s
	default:
		return q, fmt.Errorf("%w: sort %q", errBadRequest, s)
	}
	switch strings.ToLower(v.Get("order")) {
	case "", "asc":
	case "desc":
		q.Desc = true
	default:
		return q, fmt.Errorf("%w: order %q", errBadRequest, v.Get("order"))
	}
	if q.Page, err = intParam(v.Get("page")); err != nil {
		return q, err
	}
	if q.PerPage, err = intParam(v.Get("per_page")); err != nil {
		return q, err
	}
	return q, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", errBadRequest, s)
	}
	return n, nil
}

// parseRange reads from/to as RFC 3339 timestamps or YYYY-MM-DD dates (UTC).
// A date "to" is inclusive of that whole day.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	parse := func(name string, endOfDay bool) (time.Time, error) {
		s := strings.TrimSpace(r.URL.Query().Get(name))
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s %q", errBadRequest, name, s)
		}
		if endOfDay {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	from, err := parse("from", false)
	if err != nil {
		return from, from, err
	}
	to, err := parse("to", true)
	if err != nil {
		return from, to, err
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, fmt.Errorf("%w: from must be before to", errBadRequest)
	}
	return from, to, nil
}

func decodeKey(r *http.Request) (model.IntentKey, error) {
	var k model.IntentKey
	if err := decodeJSON(r, &k); err != nil {
		return k, err
	}
	if k.EventID == "" || k.RecipientID == "" {
		return k, fmt.Errorf("%w: event_id and recipient_id are required", errBadRequest)
	}
	if !k.Channel.Valid() {
		return k, fmt.Errorf("%w: %q", model.ErrInvalidChannel, k.Channel)
	}
	return k, nil
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	k, err := decodeKey(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, err := a.b.MarkRead(r.Context(), k)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleResend(w http.ResponseWriter, r *http.Request) {
	k, err := decodeKey(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rc, err := a.b.Resend(r.Context(), k)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rc)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rep, err := a.b.Stats(r.Context(), from, to)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	doc := a.b.Preferences()
	if !wantsYAML(r.URL.Query().Get("format"), r.Header.Get("Accept")) {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	b, err := prefs.Encode("export.yaml", doc)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	name := "import.json"
	if wantsYAML(r.URL.Query().Get("format"), r.Header.Get("Content-Type")) {
		name = "import.yaml"
	}
	doc, err := prefs.Decode(name, body)
	if err != nil {
		a.writeError(w, r, &prefs.ImportError{Problems: []string{err.Error()}})
		return
	}
	if err := a.b.ImportPreferences(doc); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": len(doc.Users), "preferences": len(doc.Preferences), "type_rules": len(doc.TypeRules), "groups": len(doc.Groups)})
}

func wantsYAML(format, header string) bool {
	if strings.EqualFold(format, "yaml") {
		return true
	}
	return strings.Contains(strings.ToLower(header), "yaml")
}

func (a *API) handleDigests(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"buckets": a.b.PendingDigests()})
}

func (a *API) handleFlush(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"handed_off": a.b.FlushNow(r.Context())})
}

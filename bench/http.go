package bench

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/gearprecision/generichttp"
	"github.com/nasa-jpl/gearprecision/precision"
	"github.com/nasa-jpl/gearprecision/results"
	"github.com/nasa-jpl/gearprecision/server/middleware/locker"
)

// HTTPWrapper provides HTTP bindings on top of a Bench
type HTTPWrapper struct {
	*Bench

	// RouteTable holds the routes that stay available during a run
	RouteTable generichttp.RouteTable

	// MotorTable holds the manual motor routes, locked during a run
	MotorTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route tables pre-configured
func NewHTTPWrapper(b *Bench) HTTPWrapper {
	w := HTTPWrapper{Bench: b}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/angle"}:       generichttp.GetFloat(b.Angle),
		{Method: http.MethodGet, Path: "/status"}:      w.GetStatus,
		{Method: http.MethodPost, Path: "/run"}:        w.StartRun,
		{Method: http.MethodPost, Path: "/run/cancel"}: w.CancelRun,
		{Method: http.MethodGet, Path: "/results"}:     w.GetResults,
		{Method: http.MethodGet, Path: "/summary"}:     w.GetSummary,
		{Method: http.MethodGet, Path: "/metrics"}:     b.Metrics().ServeHTTP,
	}
	m := b.Manual()
	w.MotorTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/motor/enable"}:   generichttp.Command(m.Enable),
		{Method: http.MethodPost, Path: "/motor/disable"}:  generichttp.Command(m.Disable),
		{Method: http.MethodPost, Path: "/motor/clear"}:    generichttp.Command(m.ClearErrors),
		{Method: http.MethodPost, Path: "/motor/position"}: generichttp.SetFloat(m.SetPosition),
	}
	locker.Inject(w, b.Locker())
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Router returns a chi router serving both tables, with the motor routes
// behind the bench's locker
func (h HTTPWrapper) Router() chi.Router {
	r := chi.NewRouter()
	h.RouteTable.Bind(r)
	r.Group(func(r chi.Router) {
		r.Use(h.Locker().Check)
		h.MotorTable.Bind(r)
	})
	return r
}

// GetStatus returns the bench status as JSON
func (h HTTPWrapper) GetStatus(w http.ResponseWriter, r *http.Request) {
	generichttp.EncodeJSON(w, h.Status())
}

// StartRun starts a run.  The body is a JSON precision.Settings; absent fields
// keep their defaults.
func (h HTTPWrapper) StartRun(w http.ResponseWriter, r *http.Request) {
	s := precision.DefaultSettings()
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := h.Start(s)
	switch {
	case errors.Is(err, precision.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrLocked):
		http.Error(w, err.Error(), http.StatusLocked)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(h.Status())
}

// CancelRun cancels the current run
func (h HTTPWrapper) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Cancel(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetResults returns the last run as CSV
func (h HTTPWrapper) GetResults(w http.ResponseWriter, r *http.Request) {
	acc, s, err := h.Results()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+results.FileName(s.Description, h.Status().Started)+`"`)
	w.WriteHeader(http.StatusOK)
	if err := results.WriteCSV(w, results.Records(acc)); err != nil {
		h.logger.Errorw("writing results failed", "error", err)
	}
}

// GetSummary returns the summary of the last run as JSON
func (h HTTPWrapper) GetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Summary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	generichttp.EncodeJSON(w, sum)
}

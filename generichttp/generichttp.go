// Package generichttp holds the small pieces shared by the HTTP wrappers:
// route tables bound onto chi routers and a typed JSON payload.
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and a chi path pattern
type MethodPath struct {
	Method, Path string
}

func (mp MethodPath) String() string {
	return mp.Method + " " + mp.Path
}

// RouteTable maps routes to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Bind registers every route in the table on r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fcn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fcn)
	}
}

// Endpoints lists the routes in the table, sorted
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for mp := range rt {
		out = append(out, mp.String())
	}
	sort.Strings(out)
	return out
}

// HTTPer is anything with a route table
type HTTPer interface {
	RT() RouteTable
}

// FloatT is {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// BoolT is {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload carries one value of kind T
type HumanPayload struct {
	T      types.BasicKind
	Float  float64
	Bool   bool
	String string
	Int    int
}

// EncodeAndRespond writes the payload as JSON, keyed by its kind
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.String:
		v = StrT{Str: hp.String}
	case types.Int:
		v = struct {
			Int int `json:"int"`
		}{hp.Int}
	default:
		http.Error(w, fmt.Sprintf("unsupported payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	EncodeJSON(w, v)
}

// EncodeJSON writes v as a JSON 200 response
func EncodeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// the header is gone already
		fmt.Fprintf(w, "error encoding response: %v", err)
	}
}

// GetFloat calls a float-getting function and returns the response
// as json {"f64": value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		HumanPayload{T: types.Float64, Float: f}.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {"f64": value} and calls fcn with it.
// The string fcn returns is the response body.
func SetFloat(fcn func(float64) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		Command(func() (string, error) { return fcn(f.F64) })(w, r)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {"bool": value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		HumanPayload{T: types.Bool, Bool: b}.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {"bool": value} and calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = fcn(b.Bool); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Command calls a command function and returns its response text
// as json {"str": value}
func Command(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		HumanPayload{T: types.String, String: s}.EncodeAndRespond(w, r)
	}
}

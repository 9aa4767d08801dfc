// Package generichttp contains the HTTP plumbing shared by the wrappers in its
// subpackages: a route table bound onto chi routers, a small typed JSON
// payload, and getter/setter handler generators.
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and a path below the node's endpoint
type MethodPath struct {
	Method, Path string
}

// RouteTable maps method-path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the paths in the table, sorted, each path once
func (rt RouteTable) Endpoints() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(rt))
	for mp := range rt {
		if _, ok := seen[mp.Path]; ok {
			continue
		}
		seen[mp.Path] = struct{}{}
		out = append(out, mp.Path)
	}
	sort.Strings(out)
	return out
}

// Bind registers every route on r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.MethodFunc(mp.Method, mp.Path, h)
	}
}

// HTTPer is a type which can be served over HTTP
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts "omc/scan" or "/omc/scan/" to "/omc/scan"
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.Trim(str, "/")
	return "/" + str
}

// BoolT is the JSON form of a bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// FloatT is the JSON form of a float
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is the JSON form of an int
type IntT struct {
	Int int `json:"int"`
}

// StrT is the JSON form of a string
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload holds one value of kind T and encodes it as the matching
// BoolT, FloatT, IntT or StrT
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Float  float64
	Int    int
	String string
}

// EncodeAndRespond writes the payload as JSON with status 200
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{hp.Bool}
	case types.Float64, types.Float32:
		v = FloatT{hp.Float}
	case types.Int:
		v = IntT{hp.Int}
	case types.String:
		v = StrT{hp.String}
	default:
		http.Error(w, "unsupported payload type", http.StatusInternalServerError)
		return
	}
	ReplyJSON(w, v)
}

// ReplyJSON encodes v as the response body with status 200
func ReplyJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// DecodeBody decodes the JSON request body into v, replying 400 on failure.
// It returns false if the handler should return.
func DecodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp := HumanPayload{T: types.Float64, Float: fcn()}
		hp.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {'f64': value} and calls fcn with it
func SetFloat(fcn func(float64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		if !DecodeBody(w, r, &f) {
			return
		}
		fcn(f.F64)
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp := HumanPayload{T: types.Int, Int: fcn()}
		hp.EncodeAndRespond(w, r)
	}
}

// SetInt parses a JSON input of {'int': value} and calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := IntT{}
		if !DecodeBody(w, r, &i) {
			return
		}
		if err := fcn(i.Int); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp := HumanPayload{T: types.Bool, Bool: fcn()}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and calls fcn with it
func SetBool(fcn func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		if !DecodeBody(w, r, &b) {
			return
		}
		fcn(b.Bool)
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp := HumanPayload{T: types.String, String: fcn()}
		hp.EncodeAndRespond(w, r)
	}
}

// Package api exposes the substrate over JSON-over-HTTP.
//
// Inputs are POST endpoints taking a JSON body; outputs are GET endpoints
// driven by query parameters, except where a query carries a vector. Only
// malformed requests fail (400). A recall that finds nothing answers 200
// with empty results, the same way the substrate answers its in-process
// callers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/MrWong99/strata/internal/substrate"
	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/memory/sediment"
	"github.com/MrWong99/strata/pkg/memory/spatial"
)

// maxBody caps request bodies. A 4096-dimension vector in JSON fits easily.
const maxBody = 1 << 20

// Server serves the substrate's inputs and outputs.
type Server struct {
	sub *substrate.Substrate
}

// New returns a Server for sub.
func New(sub *substrate.Substrate) *Server {
	return &Server{sub: sub}
}

// Register adds every /v1 route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/observe", s.handleObserve)
	mux.HandleFunc("POST /v1/simulate", s.handleSimulate)
	mux.HandleFunc("POST /v1/concepts/touch", s.handleTouch)
	mux.HandleFunc("POST /v1/concepts/reinforce", s.handleReinforce)
	mux.HandleFunc("POST /v1/concepts/terrain", s.handleTerrain)
	mux.HandleFunc("GET /v1/concepts/{name}", s.handleConcept)
	mux.HandleFunc("GET /v1/concepts/{name}/related", s.handleRelated)
	mux.HandleFunc("GET /v1/concepts/{name}/locate", s.handleLocate)
	mux.HandleFunc("GET /v1/concepts/{name}/resonate", s.handleResonate)
	mux.HandleFunc("GET /v1/concepts/{name}/speak", s.handleSpeak)
	mux.HandleFunc("POST /v1/fragments", s.handleDeposit)
	mux.HandleFunc("POST /v1/tokens", s.handleTokens)
	mux.HandleFunc("GET /v1/recall/near", s.handleRecallNear)
	mux.HandleFunc("POST /v1/recall/similar", s.handleRecallSimilar)
	mux.HandleFunc("POST /v1/recall", s.handleRecall)
	mux.HandleFunc("GET /v1/gradient", s.handleGradient)
	mux.HandleFunc("GET /v1/emotion", s.handleEmotion)
	mux.HandleFunc("GET /v1/stability", s.handleStability)
	mux.HandleFunc("GET /v1/graph", s.handleGraph)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/sleep", s.handleSleep)
	mux.HandleFunc("GET /v1/sleep/last", s.handleLastSleep)
}

// Handler returns a mux serving only the /v1 routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// ── Inputs ────────────────────────────────────────────────────────────────────

type observeRequest struct {
	Text string `json:"text"`
	// Hour is the hour of day the text was experienced. Omitted means now.
	Hour *float64 `json:"hour,omitempty"`
}

type observeResponse struct {
	Surprise float64 `json:"surprise"`
}

func (r observeRequest) hour() float64 {
	if r.Hour == nil {
		return math.NaN()
	}
	return *r.Hour
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, observeResponse{Surprise: s.sub.ObserveText(r.Context(), req.Text, req.hour())})
}

type simulateResponse struct {
	Instability float64 `json:"instability"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, simulateResponse{Instability: s.sub.Simulate(r.Context(), req.Text, req.hour())})
}

type touchRequest struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
}

type pointResponse struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	var req touchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	p := s.sub.TouchConcept(req.Name, req.Source)
	writeJSON(w, http.StatusOK, pointResponse{Name: req.Name, X: p.X, Y: p.Y})
}

type reinforceRequest struct {
	Name  string  `json:"name"`
	Delta float64 `json:"delta"`
}

type reinforceResponse struct {
	Name    string  `json:"name"`
	Valence float64 `json:"valence"`
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	var req reinforceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	v := s.sub.ReinforceConcept(r.Context(), req.Name, req.Delta)
	writeJSON(w, http.StatusOK, reinforceResponse{Name: req.Name, Valence: v})
}

type terrainRequest struct {
	Name      string  `json:"name"`
	Magnitude float64 `json:"magnitude"`
}

func (s *Server) handleTerrain(w http.ResponseWriter, r *http.Request) {
	var req terrainRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	changed := s.sub.ModifyTerrain(r.Context(), req.Name, req.Magnitude)
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

type depositRequest struct {
	Trigger    string  `json:"trigger"`
	Text       string  `json:"text"`
	Plasticity float64 `json:"plasticity"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Trigger == "" {
		http.Error(w, "trigger is required", http.StatusBadRequest)
		return
	}
	n := s.sub.DepositFragment(r.Context(), req.Trigger, req.Text, req.Plasticity)
	writeJSON(w, http.StatusOK, map[string]int{"fragments": n})
}

type tokensRequest struct {
	Tokens  []string `json:"tokens"`
	Arousal float64  `json:"arousal"`
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	var req tokensRequest
	if !decode(w, r, &req) {
		return
	}
	ok := s.sub.IngestTokens(r.Context(), req.Tokens, req.Arousal)
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": ok})
}

// ── Outputs ───────────────────────────────────────────────────────────────────

func (s *Server) handleConcept(w http.ResponseWriter, r *http.Request) {
	c, ok := s.sub.Concept(r.PathValue("name"))
	if !ok {
		http.Error(w, "concept not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type scoredResponse struct {
	Results []memory.Scored `json:"results"`
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	q := params{r: r}
	limit := q.intOr("limit", 10)
	if !q.ok(w) {
		return
	}
	out := s.sub.RelatedConcepts(r.Context(), r.PathValue("name"), limit)
	writeJSON(w, http.StatusOK, scoredResponse{Results: nonNil(out)})
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.sub.Locate(r.PathValue("name"))
	if !ok {
		http.Error(w, "concept not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleResonate(w http.ResponseWriter, r *http.Request) {
	q := params{r: r}
	force := q.floatOr("force", 1)
	depth := q.intOr("depth", 0)
	if !q.ok(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.sub.Resonate(r.PathValue("name"), force, depth))
}

type speakResponse struct {
	Text  string `json:"text"`
	Topic string `json:"topic,omitempty"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	strategy, err := sediment.ParseSpeakStrategy(r.URL.Query().Get("strategy"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	text, topic := s.sub.SpeakWith(r.Context(), r.PathValue("name"), strategy)
	writeJSON(w, http.StatusOK, speakResponse{Text: text, Topic: topic})
}

type textsResponse struct {
	Fragments []string `json:"fragments"`
}

func (s *Server) handleRecallNear(w http.ResponseWriter, r *http.Request) {
	q := params{r: r}
	x := q.requiredFloat("x")
	y := q.requiredFloat("y")
	radius := q.radius("radius", 50)
	limit := q.intOr("limit", 0)
	stored := q.flag("stored")
	if !q.ok(w) {
		return
	}
	var out []string
	if stored {
		out = s.sub.RecallStored(r.Context(), x, y, radius, limit)
	} else {
		out = s.sub.RecallNear(r.Context(), x, y, radius, limit)
	}
	writeJSON(w, http.StatusOK, textsResponse{Fragments: nonNil(out)})
}

type similarRequest struct {
	Vector        []float32 `json:"vector,omitempty"`
	Text          string    `json:"text,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	MinSimilarity float64   `json:"min_similarity,omitempty"`
}

func (s *Server) handleRecallSimilar(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if !decode(w, r, &req) {
		return
	}
	var out []memory.Scored
	switch {
	case len(req.Vector) > 0:
		out = s.sub.RecallSimilar(r.Context(), req.Vector, req.Limit, req.MinSimilarity)
	case req.Text != "":
		out = s.sub.RecallSimilarText(r.Context(), req.Text, req.Limit, req.MinSimilarity)
	default:
		http.Error(w, "vector or text is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, scoredResponse{Results: nonNil(out)})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var q substrate.Query
	if !decode(w, r, &q) {
		return
	}
	if q.Radius < 0 || math.IsNaN(q.Radius) {
		http.Error(w, "radius must be non-negative", http.StatusBadRequest)
		return
	}
	rec := s.sub.Recall(r.Context(), q)
	rec.Concepts = nonNil(rec.Concepts)
	rec.Fragments = nonNil(rec.Fragments)
	rec.Similar = nonNil(rec.Similar)
	rec.Related = nonNil(rec.Related)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGradient(w http.ResponseWriter, r *http.Request) {
	q := params{r: r}
	x := q.requiredInt("x")
	y := q.requiredInt("y")
	if !q.ok(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.sub.SpatialGradient(spatial.Cell{X: x, Y: y}))
}

func (s *Server) handleEmotion(w http.ResponseWriter, r *http.Request) {
	q := params{r: r}
	x := q.requiredFloat("x")
	y := q.requiredFloat("y")
	radius := q.radius("radius", 50)
	if !q.ok(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.sub.EmotionalGradient(x, y, radius))
}

func (s *Server) handleStability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sub.StabilityReport(r.Context()))
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sub.GraphSummary())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sub.Status())
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sub.Sleep(r.Context()))
}

func (s *Server) handleLastSleep(w http.ResponseWriter, _ *http.Request) {
	rep, ok := s.sub.LastSleep()
	if !ok {
		http.Error(w, "no sleep cycle yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// decode reads a JSON body into v. It writes a 400 and returns false when
// the body is malformed or too large.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// params parses query parameters and remembers the first failure.
type params struct {
	r   *http.Request
	err error
}

func (p *params) raw(name string, required bool) (string, bool) {
	v := p.r.URL.Query().Get(name)
	if v == "" {
		if required && p.err == nil {
			p.err = fmt.Errorf("%s is required", name)
		}
		return "", false
	}
	return v, true
}

func (p *params) parseFloat(name string, required bool, def float64) float64 {
	v, ok := p.raw(name, required)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		if p.err == nil {
			p.err = fmt.Errorf("%s must be a finite number", name)
		}
		return def
	}
	return f
}

func (p *params) floatOr(name string, def float64) float64 { return p.parseFloat(name, false, def) }
func (p *params) requiredFloat(name string) float64        { return p.parseFloat(name, true, 0) }

// radius parses a non-negative search radius. Radii past the map edge are
// clipped by the stores.
func (p *params) radius(name string, def float64) float64 {
	r := p.parseFloat(name, false, def)
	if r < 0 {
		if p.err == nil {
			p.err = fmt.Errorf("%s must be non-negative", name)
		}
		return def
	}
	return r
}

func (p *params) parseInt(name string, required bool, def int) int {
	v, ok := p.raw(name, required)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("%s must be an integer", name)
		}
		return def
	}
	return n
}

func (p *params) intOr(name string, def int) int { return p.parseInt(name, false, def) }
func (p *params) requiredInt(name string) int    { return p.parseInt(name, true, 0) }

func (p *params) flag(name string) bool {
	v, ok := p.raw(name, false)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s must be a boolean", name)
	}
	return b
}

// ok writes a 400 for the first parse failure and reports whether parsing
// succeeded.
func (p *params) ok(w http.ResponseWriter) bool {
	if p.err != nil {
		http.Error(w, p.err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

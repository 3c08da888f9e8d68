// Package handler provides the HTTP API for retrondb.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stevemurr/retrondb/format"
	"github.com/stevemurr/retrondb/record"
	"github.com/stevemurr/retrondb/retron"
	"github.com/stevemurr/retrondb/store"
)

// maxBody caps request bodies, CSV imports included.
const maxBody = 32 << 20

// Handler holds the server dependencies and registers routes.
type Handler struct {
	gk       *retron.Gatekeeper
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	mux      *http.ServeMux
}

type Option func(*Handler)

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New creates a Handler and wires up all routes.
func New(gk *retron.Gatekeeper, opts ...Option) *Handler {
	h := &Handler{gk: gk, logger: slog.New(slog.DiscardHandler), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	// Health / status
	h.mux.HandleFunc("GET /", h.root)
	h.mux.HandleFunc("GET /health", h.health)
	if h.gatherer != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	h.mux.HandleFunc("GET /collections", h.listCollections)

	// --- Retron endpoints ---
	h.mux.HandleFunc("GET /collections/{collection}/retrons", h.findRetrons)
	h.mux.HandleFunc("POST /collections/{collection}/retrons", h.addRetrons)
	h.mux.HandleFunc("PATCH /collections/{collection}/retrons", h.updateRetrons)
	h.mux.HandleFunc("POST /collections/{collection}/retrons/remove", h.removeBy)
	h.mux.HandleFunc("GET /collections/{collection}/retrons/{node}", h.getRetron)
	h.mux.HandleFunc("DELETE /collections/{collection}/retrons/{node}", h.removeRetron)
	h.mux.HandleFunc("GET /collections/{collection}/properties", h.properties)

	// --- CSV endpoints ---
	h.mux.HandleFunc("POST /collections/{collection}/import", h.importCSV)
	h.mux.HandleFunc("GET /collections/{collection}/export", h.exportCSV)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// fail maps a gatekeeper error to a status and a body that names the
// offending nodes or properties.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	body := map[string]any{"detail": err.Error()}
	status := http.StatusInternalServerError

	var (
		up  *retron.UnrecognizedPropertyError
		dup *retron.DuplicateIdentityError
		nf  *retron.NotFoundError
	)
	switch {
	case errors.As(err, &up):
		status = http.StatusUnprocessableEntity
		body["properties"] = up.Names
	case errors.As(err, &dup):
		status = http.StatusConflict
		body["nodes"] = dup.Nodes
	case errors.As(err, &nf):
		status = http.StatusNotFound
		body["nodes"] = nf.Nodes
	case errors.Is(err, retron.ErrMissingKey),
		errors.Is(err, retron.ErrInvalidArgument),
		errors.Is(err, format.ErrUnknownFormat),
		errors.Is(err, store.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, retron.ErrProtectedFile):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("query parameter %s: %w", name, err)
	}
	return b, nil
}

func formatParam(r *http.Request) (format.Format, error) {
	return format.Parse(r.URL.Query().Get("format"))
}

// writeDocs renders docs in the requested representation.
func writeDocs(w http.ResponseWriter, status int, docs []store.Document, f format.Format) {
	out, err := format.Render(docs, f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s, ok := out.(string); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintln(w, s)
		return
	}
	writeJSON(w, status, out)
}

func writeDoc(w http.ResponseWriter, status int, doc store.Document, f format.Format) {
	out, err := format.RenderOne(doc, f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s, ok := out.(string); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintln(w, s)
		return
	}
	writeJSON(w, status, out)
}

// readRecords decodes a JSON object or array of objects. many reports which.
func readRecords(r *http.Request) (recs []record.Record, many bool, err error) {
	defer r.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, false, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, false, err
		}
		return recs, true, nil
	}
	var rec record.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	return []record.Record{rec}, false, nil
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	// Only match exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "retrondb",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.gk.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- collection list ----------

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	names, err := h.gk.Collections(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// ---------- retrons ----------

// findRetrons accepts a JSON filter in ?filter= and plain field=value
// equality pairs. Every other parameter name is reserved.
func (h *Handler) findRetrons(w http.ResponseWriter, r *http.Request) {
	f, err := formatParam(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	filter := store.Filter{}
	q := r.URL.Query()
	if raw := q.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			writeError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
			return
		}
	}
	for field, values := range q {
		if field == "filter" || field == "format" {
			continue
		}
		filter[field] = store.Eq(values[0])
	}
	docs, err := h.gk.Find(r.Context(), r.PathValue("collection"), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeDocs(w, http.StatusOK, docs, f)
}

func (h *Handler) getRetron(w http.ResponseWriter, r *http.Request) {
	f, err := formatParam(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	doc, err := h.gk.Get(r.Context(), r.PathValue("collection"), r.PathValue("node"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeDoc(w, http.StatusOK, doc, f)
}

func (h *Handler) addRetrons(w http.ResponseWriter, r *http.Request) {
	f, err := formatParam(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	allowNew, err := boolParam(r, "allow_new")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	recs, many, err := readRecords(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	collection := r.PathValue("collection")
	if !many {
		doc, err := h.gk.AddOne(r.Context(), collection, recs[0], allowNew)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeDoc(w, http.StatusCreated, doc, f)
		return
	}
	docs, err := h.gk.AddMany(r.Context(), collection, recs, allowNew)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeDocs(w, http.StatusCreated, docs, f)
}

func (h *Handler) updateRetrons(w http.ResponseWriter, r *http.Request) {
	f, err := formatParam(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var opts retron.UpdateOptions
	if opts.AllowNew, err = boolParam(r, "allow_new"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Replace, err = boolParam(r, "replace"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	recs, many, err := readRecords(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	collection := r.PathValue("collection")
	if !many {
		doc, err := h.gk.UpdateOne(r.Context(), collection, recs[0], opts)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeDoc(w, http.StatusOK, doc, f)
		return
	}
	docs, err := h.gk.UpdateMany(r.Context(), collection, recs, opts)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeDocs(w, http.StatusOK, docs, f)
}

func (h *Handler) removeRetron(w http.ResponseWriter, r *http.Request) {
	doc, err := h.gk.RemoveOne(r.Context(), r.PathValue("collection"), r.PathValue("node"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": doc})
}

// removeBy takes {"key": name, "value": scalar} or
// {"key": name, "value": {"op": "gte", "value": 10}}.
func (h *Handler) removeBy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	raw := bytes.TrimSpace(req.Value)
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "missing value")
		return
	}
	var value any
	if raw[0] == '{' {
		var c store.Condition
		if err := json.Unmarshal(raw, &c); err != nil {
			writeError(w, http.StatusBadRequest, "invalid condition: "+err.Error())
			return
		}
		value = c
	} else {
		if err := json.Unmarshal(raw, &value); err != nil {
			writeError(w, http.StatusBadRequest, "invalid value: "+err.Error())
			return
		}
	}
	docs, err := h.gk.RemoveBy(r.Context(), r.PathValue("collection"), req.Key, value)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": docs})
}

func (h *Handler) properties(w http.ResponseWriter, r *http.Request) {
	names, err := h.gk.KnownProperties(r.Context(), r.PathValue("collection"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"properties": names})
}

// ---------- CSV ----------

func (h *Handler) importCSV(w http.ResponseWriter, r *http.Request) {
	allowNew, err := boolParam(r, "allow_new")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.Body.Close()
	docs, err := h.gk.Import(r.Context(), r.PathValue("collection"), http.MaxBytesReader(w, r.Body, maxBody), allowNew)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"imported": len(docs)})
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var buf bytes.Buffer
	if _, err := h.gk.Export(r.Context(), collection, &buf); err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", collection+retron.DefaultExt))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

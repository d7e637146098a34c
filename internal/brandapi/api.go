// Package brandapi serves the brand result endpoints: creating a brand id,
// reading and writing its cached result, and reporting the caller's quota.
package brandapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brandplot/brandplot-server/internal/httpmw"
	"github.com/brandplot/brandplot-server/internal/log"
	"github.com/brandplot/brandplot-server/internal/ratelimit"
	"github.com/brandplot/brandplot-server/internal/resultcache"
)

// Results hands out the cache for one brand id.
type Results interface {
	For(id string) *resultcache.Cache
}

// Meter is the quota guarding result generation.
type Meter interface {
	Peek(id string) ratelimit.Decision
	Middleware(next http.Handler) http.Handler
}

// API implements the brand endpoints.
type API struct {
	results Results
	meter   Meter
	now     func() time.Time
}

// NewAPI creates the brand API. meter may be nil, which leaves PUT unmetered
// and makes /api/quota answer 404.
func NewAPI(results Results, meter Meter) *API {
	return &API{
		results: results,
		meter:   meter,
		now:     time.Now,
	}
}

// RegisterRoutes attaches the brand endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	const resultPath = "/api/brands/{id}/result"

	r.With(httpmw.Scope("brands.create")).Post("/api/brands", api.HandleCreate)

	byID := r.With(api.requireBrandID)
	byID.With(httpmw.Scope("result.get")).Get(resultPath, api.HandleGet)
	put := byID.With(httpmw.Scope("result.put"))
	if api.meter != nil {
		put = put.With(api.meter.Middleware)
	}
	put.Put(resultPath, api.HandlePut)
	byID.With(httpmw.Scope("result.patch")).Patch(resultPath, api.HandlePatch)
	byID.With(httpmw.Scope("result.delete")).Delete(resultPath, api.HandleDelete)

	if api.meter != nil {
		r.With(httpmw.Scope("quota.get")).Get("/api/quota", api.HandleQuota)
	}
}

type createRequest struct {
	Name string `json:"name"`
}

type createResponse struct {
	ID string `json:"id"`
}

type quotaResponse struct {
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetTime *time.Time `json:"reset_time"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleCreate derives a brand id from the display name.
func (api *API) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRequest
	if status, msg := decodeBody(r, &req); status != 0 {
		api.writeJSON(ctx, w, status, errorResponse{Error: msg})
		return
	}

	id := resultcache.BrandIDAt(req.Name, api.now())
	log.FromContext(ctx).Debug(ctx, "brand id created", "brand_id", id)
	api.writeJSON(ctx, w, http.StatusCreated, createResponse{ID: id})
}

// HandleGet returns the cached result for the brand.
func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, ok := api.results.For(brandID(r)).Get(ctx)
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "no cached result"})
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, e.Map())
}

// HandlePut replaces the cached result. This is the metered operation.
func (api *API) HandlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var data map[string]any
	if status, msg := decodeObject(r, &data); status != 0 {
		api.writeJSON(ctx, w, status, errorResponse{Error: msg})
		return
	}

	e, err := api.results.For(brandID(r)).SetEntry(ctx, data)
	if err != nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "result not stored"})
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, e.Map())
}

// HandlePatch merges fields into the cached result and renews its TTL.
func (api *API) HandlePatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var partial map[string]any
	if status, msg := decodeObject(r, &partial); status != 0 {
		api.writeJSON(ctx, w, status, errorResponse{Error: msg})
		return
	}

	e, ok, err := api.results.For(brandID(r)).UpdateEntry(ctx, partial)
	switch {
	case err != nil:
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "result not stored"})
	case !ok:
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "no cached result"})
	default:
		api.writeJSON(ctx, w, http.StatusOK, e.Map())
	}
}

// HandleDelete removes the cached result. Deleting nothing succeeds.
func (api *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := api.results.For(brandID(r)).Clear(ctx); err != nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "result not cleared"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleQuota reports the caller's quota without consuming it.
func (api *API) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := httpmw.ClientIPFromContext(ctx)
	if id == "" {
		id = httpmw.UnknownClientID
	}
	d := api.meter.Peek(id)
	ratelimit.SetQuotaHeaders(w.Header(), d)

	resp := quotaResponse{Limit: d.Limit, Remaining: d.Remaining}
	if !d.ResetTime.IsZero() {
		t := d.ResetTime.UTC()
		resp.ResetTime = &t
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

type brandIDKey struct{}

// requireBrandID rejects ids that are not in slug form so arbitrary strings
// never reach the store as keys.
func (api *API) requireBrandID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !resultcache.ValidBrandID(id) {
			api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid brand id"})
			return
		}
		ctx := context.WithValue(r.Context(), brandIDKey{}, id)
		ctx = log.WithContext(ctx, log.FromContext(ctx).With("brand_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func brandID(r *http.Request) string {
	id, _ := r.Context().Value(brandIDKey{}).(string)
	return id
}

// decodeBody reads one JSON value into v. It returns a zero status on
// success, otherwise the status and message to answer with.
func decodeBody(r *http.Request, v any) (int, string) {
	dec := json.NewDecoder(r.Body)
	// numbers stay exact; float64 would round large integers
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			return http.StatusRequestEntityTooLarge, "request body too large"
		case errors.Is(err, io.EOF):
			return http.StatusBadRequest, "request body required"
		default:
			return http.StatusBadRequest, "request body must be a JSON object"
		}
	}
	if dec.More() {
		return http.StatusBadRequest, "request body must be a single JSON object"
	}
	return 0, ""
}

// decodeObject is decodeBody for payloads that must be a non-null object.
func decodeObject(r *http.Request, m *map[string]any) (int, string) {
	if status, msg := decodeBody(r, m); status != 0 {
		return status, msg
	}
	if *m == nil {
		return http.StatusBadRequest, "request body must be a JSON object"
	}
	return 0, ""
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

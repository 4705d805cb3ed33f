package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
	"github.com/haldane/conduit/service"
)

// maxBodyBytes caps request bodies. Job inputs and schema documents are
// small JSON; anything past this is a client error.
const maxBodyBytes = 1 << 20

// serviceView is the wire shape of a service, the stored descriptor plus
// the computed liveness status.
type serviceView struct {
	*service.Service
	Status service.Status `json:"status"`
}

func (a *API) serviceView(svc *service.Service) serviceView {
	return serviceView{
		Service: svc,
		Status:  svc.StatusAt(time.Now().UTC(), a.eng.Registry().Window()),
	}
}

// ──────────────────────────────────────────────────
// Meta
// ──────────────────────────────────────────────────

func (a *API) getMeta(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, map[string]string{
		"name":    "conduit",
		"version": Version,
	})
}

// ──────────────────────────────────────────────────
// Services
// ──────────────────────────────────────────────────

type registerRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
}

func (a *API) registerService(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondBadRequest(w, err.Error())
		return
	}

	svc, err := a.eng.Registry().Register(r.Context(), req.Name, req.Description, req.InputSchema, req.OutputSchema)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respond(w, http.StatusCreated, a.serviceView(svc))
}

func (a *API) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := a.eng.Registry().List(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	views := make([]serviceView, 0, len(services))
	for _, svc := range services {
		views = append(views, a.serviceView(svc))
	}
	a.respond(w, http.StatusOK, map[string]any{"services": views})
}

func (a *API) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := a.eng.Registry().Get(r.Context(), r.PathValue("name"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, a.serviceView(svc))
}

func (a *API) heartbeatService(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Registry().Heartbeat(r.Context(), r.PathValue("name")); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) retireService(w http.ResponseWriter, r *http.Request) {
	failed, err := a.eng.Retire(r.Context(), r.PathValue("name"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]int64{"failed_jobs": failed})
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	input, err := readRawBody(r)
	if err != nil {
		a.respondBadRequest(w, err.Error())
		return
	}

	j, err := a.eng.Submit(r.Context(), r.PathValue("name"), input)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respond(w, http.StatusCreated, j)
}

func (a *API) listServiceJobs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := a.eng.Registry().Get(r.Context(), name); err != nil {
		a.respondError(w, r, err)
		return
	}

	opts := job.ListOpts{Service: name}
	countOpts := job.CountOpts{Service: name}
	q := r.URL.Query()
	if s := q.Get("state"); s != "" {
		opts.State = job.State(s)
		countOpts.State = opts.State
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		a.respondBadRequest(w, "invalid limit")
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		a.respondBadRequest(w, "invalid offset")
		return
	}

	jobs, err := a.eng.ListJobs(r.Context(), opts)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	total, err := a.eng.CountJobs(r.Context(), countOpts)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (a *API) claimJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.eng.Claim(r.Context(), r.PathValue("name"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if j == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{
		"job":         j,
		"claim_token": j.ClaimToken.String(),
	})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("id"))
	if err != nil {
		a.respondError(w, r, conduit.ErrJobNotFound)
		return
	}

	j, err := a.eng.Get(r.Context(), jobID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, j)
}

type completeRequest struct {
	ClaimToken string          `json:"claim_token"`
	Output     json.RawMessage `json:"output"`
}

func (a *API) completeJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("id"))
	if err != nil {
		a.respondError(w, r, conduit.ErrJobNotFound)
		return
	}

	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondBadRequest(w, err.Error())
		return
	}
	if !json.Valid(req.Output) {
		a.respondBadRequest(w, "output is not valid JSON")
		return
	}
	token, err := id.ParseClaimID(req.ClaimToken)
	if err != nil {
		// A token that does not even parse can never match a claim.
		a.respondError(w, r, conduit.ErrStaleClaim)
		return
	}

	if err := a.eng.Complete(r.Context(), jobID, token, req.Output); err != nil {
		a.respondError(w, r, err)
		return
	}

	j, err := a.eng.Get(r.Context(), jobID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, j)
}

type failRequest struct {
	ClaimToken string `json:"claim_token"`
	Reason     string `json:"reason"`
}

func (a *API) failJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("id"))
	if err != nil {
		a.respondError(w, r, conduit.ErrJobNotFound)
		return
	}

	var req failRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondBadRequest(w, err.Error())
		return
	}
	token, err := id.ParseClaimID(req.ClaimToken)
	if err != nil {
		a.respondError(w, r, conduit.ErrStaleClaim)
		return
	}

	if err := a.eng.Fail(r.Context(), jobID, token, req.Reason); err != nil {
		a.respondError(w, r, err)
		return
	}

	j, err := a.eng.Get(r.Context(), jobID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, j)
}

// ──────────────────────────────────────────────────
// Body helpers
// ──────────────────────────────────────────────────

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// readRawBody returns the request body verbatim, verifying it is valid
// JSON. Submissions pass through to schema validation untouched.
func readRawBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errNotJSON
	}
	return body, nil
}

var errNotJSON = errors.New("request body is not valid JSON")

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

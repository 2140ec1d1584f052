package main

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshgate/toolgateway/internal/jsonrpc"
	"github.com/meshgate/toolgateway/internal/registry"
	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/pkg/gwerrors"
	"github.com/meshgate/toolgateway/pkg/logger"
	"github.com/meshgate/toolgateway/pkg/metrics"
	"github.com/meshgate/toolgateway/pkg/redaction"
)

// serviceIDPattern is the External Interfaces validation rule from spec.md
// §6 for the proxy endpoint's path parameter.
var serviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// errorEnvelope is the consistent failure shape spec.md §6 names for the
// façade: { error: { code, message, recoverable?, meta? } }.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable *bool  `json:"recoverable,omitempty"`
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code, message string, recoverable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	rec := recoverable
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message, Recoverable: &rec}})
}

func writeGatewayError(w http.ResponseWriter, err error) {
	kind := gwerrors.KindOf(err)
	status := http.StatusInternalServerError
	recoverable := false
	if ge, ok := err.(*gwerrors.Error); ok {
		status = ge.HTTPStatus()
		recoverable = ge.Recoverable()
	}
	writeErrorEnvelope(w, status, string(kind), err.Error(), recoverable)
}

// newRouter builds the gateway's thin HTTP surface: the JSON-RPC proxy
// endpoint, a deep health check, and a Prometheus metrics endpoint.
// Grounded on the teacher's infrastructure/service route-registration
// style; the route handlers themselves are new, thin pass-throughs onto
// the registry since route validation and the rest of the façade are
// out of scope here.
func newRouter(reg *registry.Registry, log *logger.Logger, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(log))
	r.Use(requestLogger(log))
	r.Use(requestTimeout(timeout))

	// serviceId in the route name is spec.md §6's literal External
	// Interfaces wording; SendMessage treats it as the template name and
	// selects a live instance internally.
	r.Post("/api/proxy/{serviceId}", proxyHandler(reg))
	r.Get("/api/templates/{templateName}/services", listServicesHandler(reg))
	r.Get("/api/services/{serviceId}", getServiceHandler(reg))
	r.Get("/healthz", healthzHandler(reg))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return r
}

func proxyHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "serviceId")
		if !serviceIDPattern.MatchString(serviceID) {
			writeErrorEnvelope(w, http.StatusBadRequest, string(gwerrors.BadInput), "invalid serviceId", false)
			return
		}

		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, string(gwerrors.BadInput), "malformed JSON-RPC body", false)
			return
		}
		req = jsonrpc.AssignID(req)

		resp, err := reg.SendMessage(r.Context(), serviceID, req)
		if err != nil {
			writeGatewayError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// redactedInstance is the read-path view of an instance: spec.md §6 requires
// secret redaction on listServices/getService, applied here at the façade
// rather than in the core (the core's Instance keeps real values so the
// registry and adapters can still use them).
type redactedInstance struct {
	ID           string         `json:"id"`
	TemplateName string         `json:"templateName"`
	State        string         `json:"state"`
	Env          map[string]any `json:"env,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func redactInstance(inst store.Instance) redactedInstance {
	env := make(map[string]any, len(inst.Template.Env))
	for k, v := range inst.Template.Env {
		env[k] = v
	}
	return redactedInstance{
		ID:           inst.ID,
		TemplateName: inst.TemplateName,
		State:        string(inst.State),
		Env:          redaction.Map(env),
		Metadata:     redaction.Map(inst.Metadata),
	}
}

func listServicesHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templateName := chi.URLParam(r, "templateName")
		instances := reg.ListServices(templateName)
		out := make([]redactedInstance, 0, len(instances))
		for _, inst := range instances {
			out = append(out, redactInstance(inst))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func getServiceHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "serviceId")
		inst, ok := reg.GetService(serviceID)
		if !ok {
			writeErrorEnvelope(w, http.StatusNotFound, string(gwerrors.NotFound), "service not found", false)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(redactInstance(inst))
	}
}

func healthzHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agg := reg.GetHealthAggregates()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(agg)
	}
}

// Package ingest serves the tenant-facing HTTP API: event triggers,
// subscription administration and delivery log queries.
package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/signal_hook/internal/dispatch"
	"github.com/austindbirch/signal_hook/internal/logging"
	"github.com/austindbirch/signal_hook/internal/registry"
	"github.com/austindbirch/signal_hook/internal/store"
	"github.com/austindbirch/signal_hook/internal/tracing"
)

// maxBodyBytes bounds request bodies, event payloads included.
const maxBodyBytes = 1 << 20

type Server struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	store      store.Store
	logger     *logging.Logger
}

func NewServer(reg *registry.Registry, d *dispatch.Dispatcher, st store.Store, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{registry: reg, dispatcher: d, store: st, logger: logger}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, params map[string]string) error

// Handler returns the API routes mounted on a grpc-gateway ServeMux.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern, name string
		h                     handlerFunc
	}{
		{http.MethodGet, "/v1/ping", "Ping", s.ping},
		{http.MethodPost, "/v1/tenants/{tenant_id}/events", "TriggerEvent", s.triggerEvent},
		{http.MethodPost, "/v1/tenants/{tenant_id}/subscriptions", "CreateSubscription", s.createSubscription},
		{http.MethodGet, "/v1/tenants/{tenant_id}/subscriptions", "ListSubscriptions", s.listSubscriptions},
		{http.MethodGet, "/v1/tenants/{tenant_id}/subscriptions/{id}", "GetSubscription", s.getSubscription},
		{http.MethodPatch, "/v1/tenants/{tenant_id}/subscriptions/{id}", "UpdateSubscription", s.updateSubscription},
		{http.MethodDelete, "/v1/tenants/{tenant_id}/subscriptions/{id}", "DeleteSubscription", s.deleteSubscription},
		{http.MethodPost, "/v1/tenants/{tenant_id}/subscriptions/{id}/enable", "EnableSubscription", s.enableSubscription},
		{http.MethodPost, "/v1/tenants/{tenant_id}/subscriptions/{id}/disable", "DisableSubscription", s.disableSubscription},
		{http.MethodPost, "/v1/tenants/{tenant_id}/subscriptions/{id}/test", "TestSubscription", s.testSubscription},
		{http.MethodGet, "/v1/tenants/{tenant_id}/subscriptions/{id}/deliveries", "ListDeliveries", s.listDeliveries},
		{http.MethodGet, "/v1/tenants/{tenant_id}/deliveries/{delivery_id}", "GetDelivery", s.getDelivery},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.name, rt.h)); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Server) wrap(name string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx, span := tracing.StartSpan(r.Context(), "ingest."+name,
			attribute.String("tenant_id", params["tenant_id"]),
		)
		defer span.End()
		r = r.WithContext(ctx)
		if err := h(w, r, params); err != nil {
			s.writeError(w, r, err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, registry.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	default:
		tracing.SetSpanError(r.Context(), err)
		s.logger.WithContext(r.Context()).WithError(err).
			WithFields(map[string]any{"method": r.Method, "path": r.URL.Path}).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body. An empty body leaves v untouched when
// allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request, _ map[string]string) error {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	return nil
}

func (s *Server) triggerEvent(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	var req triggerEventRequest
	if err := decode(w, r, &req, false); err != nil {
		return err
	}
	fan, err := s.dispatcher.TriggerEvent(r.Context(), p["tenant_id"], req.EventType, req.EventID, req.Payload)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, triggerEventResponse{
		EventID:     fan.EventID,
		FanoutCount: fan.Count,
		DeliveryIDs: fan.DeliveryIDs,
	})
	return nil
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	var req subscriptionRequest
	if err := decode(w, r, &req, false); err != nil {
		return err
	}
	sub, err := s.registry.Create(r.Context(), p["tenant_id"], req.toCreate())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, toSubscriptionResponse(sub))
	return nil
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	subs, err := s.registry.List(r.Context(), p["tenant_id"])
	if err != nil {
		return err
	}
	out := make([]subscriptionResponse, len(subs))
	for i := range subs {
		out[i] = toSubscriptionResponse(&subs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
	return nil
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	sub, err := s.registry.Get(r.Context(), p["tenant_id"], p["id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
	return nil
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	var req subscriptionRequest
	if err := decode(w, r, &req, false); err != nil {
		return err
	}
	sub, err := s.registry.Update(r.Context(), p["tenant_id"], p["id"], req.toUpdate())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
	return nil
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	if err := s.registry.Delete(r.Context(), p["tenant_id"], p["id"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) enableSubscription(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	sub, err := s.registry.Enable(r.Context(), p["tenant_id"], p["id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
	return nil
}

func (s *Server) disableSubscription(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	var req disableRequest
	if err := decode(w, r, &req, true); err != nil {
		return err
	}
	sub, err := s.registry.Disable(r.Context(), p["tenant_id"], p["id"], req.Reason)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
	return nil
}

func (s *Server) testSubscription(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	res, err := s.dispatcher.SendTest(r.Context(), p["tenant_id"], p["id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toTestResponse(res))
	return nil
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"))
	if err != nil {
		return err
	}
	pageSize, err := intParam(q.Get("page_size"))
	if err != nil {
		return err
	}
	logs, err := s.store.ListDeliveryLogs(r.Context(), p["tenant_id"], p["id"], page, pageSize)
	if err != nil {
		return err
	}
	out := make([]deliveryResponse, len(logs))
	for i := range logs {
		out[i] = toDeliveryResponse(&logs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out, "page": max(page, 1)})
	return nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("invalid integer %q", v)
	}
	return n, nil
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	l, err := s.store.GetDeliveryLog(r.Context(), p["tenant_id"], p["delivery_id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toDeliveryResponse(l))
	return nil
}

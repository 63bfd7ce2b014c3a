// Package server exposes the insurance workflow over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"shipcover/insurance/claims"
	"shipcover/insurance/fault"
	"shipcover/insurance/workflow"
	"shipcover/services/insurance-gateway/auth"
	insmw "shipcover/services/insurance-gateway/middleware"
	"shipcover/services/insurance-gateway/store"
)

// Workflow abstracts the agreement and claim operations used by the gateway.
type Workflow interface {
	CreateAgreement(ctx context.Context, req workflow.AgreementRequest) (workflow.AgreementResult, error)
	ResolveClaim(ctx context.Context, ownerID, shipmentID, outcome string) (workflow.Resolution, error)
	QueryStatus(ctx context.Context, ownerID, shipmentID string) (claims.Status, error)
	GetShipment(ctx context.Context, ownerID, shipmentID string) (workflow.Shipment, error)
	ListShipments(ctx context.Context, ownerID string) ([]workflow.Shipment, error)
	TransferOwnership(ctx context.Context, ownerID, shipmentID, newOwner string) (workflow.Shipment, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Workflow  Workflow
	Verifier  auth.Verifier
	RateLimit insmw.RateLimit
	// Registry receives the HTTP collectors; nil uses the default registry.
	Registry prometheus.Registerer
	// Gatherer backs /metrics; nil uses the default gatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db       *gorm.DB
	workflow Workflow
	verifier auth.Verifier
	logger   *slog.Logger

	router http.Handler
}

// New constructs the router with authentication, rate limiting and idempotency.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, fault.New(fault.KindConfiguration, "database is required")
	}
	if cfg.Workflow == nil {
		return nil, fault.New(fault.KindConfiguration, "workflow is required")
	}
	if cfg.Verifier == nil {
		return nil, fault.New(fault.KindConfiguration, "token verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	srv := &Server{
		db:       cfg.DB,
		workflow: cfg.Workflow,
		verifier: cfg.Verifier,
		logger:   logger.With(slog.String("component", "http")),
	}
	obs := insmw.NewObservability(registry, srv.logger)
	limiter := insmw.NewRateLimiter(cfg.RateLimit, srv.logger)
	srv.router = otelhttp.NewHandler(srv.buildRouter(obs, limiter, gatherer), "insurance-gateway")
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(obs *insmw.Observability, limiter *insmw.RateLimiter, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obs.Middleware)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(auth.Middleware(s.verifier))
		api.Use(limiter.Middleware)
		api.Use(insmw.WithIdempotency(s.db))

		api.Post("/shipments", s.CreateShipment)
		api.Get("/shipments", s.ListShipments)
		api.Get("/shipments/{id}", s.GetShipment)
		api.Get("/shipments/{id}/status", s.GetStatus)
		api.Post("/shipments/{id}/claims", s.ResolveClaim)
		api.Post("/shipments/{id}/owner", s.TransferOwnership)
	})
	return r
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "message": "XRPL insurance backend running"})
}

// amount accepts a decimal XRP value written either as a JSON number or a string.
type amount string

func (a *amount) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = amount(n.String())
	return nil
}

type createShipmentRequest struct {
	CustomerSeed  string `json:"customer_seed"`
	Destination   string `json:"destination"`
	Premium       amount `json:"premium"`
	Payout        amount `json:"payout"`
	ReturnAddress string `json:"return_address"`
	ConditionCode int    `json:"condition_code"`
	ShipmentName  string `json:"shipment_name"`
	DeviceID      string `json:"device_id"`
}

// CreateShipment collects the premium and opens the payout escrow.
func (s *Server) CreateShipment(w http.ResponseWriter, r *http.Request) {
	owner, ctx, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req createShipmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.workflow.CreateAgreement(ctx, workflow.AgreementRequest{
		CustomerSeed:  req.CustomerSeed,
		Destination:   req.Destination,
		Premium:       string(req.Premium),
		Payout:        string(req.Payout),
		ReturnAddress: req.ReturnAddress,
		TriggerCode:   req.ConditionCode,
		ShipmentName:  req.ShipmentName,
		DeviceID:      req.DeviceID,
		OwnerID:       owner,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListShipments returns the caller's shipments.
func (s *Server) ListShipments(w http.ResponseWriter, r *http.Request) {
	owner, ctx, ok := s.identity(w, r)
	if !ok {
		return
	}
	list, err := s.workflow.ListShipments(ctx, owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []workflow.Shipment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shipments": list})
}

// GetShipment returns one shipment owned by the caller.
func (s *Server) GetShipment(w http.ResponseWriter, r *http.Request) {
	owner, ctx, ok := s.identity(w, r)
	if !ok {
		return
	}
	shipment, err := s.workflow.GetShipment(ctx, owner, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shipment)
}

// GetStatus returns the recorded claim status.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	owner, ctx, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	status, err := s.workflow.QueryStatus(ctx, owner, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shipment_id": id, "claim_status": string(status)})
}

// ResolveClaim applies a claim outcome to the shipment's escrow.
func (s *Server) ResolveClaim(w http.ResponseWriter, r *http.Request) {
	owner, ctx, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	resolution, err := s.workflow.ResolveClaim(ctx, owner, chi.URLParam(r, "id"), req.Outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

// TransferOwnership reassigns a shipment to another owner.
func (s *Server) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	owner, ctx, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	shipment, err := s.workflow.TransferOwnership(ctx, owner, chi.URLParam(r, "id"), req.OwnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shipment)
}

// identity resolves the caller and tags the context with the audit actor.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (string, context.Context, bool) {
	owner, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindUnauthorized, err, "missing identity"))
		return "", nil, false
	}
	return owner, store.WithActor(r.Context(), owner), true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		detail := "invalid json body"
		if errors.As(err, &maxErr) {
			detail = "request body too large"
		} else if msg := strings.TrimSpace(err.Error()); msg != "" {
			detail = "invalid json body: " + msg
		}
		s.writeError(w, r, fault.New(fault.KindInvalidRequest, "%s", detail))
		return false
	}
	return true
}

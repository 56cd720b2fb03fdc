// Package server exposes the lending pool over gRPC and an HTTP/JSON
// gateway. Both surfaces call the same Service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"NFTLend/internal/ingestion"
	"NFTLend/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// maxBodyBytes bounds an HTTP command body.
const maxBodyBytes = 1 << 20

// Deps holds everything the API surface needs.
type Deps struct {
	Parser    *ingestion.Parser
	Submitter Submitter
	Query     Querier
	// Snapshots and Rebuild are optional; their RPCs answer Unavailable
	// when unset.
	Snapshots SnapshotTaker
	Rebuild   func(ctx context.Context) error

	HealthChecker  *observability.HealthChecker
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

// Server wraps the gRPC server and the gateway HTTP mux.
type Server struct {
	service *Service
	grpc    *grpc.Server
	health  *health.Server
	gateway *runtime.ServeMux
	handler http.Handler
	checker *observability.HealthChecker
	log     zerolog.Logger
}

// NewServer registers the lending and health services and the HTTP routes.
// The health status starts NOT_SERVING until SetServing(true).
func NewServer(deps Deps) (*Server, error) {
	if deps.Parser == nil || deps.Submitter == nil || deps.Query == nil {
		return nil, errors.New("server: parser, submitter and query are required")
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = observability.NewHealthChecker()
	}

	s := &Server{
		service: &Service{
			parser:    deps.Parser,
			submitter: deps.Submitter,
			query:     deps.Query,
			snapshots: deps.Snapshots,
			rebuild:   deps.Rebuild,
			now:       time.Now,
			log:       deps.Logger,
		},
		health:  health.NewServer(),
		checker: deps.HealthChecker,
		log:     deps.Logger,
	}

	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(deps.Logger)))
	s.grpc.RegisterService(&LendingServiceDesc, s.service)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	s.gateway = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
	)
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.checker.LivenessHandler)
	mux.HandleFunc("/readyz", s.checker.ReadinessHandler)
	if deps.MetricsHandler != nil {
		mux.Handle("/metrics", deps.MetricsHandler)
	}
	mux.Handle("/", s.gateway)
	s.handler = mux

	return s, nil
}

// GRPC returns the underlying gRPC server.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Handler returns the HTTP handler serving the gateway and health routes.
func (s *Server) Handler() http.Handler { return s.handler }

// SetServing flips readiness on both surfaces.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	s.checker.SetReady(serving)
}

// ServeGRPC serves gRPC on addr until ctx is done.
func (s *Server) ServeGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.log.Info().Str("addr", addr).Msg("gRPC server listening")
	return s.grpc.Serve(lis)
}

// ServeHTTP serves the gateway on addr until ctx is done.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("HTTP gateway listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		ev := logger.Debug()
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.DataLoss:
			ev = logger.Error().Err(err)
		default:
			ev = logger.Info().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

// --- HTTP gateway ---

type commandCall func(context.Context, *json.RawMessage) (*CommandResponse, error)

func (s *Server) registerRoutes() error {
	svc := s.service
	commands := map[string]commandCall{
		"/v1/deposit":      svc.Deposit,
		"/v1/withdraw":     svc.Withdraw,
		"/v1/borrow":       svc.Borrow,
		"/v1/borrow/batch": svc.BatchBorrow,
		"/v1/repay":        svc.Repay,
		"/v1/bid":          svc.Bid,
		"/v1/redeem":       svc.Redeem,
		"/v1/liquidate":    svc.Liquidate,

		"/v1/admin/reserves":               svc.InitReserve,
		"/v1/admin/interest-rate-strategy": svc.SetInterestRateStrategy,
		"/v1/admin/liquidation-threshold":  svc.SetLiquidationThreshold,
		"/v1/admin/auction-duration":       svc.SetAuctionDuration,
		"/v1/admin/whitelist":              svc.UpdateWhitelist,
	}
	for path, call := range commands {
		if err := s.gateway.HandlePath(http.MethodPost, path, s.commandHandler(call)); err != nil {
			return fmt.Errorf("route %s: %w", path, err)
		}
	}

	routes := []struct {
		method, path string
		handler      runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/borrows/{borrow_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetBorrow(r.Context(), &GetBorrowRequest{BorrowID: p["borrow_id"]})
			s.respond(w, r, resp, err)
		}},
		{http.MethodGet, "/v1/users/{address}/borrows", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.ListUserBorrows(r.Context(), &ListUserBorrowsRequest{Address: p["address"]})
			s.respond(w, r, resp, err)
		}},
		{http.MethodGet, "/v1/reserves/{collateral}/{asset}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetReserve(r.Context(), &GetReserveRequest{Collateral: p["collateral"], Asset: p["asset"]})
			s.respond(w, r, resp, err)
		}},
		{http.MethodGet, "/v1/balances/{address}/{asset}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetBalance(r.Context(), &GetBalanceRequest{Address: p["address"], Asset: p["asset"]})
			s.respond(w, r, resp, err)
		}},
		{http.MethodPost, "/v1/admin/snapshot", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := svc.TakeSnapshot(r.Context(), &TakeSnapshotRequest{})
			s.respond(w, r, resp, err)
		}},
		{http.MethodPost, "/v1/admin/projections/rebuild", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := svc.RebuildProjections(r.Context(), &RebuildProjectionsRequest{})
			s.respond(w, r, resp, err)
		}},
		{http.MethodPost, "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := svc.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
			s.respond(w, r, resp, err)
		}},
		{http.MethodGet, "/v1/admin/event-log", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := svc.GetEventLogInfo(r.Context(), &GetEventLogInfoRequest{})
			s.respond(w, r, resp, err)
		}},
	}
	for _, rt := range routes {
		if err := s.gateway.HandlePath(rt.method, rt.path, rt.handler); err != nil {
			return fmt.Errorf("route %s %s: %w", rt.method, rt.path, err)
		}
	}
	return nil
}

func (s *Server) commandHandler(call commandCall) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.respond(w, r, nil, status.Errorf(codes.InvalidArgument, "read body: %v", err))
			return
		}
		raw := json.RawMessage(body)
		resp, err := call(r.Context(), &raw)
		s.respond(w, r, resp, err)
	}
}

// respond writes resp with the gateway marshaler, or err through the
// gateway's status to HTTP mapping.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, resp interface{}, err error) {
	_, outbound := runtime.MarshalerForRequest(s.gateway, r)
	if err != nil {
		runtime.HTTPError(r.Context(), s.gateway, outbound, w, r, toStatus(err))
		return
	}
	body, err := outbound.Marshal(resp)
	if err != nil {
		runtime.HTTPError(r.Context(), s.gateway, outbound, w, r, status.Errorf(codes.Internal, "encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", outbound.ContentType(resp))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

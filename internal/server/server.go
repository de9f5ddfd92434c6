// Package server serves anisette headers over HTTP.
//
//	GET  /                                         headers as a JSON object
//	POST /anisette.v1.AnisetteService/GetHeaders   Connect unary call, JSON codec
//	GET  /healthz                                  session state
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/zboralski/anisette/internal/adi"
	glog "github.com/zboralski/anisette/internal/log"
	"go.uber.org/zap"
)

// GetHeadersProcedure is the Connect procedure path.
const GetHeadersProcedure = "/anisette.v1.AnisetteService/GetHeaders"

// RequestIDHeader carries the id assigned to each request.
const RequestIDHeader = "X-Request-Id"

// Source produces headers.
type Source interface {
	Headers(ctx context.Context) (map[string]string, error)
	State() adi.State
}

// GetHeadersRequest is empty; the server's configured dsid is used.
type GetHeadersRequest struct{}

// GetHeadersResponse carries one set of anisette headers.
type GetHeadersResponse struct {
	Headers map[string]string `json:"headers"`
}

// Server routes requests to a Source.
type Server struct {
	src    Source
	router *mux.Router
}

// New builds the router.
func New(src Source) *Server {
	s := &Server{src: src, router: mux.NewRouter()}

	s.router.Use(requestID)
	s.router.HandleFunc("/", s.headers).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.Handle(GetHeadersProcedure, connect.NewUnaryHandler(
		GetHeadersProcedure,
		s.getHeaders,
		connect.WithCodec(jsonCodec{}),
	))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	glog.L.Info("serving anisette headers", zap.String("addr", l.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

type ctxKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()
		w.Header().Set(RequestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		glog.L.Debug("request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// RequestID returns the id assigned to the request carrying ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) headers(w http.ResponseWriter, r *http.Request) {
	h, err := s.src.Headers(r.Context())
	if err != nil {
		glog.L.Warn("headers failed", zap.String("id", RequestID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  s.src.State().String(),
	})
}

func (s *Server) getHeaders(ctx context.Context, _ *connect.Request[GetHeadersRequest]) (*connect.Response[GetHeadersResponse], error) {
	h, err := s.src.Headers(ctx)
	if err != nil {
		glog.L.Warn("GetHeaders failed", zap.String("id", RequestID(ctx)), zap.Error(err))
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewResponse(&GetHeadersResponse{Headers: h}), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// jsonCodec replaces Connect's protobuf JSON codec for plain Go structs.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

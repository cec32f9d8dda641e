package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/googleforgames/open-saves/gridfs-adapter/adapter"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server exposes the GridFS adapter over HTTP and serves gRPC health checks
type Server struct {
	config  *Config
	log     *logrus.Entry
	adapter *adapter.Adapter
	router  *mux.Router
	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
}

// NewServer creates a new server. opts are passed to the adapter after the
// server's own logger and cache options.
func NewServer(config *Config, opts ...adapter.Option) (*Server, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	log := logrus.WithField("component", "server")

	// Create Redis cache or use NoOpCache if Redis is not available
	var cache adapter.ListingCache = &adapter.NoOpCache{}
	if config.Cache.Address != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		redisCache, err := adapter.NewRedisCache(ctx, config.Cache.Address, config.Cache.TTL)
		if err != nil {
			log.WithError(err).Warn("Failed to create Redis cache. Continuing with NoOpCache.")
		} else {
			cache = redisCache
			log.Infof("Successfully connected to Redis cache at %s", config.Cache.Address)
		}
	} else {
		log.Info("No Redis address configured. Using NoOpCache.")
	}

	adapterOpts := append([]adapter.Option{
		adapter.WithLogger(logrus.NewEntry(logrus.StandardLogger())),
		adapter.WithCache(cache),
	}, opts...)

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	s := &Server{
		config:  config,
		log:     log,
		adapter: adapter.New(config.adapterConfig(), adapterOpts...),
		grpcSrv: grpcSrv,
		health:  healthSrv,
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	api.HandleFunc("/files/{name}", s.handleReadFile).Methods(http.MethodGet)
	api.HandleFunc("/files/{name}", s.handleWriteFile).Methods(http.MethodPut)
	api.HandleFunc("/objects/{id}", s.handleRemoveObject).Methods(http.MethodDelete)
	api.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	return r
}

// Start serves gRPC and HTTP until Stop is called
func (s *Server) Start() error {
	grpcAddr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	go func() {
		s.log.Infof("gRPC server listening on %s", grpcAddr)
		if err := s.grpcSrv.Serve(lis); err != nil {
			s.log.WithError(err).Error("Failed to serve gRPC")
		}
	}()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.log.Infof("HTTP server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts both listeners down and disconnects from MongoDB
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	s.grpcSrv.GracefulStop()

	err := s.httpSrv.Shutdown(ctx)
	if aerr := s.adapter.Shutdown(ctx); aerr != nil {
		s.log.WithError(aerr).Error("Failed to shut down adapter")
		if err == nil {
			err = aerr
		}
	}
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Handled request")
	})
}

package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server/services"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type Importer interface {
	Import(ctx context.Context, d *services.Delivery) (*services.Summary, error)
}

type Applier interface {
	ApplyAll(ctx context.Context, catalogue, collection string) ([]*services.ApplyResult, error)
}

type Relater interface {
	Build(ctx context.Context, req services.BuildRequest) ([]*services.RelateResult, error)
}

type ViewManager interface {
	CreateAll(ctx context.Context, catalogue string, collections []string, force bool) ([]string, error)
	RefreshAll(ctx context.Context, catalogue string, collections []string) ([]string, error)
}

type Exporter interface {
	Export(ctx context.Context, catalogue, collection string) (*services.ExportResult, error)
}

// Services are the operations exposed over gRPC.
type Services struct {
	Importer Importer
	Applier  Applier
	Relater  Relater
	Views    ViewManager
	Exporter Exporter
}

type GRPCServer struct {
	address  string
	services Services
	logger   logging.Logger
	health   *health.Server
}

func NewGRPCServer(a string, l logging.Logger, s Services) *GRPCServer {
	return &GRPCServer{
		address:  a,
		services: s,
		logger:   l.With("module", "grpc_server"),
		health:   health.NewServer(),
	}
}

// newServer builds the gRPC server with the state service and health
// checks registered.
func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.errorInterceptor),
	)
	srv.RegisterService(&serviceDesc, s)
	grpc_health_v1.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.serve(ctx, listen)
}

func (s *GRPCServer) serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}

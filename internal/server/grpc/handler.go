package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/services"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the full gRPC name of the state service. Requests and
// responses are google.protobuf.Struct messages holding the JSON shape of
// the request and result types below.
const ServiceName = "regstate.v1.StateService"

// CollectionRequest names one collection.
type CollectionRequest struct {
	Catalogue  string `json:"catalogue"`
	Collection string `json:"collection"`
}

// ViewsRequest selects the views of a catalogue, or of some of its
// collections.
type ViewsRequest struct {
	Catalogue   string   `json:"catalogue"`
	Collections []string `json:"collections,omitempty"`
	Force       bool     `json:"force,omitempty"`
}

type ApplyResponse struct {
	Results []*services.ApplyResult `json:"results"`
}

type RelateResponse struct {
	Results []*services.RelateResult `json:"results"`
}

type ViewsResponse struct {
	Views []string `json:"views"`
}

// StateServiceServer is the server side of the state service.
type StateServiceServer interface {
	Import(ctx context.Context, d *services.Delivery) (*services.Summary, error)
	Apply(ctx context.Context, req *CollectionRequest) (*ApplyResponse, error)
	Relate(ctx context.Context, req *services.BuildRequest) (*RelateResponse, error)
	CreateViews(ctx context.Context, req *ViewsRequest) (*ViewsResponse, error)
	RefreshViews(ctx context.Context, req *ViewsRequest) (*ViewsResponse, error)
	Export(ctx context.Context, req *CollectionRequest) (*services.ExportResult, error)
}

func (s *GRPCServer) Import(ctx context.Context, d *services.Delivery) (*services.Summary, error) {
	return s.services.Importer.Import(ctx, d)
}

func (s *GRPCServer) Apply(ctx context.Context, req *CollectionRequest) (*ApplyResponse, error) {
	results, err := s.services.Applier.ApplyAll(ctx, req.Catalogue, req.Collection)
	if err != nil {
		return nil, err
	}
	return &ApplyResponse{Results: results}, nil
}

func (s *GRPCServer) Relate(ctx context.Context, req *services.BuildRequest) (*RelateResponse, error) {
	results, err := s.services.Relater.Build(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &RelateResponse{Results: results}, nil
}

func (s *GRPCServer) CreateViews(ctx context.Context, req *ViewsRequest) (*ViewsResponse, error) {
	names, err := s.services.Views.CreateAll(ctx, req.Catalogue, req.Collections, req.Force)
	if err != nil {
		return nil, err
	}
	return &ViewsResponse{Views: names}, nil
}

func (s *GRPCServer) RefreshViews(ctx context.Context, req *ViewsRequest) (*ViewsResponse, error) {
	names, err := s.services.Views.RefreshAll(ctx, req.Catalogue, req.Collections)
	if err != nil {
		return nil, err
	}
	return &ViewsResponse{Views: names}, nil
}

func (s *GRPCServer) Export(ctx context.Context, req *CollectionRequest) (*services.ExportResult, error) {
	return s.services.Exporter.Export(ctx, req.Catalogue, req.Collection)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Import", StateServiceServer.Import),
		unary("Apply", StateServiceServer.Apply),
		unary("Relate", StateServiceServer.Relate),
		unary("CreateViews", StateServiceServer.CreateViews),
		unary("RefreshViews", StateServiceServer.RefreshViews),
		unary("Export", StateServiceServer.Export),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "regstate/v1/state.proto",
}

// unary adapts a typed method to a Struct-in, Struct-out gRPC handler. The
// interceptor chain sees the raw Struct; a request that does not decode into
// Req is a validation error.
func unary[Req, Resp any](name string, call func(StateServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				r := new(Req)
				if err := fromStruct(req.(*structpb.Struct), r); err != nil {
					return nil, err
				}
				resp, err := call(srv.(StateServiceServer), ctx, r)
				if err != nil {
					return nil, err
				}
				return toStruct(resp)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	b, err := in.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: malformed request: %v", common.ErrValidation, err)
	}
	return nil
}

// toStruct encodes v into a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

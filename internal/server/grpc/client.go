package grpc

import (
	"context"

	"github.com/dmitrijs2005/regstate/internal/server/services"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the state service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a state service without transport security.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Import(ctx context.Context, d *services.Delivery) (*services.Summary, error) {
	out := &services.Summary{}
	if err := c.invoke(ctx, "Import", d, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Apply(ctx context.Context, req *CollectionRequest) (*ApplyResponse, error) {
	out := &ApplyResponse{}
	if err := c.invoke(ctx, "Apply", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Relate(ctx context.Context, req *services.BuildRequest) (*RelateResponse, error) {
	out := &RelateResponse{}
	if err := c.invoke(ctx, "Relate", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateViews(ctx context.Context, req *ViewsRequest) (*ViewsResponse, error) {
	out := &ViewsResponse{}
	if err := c.invoke(ctx, "CreateViews", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RefreshViews(ctx context.Context, req *ViewsRequest) (*ViewsResponse, error) {
	out := &ViewsResponse{}
	if err := c.invoke(ctx, "RefreshViews", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Export(ctx context.Context, req *CollectionRequest) (*services.ExportResult, error) {
	out := &services.ExportResult{}
	if err := c.invoke(ctx, "Export", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, reply); err != nil {
		return err
	}
	return fromStruct(reply, out)
}

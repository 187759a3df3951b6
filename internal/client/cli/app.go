package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/regstate/internal/client/config"
	gs "github.com/dmitrijs2005/regstate/internal/server/grpc"
	"github.com/dmitrijs2005/regstate/internal/server/services"
)

// API is the StateService surface used by the commands. *grpc.Client
// satisfies it.
type API interface {
	Import(ctx context.Context, d *services.Delivery) (*services.Summary, error)
	Apply(ctx context.Context, req *gs.CollectionRequest) (*gs.ApplyResponse, error)
	Relate(ctx context.Context, req *services.BuildRequest) (*gs.RelateResponse, error)
	CreateViews(ctx context.Context, req *gs.ViewsRequest) (*gs.ViewsResponse, error)
	RefreshViews(ctx context.Context, req *gs.ViewsRequest) (*gs.ViewsResponse, error)
	Export(ctx context.Context, req *gs.CollectionRequest) (*services.ExportResult, error)
}

type App struct {
	config *config.Config
	api    API
	out    io.Writer
	close  func() error
}

// NewApp connects to the server named in c. The connection is established
// lazily on the first call.
func NewApp(c *config.Config) (*App, error) {
	client, err := gs.Dial(c.ServerEndpointAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.ServerEndpointAddr, err)
	}
	return &App{config: c, api: client, out: os.Stdout, close: client.Close}, nil
}

// Run executes the command in args, or reads commands from stdin when args
// is empty. The connection is closed on return.
func (a *App) Run(ctx context.Context, args []string) error {
	defer func() {
		if a.close != nil {
			_ = a.close()
		}
	}()

	if len(args) == 0 {
		fmt.Fprintln(a.out, "regstate CLI (type 'help' for commands)")
		runREPL(ctx, a, bufio.NewScanner(os.Stdin))
		return nil
	}
	return a.exec(ctx, args)
}

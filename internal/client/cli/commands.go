package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	gs "github.com/dmitrijs2005/regstate/internal/server/grpc"
	"github.com/dmitrijs2005/regstate/internal/server/services"
)

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("usage")

const usage = `commands:
  import FILE
  apply CAT COLL
  relate [-full] CAT [COLL...]
  views create [-force] CAT [COLL...]
  views refresh CAT [COLL...]
  export CAT COLL`

// exec runs one command under the configured request timeout.
func (a *App) exec(ctx context.Context, args []string) error {
	if a.config != nil && a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help":
		fmt.Fprintln(a.out, usage)
		return nil
	case "import":
		return a.importFile(ctx, rest)
	case "apply":
		return a.apply(ctx, rest)
	case "relate":
		return a.relate(ctx, rest)
	case "views":
		return a.views(ctx, rest)
	case "export":
		return a.export(ctx, rest)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (a *App) importFile(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: import FILE", ErrUsage)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var d services.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode %s: %w", args[0], err)
	}
	resp, err := a.api.Import(ctx, &d)
	if err != nil {
		return err
	}
	return a.print(resp)
}

func (a *App) apply(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: apply CAT COLL", ErrUsage)
	}
	resp, err := a.api.Apply(ctx, &gs.CollectionRequest{Catalogue: args[0], Collection: args[1]})
	if err != nil {
		return err
	}
	return a.print(resp)
}

func (a *App) relate(ctx context.Context, args []string) error {
	fs := newFlagSet("relate")
	full := fs.Bool("full", false, "rebuild from scratch")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: relate [-full] CAT [COLL...]", ErrUsage)
	}
	resp, err := a.api.Relate(ctx, &services.BuildRequest{
		Catalogue:   fs.Arg(0),
		Collections: fs.Args()[1:],
		Full:        *full,
	})
	if err != nil {
		return err
	}
	return a.print(resp)
}

func (a *App) views(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: views create|refresh ...", ErrUsage)
	}
	sub := args[0]

	fs := newFlagSet("views " + sub)
	force := fs.Bool("force", false, "drop and recreate existing views")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: views %s CAT [COLL...]", ErrUsage, sub)
	}
	req := &gs.ViewsRequest{Catalogue: fs.Arg(0), Collections: fs.Args()[1:], Force: *force}

	var (
		resp *gs.ViewsResponse
		err  error
	)
	switch sub {
	case "create":
		resp, err = a.api.CreateViews(ctx, req)
	case "refresh":
		resp, err = a.api.RefreshViews(ctx, req)
	default:
		return fmt.Errorf("%w: unknown views command %q", ErrUsage, sub)
	}
	if err != nil {
		return err
	}
	return a.print(resp)
}

func (a *App) export(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: export CAT COLL", ErrUsage)
	}
	resp, err := a.api.Export(ctx, &gs.CollectionRequest{Catalogue: args[0], Collection: args[1]})
	if err != nil {
		return err
	}
	return a.print(resp)
}

func (a *App) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

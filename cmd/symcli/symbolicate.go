package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/samber/lo"

	"github.com/grafana/symbolicator/pkg/symbolication"
)

type symbolicateParams struct {
	*symbolicatorClient
	path    string
	version string
}

func addSymbolicateParams(cmd commander) *symbolicateParams {
	p := &symbolicateParams{symbolicatorClient: addSymbolicatorClient(cmd)}
	cmd.Arg("request", "Path to a JSON symbolication request. '-' reads stdin.").Default("-").StringVar(&p.path)
	cmd.Flag("api", "Symbolication API version.").Default("v5").EnumVar(&p.version, "v4", "v5")
	return p
}

func symbolicate(ctx context.Context, p *symbolicateParams) error {
	var (
		data []byte
		err  error
	)
	if p.path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(p.path)
	}
	if err != nil {
		return err
	}

	resp, err := p.do(ctx, http.MethodPost, p.endpoint("symbolicate", p.version), bytes.NewReader(data), http.Header{"Content-Type": {"application/json"}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if p.version == "v4" {
		var out symbolication.V4Response
		if err := json.Unmarshal(body, &out); err != nil {
			return err
		}
		printV4(out)
		return nil
	}
	var out symbolication.V5Response
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	printV5(out)
	return nil
}

func printV4(r symbolication.V4Response) {
	for i, stack := range r.SymbolicatedStacks {
		fmt.Printf("stack %d\n", i)
		for j, frame := range stack {
			fmt.Printf("  #%-3d %s\n", j, frame)
		}
	}
	fmt.Printf("known modules: %v\n", lo.Map(r.KnownModules, func(k *bool, _ int) string { return tristate(k) }))
}

func printV5(r symbolication.V5Response) {
	for i, res := range r.Results {
		fmt.Printf("job %d\n", i)
		for name, found := range res.FoundModules {
			fmt.Printf("  module %s: %s\n", name, tristate(found))
		}
		for j, stack := range res.Stacks {
			fmt.Printf("  stack %d\n", j)
			for _, f := range stack {
				fmt.Printf("    #%-3d %s\n", f.Frame, formatFrame(f))
			}
		}
	}
	if r.Debug != nil {
		b, _ := json.MarshalIndent(r.Debug, "", "  ")
		fmt.Printf("debug: %s\n", b)
	}
}

func formatFrame(f symbolication.V5Frame) string {
	if f.Function == "" {
		s := color.YellowString(f.ModuleOffset)
		if f.Module != "" {
			s += " (in " + f.Module + ")"
		}
		return s
	}
	s := color.GreenString(f.Function) + " + " + f.FunctionOffset + " (in " + f.Module + ")"
	if f.File != "" {
		s += fmt.Sprintf(" %s:%d", f.File, f.Line)
	}
	return s
}

func tristate(b *bool) string {
	switch {
	case b == nil:
		return "not looked up"
	case *b:
		return color.GreenString("found")
	default:
		return color.RedString("missing")
	}
}

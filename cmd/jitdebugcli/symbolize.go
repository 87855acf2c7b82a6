package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/jitdebuginfo/pkg/jitdebug"
	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/symbolizer"
)

type symbolizeParams struct {
	object    string
	base      uint64
	noInline  bool
	addresses []string
}

func addSymbolizeParams(cmd *kingpin.CmdClause) *symbolizeParams {
	p := &symbolizeParams{}
	cmd.Flag("base", "Address the object's first section is loaded at. Addresses are relative to it.").Default("0").Uint64Var(&p.base)
	cmd.Flag("no-inline", "Report only the outermost frame.").Default("false").BoolVar(&p.noInline)
	cmd.Arg("object", "Object file with debug info.").Required().ExistingFileVar(&p.object)
	cmd.Arg("address", "Addresses to symbolize, decimal or 0x prefixed.").Required().StringsVar(&p.addresses)
	return p
}

func loadConfig() (jitdebug.Config, error) {
	if cfg.configFile == "" {
		return jitdebug.DefaultConfig(), nil
	}
	data, err := os.ReadFile(cfg.configFile)
	if err != nil {
		return jitdebug.Config{}, err
	}
	return jitdebug.ParseConfig(data)
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}

func symbolize(ctx context.Context, params *symbolizeParams) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(params.object)
	if err != nil {
		return err
	}
	obj, err := objfile.Open(data)
	if err != nil {
		return fmt.Errorf("%s: %w", params.object, err)
	}
	addrs := make([]uint64, 0, len(params.addresses))
	for _, s := range params.addresses {
		addr, err := parseAddress(s)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}

	svc, err := jitdebug.New(conf, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	// Sections keep their relative layout, shifted to base.
	svc.RegisterEmittedCode(obj, func(s objfile.Section) uint64 { return params.base + s.Addr })

	out := output(ctx)
	for _, addr := range addrs {
		frames := svc.ResolveAddressToFrames(addr, symbolizer.Options{NoInline: params.noInline})
		writeFrames(out, addr, frames)
	}
	return nil
}

var cFrame = color.New(color.Faint)

func writeFrames(out io.Writer, addr uint64, frames []symbolizer.Frame) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Address", "Function", "File", "Line", "Inlined", "Metadata"})
	for _, f := range frames {
		name := f.FunctionName
		if name == "" {
			name = "??"
		}
		if f.FromC {
			name = cFrame.Sprint(name)
		}
		line := "?"
		if f.Line >= 0 {
			line = strconv.Itoa(f.Line)
		}
		md := ""
		if f.Metadata != nil {
			md = fmt.Sprint(f.Metadata)
		}
		table.Append([]string{
			fmt.Sprintf("%#x", addr),
			name,
			f.FileName,
			line,
			strconv.FormatBool(f.Inlined),
			md,
		})
	}
	table.Render()
}

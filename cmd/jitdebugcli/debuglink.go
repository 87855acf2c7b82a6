package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/jitdebuginfo/pkg/debuglink"
	"github.com/grafana/jitdebuginfo/pkg/objfile"
)

type debugLinkParams struct {
	library string
	dsym    bool
}

func addDebugLinkParams(cmd *kingpin.CmdClause) *debugLinkParams {
	p := &debugLinkParams{}
	cmd.Flag("dsym", "Look for a dSYM bundle instead of a debug link.").Default("false").BoolVar(&p.dsym)
	cmd.Arg("library", "Shared library or executable.").Required().ExistingFileVar(&p.library)
	return p
}

func debugLink(ctx context.Context, params *debugLinkParams) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	lib, err := filepath.Abs(params.library)
	if err != nil {
		return err
	}
	rcfg := debuglink.Config{DebugRoot: conf.DebugRoot, FollowLinks: conf.SplitDebugInfo}
	if params.dsym {
		rcfg.Style = debuglink.StyleDSYM
	}
	r := debuglink.NewResolver(afero.NewOsFs(), rcfg, logger, nil)

	out := output(ctx)
	if !params.dsym {
		if link, ok := readLink(lib); ok {
			fmt.Fprintf(out, "debug link: %s (crc32 %#08x)\n", link.Name, link.CRC)
			for _, c := range r.Candidates(lib, link) {
				fmt.Fprintf(out, "  candidate: %s\n", c)
			}
		} else {
			fmt.Fprintln(out, "debug link: none")
		}
	}
	p, err := r.Locate(lib)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "debug info: %s\n", p)
	return nil
}

func readLink(lib string) (debuglink.Link, bool) {
	data, err := os.ReadFile(lib)
	if err != nil {
		return debuglink.Link{}, false
	}
	obj, err := objfile.Open(data)
	if err != nil {
		return debuglink.Link{}, false
	}
	hdr, _, ok := objfile.ELFHeader(obj)
	if !ok {
		return debuglink.Link{}, false
	}
	section, ok := obj.SectionData(".gnu_debuglink")
	if !ok {
		return debuglink.Link{}, false
	}
	return debuglink.ParseLink(section, hdr.ByteOrder)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/unwind"
)

type ehFrameParams struct {
	object string
	limit  int
}

func addEHFrameParams(cmd *kingpin.CmdClause) *ehFrameParams {
	p := &ehFrameParams{}
	cmd.Flag("limit", "Maximum number of table entries to print, 0 for all.").Default("32").IntVar(&p.limit)
	cmd.Arg("object", "Object file carrying an .eh_frame section.").Required().ExistingFileVar(&p.object)
	return p
}

func ehFrame(ctx context.Context, params *ehFrameParams) (err error) {
	data, err := os.ReadFile(params.object)
	if err != nil {
		return err
	}
	obj, err := objfile.Open(data)
	if err != nil {
		return fmt.Errorf("%s: %w", params.object, err)
	}
	section, ok := lo.Find(obj.Sections(), func(s objfile.Section) bool { return s.Name == ".eh_frame" || s.Name == "__eh_frame" })
	if !ok {
		return fmt.Errorf("%s has no .eh_frame section", params.object)
	}
	frames, _ := obj.SectionData(section.Name)

	// Malformed frame data violates the decoder's assumptions.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoding %s: %v", section.Name, r)
		}
	}()
	info := unwind.BuildTable(frames, section.Addr)
	writeTable(output(ctx), section, len(frames), info, params.limit)
	return nil
}

func writeTable(out io.Writer, section objfile.Section, size int, info *unwind.Info, limit int) {
	if info == nil {
		fmt.Fprintf(out, "%s: %s, no FDEs\n", section.Name, humanize.Bytes(uint64(size)))
		return
	}
	fmt.Fprintf(out, "%s: %s, %d FDEs covering [%#x, %#x)\n",
		section.Name, humanize.Bytes(uint64(size)), len(info.Table), info.StartIP, info.EndIP)
	entries := info.Table
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Start", "FDE"})
	for _, e := range entries {
		table.Append([]string{
			fmt.Sprintf("%#x", info.StartIP+uint64(e.StartIPOffset)),
			fmt.Sprintf("%#x", info.SegBase+uint64(e.FDEOffset)),
		})
	}
	table.Render()
	if len(entries) < len(info.Table) {
		fmt.Fprintf(out, "... %d more\n", len(info.Table)-len(entries))
	}
}

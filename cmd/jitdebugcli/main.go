package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose    bool
	configFile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Inspect the debug and unwind info the JIT runtime works with.").UsageWriter(os.Stdout)
	app.Version(version.Print("jitdebugcli"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config.file", "YAML configuration of the introspection layer.").StringVar(&cfg.configFile)

	symbolizeCmd := app.Command("symbolize", "Load an object file as emitted code and symbolize addresses in it.")
	symbolizeParams := addSymbolizeParams(symbolizeCmd)

	ehFrameCmd := app.Command("eh-frame", "Print the unwind table built from the .eh_frame section of an object file.")
	ehFrameParams := addEHFrameParams(ehFrameCmd)

	debugLinkCmd := app.Command("debuglink", "Show where the debug info of a library is read from.")
	debugLinkParams := addDebugLinkParams(debugLinkCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case symbolizeCmd.FullCommand():
		os.Exit(checkError(symbolize(ctx, symbolizeParams)))
	case ehFrameCmd.FullCommand():
		os.Exit(checkError(ehFrame(ctx, ehFrameParams)))
	case debugLinkCmd.FullCommand():
		os.Exit(checkError(debugLink(ctx, debugLinkParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}

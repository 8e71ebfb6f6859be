package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Tooling for the symbolicator symbol cache and symbolication service.").UsageWriter(os.Stdout)
	app.Version(version.Print("symcli"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	existsCmd := app.Command("exists", "Check whether a symbol file is available.")
	existsParams := addSymbolParams(existsCmd)

	urlCmd := app.Command("url", "Print the download URL of a symbol file.")
	urlParams := addSymbolParams(urlCmd)

	fetchCmd := app.Command("fetch", "Download a symbol file, decompressed.")
	fetchParams := addFetchParams(fetchCmd)

	uploadCmd := app.Command("upload", "Upload symbol file(s). The module and debug id are read from the MODULE record.")
	uploadParams := addUploadParams(uploadCmd)

	invalidateCmd := app.Command("invalidate", "Drop cached lookups and offset maps of a module.")
	invalidateParams := addSymbolParams(invalidateCmd)

	symbolicateCmd := app.Command("symbolicate", "Send a symbolication request.")
	symbolicateParams := addSymbolicateParams(symbolicateCmd)

	cacheCmd := app.Command("cache", "Operate on a local symbol cache directory.")
	cacheScanCmd := cacheCmd.Command("scan", "Report the content of a cache directory, evicting least recently used files above --max-size.")
	cacheScanParams := addCacheScanParams(cacheScanCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch parsedCmd {
	case existsCmd.FullCommand():
		err = exists(ctx, existsParams)
	case urlCmd.FullCommand():
		err = symbolURL(ctx, urlParams)
	case fetchCmd.FullCommand():
		err = fetch(ctx, fetchParams)
	case uploadCmd.FullCommand():
		err = upload(ctx, uploadParams)
	case invalidateCmd.FullCommand():
		err = invalidate(ctx, invalidateParams)
	case symbolicateCmd.FullCommand():
		err = symbolicate(ctx, symbolicateParams)
	case cacheScanCmd.FullCommand():
		err = cacheScan(ctx, cacheScanParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	if code := checkError(err); code != 0 {
		stop()
		os.Exit(code)
	}
}

var errNotFound = errors.New("symbol file not found")

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errNotFound):
		// Already reported.
	default:
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
	}
	return 1
}

// Package main provides the mvdb command line tool for inspecting and
// maintaining store files.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli"

	"github.com/KilimcininKorOglu/mvdb/internal/logging"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run executes the CLI and returns an exit code.
func run(args []string, w, e io.Writer) int {
	app := newApp(w, e)
	if err := app.Run(args); err != nil {
		fmt.Fprintf(e, "terminated with error: %s\n", err)
		return 1
	}
	return 0
}

func newApp(w, e io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "mvdb"
	app.Usage = "inspect and maintain multi-version store files"
	app.Version = version
	app.HideVersion = true
	app.Writer = w
	app.ErrWriter = e
	app.Metadata = map[string]interface{}{}

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "",
			Usage: " read options from a Lua configuration `FILE`",
		},
		cli.StringFlag{
			Name:  "file, f",
			Value: "",
			Usage: " store `FILE`, overrides the configuration",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " verbose result",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "info",
			Usage:  "show versions and file statistics",
			Action: runInfo,
		},
		{
			Name:   "layout",
			Usage:  "list the layout map entries",
			Action: runLayout,
		},
		{
			Name:   "maps",
			Usage:  "list map names",
			Action: runMaps,
		},
		{
			Name:      "get",
			Usage:     "print the value of a key",
			ArgsUsage: "MAP KEY",
			Flags: []cli.Flag{
				cli.Uint64Flag{
					Name:  "at, a",
					Usage: " read at committed `VERSION` (default latest)",
				},
			},
			Action: runGet,
		},
		{
			Name:      "put",
			Usage:     "store a value and commit",
			ArgsUsage: "MAP KEY VALUE",
			Action:    runPut,
		},
		{
			Name:      "remove",
			Usage:     "remove a key and commit",
			ArgsUsage: "MAP KEY",
			Action:    runRemove,
		},
		{
			Name:      "dump",
			Usage:     "print every entry of a map",
			ArgsUsage: "MAP",
			Flags: []cli.Flag{
				cli.Uint64Flag{
					Name:  "at, a",
					Usage: " read at committed `VERSION` (default latest)",
				},
				cli.StringFlag{
					Name:  "from",
					Value: "",
					Usage: " start at `KEY`",
				},
			},
			Action: runDump,
		},
		{
			Name:  "compact",
			Usage: "rewrite sparse chunks",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "fill-rate, r",
					Value: 90,
					Usage: " compact chunks below `PERCENT` fill rate",
				},
				cli.Int64Flag{
					Name:  "max-bytes, m",
					Value: 16 << 20,
					Usage: " move at most `BYTES` of live data",
				},
			},
			Action: runCompact,
		},
		{
			Name:  "backup",
			Usage: "write a backup archive of the store file",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "output, o",
					Value: "",
					Usage: "*archive `FILE` to create",
				},
				cli.BoolFlag{
					Name:  "compress, z",
					Usage: " compress the archive",
				},
			},
			Action: runBackup,
		},
		{
			Name:  "restore",
			Usage: "restore a store file from a backup archive",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "input, i",
					Value: "",
					Usage: "*archive `FILE` to read",
				},
				cli.StringFlag{
					Name:  "output, o",
					Value: "",
					Usage: "*store `FILE` to write",
				},
				cli.BoolFlag{
					Name:  "verify-only",
					Usage: " check the archive without writing",
				},
			},
			Action: runRestore,
		},
		{
			Name:  "bench-report",
			Usage: "summarise go test -bench output against targets",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "input, i",
					Value: "",
					Usage: " benchmark output `FILE` (default stdin)",
				},
				cli.StringFlag{
					Name:  "format",
					Value: "text",
					Usage: " report `FORMAT` [text|md|json]",
				},
				cli.BoolFlag{
					Name:  "strict",
					Usage: " fail when a target is missed",
				},
			},
			Action: runBenchReport,
		},
		{
			Name:   "version",
			Usage:  "display mvdb version",
			Action: runVersion,
		},
	}

	app.Before = setup
	app.After = func(c *cli.Context) error {
		if m, ok := c.App.Metadata["config"].(*metadata); ok && m.logging {
			logging.Finalise()
		}
		return nil
	}
	return app
}

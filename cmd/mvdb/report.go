package main

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli"

	"github.com/KilimcininKorOglu/mvdb/benchmarks"
)

func runBenchReport(c *cli.Context) error {
	var in io.Reader = os.Stdin
	if input := c.String("input"); input != "" {
		f, err := os.Open(input)
		if err != nil {
			return errors.Wrap(err, "open benchmark output")
		}
		defer f.Close()
		in = f
	}

	results, err := benchmarks.ParseBenchmarkOutput(in)
	if err != nil {
		return err
	}
	report := benchmarks.NewReport()
	report.AddResults(results)
	if err := report.Write(c.App.Writer, c.String("format")); err != nil {
		return err
	}
	if c.Bool("strict") && !report.Passed() {
		return errors.New("benchmark targets not met")
	}
	return nil
}

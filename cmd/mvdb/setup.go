package main

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli"

	"github.com/KilimcininKorOglu/mvdb/internal/config"
	"github.com/KilimcininKorOglu/mvdb/internal/logging"
	"github.com/KilimcininKorOglu/mvdb/mvstore"
)

var errNoStoreFile = errors.New("no store file given, use --file or a configuration")

type metadata struct {
	config  *config.Config
	logging bool
	verbose bool
	e       io.Writer
	w       io.Writer
}

// setup reads the configuration before any command runs.
func setup(c *cli.Context) error {
	command := c.Args().First()
	switch command {
	case "", "help", "h", "version", "bench-report":
		return nil
	}
	if c.App.Command(command) == nil {
		return errors.Newf("unknown command: %q", command)
	}

	m := &metadata{
		config:  config.DefaultConfig(),
		verbose: c.GlobalBool("verbose"),
		e:       c.App.ErrWriter,
		w:       c.App.Writer,
	}

	if file := c.GlobalString("config"); file != "" {
		if m.verbose {
			fmt.Fprintf(m.e, "reading config file: %s\n", file)
		}
		cfg, err := config.LoadConfig(file)
		if err != nil {
			return err
		}
		if err := logging.Initialise(cfg.Logging); err != nil {
			return err
		}
		m.config = cfg
		m.logging = true
	}
	if file := c.GlobalString("file"); file != "" {
		m.config.Store.File = file
	}

	c.App.Metadata["config"] = m
	return nil
}

// openStore opens the configured store. Commands commit explicitly, so
// background auto-commit is off.
func openStore(c *cli.Context, readOnly bool) (*mvstore.Store, error) {
	m := c.App.Metadata["config"].(*metadata)
	if m.config.Store.File == "" {
		return nil, errNoStoreFile
	}

	opts, err := m.config.ToOptions()
	if err != nil {
		return nil, err
	}
	opts = opts.WithAutoCommitDelay(0).WithLogger(logging.New("mvdb"))
	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	if m.verbose {
		fmt.Fprintf(m.e, "opening store: %s\n", opts.FileName)
	}
	return mvstore.Open(context.Background(), opts)
}

// openExistingMap opens a map that must already exist.
func openExistingMap(s *mvstore.Store, name string) (*mvstore.Map, error) {
	ok, err := s.HasMap(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf("map %q does not exist", name)
	}
	return s.OpenMap(name)
}

// mapAt returns m, or a read-only view of it at version when version is
// non-zero.
func mapAt(m *mvstore.Map, version uint64) (*mvstore.Map, error) {
	if version == 0 {
		return m, nil
	}
	return m.OpenVersion(version)
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return errors.Newf("%s expects %d arguments: %s", c.Command.Name, n, c.Command.ArgsUsage)
	}
	return nil
}

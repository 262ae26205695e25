package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli"

	"github.com/KilimcininKorOglu/mvdb/internal/backup"
	"github.com/KilimcininKorOglu/mvdb/mvstore"
)

type storeInfo struct {
	File                 string `json:"file"`
	State                string `json:"state"`
	StoreVersion         int    `json:"storeVersion"`
	CurrentVersion       uint64 `json:"currentVersion"`
	LastCommittedVersion uint64 `json:"lastCommittedVersion"`
	Maps                 int    `json:"maps"`
	Size                 int64  `json:"size"`
	Chunks               int    `json:"chunks"`
	FillRate             int    `json:"fillRate"`
	ChunksFillRate       int    `json:"chunksFillRate"`
	FreeBlocks           uint64 `json:"freeBlocks"`
}

func runInfo(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	s, err := openStore(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.MapNames()
	if err != nil {
		return err
	}
	storeVersion, err := s.GetStoreVersion()
	if err != nil {
		return err
	}
	st := s.Stats()

	return printJSON(m.w, storeInfo{
		File:                 st.File.FileName,
		State:                st.State.String(),
		StoreVersion:         storeVersion,
		CurrentVersion:       st.CurrentVersion,
		LastCommittedVersion: st.LastCommittedVersion,
		Maps:                 len(names),
		Size:                 st.File.Size,
		Chunks:               st.File.Chunks,
		FillRate:             st.File.FillRate,
		ChunksFillRate:       st.ChunksFillRate,
		FreeBlocks:           st.File.FreeBlocks,
	})
}

func runLayout(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	s, err := openStore(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	layout, err := s.GetLayoutMap()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(layout))
	for k := range layout {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(m.w, "%s=%s\n", k, layout[k])
	}
	return nil
}

func runMaps(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	s, err := openStore(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.MapNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(m.w, name)
	}
	return nil
}

func runGet(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	if err := requireArgs(c, 2); err != nil {
		return err
	}

	s, err := openStore(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	mp, err := openExistingMap(s, c.Args().Get(0))
	if err != nil {
		return err
	}
	mp, err = mapAt(mp, c.Uint64("at"))
	if err != nil {
		return err
	}
	value, err := mp.Get([]byte(c.Args().Get(1)))
	if err != nil {
		return err
	}
	fmt.Fprintf(m.w, "%s\n", value)
	return nil
}

func runPut(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	if err := requireArgs(c, 3); err != nil {
		return err
	}

	s, err := openStore(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	mp, err := s.OpenMap(c.Args().Get(0))
	if err != nil {
		return err
	}
	if _, err := mp.Put([]byte(c.Args().Get(1)), []byte(c.Args().Get(2))); err != nil {
		return err
	}
	return commitAndReport(m, s)
}

func runRemove(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	if err := requireArgs(c, 2); err != nil {
		return err
	}

	s, err := openStore(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	mp, err := openExistingMap(s, c.Args().Get(0))
	if err != nil {
		return err
	}
	if _, err := mp.Remove([]byte(c.Args().Get(1))); err != nil {
		return err
	}
	return commitAndReport(m, s)
}

func commitAndReport(m *metadata, s *mvstore.Store) error {
	version, err := s.Commit()
	if err != nil {
		return err
	}
	if m.verbose {
		fmt.Fprintf(m.e, "committed version: %d\n", version)
	}
	return nil
}

func runDump(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	s, err := openStore(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	mp, err := openExistingMap(s, c.Args().Get(0))
	if err != nil {
		return err
	}
	mp, err = mapAt(mp, c.Uint64("at"))
	if err != nil {
		return err
	}

	var from []byte
	if f := c.String("from"); f != "" {
		from = []byte(f)
	}
	it, err := mp.KeyIterator(from)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		fmt.Fprintf(m.w, "%s\t%s\n", it.Key(), it.Value())
	}
	return it.Err()
}

func runCompact(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	s, err := openStore(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	before := s.Stats().ChunksFillRate
	done, err := s.Compact(c.Int("fill-rate"), c.Int64("max-bytes"))
	if err != nil {
		return err
	}
	after := s.Stats().ChunksFillRate
	if done {
		fmt.Fprintf(m.w, "compacted: fill rate %d%% -> %d%%\n", before, after)
	} else {
		fmt.Fprintf(m.w, "nothing to compact: fill rate %d%%\n", before)
	}
	return nil
}

func runBackup(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	output := c.String("output")
	if output == "" {
		return errors.New("backup requires --output")
	}

	s, err := openStore(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "create archive")
	}
	stats, err := s.Backup(f, c.Bool("compress"))
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(output)
		return err
	}

	fmt.Fprintf(m.w, "backup written: %s (%d bytes, archive %d bytes, ratio %.2f)\n",
		output, stats.Bytes, stats.ArchiveBytes, stats.CompressionRatio())
	return nil
}

func runRestore(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	input := c.String("input")
	if input == "" {
		return errors.New("restore requires --input")
	}

	f, err := os.Open(input)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer f.Close()

	if c.Bool("verify-only") {
		header, stats, err := backup.Verify(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(m.w, "archive ok: source %s, created %s, %d bytes\n",
			header.Source, header.Created.Format("2006-01-02 15:04:05"), stats.Bytes)
		return nil
	}

	output := c.String("output")
	if output == "" {
		output = m.config.Store.File
	}
	if output == "" {
		return errors.New("restore requires --output")
	}
	stats, err := backup.RestoreFile(f, output)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.w, "restored: %s (%d bytes)\n", output, stats.Bytes)
	return nil
}

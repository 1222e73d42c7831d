package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/hexsweep/acquire"
	"github.com/c360studio/hexsweep/config"
	"github.com/c360studio/hexsweep/dggs"
	"github.com/c360studio/hexsweep/domaincfg"
	"github.com/c360studio/hexsweep/ledger"
)

func patchCmd(g *globalOptions) *cobra.Command {
	var basin int
	cmd := &cobra.Command{
		Use:   "patch <file> <key> [value]",
		Short: "Read or replace a key in a configuration document",
		Long: `Replace the value of an existing key in a domain configuration or
basin list document. The value is parsed as JSON when it is valid JSON and
used as a string otherwise. Without a value the current value is printed.

Use --basin to address an element of the basin list.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, key := args[0], args[1]
			var opts []domaincfg.Option
			if cmd.Flags().Changed("basin") {
				opts = append(opts, domaincfg.InBasin(basin))
			}

			if len(args) == 2 {
				v, err := domaincfg.Get(path, key, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}

			value := domaincfg.ParseValue(args[2])
			if err := domaincfg.Patch(path, key, value, opts...); err != nil {
				return err
			}
			g.logger.Info("Patched configuration", "path", path, "key", key)
			return nil
		},
	}
	cmd.Flags().IntVar(&basin, "basin", 0, "Basin index for basin-scoped keys")
	return cmd
}

func resolveCmd(g *globalOptions) *cobra.Command {
	var (
		grid     string
		from, to int
	)
	cmd := &cobra.Command{
		Use:   "resolve [resolution...]",
		Short: "Show the characteristic cell length of DGGS resolutions",
		Long: `Print cell count, cell area and characteristic length for a grid
system. With arguments only the listed resolutions are shown; otherwise the
range --from..--to is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []dggs.Row
			if len(args) > 0 {
				for _, a := range args {
					res, err := strconv.Atoi(a)
					if err != nil {
						return fmt.Errorf("invalid resolution %q", a)
					}
					r, err := dggs.Table(grid, res, res)
					if err != nil {
						return err
					}
					rows = append(rows, r...)
				}
			} else {
				var err error
				if rows, err = dggs.Table(grid, from, to); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderResolutions(strings.ToUpper(grid), rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "ISEA3H", "Grid system ("+strings.Join(dggs.Names(), ", ")+")")
	cmd.Flags().IntVar(&from, "from", 10, "First resolution")
	cmd.Flags().IntVar(&to, "to", 14, "Last resolution")
	return cmd
}

func fetchCmd(g *globalOptions) *cobra.Command {
	var (
		repoURL string
		dest    string
		region  string
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download input data for a region",
		Long: `Clone the input data repository into a temporary directory and copy
the files selected by acquire.select into acquire.dest. The pattern
placeholder {region} is replaced by the region name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if repoURL != "" {
				cfg.Acquire.RepoURL = repoURL
			}
			if dest != "" {
				cfg.Acquire.Dest = dest
			}
			if region == "" {
				region = cfg.Domain.Region
			}
			if region == "" {
				return fmt.Errorf("region is required (--region or domain.region)")
			}

			var selection []string
			for _, p := range cfg.Acquire.Select {
				selection = append(selection, strings.ReplaceAll(p, "{region}", region))
			}

			res, err := acquire.NewFetcher(nil, g.logger).Fetch(cmd.Context(), acquire.Options{
				RepoURL: cfg.Acquire.RepoURL,
				Branch:  cfg.Acquire.Branch,
				Depth:   cfg.Acquire.Depth,
				Select:  selection,
				Dest:    cfg.Acquire.Dest,
				Clean:   !cfg.Acquire.Keep,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Copied %d files into %s\n", len(res.Files), res.Dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoURL, "repo", "", "Data repository URL")
	cmd.Flags().StringVar(&dest, "dest", "", "Destination directory")
	cmd.Flags().StringVar(&region, "region", "", "Region to fetch (default domain.region)")
	return cmd
}

func casesCmd(g *globalOptions) *cobra.Command {
	var (
		sweepID string
		limit   int
		dbPath  string
	)
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List recorded sweep cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := dbPath
			if path == "" {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				if cfg.Domain.Output == "" && cfg.Ledger.Path == "" {
					return fmt.Errorf("no ledger configured (--db, ledger.path or domain.output)")
				}
				path = cfg.LedgerPath()
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}

			l, err := ledger.Open(path)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			var recs []ledger.Record
			if sweepID != "" {
				recs, err = l.ListSweep(ctx, sweepID)
			} else {
				recs, err = l.Latest(ctx, limit)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRecords(recs))
			return nil
		},
	}
	cmd.Flags().StringVar(&sweepID, "sweep", "", "Only cases of this sweep id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent cases")
	cmd.Flags().StringVar(&dbPath, "db", "", "Ledger database path")
	return cmd
}

func initCmd(g *globalOptions) *cobra.Command {
	var project bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Create ~/.config/hexsweep/config.yaml with the default pipeline, batch,
event and tracing settings. With --project the complete default
configuration is written to hexsweep.yaml in the current directory, where
its relative paths resolve. An existing file is left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				path    string
				created bool
				err     error
			)
			if project {
				path, created, err = ensureProjectConfig()
			} else {
				path, created, err = config.NewLoader(g.logger).EnsureUserConfig()
			}
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&project, "project", false, "Write hexsweep.yaml in the current directory")
	return cmd
}

func ensureProjectConfig() (string, bool, error) {
	path, err := filepath.Abs(config.ProjectConfigFile)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := config.DefaultConfig().SaveToFile(path); err != nil {
		return "", false, err
	}
	return path, true, nil
}

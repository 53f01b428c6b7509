package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qforge-dev/qforge/internal/config"
	"github.com/qforge-dev/qforge/internal/deck"
	"github.com/qforge-dev/qforge/internal/history"
	"github.com/qforge-dev/qforge/internal/matproj"
	"github.com/qforge-dev/qforge/internal/pseudo"
	"github.com/qforge-dev/qforge/internal/runner"
	"github.com/qforge-dev/qforge/internal/structure"
)

// Resolve the configuration for a command
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return config.Load(cfgPath)
}

// Open the run ledger; a broken ledger degrades to logging, not failure
func openLedger(cfg config.Config) *history.Store {
	store, err := history.Open(cfg.LedgerPath)
	if err != nil {
		log.Warn().Str("path", cfg.LedgerPath).Err(err).Msg("run ledger unavailable")
		return nil
	}
	return store
}

func resolveDir(base, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

// Fetch a structure and its pseudopotentials
func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <formula>",
		Short: "Fetch the most stable structure for a formula and its pseudopotentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			outDir, _ := cmd.Flags().GetString("out-dir")
			_, paths, err := fetchStructure(cmd.Context(), cfg, args[0], outDir)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
	cmd.Flags().String("out-dir", ".", "directory for structure files and pseudopotentials")
	return cmd
}

// fetchStructure pulls the structure from the database, persists it as
// JSON, CIF and POSCAR, and resolves pseudopotentials for its elements.
func fetchStructure(ctx context.Context, cfg config.Config, formula, outDir string) (*structure.Structure, []string, error) {
	client := matproj.NewClient(cfg.APIKey)
	s, err := client.MostStableStructure(ctx, formula)
	if err != nil {
		return nil, nil, err
	}
	log.Info().
		Str("formula", s.Formula).
		Strs("elements", s.SortedElements()).
		Int("atoms", s.NumAtoms()).
		Msg("structure fetched")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create output directory: %w", err)
	}
	jsonPath := filepath.Join(outDir, "structure.json")
	cifPath := filepath.Join(outDir, "structure.cif")
	poscarPath := filepath.Join(outDir, "POSCAR")
	if err := structure.Save(s, jsonPath); err != nil {
		return nil, nil, fmt.Errorf("save structure: %w", err)
	}
	if err := structure.WriteCIF(s, cifPath); err != nil {
		return nil, nil, fmt.Errorf("save CIF: %w", err)
	}
	if err := structure.WritePOSCAR(s, poscarPath); err != nil {
		return nil, nil, fmt.Errorf("save POSCAR: %w", err)
	}
	pseudoDir := resolveDir(outDir, cfg.PseudoDir)
	binding, err := pseudo.Resolve(ctx, s, pseudoDir, pseudo.NewHTTPFetcher())
	if err != nil {
		return nil, nil, err
	}
	paths := []string{jsonPath, cifPath, poscarPath}
	for _, el := range s.Elements() {
		paths = append(paths, binding[el])
	}
	return s, paths, nil
}

func addOverrideFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringP("type", "t", "scf", "calculation kind: scf, relax, vc-relax, nscf")
	fs.Float64("ecutwfc", deck.DefaultECutWfc, "wavefunction cutoff in Ry")
	fs.Float64("ecutrho", 0, "charge-density cutoff in Ry (default 4x ecutwfc)")
	fs.String("smearing", deck.DefaultSmearing, "occupation smearing scheme")
	fs.Float64("degauss", deck.DefaultDegauss, "smearing width in Ry")
	fs.Float64("conv-thr", deck.DefaultConvThr, "scf convergence threshold")
	fs.Float64("mixing-beta", deck.DefaultMixingBeta, "charge-density mixing factor")
	fs.IntSlice("kpoints", []int{4, 4, 4}, "k-point grid, three integers")
	fs.IntSlice("koffset", []int{1, 1, 1}, "k-point grid offset, three values in {0,1}")
	fs.Float64("kspacing", 0, "derive the k-grid from a reciprocal-space spacing (1/angstrom)")
	fs.Float64("forc-conv-thr", deck.DefaultForcConvThr, "force convergence threshold (relax kinds)")
	fs.Float64("etot-conv-thr", deck.DefaultEtotConvThr, "energy convergence threshold (relax kinds)")
	fs.String("prior-outdir", "", "output directory of the prior scf run (nscf)")
}

// overridesFromFlags turns only the flags the user actually set into
// overrides, so defaults stay owned by the deriver.
func overridesFromFlags(cmd *cobra.Command) (deck.Overrides, error) {
	var ov deck.Overrides
	fs := cmd.Flags()
	if fs.Changed("ecutwfc") {
		v, _ := fs.GetFloat64("ecutwfc")
		ov.ECutWfc = &v
	}
	if fs.Changed("ecutrho") {
		v, _ := fs.GetFloat64("ecutrho")
		ov.ECutRho = &v
	}
	if fs.Changed("smearing") {
		v, _ := fs.GetString("smearing")
		ov.Smearing = &v
	}
	if fs.Changed("degauss") {
		v, _ := fs.GetFloat64("degauss")
		ov.Degauss = &v
	}
	if fs.Changed("conv-thr") {
		v, _ := fs.GetFloat64("conv-thr")
		ov.ConvThr = &v
	}
	if fs.Changed("mixing-beta") {
		v, _ := fs.GetFloat64("mixing-beta")
		ov.MixingBeta = &v
	}
	if fs.Changed("kpoints") {
		v, _ := fs.GetIntSlice("kpoints")
		if len(v) != 3 {
			return ov, fmt.Errorf("--kpoints wants exactly three integers, got %d", len(v))
		}
		grid := [3]int{v[0], v[1], v[2]}
		ov.KGrid = &grid
	}
	if fs.Changed("koffset") {
		v, _ := fs.GetIntSlice("koffset")
		if len(v) != 3 {
			return ov, fmt.Errorf("--koffset wants exactly three values, got %d", len(v))
		}
		shift := [3]int{v[0], v[1], v[2]}
		ov.KShift = &shift
	}
	if fs.Changed("kspacing") {
		v, _ := fs.GetFloat64("kspacing")
		ov.KSpacing = &v
	}
	if fs.Changed("forc-conv-thr") {
		v, _ := fs.GetFloat64("forc-conv-thr")
		ov.ForcConvThr = &v
	}
	if fs.Changed("etot-conv-thr") {
		v, _ := fs.GetFloat64("etot-conv-thr")
		ov.EtotConvThr = &v
	}
	ov.PriorOutDir, _ = fs.GetString("prior-outdir")
	return ov, nil
}

// Generate an input deck
func newGenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen <structure-file>",
		Short: "Derive parameters, resolve pseudopotentials and write a pw.x input deck",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := structure.Load(args[0])
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")
			pseudoDir, _ := cmd.Flags().GetString("pseudo-dir")
			if pseudoDir == "" {
				pseudoDir = cfg.PseudoDir
			}
			offline, _ := cmd.Flags().GetBool("offline")
			path, err := generateDeck(cmd, cfg, s, output, pseudoDir, offline)
			if err != nil {
				return err
			}
			fmt.Printf("deck written: %s\n", path)
			return nil
		},
	}
	addOverrideFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "deck path (default <formula>.<kind>.in)")
	cmd.Flags().String("pseudo-dir", "", "pseudopotential directory")
	cmd.Flags().Bool("offline", false, "fail instead of fetching missing pseudopotentials")
	return cmd
}

// generateDeck is the deck-generation call shared by gen and auto.
func generateDeck(cmd *cobra.Command, cfg config.Config, s *structure.Structure, output, pseudoDir string, offline bool) (string, error) {
	kindStr, _ := cmd.Flags().GetString("type")
	kind, err := deck.ParseKind(kindStr)
	if err != nil {
		return "", err
	}
	ov, err := overridesFromFlags(cmd)
	if err != nil {
		return "", err
	}

	var fetcher pseudo.Fetcher
	if !offline {
		fetcher = pseudo.NewHTTPFetcher()
	}
	pseudoAbs, err := filepath.Abs(pseudoDir)
	if err != nil {
		return "", err
	}
	binding, err := pseudo.Resolve(cmd.Context(), s, pseudoAbs, fetcher)
	if err != nil {
		return "", err
	}

	var prior deck.PriorState
	if store := openLedger(cfg); store != nil {
		defer store.Close()
		prior = store
	}
	spec, err := deck.Derive(s, kind, ov, deck.DeriveOptions{
		PseudoDir: pseudoAbs,
		OutDir:    cfg.OutDir,
		Prior:     prior,
	})
	if err != nil {
		return "", err
	}
	if output == "" {
		output = deck.FileName(spec.Prefix, kind)
	}
	return deck.Write(s, spec, binding, output)
}

// Supervise a pw.x run
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <deck>",
		Short: "Run pw.x against a deck with timeout, streamed logs and classification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return superviseDeck(cmd, cfg, args[0])
		},
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String("pw", "", "pw.x executable or path")
	fs.String("mpi", "", "parallel launch command, e.g. \"mpirun\"")
	fs.Int("np", 0, "process count for the parallel launcher")
	fs.Int("timeout", 0, "wall-clock timeout in seconds (0 = none)")
	fs.String("run-dir", "", "directory for run logs")
	fs.Bool("flat", false, "write logs directly into the run directory")
}

func runnerOptions(cmd *cobra.Command, cfg config.Config) runner.Options {
	fs := cmd.Flags()
	opts := runner.Options{
		Command: cfg.PWCommand,
		MPI:     cfg.MPICommand,
		Procs:   cfg.Procs,
		Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		RunDir:  cfg.RunDir,
		Markers: cfg.Markers,
	}
	if v, _ := fs.GetString("pw"); v != "" {
		opts.Command = v
	}
	if v, _ := fs.GetString("mpi"); v != "" {
		opts.MPI = strings.Fields(v)
	}
	if v, _ := fs.GetInt("np"); v > 0 {
		opts.Procs = v
	}
	if fs.Changed("timeout") {
		v, _ := fs.GetInt("timeout")
		opts.Timeout = time.Duration(v) * time.Second
	}
	if v, _ := fs.GetString("run-dir"); v != "" {
		opts.RunDir = v
	}
	opts.Flat, _ = fs.GetBool("flat")
	return opts
}

// superviseDeck is the run-supervision call shared by run and auto.
func superviseDeck(cmd *cobra.Command, cfg config.Config, deckPath string) error {
	sv := runner.New(runnerOptions(cmd, cfg))
	started := time.Now()
	res, err := sv.Run(cmd.Context(), deckPath)
	if err != nil {
		return err
	}
	recordRun(cmd.Context(), cfg, deckPath, started, res)

	switch res.Status {
	case runner.LaunchFailed:
		return fmt.Errorf("launch failed: %s", res.LaunchError)
	case runner.TimedOut:
		return fmt.Errorf("timed out after %s; partial logs: %s, %s",
			res.Elapsed.Round(time.Second), res.StdoutPath, res.StderrPath)
	}
	fmt.Printf("status: %s\n", res.Status)
	fmt.Printf("classification: %s\n", res.Classification)
	fmt.Printf("exit code: %d\n", res.ExitCode)
	fmt.Printf("stdout: %s\n", res.StdoutPath)
	fmt.Printf("stderr: %s\n", res.StderrPath)
	if res.Classification == runner.Crashed || res.Classification == runner.DidNotConverge {
		return fmt.Errorf("run %s; inspect %s", res.Classification, res.StdoutPath)
	}
	return nil
}

// recordRun writes the outcome to the ledger, best effort.
func recordRun(ctx context.Context, cfg config.Config, deckPath string, started time.Time, res *runner.RunResult) {
	store := openLedger(cfg)
	if store == nil {
		return
	}
	defer store.Close()
	prefix, kind := deckIdentity(deckPath)
	_, err := store.Insert(ctx, &history.Record{
		Prefix:         prefix,
		Kind:           kind,
		DeckPath:       deckPath,
		Status:         res.Status.String(),
		Classification: string(res.Classification),
		ExitCode:       res.ExitCode,
		StdoutPath:     res.StdoutPath,
		StderrPath:     res.StderrPath,
		StartedAt:      started,
		Elapsed:        res.Elapsed,
	})
	if err != nil {
		log.Warn().Err(err).Msg("cannot record run in ledger")
	}
}

// deckIdentity reads prefix and calculation kind back out of a deck.
func deckIdentity(deckPath string) (prefix, kind string) {
	text, err := os.ReadFile(deckPath)
	if err != nil {
		return "", ""
	}
	return deck.NamelistValue(string(text), "prefix"),
		deck.NamelistValue(string(text), "calculation")
}

// End-to-end: fetch, generate, run
func newAutoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto <formula>",
		Short: "Fetch a structure, generate a deck and supervise the run in one shot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			outDir, _ := cmd.Flags().GetString("out-dir")
			s, _, err := fetchStructure(cmd.Context(), cfg, args[0], outDir)
			if err != nil {
				return err
			}
			pseudoDir := resolveDir(outDir, cfg.PseudoDir)
			kindStr, _ := cmd.Flags().GetString("type")
			deckPath := filepath.Join(outDir, deck.FileName(s.Formula, deck.Kind(kindStr)))
			deckPath, err = generateDeck(cmd, cfg, s, deckPath, pseudoDir, false)
			if err != nil {
				return err
			}
			fmt.Printf("deck written: %s\n", deckPath)
			return superviseDeck(cmd, cfg, deckPath)
		},
	}
	addOverrideFlags(cmd)
	addRunFlags(cmd)
	cmd.Flags().String("out-dir", ".", "working directory for structure, deck and pseudopotentials")
	return cmd
}

// List recorded runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.LedgerPath)
			if err != nil {
				return err
			}
			defer store.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			records, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.Prefix, r.Kind,
					r.Status, r.Classification, r.Elapsed.Round(time.Second))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	return cmd
}

// Initialize configuration
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = config.DefaultPath()
			}
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("config already exists at %s, leaving it alone\n", cfgPath)
				return nil
			}
			if err := config.Write(config.Default(), cfgPath); err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s\n", cfgPath)
			fmt.Println("put MP_API_KEY=... into ~/.config/qforge/secrets.env for structure fetching")
			return nil
		},
	}
}

// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kneasle/wheatley/cmd/wheatley/config"
	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/pkg/parsing"
	"github.com/kneasle/wheatley/services/bot"
	"github.com/kneasle/wheatley/services/complib"
	"github.com/kneasle/wheatley/services/rhythm"
	"github.com/kneasle/wheatley/services/rowgen"
	"github.com/kneasle/wheatley/services/tower"
)

var (
	// Tower flags
	serverURL string
	userName  string

	// Row generation flags
	compArg        string
	methodTitle    string
	placeNotation  string
	bobNotation    string
	singleNotation string
	startIndex     int
	startRow       string
	useUpDownIn    bool
	stopAtRounds   bool
	handbellStyle  bool
	noCalls        bool

	// Rhythm flags
	keepGoing         bool
	waitDeprecated    bool
	inertia           float64
	pealSpeed         string
	handstrokeGap     float64
	maxBellsInDataset int

	// Misc flags
	verboseCount int
	quietCount   int
	configPath   string
	statusAddr   string

	rootCmd = &cobra.Command{
		Use:   "wheatley [flags] room_id",
		Short: "A bot to fill in bells during ringingroom.com practices",
		Long: `Wheatley joins a Ringing Room tower and rings the bells that nobody
else is ringing, listening to the other ringers to stay in rhythm.

The room_id argument is the numerical ID of the tower to join, i.e.
the number in the tower's URL.

Examples:
  wheatley 763451928 --method "Plain Bob Minor"
  wheatley 763451928 -u -s --comp 64400
  wheatley 763451928 -p "x16,12" -S 3h10`,
		Args:         cobra.ExactArgs(1),
		Version:      version,
		SilenceUsage: true,
		RunE:         runConsole,
	}
)

func init() {
	f := rootCmd.Flags()

	f.StringVar(&serverURL, "url", "https://ringingroom.com", "The URL of the server to join")
	f.StringVar(&userName, "name", "", "If set, then Wheatley will ring bells assigned to the given name; otherwise he rings unassigned bells")

	f.StringVarP(&compArg, "comp", "c", "", "The ID or URL of the complib composition you want to ring, optionally with its access key")
	f.StringVarP(&methodTitle, "method", "m", "", "The title of the method you want to ring")
	f.StringVarP(&placeNotation, "place-notation", "p", "", "The place notation description of the method you want to ring, e.g. \"6:x16,12\"")
	rootCmd.MarkFlagsMutuallyExclusive("comp", "method", "place-notation")
	rootCmd.MarkFlagsOneRequired("comp", "method", "place-notation")

	f.StringVarP(&bobNotation, "bob", "b", "14", "The place notation(s) made when a 'Bob' is called, e.g. \"16\" or \"-1: 3\" for a Grandsire bob")
	f.StringVarP(&singleNotation, "single", "n", "1234", "The place notation(s) made when a 'Single' is called, e.g. \"1678\" or \"-1: 3.123\" for a Grandsire single")
	f.IntVar(&startIndex, "start-index", 0, "Which row of the lead to start ringing from; -1 refers to the lead end")
	f.StringVar(&startRow, "start-row", "", "Determines the initial row")
	f.BoolVarP(&useUpDownIn, "use-up-down-in", "u", false, "Go into changes automatically after two rows of rounds")
	f.BoolVarP(&stopAtRounds, "stop-at-rounds", "s", false, "Stand the bells the first time rounds is reached")
	f.BoolVarP(&handbellStyle, "handbell-style", "H", false, "Ring 'handbell style': two rows of rounds then into changes, standing at the next rounds (equivalent to -us)")
	f.BoolVar(&noCalls, "no-calls", false, "Don't call anything when ringing compositions")

	f.BoolVarP(&keepGoing, "keep-going", "k", false, "Don't wait for users to ring; push on with the rhythm instead")
	f.BoolVarP(&waitDeprecated, "wait", "w", false, "Legacy flag, now set by default; the old behaviour is available with -k/--keep-going")
	f.Float64VarP(&inertia, "inertia", "I", 0.5, "How much Wheatley ignores the other ringers when deciding when to ring, from 0.0 (follow closely) to 1.0 (ignore completely)")
	f.StringVarP(&pealSpeed, "peal-speed", "S", "2h58", "The default peal speed, e.g. '3h4', '3h04m' or '184'")
	f.Float64VarP(&handstrokeGap, "handstroke-gap", "G", 1.0, "The handstroke gap as a factor of the space between two bells")
	f.IntVarP(&maxBellsInDataset, "max-bells-in-dataset", "X", 15, "How many bells Wheatley remembers when determining the current ringing speed")

	f.StringVar(&configPath, "config", "", "Path to a YAML config file (defaults to ~/.wheatley/wheatley.yaml)")

	pf := rootCmd.PersistentFlags()
	pf.CountVarP(&verboseCount, "verbose", "v", "Makes Wheatley print more (DEBUG) output")
	pf.CountVarP(&quietCount, "quiet", "q", "Makes Wheatley print less output; -q only prints WARNINGs and ERRORs, -qq only ERRORs and -qqq nothing")
	pf.StringVar(&statusAddr, "status-addr", "", "If set, serve /healthz and Prometheus /metrics on this address, e.g. ':8090'")

	rootCmd.AddCommand(serverCmd)
	rootCmd.SetVersionTemplate("Wheatley {{.Version}}\n")
}

func runConsole(cmd *cobra.Command, args []string) error {
	if waitDeprecated {
		fmt.Println("Deprecation warning: `--wait` has been replaced with `--keep-going`!")
	}

	cfg, err := loadConfigFile(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg, "wheatley")
	defer logger.Close()

	roomID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("Bad value for 'room_id': %q is not a number", args[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	socketURL, err := tower.LoadBalancingURL(ctx, roomID, serverURL)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("Bye!")
			return nil
		}
		var notFound *tower.TowerNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("Bad value for 'room_id': %s", err)
		}
		var badURL *tower.InvalidURLError
		if errors.As(err, &badURL) {
			return fmt.Errorf("Bad value for '--url': %s", err)
		}
		return err
	}

	if _, err := parsing.ParseStartRow(startRow); err != nil {
		return err
	}

	t, err := tower.NewRingingRoomTower(roomID, socketURL, logger)
	if err != nil {
		return err
	}

	generator, err := buildRowGenerator(ctx, logger)
	if err != nil {
		return err
	}

	pealSpeedMinutes, err := parsing.ParsePealSpeed(pealSpeed)
	if err != nil {
		return err
	}

	b, err := bot.New(bot.Config{
		Tower:        t,
		RowGenerator: generator,
		Rhythm:       buildRhythm(pealSpeedMinutes, inertia, maxBellsInDataset, handstrokeGap, !keepGoing, 0, logger),
		UpDownIn:     useUpDownIn || handbellStyle,
		StopAtRounds: stopAtRounds || handbellStyle,
		MakeCalls:    !noCalls,
		UserName:     userName,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	return runBot(ctx, t, b, logger, runtimeOptions{
		statusAddr:  statusAddr,
		configPath:  watchedConfigPath(),
		applyConfig: liveConfigApplier(cmd, cfg, b, logger),
		printBye:    true,
	})
}

// buildRowGenerator turns the -c/-m/-p flags into a row generator.
// The three flags are mutually exclusive, so at most one branch runs.
func buildRowGenerator(ctx context.Context, logger *logging.Logger) (rowgen.RowGenerator, error) {
	switch {
	case compArg != "":
		if startRow != "" {
			return nil, errors.New("You may not specify a custom start row with a composition")
		}
		generator, err := rowgen.NewComposition(ctx, complib.NewClient(logger), compArg, logger)
		if err != nil {
			return nil, fmt.Errorf("Bad value for '--comp': %s", err)
		}
		return generator, nil

	case methodTitle != "":
		bob, single, err := parseCalls()
		if err != nil {
			return nil, err
		}
		generator, err := rowgen.FromSpecialTitle(methodTitle, startRow, logger)
		if err != nil {
			return nil, fmt.Errorf("Bad value for '--method': %s", err)
		}
		if generator != nil {
			return generator, nil
		}
		method, err := rowgen.NewMethod(ctx, methodTitle, bob, single, startRow, startIndex, logger)
		if err != nil {
			return nil, fmt.Errorf("Bad value for '--method': %s", err)
		}
		return method, nil

	case placeNotation != "":
		bob, single, err := parseCalls()
		if err != nil {
			return nil, err
		}
		stage, notation, err := parsing.ParsePlaceNotationArg(placeNotation)
		if err != nil {
			return nil, fmt.Errorf("Bad value for '--place-notation': %s", err)
		}
		generator, err := rowgen.NewPlaceNotation(stage, notation, bob, single, startIndex, startRow, logger)
		if err != nil {
			return nil, fmt.Errorf("Bad value for '--place-notation': %s", err)
		}
		return generator, nil
	}

	return nil, errors.New("one of --comp, --method or --place-notation should always be defined")
}

func parseCalls() (rowgen.CallDef, rowgen.CallDef, error) {
	bob, err := parsing.ParseCall(bobNotation)
	if err != nil {
		return nil, nil, fmt.Errorf("Bad value for '--bob': %s", err)
	}
	single, err := parsing.ParseCall(singleNotation)
	if err != nil {
		return nil, nil, fmt.Errorf("Bad value for '--single': %s", err)
	}
	return bob, single, nil
}

// buildRhythm assembles the regression rhythm, wrapped so that
// Wheatley waits for the human ringers unless told to keep going.
func buildRhythm(
	pealSpeedMinutes int,
	inertia float64,
	maxBellsInDataset int,
	handstrokeGap float64,
	waitForUsers bool,
	initialInertia float64,
	logger *logging.Logger,
) rhythm.Rhythm {
	regression := rhythm.NewRegression(rhythm.RegressionConfig{
		Inertia:           inertia,
		InitialInertia:    initialInertia,
		PealSpeed:         float64(pealSpeedMinutes),
		HandstrokeGap:     handstrokeGap,
		MaxBellsInDataset: maxBellsInDataset,
	}, logger)

	if waitForUsers {
		return rhythm.NewWaitForUser(regression, 0, logger)
	}
	return regression
}

// loadConfigFile loads the config file and fills in every flag the
// user did not give explicitly.  Flags always beat the file.
func loadConfigFile(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	loaded, err := config.Load(configPath)
	switch {
	case err == nil:
		cfg = loaded
	case configPath != "":
		// An explicitly requested file must work.
		return config.Config{}, err
	default:
		fmt.Fprintf(os.Stderr, "Ignoring the config file: %s\n", err)
	}

	f := cmd.Flags()
	if !f.Changed("url") {
		serverURL = cfg.URL
	}
	if !f.Changed("name") {
		userName = cfg.Name
	}
	if !f.Changed("peal-speed") && cfg.PealSpeed != "" {
		pealSpeed = cfg.PealSpeed
	}
	if !f.Changed("inertia") {
		inertia = cfg.Inertia
	}
	if !f.Changed("handstroke-gap") {
		handstrokeGap = cfg.HandstrokeGap
	}
	if !f.Changed("max-bells-in-dataset") {
		maxBellsInDataset = cfg.MaxBellsInDataset
	}
	if !f.Changed("use-up-down-in") {
		useUpDownIn = cfg.UseUpDownIn
	}
	if !f.Changed("stop-at-rounds") {
		stopAtRounds = cfg.StopAtRounds
	}
	if !f.Changed("keep-going") {
		keepGoing = cfg.KeepGoing
	}
	if !f.Changed("no-calls") {
		noCalls = cfg.NoCalls
	}
	if !f.Changed("status-addr") {
		statusAddr = cfg.StatusAddr
	}

	return cfg, nil
}

// newLogger builds the logger from the -v/-q flags, letting the
// config file's log_level stand in when neither flag was given.
func newLogger(cmd *cobra.Command, cfg config.Config, service string) *logging.Logger {
	level := logging.LevelFromVerbosity(verboseCount, quietCount)
	if cfg.LogLevel != "" && !cmd.Flags().Changed("verbose") && !cmd.Flags().Changed("quiet") {
		if parsed, err := logging.ParseLevel(cfg.LogLevel); err == nil {
			level = parsed
		}
	}

	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: service,
		Quiet:   quietCount-verboseCount >= 3,
	})
}

// watchedConfigPath resolves the path the config watcher should
// follow, or "" if there is nothing to watch.
func watchedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	path, err := config.DefaultPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// liveConfigApplier returns the callback the config watcher uses to
// apply edits to a running bot.  Log level, peal speed and inertia can
// change mid-touch; each is skipped if its flag was given on the
// command line, since flags always beat the file.  Everything else
// takes effect on the next run.
func liveConfigApplier(cmd *cobra.Command, startup config.Config, b *bot.Bot, logger *logging.Logger) func(config.Config) {
	flags := cmd.Flags()
	lastLogLevel := startup.LogLevel
	lastPealSpeed := pealSpeed
	lastInertia := inertia
	return func(cfg config.Config) {
		if cfg.LogLevel != "" && cfg.LogLevel != lastLogLevel && !flags.Changed("verbose") && !flags.Changed("quiet") {
			if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
				lastLogLevel = cfg.LogLevel
				logger.SetLevel(level)
				logger.Info("Log level changed", "level", level)
			}
		}
		if cfg.PealSpeed != "" && cfg.PealSpeed != lastPealSpeed && !flags.Changed("peal-speed") {
			if minutes, err := parsing.ParsePealSpeed(cfg.PealSpeed); err == nil {
				lastPealSpeed = cfg.PealSpeed
				b.ChangeSetting("peal_speed", minutes)
			}
		}
		if cfg.Inertia != lastInertia && !flags.Changed("inertia") {
			lastInertia = cfg.Inertia
			b.ChangeSetting("inertia", cfg.Inertia)
		}
	}
}

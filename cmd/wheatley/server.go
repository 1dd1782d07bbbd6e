// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kneasle/wheatley/cmd/wheatley/config"
	"github.com/kneasle/wheatley/services/bot"
	"github.com/kneasle/wheatley/services/complib"
	"github.com/kneasle/wheatley/services/rowgen"
	"github.com/kneasle/wheatley/services/tower"
)

// Server mode is how ringingroom.com itself runs Wheatley: the server
// spawns one process per tower and steers it over SocketIO, so almost
// nothing is configured on the command line.
var (
	serverPort int
	lookToTime float64
	instanceID int

	serverCmd = &cobra.Command{
		Use:   "server-mode [flags] room_id",
		Short: "Run Wheatley as spawned by the Ringing Room server",
		Long: `Runs Wheatley the way ringingroom.com runs him: joined to a tower on a
local SocketIO server, taking his method, speed and settings over the
socket rather than from flags.  The touch is armed with 'Look to' from
the tower.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runServer,
	}
)

func init() {
	f := serverCmd.Flags()
	f.IntVarP(&serverPort, "port", "p", 0, "The port of the SocketIO server (which must be hosted on localhost)")
	f.Float64VarP(&lookToTime, "look-to-time", "l", 0, "Set to the time when 'Look to' was called, if Wheatley was spawned because 'Look to' was called")
	f.IntVarP(&instanceID, "id", "i", 0, "The instance ID of this Wheatley process")
	_ = serverCmd.MarkFlagRequired("port")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd, serverConfig(), "wheatley-server")
	defer logger.Close()

	logger.Debug("Running Wheatley " + version)

	roomID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("Bad value for 'room_id': %q is not a number", args[0])
	}

	towerURL := "http://127.0.0.1:" + strconv.Itoa(serverPort)
	t, err := tower.NewRingingRoomTower(roomID, towerURL, logger)
	if err != nil {
		return err
	}

	// The real settings arrive over the socket once the bot is in the
	// tower; these are just the starting values.
	b, err := bot.New(bot.Config{
		Tower:        t,
		RowGenerator: rowgen.NewPlaceHolder(),
		Rhythm:       buildRhythm(180, 1, 15, 1, true, 0, logger),
		UpDownIn:     true,
		StopAtRounds: true,
		MakeCalls:    true,
		UserName:     "Wheatley",
		InstanceID:   serverInstanceID(cmd),
		CompLib:      complib.NewClient(logger),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var onLoaded func()
	if cmd.Flags().Changed("look-to-time") {
		callTime := lookToTime
		onLoaded = func() { b.LookToHasBeenCalled(callTime) }
	}

	return runBot(ctx, t, b, logger, runtimeOptions{
		statusAddr: statusAddr,
		onLoaded:   onLoaded,
	})
}

// serverInstanceID reports the -i flag, or nil when Ringing Room did
// not pass one.
func serverInstanceID(cmd *cobra.Command) *int {
	if !cmd.Flags().Changed("id") {
		return nil
	}
	id := instanceID
	return &id
}

// serverConfig is the fixed configuration server mode runs with; the
// config file is a console affair.
func serverConfig() config.Config {
	return config.Config{}
}

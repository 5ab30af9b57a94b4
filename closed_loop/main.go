package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"acc-follow-core/utils"
)

func main() {
	var (
		iface      = flag.String("iface", "vcan0", "SocketCAN interface name")
		mapPath    = flag.String("map", "config/can/can_map.csv", "Path to can_map.csv")
		configPath = flag.String("config", "config/tuning.yaml", "Tuning YAML file (empty for built-in defaults)")
		replayPath = flag.String("replay", "", "Scenario JSON to replay offline instead of running on CAN")
		frameName  = flag.String("frame", frameFollowCmd, "Frame name to transmit")
		mpcID      = flag.Int("mpc-id", 1, "Planner instance id")
		logPath    = flag.String("logfile", "acc_follow.log", "Log file path")
		logLevel   = flag.String("log", "info", "trace|debug|info|warn|error|critical")
	)
	flag.Parse()

	log, err := utils.NewFileLogger(*logPath, utils.ParseLevel(*logLevel), true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + *logPath + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	cfg := RunnerConfig{
		Interface:  *iface,
		MapPath:    *mapPath,
		ConfigPath: *configPath,
		ReplayPath: *replayPath,
		FrameName:  *frameName,
		MPCID:      *mpcID,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		os.Exit(1)
	}
}

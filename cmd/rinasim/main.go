// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command rinasim runs a recursive-layering RINA simulation. In server
// mode it builds the configured topology and serves the status API; in
// demo mode it runs a small two-layer exchange and prints flow
// statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/rinasim/internal/api"
	"grimm.is/rinasim/internal/config"
	"grimm.is/rinasim/internal/link"
	"grimm.is/rinasim/internal/logging"
	"grimm.is/rinasim/internal/network"
	"grimm.is/rinasim/internal/rina"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL topology file")
	flag.Parse()

	args := flag.Args()
	subcmd := "server"
	if len(args) > 0 {
		subcmd = args[0]
	}

	switch subcmd {
	case "server":
		runServer(*configPath)
	case "demo":
		runDemo(*configPath)
	default:
		log.Fatalf("Unknown command: %s (expected server or demo)", subcmd)
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return &config.Config{}
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	logCfg := logging.DefaultConfig()
	if cfg.Log != nil {
		logCfg = *cfg.Log
	}
	logging.SetDefault(logging.New(logCfg))
}

func runServer(configPath string) {
	cfg := loadConfig(configPath)
	setupLogging(cfg)
	logger := logging.WithComponent("main")

	mgr := network.NewManager()
	if err := mgr.BuildFromConfig(cfg); err != nil {
		log.Fatalf("Failed to build topology: %v", err)
	}

	apiCfg := api.DefaultServerConfig()
	if cfg.API != nil && cfg.API.Listen != "" {
		apiCfg.Listen = cfg.API.Listen
	}
	srv := api.NewServer(apiCfg, mgr)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start API: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn("api shutdown failed", "error", err)
	}
	mgr.Cleanup(ctx)
}

// runDemo builds a two-layer topology (an overlay DIF recursing over a
// backbone DIF), sends a few payloads across the overlay, and prints
// what happened at every layer.
func runDemo(configPath string) {
	cfg := loadConfig(configPath)
	setupLogging(cfg)

	mgr := network.NewManager()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Cleanup(ctx)
	}()

	must := func(err error) {
		if err != nil {
			log.Fatalf("Demo setup failed: %v", err)
		}
	}

	_, err := mgr.CreateDIF("dif0", 0, 1000, "")
	must(err)
	_, err = mgr.CreateDIF("dif1", 1, 1000, "dif0")
	must(err)
	_, err = mgr.CreateIPCP("ipcp0-a", "dif0", "")
	must(err)
	_, err = mgr.CreateIPCP("ipcp0-b", "dif0", "")
	must(err)
	a1, err := mgr.CreateIPCP("ipcp1-a", "dif1", "ipcp0-a")
	must(err)
	b1, err := mgr.CreateIPCP("ipcp1-b", "dif1", "ipcp0-b")
	must(err)

	lan, _ := link.Profile("lan")
	must(mgr.Connect("ipcp0-a", "ipcp0-b", lan, 0, true))
	a1.Enroll(b1)

	app1, err := mgr.CreateApplication("app1", "ipcp1-a", 5000)
	must(err)
	app2, err := mgr.CreateApplication("app2", "ipcp1-b", 5000)
	must(err)

	qos := rina.BandwidthQoS(50)
	if err := app1.SendReliable(app2, []byte("Hello world!"), qos, 3); err != nil {
		log.Fatalf("Send failed: %v", err)
	}
	for i := 0; i < 9; i++ {
		if err := app1.Send([]byte(fmt.Sprintf("payload %d", i))); err != nil {
			log.Fatalf("Send failed: %v", err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for app2.ReceivedCount() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	fmt.Printf("app2 received %d payloads\n", app2.ReceivedCount())
	for _, f := range mgr.Flows() {
		st := f.Stats()
		fmt.Printf("flow %s (%s -> %s, port %d): sent=%d received=%d acked=%d retransmitted=%d\n",
			f.ID(), f.Src().ID(), f.Dest().ID(), f.Port(),
			st.Sent, st.Received, st.Acked, st.Retransmitted)
	}
	for _, d := range mgr.DIFs() {
		st := d.Status()
		fmt.Printf("dif %s: allocated %d/%d Mbps\n", st.Name, st.AllocatedBandwidth, st.MaxBandwidth)
	}
}

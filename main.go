package main

import (
	"fmt"
	"log"
	"os"

	"github.com/rarydzu/gfilestore/config"
	"github.com/rarydzu/gfilestore/processor"
	"github.com/rarydzu/gfilestore/server"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

var fConfig = flag.StringP("config", "c", "", "Path to the KEY=VALUE configuration file.")
var fDev = flag.Bool("dev", false, "Run in development mode")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-c|--config FILE] [--dev] [FILE]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	logger, err := zap.NewProduction()
	if *fDev {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to initialize zap logger: %v", err)
	}
	sugarlog := logger.Sugar()
	defer sugarlog.Sync() //nolint:errcheck

	path := *fConfig
	if path == "" && flag.NArg() == 1 {
		path = flag.Arg(0)
	}
	if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(path, sugarlog)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	srv, err := server.New(cfg, sugarlog)
	if err != nil {
		log.Fatalf("Server: %v", err)
	}
	p := processor.New(cfg.ShutdownTimeout, sugarlog)
	if err := p.Register(processor.Hard, "server", srv.Stop); err != nil {
		log.Fatalf("Register: %v", err)
	}
	if err := p.Register(processor.Soft, "server", srv.Drain); err != nil {
		log.Fatalf("Register: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Start: %v", err)
	}
	p.Run()
	err = srv.Wait()
	p.Close()
	p.Wait()
	if err != nil {
		sugarlog.Errorf("server: %v", err)
		os.Exit(1)
	}
}

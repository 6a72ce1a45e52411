// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	golog "github.com/leaf-ai/go-service/pkg/log"

	"github.com/karlmutch/envflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nfachan/meticulous/internal/broker"
)

var (
	logger = golog.NewLogger("broker")

	listenOpt   = flag.String("listen", ":9091", "the TCP address workers connect to")
	promAddrOpt = flag.String("prom-address", ":9092", "the address for the broker's prometheus http server")
)

func usage() {
	fmt.Fprintln(os.Stderr, "meticulous broker: accepts worker connections and assigns work round-robin")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	envflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopC
		logger.Info("shutdown signal received")
		cancel()
	}()

	l, errGo := net.Listen("tcp", *listenOpt)
	if errGo != nil {
		logger.Error("failed to listen", "address", *listenOpt, "error", errGo.Error())
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if errGo := http.ListenAndServe(*promAddrOpt, mux); errGo != nil {
			logger.Warn("prometheus http server stopped", "error", errGo.Error())
		}
	}()

	b := broker.New(logger)
	logger.Info("broker listening", "address", *listenOpt)
	if err := b.Serve(ctx, l); err != nil {
		logger.Error("broker stopped", "error", err.Error())
		os.Exit(1)
	}
}

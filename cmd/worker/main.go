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
	"sync"
	"syscall"

	golog "github.com/leaf-ai/go-service/pkg/log"

	"github.com/karlmutch/envflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nfachan/meticulous/internal/artifact"
	"github.com/nfachan/meticulous/internal/dispatcher"
	"github.com/nfachan/meticulous/internal/metrics"
	"github.com/nfachan/meticulous/internal/proto"
)

var (
	logger = golog.NewLogger("worker")

	nameOpt       = flag.String("name", defaultName(), "the name this worker advertises to the broker")
	brokerAddrOpt = flag.String("broker-address", "127.0.0.1:9091", "the broker's TCP address")
	slotsOpt      = flag.Int("slots", 1, "number of executions this worker can run concurrently")
	cacheRootOpt  = flag.String("cache-root", "./cache", "local directory the artifact cache is rooted at")
	bytesGoalOpt  = flag.Uint64("cache-bytes-goal", 1<<30, "soft byte-usage goal the cache evicts toward")
	backendOpt    = flag.String("artifact-backend", "minio", "object-storage backend: minio or aws")
	endpointOpt   = flag.String("artifact-endpoint", "127.0.0.1:9000", "object-storage endpoint")
	bucketOpt     = flag.String("artifact-bucket", "artifacts", "object-storage bucket artifacts are read from")
	useSSLOpt     = flag.Bool("artifact-use-ssl", false, "use TLS when talking to the object-storage endpoint")
	maxBytesOpt   = flag.Int64("artifact-max-bytes", 1<<30, "maximum size in bytes of any single file extracted from an artifact archive")
	promAddrOpt   = flag.String("prom-address", ":9093", "the address for the worker's prometheus http server")
)

func defaultName() string {
	name, errGo := os.Hostname()
	if errGo != nil {
		return "worker"
	}
	return name
}

func usage() {
	fmt.Fprintln(os.Stderr, "meticulous worker: connects to a broker, fetches artifacts, runs assigned executions")
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

	cacheMetrics := metrics.NewCache("meticulous_worker")
	if err := cacheMetrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("failed to register cache metrics", "error", err.Error())
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if errGo := http.ListenAndServe(*promAddrOpt, mux); errGo != nil {
			logger.Warn("prometheus http server stopped", "error", errGo.Error())
		}
	}()

	d, err := dispatcher.New(ctx, dispatcher.Config{
		CacheRoot:     *cacheRootOpt,
		BytesUsedGoal: *bytesGoalOpt,
		Bucket:        *bucketOpt,
		MaxBytes:      *maxBytesOpt,
		Slots:         *slotsOpt,
		Metrics:       cacheMetrics,
		Backend: artifact.Config{
			Backend:  *backendOpt,
			Endpoint: *endpointOpt,
			Bucket:   *bucketOpt,
			UseSSL:   *useSSLOpt,
			MaxBytes: *maxBytesOpt,
		},
	}, logger)
	if err != nil {
		logger.Error("failed to construct dispatcher", "error", err.Error())
		os.Exit(1)
	}

	conn, errGo := net.Dial("tcp", *brokerAddrOpt)
	if errGo != nil {
		logger.Error("failed to connect to broker", "address", *brokerAddrOpt, "error", errGo.Error())
		os.Exit(1)
	}
	defer conn.Close()

	helloFrame, errEncode := proto.EncodeHello(proto.Hello{WorkerName: *nameOpt, Slots: *slotsOpt})
	if errEncode != nil {
		logger.Error("failed to encode hello", "error", errEncode.Error())
		os.Exit(1)
	}
	if errWrite := proto.WriteFrame(conn, helloFrame); errWrite != nil {
		logger.Error("failed to send hello", "error", errWrite.Error())
		os.Exit(1)
	}

	logger.Info("worker connected to broker", "broker", *brokerAddrOpt, "name", *nameOpt, "slots", *slotsOpt)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, errRead := proto.ReadFrame(conn)
		if errRead != nil {
			logger.Warn("broker connection closed", "error", errRead.Error())
			return
		}
		assignment, errDecode := proto.DecodeAssignment(frame)
		if errDecode != nil {
			logger.Warn("malformed assignment frame", "error", errDecode.Error())
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			result := d.RunExecution(ctx, assignment.Execution, assignment.Details)
			resultFrame, errEncode := proto.EncodeResult(proto.ResultFrame{Result: result})
			if errEncode != nil {
				logger.Warn("failed to encode result", "execution_id", uint64(assignment.Execution), "error", errEncode.Error())
				return
			}
			if errWrite := proto.WriteFrame(conn, resultFrame); errWrite != nil {
				logger.Warn("failed to send result", "execution_id", uint64(assignment.Execution), "error", errWrite.Error())
			}
		}()
	}
}

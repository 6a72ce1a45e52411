// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package metrics_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nfachan/meticulous/internal/metrics"
)

func TestRegisterSucceedsOnceAndRejectsDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCache("meticulous")

	if err := c.Register(reg); err != nil {
		t.Fatalf("unexpected error registering: %v", err)
	}

	dup := metrics.NewCache("meticulous")
	if err := dup.Register(reg); err == nil {
		t.Fatalf("expected a second Cache with the same namespace to collide on Register")
	}
}

func TestGaugesReflectSetValues(t *testing.T) {
	c := metrics.NewCache("meticulous_gauges")
	c.BytesUsed.Set(42)
	c.EntriesInUse.Set(3)
	c.EntriesInHeap.Set(7)
	c.Evictions.Inc()
	c.DownloadFailures.Inc()
	c.DownloadFailures.Inc()

	var m dto.Metric
	if err := c.BytesUsed.Write(&m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.GetGauge().GetValue() != 42 {
		t.Fatalf("unexpected bytes_used value: %v", m.GetGauge().GetValue())
	}

	var failures dto.Metric
	if err := c.DownloadFailures.Write(&failures); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failures.GetCounter().GetValue() != 2 {
		t.Fatalf("unexpected download_failures value: %v", failures.GetCounter().GetValue())
	}
}

// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package dispatcher owns the single goroutine that is the only caller of
// internal/cache.Cache.ReceiveMessage, realizing spec.md §5's
// single-logical-task requirement as a channel-driven loop: everything
// that wants to talk to the cache sends a cache.Message into one channel
// instead of calling into the Cache directly. This mirrors the teacher's
// own channel-per-unit-of-work idiom (internal/task.QueueTask.ResponseQ)
// and the rust source's channel_reader::run loop.
package dispatcher

import (
	"context"
	"sync"

	"github.com/jjeffery/kv" // MIT License

	golog "github.com/leaf-ai/go-service/pkg/log"

	"github.com/nfachan/meticulous/internal/artifact"
	"github.com/nfachan/meticulous/internal/cache"
	"github.com/nfachan/meticulous/internal/digest"
	"github.com/nfachan/meticulous/internal/metrics"
	"github.com/nfachan/meticulous/internal/request"
)

// slotToken is the unit of capacity AcquireSlot/ReleaseSlot exchange.
type slotToken struct{}

// Config bundles everything the dispatcher needs to construct its Cache
// and artifact Fetcher.
type Config struct {
	CacheRoot     string
	BytesUsedGoal uint64
	Backend       artifact.Config
	Bucket        string
	MaxBytes      int64
	Slots         int

	// Metrics is optional; when nil, gauges and counters are simply not
	// published (tests routinely leave it unset).
	Metrics *metrics.Cache
}

// Dispatcher owns a Cache, a Fetcher, and the single goroutine that reads
// from its inbox. Producers (Get, the download goroutines, and Handle
// clones and releases) send into the inbox channel; only the inbox
// goroutine ever calls Cache.ReceiveMessage.
type Dispatcher struct {
	*cache.FSOps

	logger  *golog.Logger
	cache   *cache.Cache
	fetcher *artifact.Fetcher
	bucket  string
	metrics *metrics.Cache

	inbox chan cache.Message
	slots chan slotToken

	mu      sync.Mutex
	pending map[cache.RequestID]chan *cache.Handle
	nextID  cache.RequestID
}

// New constructs a Dispatcher wired with a real FSOps filesystem half and
// the given artifact backend, and starts its inbox goroutine. The inbox
// goroutine runs until ctx is done and then returns without draining the
// inbox; ctx does not cancel downloads already in flight, which run with
// their own background context.
func New(ctx context.Context, cfg Config, logger *golog.Logger) (d *Dispatcher, err kv.Error) {
	backend, errBackend := artifact.NewBackend(cfg.Backend)
	if errBackend != nil {
		return nil, errBackend
	}
	return NewWithBackend(ctx, cfg, backend, logger)
}

// NewWithBackend is New with the object-storage Backend supplied directly,
// bypassing the Backend name switch so tests can wire in a fake, the way
// the teacher's ObjDownloaderFactory takes its storage dependency as a
// constructor argument rather than constructing it internally.
func NewWithBackend(ctx context.Context, cfg Config, backend artifact.Backend, logger *golog.Logger) (d *Dispatcher, err kv.Error) {
	slots := make(chan slotToken, cfg.Slots)
	for i := 0; i < cfg.Slots; i++ {
		slots <- slotToken{}
	}

	d = &Dispatcher{
		FSOps:   cache.NewFSOps(),
		logger:  logger,
		fetcher: artifact.NewFetcher(backend, cfg.MaxBytes),
		bucket:  cfg.Bucket,
		metrics: cfg.Metrics,
		inbox:   make(chan cache.Message, 64),
		slots:   slots,
		pending: map[cache.RequestID]chan *cache.Handle{},
	}
	d.cache = cache.New(cfg.CacheRoot, d, cfg.BytesUsedGoal, logger)

	go d.run(ctx)
	return d, nil
}

// AcquireSlot blocks until a worker execution slot is free, or ctx is
// done. A worker must never run more concurrent ExecutionDetails than
// the slot count it advertised at Hello time (spec.md §8's supplemental
// slot-accounting requirement).
func (d *Dispatcher) AcquireSlot(ctx context.Context) (err kv.Error) {
	select {
	case <-d.slots:
		return nil
	case <-ctx.Done():
		return kv.Wrap(ctx.Err(), "acquire slot cancelled")
	}
}

// ReleaseSlot returns a slot acquired via AcquireSlot, once the
// associated execution (identified by id only for logging) has finished.
func (d *Dispatcher) ReleaseSlot(id request.ExecutionId) {
	select {
	case d.slots <- slotToken{}:
	default:
		d.logger.Warn("ReleaseSlot called without a matching AcquireSlot", "execution_id", uint64(id))
	}
}

// run is the sole goroutine allowed to call d.cache.ReceiveMessage,
// satisfying spec.md §5's never-re-entrant requirement without a mutex.
func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.inbox:
			d.cache.ReceiveMessage(d, msg)
			d.publishGauges()
		}
	}
}

// publishGauges refreshes the cache-derived gauges after every processed
// message. It is a no-op if no metrics.Cache was configured.
func (d *Dispatcher) publishGauges() {
	if d.metrics == nil {
		return
	}
	d.metrics.BytesUsed.Set(float64(d.cache.BytesUsed()))
	d.metrics.EntriesInUse.Set(float64(d.cache.EntriesInUse()))
	d.metrics.EntriesInHeap.Set(float64(d.cache.EntriesInHeap()))
}

// Get requests a Handle for digest dg, fetching and extracting it first
// if necessary. It blocks until the cache replies (success or failure),
// matching the worker's synchronous need for an artifact before it can
// start an execution.
func (d *Dispatcher) Get(ctx context.Context, dg digest.Digest) (h *cache.Handle, err kv.Error) {
	reply := make(chan *cache.Handle, 1)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.pending[id] = reply
	d.mu.Unlock()

	d.inbox <- cache.GetRequest(id, dg)

	select {
	case h = <-reply:
		if h == nil {
			return nil, kv.NewError("artifact fetch failed").With("digest", dg.String())
		}
		return h, nil
	case <-ctx.Done():
		return nil, kv.Wrap(ctx.Err(), "get request cancelled").With("digest", dg.String())
	}
}

// --- cache.Deps ---
//
// Dispatcher embeds a real *cache.FSOps for the filesystem/RNG half of
// Deps, and adds only the three domain-specific methods spec.md §6
// leaves to the caller, exactly the way the teacher's localstorage.go
// handles only the storage half of a larger interface.

func (d *Dispatcher) DownloadAndExtract(dg digest.Digest, path string) {
	go func() {
		bytesUsed, errFetch := d.fetcher.Fetch(context.Background(), d.bucket, dg.String(), dg, path)
		if errFetch != nil {
			d.logger.Warn("artifact fetch failed", "digest", dg.String(), "error", errFetch.Error())
			if d.metrics != nil {
				d.metrics.DownloadFailures.Inc()
			}
			d.inbox <- cache.DownloadAndExtractFailed(dg, errFetch)
			return
		}
		d.inbox <- cache.DownloadAndExtractSucceeded(dg, bytesUsed)
	}()
}

func (d *Dispatcher) GetCompleted(id cache.RequestID, h *cache.Handle) {
	d.mu.Lock()
	reply, present := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()

	if !present {
		d.logger.Warn("GetCompleted for unknown request id", "request_id", uint64(id))
		return
	}
	reply <- h
}

// FileExists, Rename, MkdirAll, ReadDir, RemoveAllInBackground, and Rng
// are promoted from the embedded *cache.FSOps.

func (d *Dispatcher) HandleDeps() cache.HandleDeps {
	return &dispatcherHandleDeps{inbox: d.inbox}
}

// dispatcherHandleDeps feeds IncrementRefcount/DecrementRefcount messages
// back into the dispatcher's own inbox, so every Handle a worker holds
// routes its refcount traffic through the same single-owner channel the
// rest of the system uses.
type dispatcherHandleDeps struct {
	inbox chan cache.Message
}

func (h *dispatcherHandleDeps) Clone() cache.HandleDeps {
	return &dispatcherHandleDeps{inbox: h.inbox}
}

func (h *dispatcherHandleDeps) SendIncrementRefcount(d digest.Digest) {
	h.inbox <- cache.IncrementRefcount(d)
}

func (h *dispatcherHandleDeps) SendDecrementRefcount(d digest.Digest) {
	h.inbox <- cache.DecrementRefcount(d)
}

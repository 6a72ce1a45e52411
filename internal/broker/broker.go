// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package broker implements Component D from SPEC_FULL.md §2: a thin TCP
// server that accepts worker connections, records each worker's
// advertised slot count, and assigns execution requests round-robin
// across workers that currently have a free slot. It carries no
// persistent scheduling state and performs no authentication, matching
// the rust source's own broker.rs, which is itself a stub around the
// cache.
package broker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	golog "github.com/leaf-ai/go-service/pkg/log"

	"github.com/nfachan/meticulous/internal/proto"
	"github.com/nfachan/meticulous/internal/request"
)

// pollInterval bounds how often pickWorker re-checks for a worker with a
// free slot when none is immediately available.
const pollInterval = 20 * time.Millisecond

// worker is the broker's bookkeeping for one connected worker: its
// connection, advertised capacity, and how many assignments are
// currently outstanding against it.
type worker struct {
	name     string
	conn     net.Conn
	slots    int
	inFlight int
}

func (w *worker) hasFreeSlot() bool {
	return w.inFlight < w.slots
}

// Broker accepts connections on a listener and round-robins
// request.ExecutionDetails across workers with free slots. Assign blocks
// until a worker has a free slot to accept the assignment.
type Broker struct {
	logger *golog.Logger

	mu      sync.Mutex
	workers []*worker
	nextRR  int
	results map[request.ExecutionId]chan request.Result
}

// New constructs an empty Broker.
func New(logger *golog.Logger) *Broker {
	return &Broker{
		logger:  logger,
		results: map[request.ExecutionId]chan request.Result{},
	}
}

// Serve accepts connections on l until ctx is done, handling each
// worker's Hello handshake and then reading ResultFrames from it until
// the connection closes.
func (b *Broker) Serve(ctx context.Context, l net.Listener) (err kv.Error) {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, errGo := l.Accept()
		if errGo != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return kv.Wrap(errGo, "accept failed").With("stack", stack.Trace().TrimRuntime())
			}
		}
		go b.handleConn(ctx, conn)
	}
}

func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	f, errRead := proto.ReadFrame(conn)
	if errRead != nil {
		b.logger.Warn("worker disconnected before sending Hello", "error", errRead.Error())
		conn.Close()
		return
	}
	hello, errDecode := proto.DecodeHello(f)
	if errDecode != nil {
		b.logger.Warn("malformed Hello frame", "error", errDecode.Error())
		conn.Close()
		return
	}

	w := &worker{name: hello.WorkerName, conn: conn, slots: hello.Slots}
	b.mu.Lock()
	b.workers = append(b.workers, w)
	b.mu.Unlock()

	b.logger.Info("worker connected", "worker", w.name, "slots", w.slots)

	defer b.removeWorker(w)

	for {
		frame, errRead := proto.ReadFrame(conn)
		if errRead != nil {
			return
		}
		resultFrame, errDecode := proto.DecodeResult(frame)
		if errDecode != nil {
			b.logger.Warn("malformed Result frame", "worker", w.name, "error", errDecode.Error())
			continue
		}
		b.completeAssignment(w, resultFrame.Result)
	}
}

func (b *Broker) removeWorker(w *worker) {
	w.conn.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.workers {
		if other == w {
			b.workers = append(b.workers[:i], b.workers[i+1:]...)
			break
		}
	}
	b.logger.Info("worker disconnected", "worker", w.name)
}

func (b *Broker) completeAssignment(w *worker, result request.Result) {
	b.mu.Lock()
	w.inFlight--
	reply := b.results[result.Execution]
	delete(b.results, result.Execution)
	b.mu.Unlock()

	if reply != nil {
		reply <- result
	}
}

// Assign round-robins details to the next worker with a free slot,
// blocking until one is reachable or ctx is done. It returns the result
// once the assigned worker reports completion.
func (b *Broker) Assign(ctx context.Context, id request.ExecutionId, details request.ExecutionDetails) (result request.Result, err kv.Error) {
	w, errPick := b.pickWorker(ctx)
	if errPick != nil {
		return result, errPick
	}

	reply := make(chan request.Result, 1)
	b.mu.Lock()
	b.results[id] = reply
	b.mu.Unlock()

	f, errEncode := proto.EncodeAssignment(proto.Assignment{Execution: id, Details: details})
	if errEncode != nil {
		return result, errEncode
	}
	if errWrite := proto.WriteFrame(w.conn, f); errWrite != nil {
		return result, errWrite
	}

	select {
	case result = <-reply:
		return result, nil
	case <-ctx.Done():
		return result, kv.Wrap(ctx.Err(), "assignment cancelled").With("execution_id", uint64(id))
	}
}

// pickWorker finds the next worker with a free slot in round-robin
// order, polling until ctx is done if none currently have capacity.
func (b *Broker) pickWorker(ctx context.Context) (w *worker, err kv.Error) {
	for {
		b.mu.Lock()
		n := len(b.workers)
		for i := 0; i < n; i++ {
			idx := (b.nextRR + i) % n
			candidate := b.workers[idx]
			if candidate.hasFreeSlot() {
				candidate.inFlight++
				b.nextRR = (idx + 1) % n
				b.mu.Unlock()
				return candidate, nil
			}
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, kv.Wrap(ctx.Err(), "no worker with a free slot became available")
		case <-time.After(pollInterval):
		}
	}
}

package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/fedkeys/internal/adapters/mq/worker"
	"github.com/okian/fedkeys/internal/domain/model"
	logging "github.com/okian/fedkeys/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logging.Init()
}

type mockQueue struct {
	ch        chan model.FederationBatch
	closeOnce sync.Once
}

func newMockQueue() *mockQueue {
	return &mockQueue{ch: make(chan model.FederationBatch, 128)}
}

func (q *mockQueue) Dequeue(context.Context) <-chan model.FederationBatch { return q.ch }

func (q *mockQueue) Close() error {
	q.closeOnce.Do(func() { close(q.ch) })
	return nil
}

func (q *mockQueue) add(id string, n int) {
	q.ch <- model.FederationBatch{ID: id, Keys: make([]model.DiagnosisKey, n), ReceivedAt: time.Now()}
}

type mockIngester struct {
	mu       sync.Mutex
	received map[int]int
	calls    int
	err      error
}

func newMockIngester() *mockIngester {
	return &mockIngester{received: make(map[int]int)}
}

func (m *mockIngester) IngestFederationBatch(_ context.Context, keys []model.DiagnosisKey) (model.IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return model.IngestResult{}, m.err
	}
	m.received[len(keys)]++
	return model.IngestResult{Received: len(keys), Stored: len(keys)}, nil
}

func (m *mockIngester) snapshot() (int, map[int]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int, len(m.received))
	for k, v := range m.received {
		out[k] = v
	}
	return m.calls, out
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a queue", t, func() {
		q := newMockQueue()
		ing := newMockIngester()
		w := worker.NewInMemoryWorker(q, ing, worker.WithName("test-worker"))

		convey.Convey("When batches are queued and the queue closes", func() {
			q.add("a", 3)
			q.add("b", 5)
			_ = q.Close()
			w.Run(context.Background())

			convey.Convey("Then every batch should be ingested before Run returns", func() {
				calls, got := ing.snapshot()
				convey.So(calls, convey.ShouldEqual, 2)
				convey.So(got[3], convey.ShouldEqual, 1)
				convey.So(got[5], convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When ingestion fails", func() {
			ing.err = errors.New("store down")
			q.add("a", 1)
			q.add("b", 1)
			_ = q.Close()
			w.Run(context.Background())

			convey.Convey("Then the worker should keep going", func() {
				calls, got := ing.snapshot()
				convey.So(calls, convey.ShouldEqual, 2)
				convey.So(got, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When the worker is shut down while idle", func() {
			go w.Run(context.Background())
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			err := w.Shutdown(ctx)

			convey.Convey("Then it should stop without error", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(w.Shutdown(ctx), convey.ShouldBeNil)
			})
		})

		convey.Convey("When the run context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			go w.Run(ctx)
			cancel()

			convey.Convey("Then Run should return", func() {
				select {
				case <-w.Done():
				case <-time.After(time.Second):
					convey.So("worker still running", convey.ShouldBeEmpty)
				}
			})
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a worker pool", t, func() {
		q := newMockQueue()
		ing := newMockIngester()

		convey.Convey("When created with a non-positive count", func() {
			pool := worker.NewPool(0, q, ing)

			convey.Convey("Then it should use the default size", func() {
				convey.So(pool.Size(), convey.ShouldEqual, 2)
			})
		})

		convey.Convey("When many batches are queued concurrently", func() {
			pool := worker.NewPool(4, q, ing)
			pool.Start(context.Background())

			var wg sync.WaitGroup
			for p := 0; p < 5; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for j := 0; j < 20; j++ {
						q.add(fmt.Sprintf("b-%d-%d", p, j), 1)
					}
				}(p)
			}
			wg.Wait()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := pool.Shutdown(ctx)

			convey.Convey("Then shutdown should drain the queue", func() {
				convey.So(err, convey.ShouldBeNil)
				calls, got := ing.snapshot()
				convey.So(calls, convey.ShouldEqual, 100)
				convey.So(got[1], convey.ShouldEqual, 100)
			})
		})
	})
}

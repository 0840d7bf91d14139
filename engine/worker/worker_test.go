package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dorchlabs/archiver/pkg/metrics"
)

type fakeMsg struct {
	subject    string
	data       []byte
	deliveries uint64
	acked      bool
	naked      bool
}

func (f *fakeMsg) Subject() string    { return f.subject }
func (f *fakeMsg) Data() []byte       { return f.data }
func (f *fakeMsg) Deliveries() uint64 { return f.deliveries }
func (f *fakeMsg) Ack() error         { f.acked = true; return nil }
func (f *fakeMsg) Nak() error         { f.naked = true; return nil }

// scriptFetcher serves queued batches, then cancels the run context so the
// loop exits cleanly.
type scriptFetcher struct {
	batches [][]Msg
	cancel  context.CancelFunc
	fetches int
}

func (s *scriptFetcher) Fetch(batch int, maxWait time.Duration) ([]Msg, error) {
	s.fetches++
	if len(s.batches) == 0 {
		s.cancel()
		return nil, nats.ErrTimeout
	}
	out := s.batches[0]
	s.batches = s.batches[1:]
	return out, nil
}

func quietOptions(reg *metrics.Registry) Options {
	return Options{
		Name:          "test",
		Batch:         1,
		FetchTimeout:  10 * time.Millisecond,
		MaxDeliveries: 3,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Registry:      reg,
	}
}

func runWith(t *testing.T, msgs []Msg, handle Handler) *metrics.Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetch := &scriptFetcher{batches: [][]Msg{msgs}, cancel: cancel}
	reg := metrics.New()
	r := NewRunner(fetch, handle, quietOptions(reg))
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return reg
}

func TestSuccessAcks(t *testing.T) {
	m := &fakeMsg{subject: "dorch.wad.abc.meta", deliveries: 1}
	reg := runWith(t, []Msg{m}, func(context.Context, Msg) error { return nil })
	if !m.acked || m.naked {
		t.Fatalf("msg = %+v, want acked", m)
	}
	if !strings.Contains(reg.Render(), `test_jobs_total{result="ok"} 1`) {
		t.Error("ok counter not incremented")
	}
}

func TestRetryableFailureNaks(t *testing.T) {
	m := &fakeMsg{subject: "s", deliveries: 1}
	reg := runWith(t, []Msg{m}, func(context.Context, Msg) error {
		return Retryable("RendererCrashed", errors.New("exit 139"))
	})
	if !m.naked || m.acked {
		t.Fatalf("msg = %+v, want naked", m)
	}
	out := reg.Render()
	if !strings.Contains(out, `test_jobs_total{result="failure"} 1`) {
		t.Error("failure counter not incremented")
	}
	if !strings.Contains(out, `test_exceptions_total{exception="RendererCrashed"} 1`) {
		t.Error("exception kind not counted")
	}
}

func TestDeliveryCapAcks(t *testing.T) {
	m := &fakeMsg{subject: "s", deliveries: 3}
	reg := runWith(t, []Msg{m}, func(context.Context, Msg) error {
		return errors.New("still failing")
	})
	if !m.acked || m.naked {
		t.Fatalf("msg = %+v, want acked at delivery cap", m)
	}
	if !strings.Contains(reg.Render(), `test_jobs_total{result="dropped"} 1`) {
		t.Error("dropped counter not incremented")
	}
}

func TestFatalErrorAcks(t *testing.T) {
	m := &fakeMsg{subject: "s", deliveries: 1}
	runWith(t, []Msg{m}, func(context.Context, Msg) error {
		return Fatal("BadPayload", errors.New("not a job"))
	})
	if !m.acked || m.naked {
		t.Fatalf("msg = %+v, want acked without retries", m)
	}
}

func TestPanicIsRetryable(t *testing.T) {
	m := &fakeMsg{subject: "s", deliveries: 1}
	reg := runWith(t, []Msg{m}, func(context.Context, Msg) error {
		panic("boom")
	})
	if !m.naked {
		t.Fatalf("msg = %+v, want naked after panic", m)
	}
	if !strings.Contains(reg.Render(), `test_exceptions_total{exception="Panic"} 1`) {
		t.Error("panic not counted")
	}
}

func TestShutdownMidJobNaks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &fakeMsg{subject: "s", deliveries: 1}
	fetch := &scriptFetcher{batches: [][]Msg{{m}}, cancel: cancel}
	r := NewRunner(fetch, func(hctx context.Context, _ Msg) error {
		cancel()
		<-hctx.Done()
		return hctx.Err()
	}, quietOptions(metrics.New()))

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.naked || m.acked {
		t.Fatalf("msg = %+v, want naked on shutdown", m)
	}
	if fetch.fetches != 1 {
		t.Errorf("fetches = %d, want loop stopped after interrupt", fetch.fetches)
	}
}

func TestEmptyFetchKeepsLooping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := &scriptFetcher{batches: [][]Msg{{}, {}}, cancel: cancel}
	r := NewRunner(fetch, func(context.Context, Msg) error { return nil }, quietOptions(metrics.New()))
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fetch.fetches < 3 {
		t.Errorf("fetches = %d, want loop to survive empty batches", fetch.fetches)
	}
}

func TestReadyFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := &scriptFetcher{cancel: cancel}
	opt := quietOptions(metrics.New())
	opt.ReadyFile = filepath.Join(t.TempDir(), "ready")
	r := NewRunner(fetch, func(context.Context, Msg) error { return nil }, opt)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(opt.ReadyFile); err != nil {
		t.Errorf("ready file: %v", err)
	}
}

func TestErrorHelpers(t *testing.T) {
	if !IsRetryable(errors.New("plain")) {
		t.Error("plain errors default to retryable")
	}
	if IsRetryable(Fatal("X", nil)) {
		t.Error("fatal must not retry")
	}
	if KindOf(errors.New("plain")) != "Exception" {
		t.Error("plain error kind")
	}
	if KindOf(Retryable("Timeout", errors.New("t"))) != "Timeout" {
		t.Error("tagged kind")
	}
	wrapped := Retryable("S3Download", errors.New("inner"))
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("unwrap chain broken")
	}
}

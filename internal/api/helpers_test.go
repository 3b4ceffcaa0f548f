package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/studymate/internal/composer"
	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/reminder"
	"github.com/kalambet/studymate/internal/session"
	"github.com/kalambet/studymate/internal/storage"
)

var (
	ict      = time.FixedZone("ICT", 7*60*60)
	baseTime = time.Date(2024, time.October, 25, 10, 0, 0, 0, ict)
)

func fixedClock() time.Time { return baseTime }

// scriptedProvider replays deltas. If afterFirst is set it runs once the
// first delta has been handed out, and the stream then fails the way a
// canceled body read does.
type scriptedProvider struct {
	mu         sync.Mutex
	deltas     []string
	openErr    error
	tailErr    error
	afterFirst func()
	calls      int
	got        llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.DeltaStream, error) {
	p.mu.Lock()
	p.calls++
	p.got = req
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &scriptedStream{p: p, deltas: append([]string(nil), p.deltas...)}, nil
}

type scriptedStream struct {
	p      *scriptedProvider
	deltas []string
	n      int
}

func (s *scriptedStream) Next() (string, error) {
	if s.n == 1 && s.p.afterFirst != nil {
		s.p.afterFirst()
		return "", context.Canceled
	}
	if s.n >= len(s.deltas) {
		if s.p.tailErr != nil {
			return "", s.p.tailErr
		}
		return "", io.EOF
	}
	d := s.deltas[s.n]
	s.n++
	return d, nil
}

func (s *scriptedStream) Close() error { return nil }

type testEnv struct {
	deps    Deps
	handler http.Handler
	kv      *storage.Store
}

func newTestEnv(t *testing.T, p llm.Provider) *testEnv {
	t.Helper()
	kv, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	n := 0
	reminders, err := reminder.Open(kv,
		reminder.WithClock(fixedClock),
		reminder.WithIDGenerator(func() string { n++; return fmt.Sprintf("r%d", n) }),
	)
	if err != nil {
		t.Fatalf("opening reminders: %v", err)
	}
	sessions, err := session.Open(kv, session.WithClock(fixedClock), session.WithLocation(ict))
	if err != nil {
		t.Fatalf("opening sessions: %v", err)
	}

	deps := Deps{
		Provider:  p,
		Composer:  composer.New(composer.DefaultModels(), 0, 0, ict),
		Reminders: reminders,
		Sessions:  sessions,
		Location:  ict,
		Now:       fixedClock,
	}
	return &testEnv{deps: deps, handler: NewHandler(deps), kv: kv}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, httptest.NewRequest(method, path, r))
	return rr
}

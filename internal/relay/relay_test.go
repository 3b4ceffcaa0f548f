package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/reminder"
	"github.com/kalambet/studymate/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ict = time.FixedZone("ICT", 7*60*60)

// scriptedProvider replays deltas, then finishes with endErr (io.EOF for a
// clean end).
type scriptedProvider struct {
	deltas   []string
	endErr   error
	startErr error
	// onDelta runs before delta i is returned.
	onDelta func(i int)

	mu      sync.Mutex
	closed  bool
	started bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, _ llm.Request) (llm.DeltaStream, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return &scriptedStream{p: p, ctx: ctx}, nil
}

type scriptedStream struct {
	p   *scriptedProvider
	ctx context.Context
	i   int
}

func (s *scriptedStream) Next() (string, error) {
	if s.i >= len(s.p.deltas) {
		if s.p.endErr == nil {
			return "", io.EOF
		}
		return "", s.p.endErr
	}
	if s.p.onDelta != nil {
		s.p.onDelta(s.i)
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	d := s.p.deltas[s.i]
	s.i++
	return d, nil
}

func (s *scriptedStream) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.closed = true
	return nil
}

type recorder struct {
	frames []Frame
	failAt int // emit number (1-based) that fails; 0 never
}

func (r *recorder) Emit(f Frame) error {
	if r.failAt > 0 && len(r.frames)+1 == r.failAt {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) wire() string {
	var b strings.Builder
	for _, f := range r.frames {
		b.Write(f.Encode())
	}
	return b.String()
}

type countingCommitter struct {
	store *reminder.Store
	calls int
}

func (c *countingCommitter) CreateBatch(d []reminder.Draft) ([]reminder.Reminder, []reminder.Rejected, error) {
	c.calls++
	return c.store.CreateBatch(d)
}

func newCommitter(t *testing.T, now time.Time) *countingCommitter {
	t.Helper()
	kv, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	s, err := reminder.Open(kv, reminder.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return &countingCommitter{store: s}
}

func TestRun_FramesInOrderThenDone(t *testing.T) {
	p := &scriptedProvider{deltas: []string{"Xin", " chào", "!"}}
	out := &recorder{}

	res, err := New(p).Run(context.Background(), llm.Request{}, out)
	require.NoError(t, err)

	assert.Equal(t,
		"data: {\"content\":\"Xin\"}\n\ndata: {\"content\":\" chào\"}\n\ndata: {\"content\":\"!\"}\n\ndata: [DONE]\n\n",
		out.wire())
	assert.Equal(t, "Xin chào!", res.Text)
	assert.Equal(t, "Xin chào!", res.CleanText)
	assert.True(t, p.closed)
}

func TestRun_ExtractsCommandsAfterCompletion(t *testing.T) {
	now := time.Date(2024, time.October, 25, 10, 0, 0, 0, ict)
	c := newCommitter(t, now)

	p := &scriptedProvider{deltas: []string{
		"Được rồi!\nREMINDER_REQ", "UEST: Toán at 15:32 25", "/10/2024\nREMINDER_REQUEST: Lý at 09:00 26/10/2024\nChúc học tốt.",
	}}
	out := &recorder{}

	var batchesBeforeDone int
	emitter := EmitterFunc(func(f Frame) error {
		if f.Done {
			batchesBeforeDone = c.calls
		}
		return out.Emit(f)
	})

	res, err := New(p, WithCommands(c, ict)).Run(context.Background(), llm.Request{}, emitter)
	require.NoError(t, err)

	assert.Equal(t, 1, c.calls, "commands are committed as one batch")
	assert.Equal(t, 1, batchesBeforeDone, "batch is committed before the terminal frame")
	require.Len(t, res.Created, 2)
	assert.Equal(t, "Toán", res.Created[0].Subject)
	assert.True(t, res.Created[0].DueAt.Equal(time.Date(2024, time.October, 25, 15, 32, 0, 0, ict)))
	assert.Equal(t, "Được rồi!\nChúc học tốt.", res.CleanText)
	assert.Contains(t, res.Summary, "✅ Đã tạo 2 lịch nhắc:")
	assert.Equal(t, res.CleanText+"\n\n"+res.Summary, res.Message())

	// Raw deltas reach the client unmodified.
	assert.Contains(t, out.wire(), `data: {"content":"UEST: Toán at 15:32 25"}`)
	assert.True(t, out.frames[len(out.frames)-1].Done)
}

func TestRun_SkipsInvalidAndPastCommands(t *testing.T) {
	now := time.Date(2024, time.October, 25, 10, 0, 0, 0, ict)
	c := newCommitter(t, now)

	p := &scriptedProvider{deltas: []string{
		"REMINDER_REQUEST: Toán at 15:32 25/10/2024\n",
		"REMINDER_REQUEST: Sử at 09:00 01/01/2020\n",
		"REMINDER_REQUEST: Hoá at 25:00 26/10/2024\n",
	}}

	res, err := New(p, WithCommands(c, ict)).Run(context.Background(), llm.Request{}, &recorder{})
	require.NoError(t, err)

	require.Len(t, res.Created, 1)
	assert.Equal(t, "Toán", res.Created[0].Subject)
	require.Len(t, res.Rejected, 2)
	assert.ErrorIs(t, res.Rejected[0].Err, reminder.ErrInvalidCommandTime)
	assert.ErrorIs(t, res.Rejected[1].Err, reminder.ErrPastDue)
	assert.Equal(t, "", res.CleanText)
	assert.Len(t, c.store.List(), 1)
}

func TestRun_NoScanWithoutCommands(t *testing.T) {
	p := &scriptedProvider{deltas: []string{"REMINDER_REQUEST: Toán at 15:32 25/10/2099"}}

	res, err := New(p, WithRoute("tuvi")).Run(context.Background(), llm.Request{}, &recorder{})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, res.Text, res.CleanText)
}

func TestRun_ClientCancel(t *testing.T) {
	now := time.Date(2024, time.October, 25, 10, 0, 0, 0, ict)
	c := newCommitter(t, now)

	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{
		deltas: []string{"a", "b", "REMINDER_REQUEST: Toán at 15:32 25/10/2024", "c"},
		onDelta: func(i int) {
			if i == 2 {
				cancel()
			}
		},
	}
	out := &recorder{}

	res, err := New(p, WithCommands(c, ict)).Run(ctx, llm.Request{}, out)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, "ab", res.Text)

	for _, f := range out.frames {
		assert.False(t, f.Done, "no terminal frame after cancel")
	}
	assert.Zero(t, c.calls, "no command scan after cancel")
	assert.True(t, p.closed, "provider stream released")
}

func TestRun_EmitFailureIsCancel(t *testing.T) {
	now := time.Date(2024, time.October, 25, 10, 0, 0, 0, ict)
	c := newCommitter(t, now)

	p := &scriptedProvider{deltas: []string{"a", "REMINDER_REQUEST: Toán at 15:32 25/10/2024", "c"}}
	out := &recorder{failAt: 2}

	_, err := New(p, WithCommands(c, ict)).Run(context.Background(), llm.Request{}, out)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Len(t, out.frames, 1)
	assert.Zero(t, c.calls)
}

func TestRun_CanceledBeforeStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptedProvider{startErr: context.Canceled}

	_, err := New(p).Run(ctx, llm.Request{}, &recorder{})
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestRun_UpstreamError(t *testing.T) {
	p := &scriptedProvider{startErr: llm.ErrMissingCredential}
	out := &recorder{}

	_, err := New(p).Run(context.Background(), llm.Request{}, out)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.ErrorIs(t, err, llm.ErrMissingCredential)
	assert.Empty(t, out.frames)
}

func TestRun_StreamInterrupted(t *testing.T) {
	now := time.Date(2024, time.October, 25, 10, 0, 0, 0, ict)
	c := newCommitter(t, now)

	p := &scriptedProvider{
		deltas: []string{"REMINDER_REQUEST: Toán at 15:32 25/10/2024\n", "nửa"},
		endErr: io.ErrUnexpectedEOF,
	}
	out := &recorder{}

	res, err := New(p, WithCommands(c, ict)).Run(context.Background(), llm.Request{}, out)

	var si *StreamInterruptedError
	require.ErrorAs(t, err, &si)
	assert.Equal(t, "REMINDER_REQUEST: Toán at 15:32 25/10/2024\nnửa", si.Partial)
	assert.Equal(t, si.Partial, res.Text)
	assert.Len(t, out.frames, 2)
	for _, f := range out.frames {
		assert.False(t, f.Done)
	}
	assert.Zero(t, c.calls)
}

type failingCommitter struct{}

func (failingCommitter) CreateBatch([]reminder.Draft) ([]reminder.Reminder, []reminder.Rejected, error) {
	return nil, nil, reminder.ErrPersist
}

func TestRun_CommitFailureStillCompletes(t *testing.T) {
	p := &scriptedProvider{deltas: []string{"ok\nREMINDER_REQUEST: Toán at 15:32 25/10/2099"}}
	out := &recorder{}

	res, err := New(p, WithCommands(failingCommitter{}, ict)).Run(context.Background(), llm.Request{}, out)
	require.NoError(t, err)
	assert.ErrorIs(t, res.CommitErr, reminder.ErrPersist)
	assert.Empty(t, res.Summary)
	assert.Equal(t, "ok", res.CleanText)
	assert.True(t, out.frames[len(out.frames)-1].Done)
}

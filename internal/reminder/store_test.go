package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/studymate/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ict = time.FixedZone("ICT", 7*60*60)

var baseTime = time.Date(2024, time.October, 25, 10, 0, 0, 0, ict)

// memKV is an in-memory KV whose writes can be made to fail.
type memKV struct {
	mu      sync.Mutex
	data    map[string]string
	writes  int
	failSet error
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.writes++
	m.data[key] = value
	return nil
}

func (m *memKV) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []Reminder
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, r Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, r)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("r-%d", n.Add(1)) }
}

func openTestStore(t *testing.T, kv KV, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return baseTime }),
		WithIDGenerator(sequentialIDs()),
	}
	s, err := Open(kv, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func TestCreate(t *testing.T) {
	kv := newMemKV()
	s := openTestStore(t, kv)

	due := baseTime.Add(time.Hour)
	r, err := s.Create("  Toán ", due)
	require.NoError(t, err)

	assert.Equal(t, "r-1", r.ID)
	assert.Equal(t, "Toán", r.Subject)
	assert.True(t, r.DueAt.Equal(due))
	assert.Equal(t, Pending, r.State())
	assert.Equal(t, 1, kv.writeCount())
	assert.Len(t, s.List(), 1)
}

func TestCreate_Validation(t *testing.T) {
	kv := newMemKV()
	s := openTestStore(t, kv)

	_, err := s.Create("Toán", baseTime)
	assert.ErrorIs(t, err, ErrPastDue)

	_, err = s.Create("Toán", baseTime.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrPastDue)

	_, err = s.Create("   ", baseTime.Add(time.Hour))
	assert.ErrorIs(t, err, ErrEmptySubject)

	assert.Empty(t, s.List())
	assert.Zero(t, kv.writeCount(), "rejected creates must not write")
}

func TestCreateBatch_SingleWrite(t *testing.T) {
	kv := newMemKV()
	s := openTestStore(t, kv)

	created, rejected, err := s.CreateBatch([]Draft{
		{Subject: "Toán", DueAt: baseTime.Add(time.Hour)},
		{Subject: "Lý", DueAt: baseTime.Add(-time.Hour)},
		{Subject: "Hoá", DueAt: baseTime.Add(2 * time.Hour)},
	})
	require.NoError(t, err)

	require.Len(t, created, 2)
	assert.Equal(t, "Toán", created[0].Subject)
	assert.Equal(t, "Hoá", created[1].Subject)
	require.Len(t, rejected, 1)
	assert.Equal(t, "Lý", rejected[0].Draft.Subject)
	assert.ErrorIs(t, rejected[0].Err, ErrPastDue)
	assert.Equal(t, 1, kv.writeCount())
}

func TestCreateBatch_AllRejectedWritesNothing(t *testing.T) {
	kv := newMemKV()
	s := openTestStore(t, kv)

	created, rejected, err := s.CreateBatch([]Draft{{Subject: "", DueAt: baseTime.Add(time.Hour)}})
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, rejected, 1)
	assert.Zero(t, kv.writeCount())
}

func TestPersistFailureLeavesMemoryUntouched(t *testing.T) {
	kv := newMemKV()
	s := openTestStore(t, kv)

	first, err := s.Create("Toán", baseTime.Add(time.Hour))
	require.NoError(t, err)
	before := s.List()

	kv.failSet = errors.New("disk full")

	_, err = s.Create("Lý", baseTime.Add(time.Hour))
	assert.ErrorIs(t, err, ErrPersist)

	subject := "Văn"
	_, err = s.Update(first.ID, Patch{Subject: &subject})
	assert.ErrorIs(t, err, ErrPersist)

	assert.ErrorIs(t, s.Delete(first.ID), ErrPersist)

	_, err = s.ScanAndNotify(context.Background(), baseTime.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrPersist)

	assert.Equal(t, before, s.List())
	assert.Equal(t, Pending, s.List()[0].State())
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t, newMemKV())

	r, err := s.Create("Toán", baseTime.Add(time.Hour))
	require.NoError(t, err)

	subject := "Toán nâng cao"
	due := baseTime.Add(3 * time.Hour)
	got, err := s.Update(r.ID, Patch{Subject: &subject, DueAt: &due})
	require.NoError(t, err)
	assert.Equal(t, subject, got.Subject)
	assert.True(t, got.DueAt.Equal(due))

	stored, err := s.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestUpdate_Errors(t *testing.T) {
	s := openTestStore(t, newMemKV())

	_, err := s.Update("missing", Patch{})
	assert.ErrorIs(t, err, ErrNotFound)

	r, err := s.Create("Toán", baseTime.Add(time.Hour))
	require.NoError(t, err)

	past := baseTime.Add(-time.Hour)
	_, err = s.Update(r.ID, Patch{DueAt: &past})
	assert.ErrorIs(t, err, ErrPastDue)

	empty := " "
	_, err = s.Update(r.ID, Patch{Subject: &empty})
	assert.ErrorIs(t, err, ErrEmptySubject)
}

func TestUpdate_SettledStaysSettled(t *testing.T) {
	s := openTestStore(t, newMemKV())

	r, err := s.Create("Toán", baseTime.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.ScanAndNotify(context.Background(), baseTime.Add(time.Hour))
	require.NoError(t, err)

	due := baseTime.Add(5 * time.Hour)
	got, err := s.Update(r.ID, Patch{DueAt: &due})
	require.NoError(t, err)
	assert.Equal(t, Notified, got.State())
}

func TestDelete_Idempotent(t *testing.T) {
	kv := newMemKV()
	s := openTestStore(t, kv)

	r, err := s.Create("Toán", baseTime.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Delete(r.ID))
	require.NoError(t, s.Delete(r.ID))
	require.NoError(t, s.Delete("never-existed"))

	assert.Empty(t, s.List())
	_, err = s.Get(r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, kv.writeCount(), "only the first delete writes")
}

func TestListKeepsInsertionOrder(t *testing.T) {
	s := openTestStore(t, newMemKV())

	for i, subj := range []string{"Toán", "Lý", "Hoá"} {
		_, err := s.Create(subj, baseTime.Add(time.Duration(3-i)*time.Hour))
		require.NoError(t, err)
	}

	var subjects []string
	for _, r := range s.List() {
		subjects = append(subjects, r.Subject)
	}
	assert.Equal(t, []string{"Toán", "Lý", "Hoá"}, subjects)
}

func TestScanAndNotify(t *testing.T) {
	n := &recordingNotifier{}
	s := openTestStore(t, newMemKV(), WithNotifier(n))

	early, err := s.Create("Toán", baseTime.Add(time.Minute))
	require.NoError(t, err)
	exact, err := s.Create("Lý", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	_, err = s.Create("Hoá", baseTime.Add(time.Hour))
	require.NoError(t, err)

	settled, err := s.ScanAndNotify(context.Background(), baseTime.Add(2*time.Minute))
	require.NoError(t, err)

	require.Len(t, settled, 2)
	assert.Equal(t, early.ID, settled[0].ID)
	assert.Equal(t, exact.ID, settled[1].ID)
	for _, r := range settled {
		assert.True(t, r.Notified())
	}
	assert.Equal(t, 2, n.count())
	assert.Len(t, s.Pending(), 1)
}

func TestScanAndNotify_Idempotent(t *testing.T) {
	n := &recordingNotifier{}
	kv := newMemKV()
	s := openTestStore(t, kv, WithNotifier(n))

	_, err := s.Create("Toán", baseTime.Add(time.Minute))
	require.NoError(t, err)

	now := baseTime.Add(time.Hour)
	first, err := s.ScanAndNotify(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, first, 1)
	writes := kv.writeCount()

	second, err := s.ScanAndNotify(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, n.count())
	assert.Equal(t, writes, kv.writeCount(), "an empty scan must not write")
}

func TestScanAndNotify_NotifierErrorDoesNotRevert(t *testing.T) {
	n := &recordingNotifier{err: errors.New("socket closed")}
	s := openTestStore(t, newMemKV(), WithNotifier(n))

	r, err := s.Create("Toán", baseTime.Add(time.Minute))
	require.NoError(t, err)

	settled, err := s.ScanAndNotify(context.Background(), baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, settled, 1)

	got, err := s.Get(r.ID)
	require.NoError(t, err)
	assert.True(t, got.Notified())
}

func TestConcurrentCreateAndScanNeverDoubleNotifies(t *testing.T) {
	n := &recordingNotifier{}
	s := openTestStore(t, newMemKV(), WithNotifier(n))

	const creators = 20
	var wg sync.WaitGroup
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(fmt.Sprintf("môn %d", i), baseTime.Add(time.Minute))
			assert.NoError(t, err)
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ScanAndNotify(context.Background(), baseTime.Add(time.Hour))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := s.ScanAndNotify(context.Background(), baseTime.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, creators, n.count())
	seen := map[string]bool{}
	for _, r := range n.seen {
		assert.False(t, seen[r.ID], "reminder %s notified twice", r.ID)
		seen[r.ID] = true
	}
}

func TestReloadRoundTrip(t *testing.T) {
	kv, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	s := openTestStore(t, kv)
	a, err := s.Create("Toán", baseTime.Add(time.Minute))
	require.NoError(t, err)
	b, err := s.Create("Lý", baseTime.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.ScanAndNotify(context.Background(), baseTime.Add(30*time.Minute))
	require.NoError(t, err)

	reloaded := openTestStore(t, kv)
	got := reloaded.List()
	require.Len(t, got, 2)

	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, "Toán", got[0].Subject)
	assert.True(t, got[0].DueAt.Equal(a.DueAt))
	assert.True(t, got[0].Notified())

	assert.Equal(t, b.ID, got[1].ID)
	assert.True(t, got[1].DueAt.Equal(b.DueAt))
	assert.False(t, got[1].Notified())
}

func TestOpen_PersistedShape(t *testing.T) {
	kv := newMemKV()
	s := openTestStore(t, kv)

	_, err := s.Create("Toán", time.Date(2024, time.October, 25, 15, 32, 0, 0, ict))
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal([]byte(kv.data[StorageKey]), &raw))
	require.Len(t, raw, 1)
	assert.Equal(t, "r-1", raw[0]["id"])
	assert.Equal(t, "Toán", raw[0]["subject"])
	assert.Equal(t, float64(time.Date(2024, time.October, 25, 15, 32, 0, 0, ict).UnixMilli()), raw[0]["time"])
	assert.Equal(t, false, raw[0]["notified"])
}

func TestOpen_Errors(t *testing.T) {
	kv := newMemKV()
	kv.data[StorageKey] = "{not json"
	_, err := Open(kv)
	assert.Error(t, err)

	empty := newMemKV()
	empty.data[StorageKey] = ""
	s, err := Open(empty)
	require.NoError(t, err)
	assert.Empty(t, s.List())
}

func TestMultiNotifier(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("boom")}
	var called bool
	m := MultiNotifier{a, nil, b, NotifierFunc(func(context.Context, Reminder) error {
		called = true
		return nil
	})}

	err := m.Notify(context.Background(), Reminder{ID: "x", Subject: "Toán"})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.True(t, called)
}

func TestNotificationText(t *testing.T) {
	assert.Equal(t, "Đến giờ học Toán!", NotificationText(Reminder{Subject: "Toán"}))
}

func TestScanner_RunOnce(t *testing.T) {
	n := &recordingNotifier{}
	s := openTestStore(t, newMemKV(), WithNotifier(n))
	_, err := s.Create("Toán", baseTime.Add(time.Minute))
	require.NoError(t, err)

	sc := NewScanner(s, 0)
	assert.Equal(t, DefaultScanInterval, sc.interval)
	sc.now = func() time.Time { return baseTime.Add(time.Hour) }

	fired, err := sc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = sc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	n := &recordingNotifier{}
	s := openTestStore(t, newMemKV(), WithNotifier(n))
	_, err := s.Create("Toán", baseTime.Add(time.Minute))
	require.NoError(t, err)

	sc := NewScanner(s, 10*time.Millisecond)
	sc.now = func() time.Time { return baseTime.Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, n.count())
}

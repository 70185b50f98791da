package notifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedbot/internal/content"
	"feedbot/internal/model"
	"feedbot/internal/storage"
	"feedbot/internal/telegram"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// --- fakes ---

type fakeSource struct {
	fetchFunc func(ctx context.Context) ([]model.Item, error)
	calls     atomic.Int32
}

func (f *fakeSource) Fetch(ctx context.Context) ([]model.Item, error) {
	f.calls.Add(1)
	return f.fetchFunc(ctx)
}

type memStore struct {
	mu       sync.Mutex
	id       string
	ok       bool
	saves    []string
	saveFunc func(id string) error
}

func (m *memStore) Load(context.Context) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.ok
}

func (m *memStore) Save(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveFunc != nil {
		if err := m.saveFunc(id); err != nil {
			return err
		}
	}
	m.id, m.ok = id, true
	m.saves = append(m.saves, id)
	return nil
}

type sent struct {
	text     string
	imageURL string
	at       time.Time
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sent
	failFunc func(text string) error
}

func (f *fakeSender) record(text, imageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFunc != nil {
		if err := f.failFunc(text); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sent{text: text, imageURL: imageURL, at: time.Now()})
	return nil
}

func (f *fakeSender) SendText(_ context.Context, text string, opts telegram.TextOptions) error {
	if !opts.DisableLinkPreview || !opts.RichFormatting {
		return errors.New("unexpected text options")
	}
	return f.record(text, "")
}

func (f *fakeSender) SendImage(_ context.Context, imageURL, caption string, opts telegram.ImageOptions) error {
	if !opts.RichFormatting {
		return errors.New("unexpected image options")
	}
	return f.record(caption, imageURL)
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

type countingMetrics struct {
	mu        sync.Mutex
	results   []string
	delivered int
	filtered  int
	fetchFail int
	sendFail  int
}

func (m *countingMetrics) CycleFinished(result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}
func (m *countingMetrics) FetchFailed()    { m.mu.Lock(); m.fetchFail++; m.mu.Unlock() }
func (m *countingMetrics) ItemDelivered()  { m.mu.Lock(); m.delivered++; m.mu.Unlock() }
func (m *countingMetrics) ItemFiltered()   { m.mu.Lock(); m.filtered++; m.mu.Unlock() }
func (m *countingMetrics) DeliveryFailed() { m.mu.Lock(); m.sendFail++; m.mu.Unlock() }

func staticSource(list []model.Item) *fakeSource {
	return &fakeSource{fetchFunc: func(context.Context) ([]model.Item, error) { return list, nil }}
}

func newTestNotifier(src Source, store CursorStore, sender Sender, opts Options) *Notifier {
	return New(src, store, sender, opts, zerolog.Nop())
}

func containsTitle(text, id string) bool {
	return strings.Contains(text, "*item "+id+"*")
}

// --- tests ---

func TestCheckFirstRunDeliversNewestOnly(t *testing.T) {
	store := &memStore{}
	sender := &fakeSender{}
	n := newTestNotifier(staticSource(items("3", "2", "1")), store, sender, Options{})

	report, err := n.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	texts := sender.texts()
	if len(texts) != 1 || !containsTitle(texts[0], "3") {
		t.Fatalf("expected only item 3 to be sent, got %q", texts)
	}
	if store.id != "3" {
		t.Errorf("cursor = %q, want 3", store.id)
	}
	if report.Delivered != 1 || report.Selected != 1 || report.Fetched != 3 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestCheckDeliversInChronologicalOrder(t *testing.T) {
	store := &memStore{id: "1", ok: true}
	sender := &fakeSender{}
	n := newTestNotifier(staticSource(items("4", "3", "2", "1")), store, sender, Options{})

	if _, err := n.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	texts := sender.texts()
	if len(texts) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(texts))
	}
	for i, id := range []string{"2", "3", "4"} {
		if !containsTitle(texts[i], id) {
			t.Errorf("message %d = %q, want item %s", i, texts[i], id)
		}
	}
	if got := strings.Join(store.saves, ","); got != "2,3,4" {
		t.Errorf("cursor saves = %s, want 2,3,4", got)
	}
}

func TestCheckStopsAtFailedDelivery(t *testing.T) {
	store := &memStore{id: "0", ok: true}
	failing := true
	sender := &fakeSender{failFunc: func(text string) error {
		if failing && containsTitle(text, "2") {
			return errors.New("telegram: bad gateway")
		}
		return nil
	}}
	metrics := &countingMetrics{}
	n := newTestNotifier(staticSource(items("3", "2", "1", "0")), store, sender, Options{Metrics: metrics})

	report, err := n.Check(context.Background())
	if err == nil {
		t.Fatal("expected delivery error")
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) || cycleErr.Stage != StageDeliver || cycleErr.ItemID != "2" {
		t.Fatalf("unexpected error %v", err)
	}
	if store.id != "1" {
		t.Fatalf("cursor = %q, want 1", store.id)
	}
	if texts := sender.texts(); len(texts) != 1 || !containsTitle(texts[0], "1") {
		t.Fatalf("expected only item 1 sent, got %q", texts)
	}
	if report.Delivered != 1 {
		t.Errorf("report.Delivered = %d, want 1", report.Delivered)
	}

	failing = false
	if _, err := n.Check(context.Background()); err != nil {
		t.Fatalf("second Check: %v", err)
	}

	texts := sender.texts()
	if len(texts) != 3 || !containsTitle(texts[1], "2") || !containsTitle(texts[2], "3") {
		t.Fatalf("expected items 2 and 3 on retry, got %q", texts)
	}
	if store.id != "3" {
		t.Errorf("cursor = %q, want 3", store.id)
	}
	if metrics.sendFail != 1 || metrics.delivered != 3 {
		t.Errorf("metrics: sendFail=%d delivered=%d", metrics.sendFail, metrics.delivered)
	}
	if got := strings.Join(metrics.results, ","); got != "deliver,ok" {
		t.Errorf("cycle results = %s", got)
	}
}

func TestCheckFetchFailureLeavesCursor(t *testing.T) {
	store := &memStore{id: "1", ok: true}
	sender := &fakeSender{}
	metrics := &countingMetrics{}
	src := &fakeSource{fetchFunc: func(context.Context) ([]model.Item, error) {
		return nil, errors.New("connection refused")
	}}
	n := newTestNotifier(src, store, sender, Options{Metrics: metrics})

	_, err := n.Check(context.Background())
	if StageOf(err) != StageFetch {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if len(store.saves) != 0 || len(sender.texts()) != 0 {
		t.Errorf("nothing should be sent or saved")
	}
	if metrics.fetchFail != 1 {
		t.Errorf("fetchFail = %d", metrics.fetchFail)
	}
}

func TestCheckStoreFailureStopsCycle(t *testing.T) {
	store := &memStore{id: "0", ok: true, saveFunc: func(id string) error {
		if id == "1" {
			return errors.New("disk full")
		}
		return nil
	}}
	sender := &fakeSender{}
	n := newTestNotifier(staticSource(items("2", "1", "0")), store, sender, Options{})

	_, err := n.Check(context.Background())
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) || cycleErr.Stage != StageStore || cycleErr.ItemID != "1" {
		t.Fatalf("unexpected error %v", err)
	}
	if texts := sender.texts(); len(texts) != 1 {
		t.Errorf("expected item 2 not to be sent, got %q", texts)
	}
	if store.id != "0" {
		t.Errorf("cursor = %q, want 0", store.id)
	}
}

func TestCheckRenderFailureDoesNotAdvance(t *testing.T) {
	list := items("2", "1")
	list[0].Title = strings.Repeat("t", 5000)
	store := &memStore{id: "1", ok: true}
	sender := &fakeSender{}
	n := newTestNotifier(staticSource(list), store, sender, Options{})

	_, err := n.Check(context.Background())
	if StageOf(err) != StageRender || !errors.Is(err, content.ErrPayloadTooLong) {
		t.Fatalf("expected render error, got %v", err)
	}
	if store.id != "1" || len(sender.texts()) != 0 {
		t.Errorf("cursor moved or message sent")
	}
}

func TestCheckImagePath(t *testing.T) {
	list := items("2", "1")
	list[0].ImageURL = "https://example.com/2.jpg"
	list[0].Body = strings.Repeat("word ", 1000)
	store := &memStore{id: "1", ok: true}
	sender := &fakeSender{}
	n := newTestNotifier(staticSource(list), store, sender, Options{CaptionLimit: 1024, MessageLimit: 4096})

	if _, err := n.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.sent))
	}
	got := sender.sent[0]
	if got.imageURL != "https://example.com/2.jpg" {
		t.Errorf("imageURL = %q", got.imageURL)
	}
	if n := content.TextLen(got.text); n > 1024 {
		t.Errorf("caption length %d exceeds 1024", n)
	}
	if !strings.HasSuffix(got.text, `\(https://example\.com/2\)`) {
		t.Errorf("caption lost attribution: %q", got.text)
	}
}

func TestCheckLongCaptionFallsBackToText(t *testing.T) {
	list := items("2", "1")
	list[0].ImageURL = "https://example.com/2.jpg"
	list[0].Title = strings.Repeat("t", 1500)
	store := &memStore{id: "1", ok: true}
	sender := &fakeSender{}
	n := newTestNotifier(staticSource(list), store, sender, Options{})

	if _, err := n.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].imageURL != "" {
		t.Fatalf("expected a text message, got %+v", sender.sent)
	}
	if store.id != "2" {
		t.Errorf("cursor = %q, want 2", store.id)
	}
}

func TestCheckFilteredItemsAdvanceCursor(t *testing.T) {
	list := items("3", "2", "1")
	list[1].Title = "Sponsored post"
	store := &memStore{id: "1", ok: true}
	sender := &fakeSender{}
	metrics := &countingMetrics{}
	n := newTestNotifier(staticSource(list), store, sender, Options{Keywords: []string{"sponsored"}, Metrics: metrics})

	report, err := n.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	texts := sender.texts()
	if len(texts) != 1 || !containsTitle(texts[0], "3") {
		t.Fatalf("expected only item 3, got %q", texts)
	}
	if got := strings.Join(store.saves, ","); got != "2,3" {
		t.Errorf("saves = %s, want 2,3", got)
	}
	if report.Filtered != 1 || metrics.filtered != 1 {
		t.Errorf("filtered: report=%d metrics=%d", report.Filtered, metrics.filtered)
	}
}

func TestCheckRecoversPanic(t *testing.T) {
	panicking := true
	src := &fakeSource{fetchFunc: func(context.Context) ([]model.Item, error) {
		if panicking {
			panic("parser exploded")
		}
		return items("1"), nil
	}}
	store := &memStore{}
	n := newTestNotifier(src, store, &fakeSender{}, Options{})

	_, err := n.Check(context.Background())
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}

	panicking = false
	done := make(chan error, 1)
	go func() {
		_, err := n.Check(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Check after panic: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Check blocked after a recovered panic")
	}
	if store.id != "1" {
		t.Errorf("cursor = %q, want 1", store.id)
	}
}

func TestCheckSerializesConcurrentCallers(t *testing.T) {
	var active, maxActive atomic.Int32
	src := &fakeSource{fetchFunc: func(context.Context) ([]model.Item, error) {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			old := maxActive.Load()
			if cur <= old || maxActive.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return items("2", "1"), nil
	}}
	store := &memStore{id: "1", ok: true}
	sender := &fakeSender{}
	n := newTestNotifier(src, store, sender, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := n.Check(context.Background()); err != nil {
				t.Errorf("Check: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("cycles overlapped: %d at once", maxActive.Load())
	}
	if texts := sender.texts(); len(texts) != 1 {
		t.Errorf("item 2 sent %d times", len(texts))
	}
}

func TestCheckWaitsForSlotWithContext(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{fetchFunc: func(context.Context) ([]model.Item, error) {
		<-release
		return nil, nil
	}}
	n := newTestNotifier(src, &memStore{}, &fakeSender{}, Options{})

	go func() { _, _ = n.Check(context.Background()) }()
	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := n.Check(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	close(release)
}

func TestCheckPacesDeliveries(t *testing.T) {
	const pacing = 50 * time.Millisecond
	store := &memStore{id: "0", ok: true}
	sender := &fakeSender{}
	n := newTestNotifier(staticSource(items("3", "2", "1", "0")), store, sender, Options{Pacing: pacing})

	if _, err := n.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(sender.sent))
	}
	for i := 1; i < len(sender.sent); i++ {
		gap := sender.sent[i].at.Sub(sender.sent[i-1].at)
		if gap < pacing-5*time.Millisecond {
			t.Errorf("gap %d = %v, want at least %v", i, gap, pacing)
		}
	}
}

func TestRunChecksImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{fetchFunc: func(context.Context) ([]model.Item, error) {
		cancel()
		return nil, errors.New("offline")
	}}
	n := newTestNotifier(src, &memStore{}, &fakeSender{}, Options{Schedule: cron.Every(time.Hour)})

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if src.calls.Load() != 1 {
		t.Errorf("expected one fetch, got %d", src.calls.Load())
	}
}

func TestRunSurvivesFailingCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{}
	src.fetchFunc = func(context.Context) ([]model.Item, error) {
		if src.calls.Load() >= 3 {
			cancel()
		}
		panic("boom")
	}
	n := newTestNotifier(src, &memStore{}, &fakeSender{}, Options{Schedule: cron.Every(time.Second)})

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
	if src.calls.Load() < 3 {
		t.Errorf("expected at least 3 cycles, got %d", src.calls.Load())
	}
}

func TestCheckCorruptCursorFileStartsFromNewest(t *testing.T) {
	for name, content := range map[string]string{
		"corrupt": "{garbage",
		"missing": "",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "last_guid.json")
			if content != "" {
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			sender := &fakeSender{}
			store := storage.NewFileStore(path, zerolog.Nop())
			n := newTestNotifier(staticSource(items("n3", "n2", "n1")), store, sender, Options{})

			if _, err := n.Check(context.Background()); err != nil {
				t.Fatalf("Check: %v", err)
			}

			texts := sender.texts()
			if len(texts) != 1 || !containsTitle(texts[0], "n3") {
				t.Fatalf("expected only the newest item, got %q", texts)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read cursor file: %v", err)
			}
			if string(data) != `{"last_guid":"n3"}` {
				t.Errorf("cursor file = %s", data)
			}
		})
	}
}

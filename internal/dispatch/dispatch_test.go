package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/avatarbridge/internal/heygen"
	"github.com/ent0n29/avatarbridge/internal/session"
)

type speakCall struct {
	token     string
	sessionID string
	text      string
}

type fakeSpeaker struct {
	mu       sync.Mutex
	calls    []speakCall
	results  []heygen.SpeakResult
	failAt   int
	delay    time.Duration
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeSpeaker) Speak(ctx context.Context, token, sessionID, text string) (heygen.SpeakResult, error) {
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inflight.Add(-1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, speakCall{token: token, sessionID: sessionID, text: text})
	if f.failAt > 0 && i+1 == f.failAt {
		return heygen.SpeakResult{}, errors.New("upstream rejected task")
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return heygen.SpeakResult{}, nil
}

func (f *fakeSpeaker) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.text)
	}
	return out
}

var active = session.AvatarSession{SessionID: "hg-1", Token: "tok-1"}

func newTestDispatcher(s Speaker) *Dispatcher {
	return New(s, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func reported(ms int64) heygen.SpeakResult {
	return heygen.SpeakResult{DurationMS: ms, HasDuration: true}
}

func TestDispatchSumsDurationsAndSubtractsCorrection(t *testing.T) {
	sp := &fakeSpeaker{results: []heygen.SpeakResult{reported(2000), reported(1800)}}
	res, err := newTestDispatcher(sp).Dispatch(context.Background(), active, []string{"Hello.", "World."}, nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.RawDurationMS != 3800 || res.TotalDurationMS != 2300 {
		t.Fatalf("Dispatch() = %+v, want raw 3800 total 2300", res)
	}
	if got := sp.texts(); !reflect.DeepEqual(got, []string{"Hello.", "World."}) {
		t.Fatalf("spoken = %q", got)
	}
	for _, c := range sp.calls {
		if c.token != "tok-1" || c.sessionID != "hg-1" {
			t.Fatalf("speak call used %+v, want avatar credentials", c)
		}
	}
}

func TestDispatchMissingDurationUsesFallback(t *testing.T) {
	sp := &fakeSpeaker{results: []heygen.SpeakResult{{}, reported(1000)}}
	res, err := newTestDispatcher(sp).Dispatch(context.Background(), active, []string{"One.", "Two."}, nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.RawDurationMS != 4000 || res.TotalDurationMS != 2500 {
		t.Fatalf("Dispatch() = %+v, want raw 4000 total 2500", res)
	}
}

func TestDispatchNoopCases(t *testing.T) {
	cases := []struct {
		name      string
		avatar    session.AvatarSession
		sentences []string
	}{
		{name: "empty list", avatar: active, sentences: nil},
		{name: "inactive avatar", avatar: session.AvatarSession{}, sentences: []string{"Hello."}},
		{name: "empty list inactive", avatar: session.AvatarSession{}, sentences: []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sp := &fakeSpeaker{}
			res, err := newTestDispatcher(sp).Dispatch(context.Background(), tc.avatar, tc.sentences, nil)
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if res != (Result{}) {
				t.Fatalf("Dispatch() = %+v, want zero result", res)
			}
			if len(sp.calls) != 0 {
				t.Fatalf("speak calls = %d, want 0", len(sp.calls))
			}
		})
	}
}

func TestDispatchTrimsAndSkipsBlankSentences(t *testing.T) {
	sp := &fakeSpeaker{results: []heygen.SpeakResult{reported(500)}}
	res, err := newTestDispatcher(sp).Dispatch(context.Background(), active, []string{"   ", "  Padded.  ", "\n"}, nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := sp.texts(); !reflect.DeepEqual(got, []string{"Padded."}) {
		t.Fatalf("spoken = %q, want [Padded.]", got)
	}
	if res.TotalDurationMS != 0 || res.RawDurationMS != 500 {
		t.Fatalf("Dispatch() = %+v, want total clamped to 0", res)
	}
}

func TestDispatchOnlyBlankSentencesSkipsCorrection(t *testing.T) {
	sp := &fakeSpeaker{}
	res, err := newTestDispatcher(sp).Dispatch(context.Background(), active, []string{" ", ""}, nil)
	if err != nil || res.TotalDurationMS != 0 || res.Spoken != 0 {
		t.Fatalf("Dispatch() = %+v, %v", res, err)
	}
}

func TestDispatchAbortsOnFailure(t *testing.T) {
	sp := &fakeSpeaker{results: []heygen.SpeakResult{reported(1200)}, failAt: 2}
	_, err := newTestDispatcher(sp).Dispatch(context.Background(), active, []string{"A.", "B.", "C."}, nil)

	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("Dispatch() error = %v, want *Error", err)
	}
	if derr.Index != 1 || derr.Spoken != 1 || derr.PartialDurationMS != 1200 || derr.Sentence != "B." {
		t.Fatalf("dispatch error = %+v", derr)
	}
	if got := sp.texts(); !reflect.DeepEqual(got, []string{"A.", "B."}) {
		t.Fatalf("spoken = %q, third sentence must not be sent", got)
	}
}

func TestDispatchIsStrictlySequential(t *testing.T) {
	sp := &fakeSpeaker{delay: 5 * time.Millisecond}
	sentences := []string{"1.", "2.", "3.", "4.", "5.", "6."}

	var progress []int
	_, err := newTestDispatcher(sp).Dispatch(context.Background(), active, sentences, func(s Spoken) {
		progress = append(progress, s.Index)
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if sp.overlap.Load() {
		t.Fatalf("speak calls overlapped")
	}
	if !reflect.DeepEqual(sp.texts(), sentences) {
		t.Fatalf("spoken = %q, want %q", sp.texts(), sentences)
	}
	if !reflect.DeepEqual(progress, []int{0, 1, 2, 3, 4, 5}) {
		t.Fatalf("progress = %v", progress)
	}
}

func TestDispatchProgressCarriesRunningTotal(t *testing.T) {
	sp := &fakeSpeaker{results: []heygen.SpeakResult{reported(2000), {}}}
	var got []Spoken
	_, _ = newTestDispatcher(sp).Dispatch(context.Background(), active, []string{"Hello.", "World."}, func(s Spoken) {
		got = append(got, s)
	})
	want := []Spoken{
		{Index: 0, Text: "Hello.", DurationMS: 2000, Reported: true, RawTotalMS: 2000},
		{Index: 1, Text: "World.", DurationMS: 3000, Reported: false, RawTotalMS: 5000},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("progress = %+v, want %+v", got, want)
	}
}

func TestDispatchStopsWhenContextCancelled(t *testing.T) {
	sp := &fakeSpeaker{}
	ctx, cancel := context.WithCancel(context.Background())
	_, err := newTestDispatcher(sp).Dispatch(ctx, active, []string{"A.", "B.", "C."}, func(s Spoken) {
		if s.Index == 0 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch() error = %v, want context.Canceled", err)
	}
	if len(sp.calls) != 1 {
		t.Fatalf("speak calls = %d, want 1", len(sp.calls))
	}
}

func TestDispatchCustomCorrection(t *testing.T) {
	sp := &fakeSpeaker{results: []heygen.SpeakResult{reported(1000)}}
	d := New(sp, Config{FallbackDuration: time.Second, LeadCorrection: 200 * time.Millisecond}, nil, nil)
	res, err := d.Dispatch(context.Background(), active, []string{"Hi."}, nil)
	if err != nil || res.TotalDurationMS != 800 {
		t.Fatalf("Dispatch() = %+v, %v; want total 800", res, err)
	}
}

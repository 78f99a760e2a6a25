package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicecast/pkg/provider/tts"
	"github.com/MrWong99/voicecast/pkg/provider/tts/mock"
)

func TestExecute_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	got, err := Execute(context.Background(), fg, func(v string) (string, error) { return v, nil })
	if err != nil || got != "primary" {
		t.Errorf("Execute = %q, %v; want primary", got, err)
	}
}

func TestExecute_FallsBackInOrder(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")
	fg.AddFallback("c", "c")

	var tried []string
	got, err := Execute(context.Background(), fg, func(v string) (string, error) {
		tried = append(tried, v)
		if v != "c" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil || got != "c" {
		t.Fatalf("Execute = %q, %v; want c", got, err)
	}
	if len(tried) != 3 || tried[0] != "a" || tried[1] != "b" {
		t.Errorf("tried = %v, want [a b c]", tried)
	}
}

func TestExecute_AllFailWrapsLastError(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")

	_, err := Execute(context.Background(), fg, func(string) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want it to wrap the last provider error", err)
	}
}

func TestExecute_SkipsOpenCircuit(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("b", "b")

	calls := map[string]int{}
	fn := func(v string) (string, error) {
		calls[v]++
		if v == "a" {
			return "", errTest
		}
		return v, nil
	}
	_, _ = Execute(context.Background(), fg, fn)
	_, _ = Execute(context.Background(), fg, fn)

	if calls["a"] != 1 {
		t.Errorf("primary calls = %d, want 1 (circuit open after first failure)", calls["a"])
	}
	if calls["b"] != 2 {
		t.Errorf("fallback calls = %d, want 2", calls["b"])
	}
	if fg.States()["a"] != StateOpen {
		t.Errorf("primary state = %v, want open", fg.States()["a"])
	}
}

func TestExecute_KeepsRealErrorOverOpenCircuit(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("b", "b")
	fail(fg.entries[1].breaker, 1)

	_, err := Execute(context.Background(), fg, func(string) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Errorf("err = %v, want ErrAllFailed wrapping the primary's error", err)
	}
	if errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, must not report the fallback's open circuit", err)
	}
}

func TestExecute_StopsWhenContextDone(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")

	ctx, cancel := context.WithCancel(context.Background())
	var tried []string
	_, err := Execute(ctx, fg, func(v string) (string, error) {
		tried = append(tried, v)
		cancel()
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want only the primary", tried)
	}
}

func TestTTSFallback_Synthesize(t *testing.T) {
	primary := &mock.Provider{SynthesizeErr: errTest}
	secondary := &mock.Provider{SynthesizeAudio: []byte("mp3")}
	f := NewTTSFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("openai-compatible", secondary)

	audio, err := f.Synthesize(context.Background(), "hello", "onyx")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "mp3" {
		t.Errorf("audio = %q, want mp3", audio)
	}
	if len(primary.SynthesizeCalls) != 1 || len(secondary.SynthesizeCalls) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.SynthesizeCalls), len(secondary.SynthesizeCalls))
	}
	if c := secondary.SynthesizeCalls[0]; c.Text != "hello" || c.Voice != "onyx" {
		t.Errorf("fallback call = %+v", c)
	}
}

func TestTTSFallback_ListVoicesAndCheck(t *testing.T) {
	primary := &mock.Provider{
		SynthesizeErr:    errTest,
		ListVoicesResult: []tts.VoiceProfile{{ID: "onyx"}},
	}
	f := NewTTSFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	voices, err := f.ListVoices(context.Background())
	if err != nil || len(voices) != 1 {
		t.Fatalf("ListVoices = %v, %v", voices, err)
	}
	if err := f.Check(context.Background()); err != nil {
		t.Errorf("Check before failures: %v", err)
	}
	_, _ = f.Synthesize(context.Background(), "x", "onyx")
	if err := f.Check(context.Background()); !errors.Is(err, ErrNoHealthyProvider) {
		t.Errorf("Check after open circuit = %v, want ErrNoHealthyProvider", err)
	}
}

func TestTTSFallback_OpenCircuitStillCallsPrimary(t *testing.T) {
	var healthy atomic.Bool
	primary := &mock.Provider{
		SynthesizeFunc: func(text, _ string) ([]byte, error) {
			if !healthy.Load() {
				return nil, errTest
			}
			return []byte(text), nil
		},
	}
	f := NewTTSFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	if _, err := f.Synthesize(context.Background(), "x", "onyx"); !errors.Is(err, errTest) {
		t.Fatalf("first Synthesize = %v, want errTest", err)
	}
	if f.States()["openai"] != StateOpen {
		t.Fatalf("state = %v, want open", f.States()["openai"])
	}

	// Still failing: the error comes from the upstream, not the breaker.
	_, err := f.Synthesize(context.Background(), "x", "onyx")
	if !errors.Is(err, errTest) || errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Synthesize with open circuit = %v, want upstream error", err)
	}

	healthy.Store(true)
	audio, err := f.Synthesize(context.Background(), "hello", "onyx")
	if err != nil || string(audio) != "hello" {
		t.Errorf("Synthesize after recovery = %q, %v", audio, err)
	}
	if n := primary.CallCount(); n != 3 {
		t.Errorf("primary calls = %d, want 3", n)
	}
}

func TestTTSFallback_HalfOpenAdmitsEveryConcurrentCall(t *testing.T) {
	const calls = 6
	clock := newFakeClock()
	var healthy atomic.Bool
	started := make(chan struct{}, calls)
	release := make(chan struct{})
	primary := &mock.Provider{
		SynthesizeFunc: func(text, _ string) ([]byte, error) {
			if !healthy.Load() {
				return nil, errTest
			}
			started <- struct{}{}
			<-release
			return []byte(text), nil
		},
	}
	f := NewTTSFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Second,
			HalfOpenMax:  3,
			Now:          clock.Now,
		},
	})
	_, _ = f.Synthesize(context.Background(), "x", "onyx")
	healthy.Store(true)
	clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.Synthesize(context.Background(), "chunk", "onyx")
		}()
	}
	for range calls {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("not every concurrent call reached the primary")
		}
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
}

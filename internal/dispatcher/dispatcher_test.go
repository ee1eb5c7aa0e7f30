package dispatcher

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	called := false
	d.Register(":STATE:", func(e Event) (any, error) {
		called = true
		return "result", nil
	})

	result, err := d.Dispatch(Event{Command: ":STATE:", Args: []string{"arg1"}})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
	if result != "result" {
		t.Errorf("expected 'result', got %v", result)
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Dispatch(Event{Command: ":UNKNOWN:"})

	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register(":WHEEL:", func(e Event) (any, error) {
		processed.Add(1)
		wg.Done()
		return nil, nil
	}, Buffered(100))

	// Dispatch 3 events
	for i := 0; i < 3; i++ {
		result, err := d.Dispatch(Event{Command: ":WHEEL:"})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if result != "queued" {
			t.Errorf("expected 'queued', got %v", result)
		}
	}

	// Wait for processing
	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	// Block the handler so queue fills up
	block := make(chan struct{})
	d.Register(":FULL:", func(e Event) (any, error) {
		<-block
		return nil, nil
	}, Buffered(2))

	// Fill the queue (2 items) + 1 being processed
	d.Dispatch(Event{Command: ":FULL:"}) // being processed
	d.Dispatch(Event{Command: ":FULL:"}) // queued
	d.Dispatch(Event{Command: ":FULL:"}) // queued

	// This should be dropped
	_, err := d.Dispatch(Event{Command: ":FULL:"})

	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestDispatcher_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	d.Register(":BLOCKING:", func(e Event) (any, error) {
		<-block
		return nil, nil
	}, Buffered(1), Blocking())

	// First event starts processing
	d.Dispatch(Event{Command: ":BLOCKING:"})
	// Second event fills the queue
	d.Dispatch(Event{Command: ":BLOCKING:"})

	// Third event should block (test with timeout)
	done := make(chan struct{})
	go func() {
		d.Dispatch(Event{Command: ":BLOCKING:"})
		close(done)
	}()

	select {
	case <-done:
		t.Error("dispatch should have blocked")
	case <-time.After(50 * time.Millisecond):
		// Expected - dispatch is blocking
	}

	close(block)
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(":TAP:", func(e Event) (any, error) {
		return "ok", nil
	}, Logged())

	d.Dispatch(Event{Command: ":TAP:", Args: []string{"a", "b"}})

	// Give time for logging
	time.Sleep(10 * time.Millisecond)

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if len(logger.messages) < 2 {
		t.Errorf("expected at least 2 log messages, got %d", len(logger.messages))
	}
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(":SAVE:", func(e Event) (any, error) {
		return nil, fmt.Errorf("test error")
	}, Logged())

	d.Dispatch(Event{Command: ":SAVE:"})

	logger.mu.Lock()
	defer logger.mu.Unlock()

	hasError := false
	for _, msg := range logger.messages {
		if len(msg) >= 5 && msg[:5] == "ERROR" {
			hasError = true
			break
		}
	}

	if !hasError {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(":LORE:", func(e Event) (any, error) { return nil, nil })

	if !d.HasHandler(":LORE:") {
		t.Error("expected handler to exist")
	}

	if d.HasHandler(":DELETE:") {
		t.Error("expected handler to not exist")
	}
}

func TestDispatcher_CombinedOptions(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)

	d.Register(":DRAG:MOVE:", func(e Event) (any, error) {
		processed.Add(1)
		wg.Done()
		return "done", nil
	}, Buffered(100), Logged())

	result, err := d.Dispatch(Event{Command: ":DRAG:MOVE:"})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "queued" {
		t.Errorf("expected 'queued', got %v", result)
	}

	wg.Wait()

	if processed.Load() != 1 {
		t.Errorf("expected 1 processed, got %d", processed.Load())
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if len(logger.messages) < 2 {
		t.Errorf("expected log messages, got %d", len(logger.messages))
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		line    string
		command string
		args    []string
	}{
		{":TAP: 500 250", ":TAP:", []string{"500", "250"}},
		{"  tap:   1 2 ", ":TAP:", []string{"1", "2"}},
		{"drag:start 3 4", ":DRAG:START:", []string{"3", "4"}},
		{":STATE:", ":STATE:", []string{}},
	}

	for _, tt := range tests {
		e, err := Parse(tt.line)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tt.line, err)
			continue
		}
		if e.Command != tt.command {
			t.Errorf("Parse(%q): command = %q, want %q", tt.line, e.Command, tt.command)
		}
		if !reflect.DeepEqual(e.Args, tt.args) {
			t.Errorf("Parse(%q): args = %v, want %v", tt.line, e.Args, tt.args)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("Parse(%q): timestamp not set", tt.line)
		}
	}

	for _, bad := range []string{"", "   ", ":::"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q): expected error", bad)
		}
	}
}

func TestEvent_ArgAndRest(t *testing.T) {
	e := Event{Command: ":SAVE:", Args: []string{"city", "Old", "Tower"}}

	if e.Arg(0) != "city" || e.Arg(5) != "" || e.Arg(-1) != "" {
		t.Errorf("unexpected Arg results: %q %q %q", e.Arg(0), e.Arg(5), e.Arg(-1))
	}
	if got := e.Rest(1); got != "Old Tower" {
		t.Errorf("Rest(1) = %q", got)
	}
	if got := e.Rest(3); got != "" {
		t.Errorf("Rest(3) = %q", got)
	}
}

func TestDispatcher_DispatchLine(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(":ZOOM:IN:", func(e Event) (any, error) {
		return len(e.Args), nil
	})

	result, err := d.DispatchLine("zoom:in x y")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 2 {
		t.Errorf("expected 2, got %v", result)
	}

	if _, err := d.DispatchLine(""); err == nil {
		t.Error("expected error for empty line")
	}
}

func TestDispatcher_CommandsAndUsage(t *testing.T) {
	d, _ := newTestDispatcher(t)

	noop := func(e Event) (any, error) { return nil, nil }
	d.Register(":TAP:", noop, Help("<x> <y>"))
	d.Register(":LOGIN:", noop, Help("<secret>"))
	d.Register(":STATE:", noop)

	want := []string{":LOGIN:", ":STATE:", ":TAP:"}
	if got := d.Commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("Commands() = %v, want %v", got, want)
	}

	wantUsage := ":LOGIN: <secret>\n:STATE:\n:TAP: <x> <y>\n"
	if got := d.Usage(); got != wantUsage {
		t.Errorf("Usage() = %q, want %q", got, wantUsage)
	}
}

func TestDispatcher_FailedHandlerStillReturnsResult(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(":DELETE:", func(e Event) (any, error) {
		return "partial", errors.New("boom")
	})

	result, err := d.Dispatch(Event{Command: ":DELETE:"})
	if err == nil || result != "partial" {
		t.Errorf("expected partial result and error, got %v, %v", result, err)
	}
}

func TestDispatcher_CloseDrainsBuffers(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	d.Register(":UPLOAD:MAP:", func(e Event) (any, error) {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil, nil
	}, Buffered(10))

	for i := 0; i < 5; i++ {
		if _, err := d.Dispatch(Event{Command: ":UPLOAD:MAP:"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	d.Close()
	d.Close()

	if processed.Load() != 5 {
		t.Errorf("expected 5 processed before Close returned, got %d", processed.Load())
	}

	if _, err := d.Dispatch(Event{Command: ":UPLOAD:MAP:"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDispatcher_Queued(t *testing.T) {
	d, _ := newTestDispatcher(t)

	release := make(chan struct{})
	d.Register(":LORE:", func(e Event) (any, error) {
		<-release
		return nil, nil
	}, Buffered(10))

	if d.Queued() != 0 {
		t.Fatalf("expected empty queue, got %d", d.Queued())
	}
	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(Event{Command: ":LORE:"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// One event is held by the blocked handler.
	deadline := time.Now().Add(time.Second)
	for d.Queued() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := d.Queued(); got != 2 {
		t.Errorf("expected 2 queued, got %d", got)
	}

	close(release)
	d.Close()
	if got := d.Queued(); got != 0 {
		t.Errorf("expected drained queue, got %d", got)
	}
}

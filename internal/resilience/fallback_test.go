package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/realtime"
	"github.com/MrWong99/parley/pkg/provider/realtime/mock"
)

func TestExecuteWithResult(t *testing.T) {
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{name: "primary succeeds", want: "primary"},
		{name: "falls back", failing: map[string]bool{"primary": true}, want: "secondary"},
		{name: "all fail", failing: map[string]bool{"primary": true, "secondary": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg := NewFallbackGroup("p", "primary", FallbackConfig{})
			fg.AddFallback("secondary", "s")

			got, err := ExecuteWithResult(fg, func(name string, _ string) (string, error) {
				if tt.failing[name] {
					return "", errDial
				}
				return name, nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errDial) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the dial error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("p", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "s")

	calls := map[string]int{}
	try := func() {
		_, _ = ExecuteWithResult(fg, func(name string, _ string) (struct{}, error) {
			calls[name]++
			if name == "primary" {
				return struct{}{}, errDial
			}
			return struct{}{}, nil
		})
	}
	try()
	try()

	if calls["primary"] != 1 || calls["secondary"] != 2 {
		t.Errorf("calls = %v, want primary once and secondary twice", calls)
	}
	if s := fg.Breakers()[0].State(); s != StateOpen {
		t.Errorf("primary breaker = %v, want open", s)
	}
}

func TestRealtimeFallback_Connect(t *testing.T) {
	primary := &mock.Provider{ProviderName: "openai", ConnectErr: errDial}
	backupTransport := mock.NewTransport()
	backup := &mock.Provider{ProviderName: "openai", Transport: backupTransport}

	f := NewRealtimeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	f.AddFallback("backup", backup)

	cfg := realtime.SessionConfig{Voice: "alloy", SampleRate: 24000}
	tr, err := f.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr != backupTransport {
		t.Error("Connect did not return the backup transport")
	}
	if got := backup.Calls(); len(got) != 1 || got[0].Cfg != cfg {
		t.Errorf("backup calls = %+v", got)
	}
	if f.Name() != "openai" {
		t.Errorf("Name() = %q", f.Name())
	}
	if err := f.Ready(); err != nil {
		t.Errorf("Ready() = %v with a healthy backup", err)
	}
}

func TestRealtimeFallback_Ready(t *testing.T) {
	p := &mock.Provider{ConnectErr: errDial}
	f := NewRealtimeFallback(p, "only", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	if err := f.Ready(); err != nil {
		t.Fatalf("Ready() = %v before any failure", err)
	}

	if _, err := f.Connect(context.Background(), realtime.SessionConfig{}); !errors.Is(err, errDial) {
		t.Fatalf("Connect() = %v, want dial error", err)
	}
	if err := f.Ready(); err == nil {
		t.Error("Ready() = nil with every breaker open")
	}

	_, err := f.Connect(context.Background(), realtime.SessionConfig{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Connect() = %v, want ErrCircuitOpen", err)
	}
	if len(p.Calls()) != 1 {
		t.Errorf("provider dialled %d times, want 1", len(p.Calls()))
	}
}

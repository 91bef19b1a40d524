package toolinject

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goyais/worker/internal/hubclient"
	"github.com/goyais/worker/internal/model"
)

func TestResolveReturnsEmptyInjectorOnHubError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hub := hubclient.New(srv.URL, "t")
	inj := Resolve(context.Background(), hub, "exec-1", "trace-1")
	if inj == nil {
		t.Fatal("Resolve must never return nil")
	}
	if len(inj.Definitions()) != 0 {
		t.Fatalf("Definitions() = %v, want empty", inj.Definitions())
	}
	inj.Close()
}

func TestResolveReturnsEmptyInjectorWithNoServers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"servers":[]}`))
	}))
	defer srv.Close()

	hub := hubclient.New(srv.URL, "t")
	inj := Resolve(context.Background(), hub, "exec-1", "trace-1")
	if len(inj.Definitions()) != 0 {
		t.Fatalf("Definitions() = %v, want empty", inj.Definitions())
	}
	if inj.Handles("anything") {
		t.Fatal("Handles() should be false with no connections")
	}
	inj.Close()
}

func TestResolveSkipsUnsupportedTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"servers":[{"name":"bogus","transport":"carrier-pigeon"}]}`))
	}))
	defer srv.Close()

	hub := hubclient.New(srv.URL, "t")
	inj := Resolve(context.Background(), hub, "exec-1", "trace-1")
	if len(inj.Definitions()) != 0 {
		t.Fatalf("Definitions() = %v, want empty after failed connect", inj.Definitions())
	}
}

func TestNilInjectorIsSafe(t *testing.T) {
	var inj *Injector
	if inj.Definitions() != nil {
		t.Fatal("nil Injector Definitions() should be nil")
	}
	if inj.Handles("x") {
		t.Fatal("nil Injector Handles() should be false")
	}
	result := inj.Execute(context.Background(), model.ToolCall{Name: "x"})
	if !result.IsError() {
		t.Fatal("nil Injector Execute() should return an error Result")
	}
	inj.Close()
}

func TestExecuteUnknownToolOnEmptyInjector(t *testing.T) {
	inj := &Injector{}
	result := inj.Execute(context.Background(), model.ToolCall{Name: "nonexistent"})
	if !result.IsError() {
		t.Fatal("expected error result for unknown tool")
	}
}

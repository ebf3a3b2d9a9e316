package server

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/dotside-studios/davi-isodep-agent/protocol"
)

func mockHandlerFunc(ctx context.Context, conn *Conn, req protocol.RawMessage) error {
	return nil
}

func errorHandlerFunc(ctx context.Context, conn *Conn, req protocol.RawMessage) error {
	return errors.New("test error")
}

func TestHandlerRegistry_Handle(t *testing.T) {
	registry := NewHandlerRegistry()

	tests := []struct {
		name        string
		messageType string
		handler     HandlerFunc
		wantErr     bool
	}{
		{"register valid handler", "test", mockHandlerFunc, false},
		{"register nil handler", "nil", nil, true},
		{"register handler with empty message type", "", mockHandlerFunc, true},
		{"register duplicate handler", "test", errorHandlerFunc, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Handle(tt.messageType, tt.handler)
			if (err != nil) != tt.wantErr {
				t.Errorf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandlerRegistry_Get(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Handle("test", errorHandlerFunc)

	handler, ok := registry.Get("test")
	if !ok || handler == nil {
		t.Fatal("handler not found")
	}
	if err := handler(context.Background(), nil, protocol.RawMessage{}); err == nil {
		t.Error("expected the registered handler to be returned")
	}

	if _, ok := registry.Get("missing"); ok {
		t.Error("Get() found an unregistered type")
	}
	if registry.Has("missing") {
		t.Error("Has() reported an unregistered type")
	}
}

func TestHandlerRegistry_MessageTypes(t *testing.T) {
	registry := NewHandlerRegistry()
	for _, mt := range []string{"write", "authenticate", "read"} {
		registry.Handle(mt, mockHandlerFunc)
	}

	want := []string{"authenticate", "read", "write"}
	if got := registry.MessageTypes(); !reflect.DeepEqual(got, want) {
		t.Errorf("MessageTypes() = %v, want %v", got, want)
	}
}

func TestHandlerRegistry_Concurrent(t *testing.T) {
	registry := NewHandlerRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			registry.Handle("shared", mockHandlerFunc)
		}()
		go func() {
			defer wg.Done()
			registry.Get("shared")
		}()
	}
	wg.Wait()

	if !registry.Has("shared") {
		t.Error("expected handler to be registered exactly once")
	}
}

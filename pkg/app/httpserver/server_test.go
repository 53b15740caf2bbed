package httpserver

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
}

func TestStartStop(t *testing.T) {
	s, err := Start(zap.NewNop(), &http.Server{Addr: "127.0.0.1:0", Handler: okHandler()}, time.Second)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr())
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "OK" {
		t.Fatalf("unexpected body %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if _, err := http.Get("http://" + s.Addr()); err == nil {
		t.Fatal("server still accepting connections after Stop")
	}
}

func TestStart_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if _, err := Start(nil, &http.Server{Addr: ln.Addr().String()}, 0); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestStart_NilServer(t *testing.T) {
	if _, err := Start(nil, nil, 0); err == nil {
		t.Fatal("expected error for nil server")
	}
}

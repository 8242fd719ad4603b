package runtimeregistry

import (
	"net"
	"strconv"
	"testing"
)

func TestRegistry_GetByExtension(t *testing.T) {
	r := New()

	rt, err := r.GetByExtension(".js")
	if err != nil {
		t.Fatalf("GetByExtension(.js): %v", err)
	}
	if rt.Name != "node" {
		t.Errorf("expected node, got %s", rt.Name)
	}

	rt, err = r.GetByExtension("py")
	if err != nil {
		t.Fatalf("GetByExtension(py): %v", err)
	}
	if rt.Name != "python" {
		t.Errorf("expected python, got %s", rt.Name)
	}
}

func TestRegistry_GetByFile(t *testing.T) {
	r := New()
	rt, err := r.GetByFile("/tmp/server.go")
	if err != nil {
		t.Fatalf("GetByFile: %v", err)
	}
	if rt.Name != "go" {
		t.Errorf("expected go, got %s", rt.Name)
	}
}

func TestRegistry_GetUnknownExtension(t *testing.T) {
	r := New()
	if _, err := r.GetByExtension("zig"); err == nil {
		t.Error("expected error for unregistered extension")
	}
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := New()
	r.Register(Runtime{Name: "custom", Extensions: []string{"zig"}})

	if _, err := r.GetByExtension("zig"); err != nil {
		t.Fatalf("expected custom runtime registered: %v", err)
	}

	r.Unregister("custom")
	if _, err := r.Get("custom"); err == nil {
		t.Error("expected custom runtime to be gone after Unregister")
	}
}

func TestFindAvailablePort_SkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind test listener: %v", err)
	}
	defer ln.Close()
	boundPort := ln.Addr().(*net.TCPAddr).Port

	got, err := FindAvailablePort(boundPort)
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if got == boundPort {
		t.Errorf("expected a port different from the bound one, got %d", got)
	}

	checkLn, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(got)))
	if err != nil {
		t.Fatalf("returned port %d was not actually free: %v", got, err)
	}
	checkLn.Close()
}

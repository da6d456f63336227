package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7, got v%d", parsed.Version())
	}
}

func TestProxyIDStable(t *testing.T) {
	t.Parallel()

	a := ProxyID("", "Proxy.Example.com", 8080)
	b := ProxyID("http", "proxy.example.com", 8080)
	if a != b {
		t.Fatalf("expected same id for equivalent endpoints, got %s and %s", a, b)
	}
	if a == ProxyID("socks5", "proxy.example.com", 8080) {
		t.Fatal("expected scheme to affect id")
	}
	if _, err := goUUID.Parse(a); err != nil {
		t.Fatalf("proxy id not a uuid: %v", err)
	}
}

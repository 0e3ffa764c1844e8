package registry

import (
	"context"
	"testing"
	"time"
)

// newTestEtcdRegistry connects to a local etcd, skipping the test when none runs.
func newTestEtcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second, DefaultTTL)
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdAdvertiseAndDiscover(t *testing.T) {
	reg := newTestEtcdRegistry(t)
	ctx := context.Background()

	// Advertise two instances of the same type
	inst1 := Instance{Name: "printer-1", Type: "_test._tcp", Host: "127.0.0.1", Port: 8001, Weight: 10}
	inst2 := Instance{Name: "printer-2", Type: "_test._tcp", Host: "127.0.0.1", Port: 8002, Weight: 5}

	if err := reg.Advertise(ctx, inst1); err != nil {
		t.Fatal(err)
	}
	if err := reg.Advertise(ctx, inst2); err != nil {
		t.Fatal(err)
	}
	defer reg.StopAdvertising(ctx, inst2)

	instances, err := reg.Discover(ctx, Reference{Type: "_test._tcp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	named, err := reg.Discover(ctx, Reference{Name: "printer-1", Type: "_test._tcp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(named) != 1 || named[0].Port != 8001 {
		t.Fatalf("expect printer-1 on 8001, got %+v", named)
	}

	// Withdraw one
	if err := reg.StopAdvertising(ctx, inst1); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, Reference{Type: "_test._tcp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after withdrawal, got %d", len(instances))
	}
	if instances[0].Addr() != inst2.Addr() {
		t.Fatalf("expect %s, got %s", inst2.Addr(), instances[0].Addr())
	}
}

func TestEtcdBrowse(t *testing.T) {
	reg := newTestEtcdRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Browse(ctx, "_browse._tcp", "")
	if got := <-updates; len(got) != 0 {
		t.Fatalf("expect empty initial list, got %+v", got)
	}

	inst := Instance{Name: "scanner", Type: "_browse._tcp", Host: "127.0.0.1", Port: 9100}
	if err := reg.Advertise(ctx, inst); err != nil {
		t.Fatal(err)
	}
	defer reg.StopAdvertising(context.Background(), inst)

	select {
	case got := <-updates:
		if len(got) != 1 || got[0].Name != "scanner" {
			t.Fatalf("expect scanner, got %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no browse update")
	}
}

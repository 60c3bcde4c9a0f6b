package server

import (
	"errors"
	"net"
	"sync"
	"testing"
)

func newRegistryConn(t *testing.T) *SafeConn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewSafeConn(server)
}

func TestRegistryAcquireAndRelease(t *testing.T) {
	r := NewRegistry(2)

	s1, err := r.Acquire(newRegistryConn(t))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	s2, err := r.Acquire(newRegistryConn(t))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if s1.Slot == s2.Slot {
		t.Fatalf("two sessions share slot %d", s1.Slot)
	}

	if _, err := r.Acquire(newRegistryConn(t)); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}

	r.Release(s1)
	s3, err := r.Acquire(newRegistryConn(t))
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	if s3.Slot != s1.Slot {
		t.Errorf("released slot %d not reused, got %d", s1.Slot, s3.Slot)
	}
}

func TestRegistryUsernameUniqueness(t *testing.T) {
	r := NewRegistry(4)
	s1, _ := r.Acquire(newRegistryConn(t))
	s2, _ := r.Acquire(newRegistryConn(t))

	if err := r.BindUsername(s1, "alice"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := r.BindUsername(s2, "alice"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, bound := r.Username(s2); bound {
		t.Error("losing session should stay anonymous")
	}

	r.UnbindUsername(s1)
	if err := r.BindUsername(s2, "alice"); err != nil {
		t.Fatalf("bind after unbind failed: %v", err)
	}
}

func TestRegistryReleaseFreesUsername(t *testing.T) {
	r := NewRegistry(2)
	s1, _ := r.Acquire(newRegistryConn(t))

	if err := r.BindUsername(s1, "alice"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	r.Release(s1)

	if _, found := r.FindByUsername("alice"); found {
		t.Error("released session still findable by username")
	}

	s2, _ := r.Acquire(newRegistryConn(t))
	if err := r.BindUsername(s2, "alice"); err != nil {
		t.Fatalf("bind after release failed: %v", err)
	}
}

func TestRegistryFindAndList(t *testing.T) {
	r := NewRegistry(4)
	s1, _ := r.Acquire(newRegistryConn(t))
	s2, _ := r.Acquire(newRegistryConn(t))
	r.Acquire(newRegistryConn(t)) // stays anonymous

	if err := r.BindUsername(s1, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := r.BindUsername(s2, "bob"); err != nil {
		t.Fatal(err)
	}

	found, ok := r.FindByUsername("bob")
	if !ok || found != s2 {
		t.Errorf("FindByUsername(bob) = %v, %v", found, ok)
	}
	if _, ok := r.FindByUsername("carol"); ok {
		t.Error("found a user that never logged in")
	}

	users := r.ListAuthenticated()
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("ListAuthenticated = %v, want [alice bob]", users)
	}

	if got := r.ActiveCount(); got != 3 {
		t.Errorf("ActiveCount = %d, want 3", got)
	}
}

func TestRegistryConnectionsExcludesSender(t *testing.T) {
	r := NewRegistry(4)
	s1, _ := r.Acquire(newRegistryConn(t))
	s2, _ := r.Acquire(newRegistryConn(t))
	s3, _ := r.Acquire(newRegistryConn(t))
	r.Release(s3)

	conns := r.Connections(s1)
	if len(conns) != 1 || conns[0] != s2.Conn {
		t.Errorf("Connections should contain only the other live session, got %d conns", len(conns))
	}
}

func TestRegistryConcurrentBind(t *testing.T) {
	const sessions = 8
	r := NewRegistry(sessions)

	sess := make([]*Session, sessions)
	for i := range sess {
		var err error
		sess[i], err = r.Acquire(newRegistryConn(t))
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	errs := make([]error, sessions)
	var wg sync.WaitGroup
	for i := range sess {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.BindUsername(sess[i], "alice")
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, ErrUsernameTaken) {
			t.Errorf("unexpected bind error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("%d sessions bound the same username, want exactly 1", won)
	}
}

package peer

import (
	"errors"
	"testing"
)

func newRegistryLink(remoteID string) (*Link, *fakeConnection) {
	conn := &fakeConnection{}
	return NewLink(LinkConfig{
		SessionID: "g1",
		RemoteID:  remoteID,
		Conn:      conn,
		Send:      (&outbox{}).send,
	}), conn
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	creates := 0
	create := func() (*Link, error) {
		creates++
		l, _ := newRegistryLink("bob")
		return l, nil
	}

	first, created, err := r.GetOrCreate("bob", create)
	if err != nil || !created {
		t.Fatalf("first GetOrCreate: created=%v err=%v", created, err)
	}
	for i := 0; i < 3; i++ {
		again, created, err := r.GetOrCreate("bob", create)
		if err != nil || created || again != first {
			t.Fatalf("repeat GetOrCreate returned a different link (created=%v err=%v)", created, err)
		}
	}
	if creates != 1 || r.Len() != 1 {
		t.Fatalf("creates=%d len=%d, want 1 and 1", creates, r.Len())
	}
}

func TestRegistry_CreateErrorLeavesNoEntry(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")

	if _, _, err := r.GetOrCreate("bob", func() (*Link, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if _, ok := r.Get("bob"); ok {
		t.Fatalf("failed create left an entry")
	}
}

func TestRegistry_RemoveClosesLink(t *testing.T) {
	r := NewRegistry()
	l, conn := newRegistryLink("bob")
	r.GetOrCreate("bob", func() (*Link, error) { return l, nil })

	if !r.Remove("bob") {
		t.Fatalf("Remove reported no link")
	}
	if r.Remove("bob") {
		t.Fatalf("second Remove reported a link")
	}
	if _, _, closed := conn.snapshot(); closed != 1 {
		t.Fatalf("closed=%d, want 1", closed)
	}
	if _, ok := r.Get("bob"); ok {
		t.Fatalf("removed link still present")
	}
}

func TestRegistry_RemoveLinkIgnoresReplacedEntry(t *testing.T) {
	r := NewRegistry()
	stale, staleConn := newRegistryLink("bob")
	r.GetOrCreate("bob", func() (*Link, error) { return stale, nil })
	r.Remove("bob")

	current, currentConn := newRegistryLink("bob")
	r.GetOrCreate("bob", func() (*Link, error) { return current, nil })

	if r.RemoveLink(stale) {
		t.Fatalf("RemoveLink removed the replacement")
	}
	if got, ok := r.Get("bob"); !ok || got != current {
		t.Fatalf("replacement link lost")
	}
	if _, _, closed := staleConn.snapshot(); closed != 1 {
		t.Fatalf("stale closed=%d, want 1", closed)
	}
	if _, _, closed := currentConn.snapshot(); closed != 0 {
		t.Fatalf("current closed=%d, want 0", closed)
	}
}

func TestRegistry_CloseAllClosesEveryLink(t *testing.T) {
	r := NewRegistry()
	var conns []*fakeConnection
	for _, id := range []string{"carol", "alice", "bob"} {
		l, conn := newRegistryLink(id)
		conns = append(conns, conn)
		r.GetOrCreate(id, func() (*Link, error) { return l, nil })
	}

	ids := r.IDs()
	if len(ids) != 3 || ids[0] != "alice" || ids[1] != "bob" || ids[2] != "carol" {
		t.Fatalf("IDs=%v, want sorted", ids)
	}

	if n := r.CloseAll(); n != 3 {
		t.Fatalf("CloseAll=%d, want 3", n)
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d after CloseAll", r.Len())
	}
	for i, conn := range conns {
		if _, _, closed := conn.snapshot(); closed != 1 {
			t.Fatalf("conn %d closed=%d, want 1", i, closed)
		}
	}
	if n := r.CloseAll(); n != 0 {
		t.Fatalf("second CloseAll=%d, want 0", n)
	}
}

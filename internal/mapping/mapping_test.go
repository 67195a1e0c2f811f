package mapping

import "testing"

// Ports the reference test_mappings scenario: three mappings where two
// share a common suffix, used to verify longest-suffix-wins behavior.
func TestTableLongestSuffixMatch(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Mapping{Name: "foo.example.com", DstAddress: "a", DstPort: 1234})
	tbl.Add(Mapping{Name: "bar.foo.example.com", DstAddress: "b", DstPort: 1234})
	tbl.Add(Mapping{Name: "another.example.com", DstAddress: "c", DstPort: 1234})

	if m := tbl.Get("example.com"); m != nil {
		t.Fatalf("example.com: expected no match, got %+v", m)
	}

	m := tbl.Get("foo.example.com")
	if m == nil || m.DstAddress != "a" {
		t.Fatalf("foo.example.com: expected mapping a, got %+v", m)
	}

	m = tbl.Get("my.custom.subdomain.foo.example.com")
	if m == nil || m.DstAddress != "a" {
		t.Fatalf("subdomain of foo.example.com: expected mapping a, got %+v", m)
	}

	m = tbl.Get("my.custom.bar.foo.example.com")
	if m == nil || m.DstAddress != "b" {
		t.Fatalf("subdomain of bar.foo.example.com: expected mapping b (longest suffix), got %+v", m)
	}
}

func TestTableAddRemove(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Mapping{Name: "svc.example.com", DstAddress: "x", DstPort: 443, Mode: ModeTerminate})

	if m := tbl.Get("svc.example.com"); m == nil || m.Mode != ModeTerminate {
		t.Fatalf("expected terminate-mode mapping, got %+v", m)
	}

	removed := tbl.Remove("svc.example.com")
	if removed == nil || removed.DstAddress != "x" {
		t.Fatalf("expected to remove mapping x, got %+v", removed)
	}

	if m := tbl.Get("svc.example.com"); m != nil {
		t.Fatalf("expected no mapping after removal, got %+v", m)
	}

	if removed := tbl.Remove("never.added.example.com"); removed != nil {
		t.Fatalf("expected nil removing unknown name, got %+v", removed)
	}
}

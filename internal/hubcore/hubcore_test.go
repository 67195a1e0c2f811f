package hubcore

import (
	"reflect"
	"sort"
	"testing"
)

func TestDiffDomainsAddedAndRemoved(t *testing.T) {
	cur := []string{"a.example.com", "b.example.com", "c.example.com"}
	next := []string{"b.example.com", "c.example.com", "d.example.com"}

	added, removed := diffDomains(cur, next)
	sort.Strings(added)
	sort.Strings(removed)

	if !reflect.DeepEqual(added, []string{"d.example.com"}) {
		t.Fatalf("added = %v, want [d.example.com]", added)
	}
	if !reflect.DeepEqual(removed, []string{"a.example.com"}) {
		t.Fatalf("removed = %v, want [a.example.com]", removed)
	}
}

func TestDiffDomainsNoChange(t *testing.T) {
	cur := []string{"a.example.com"}
	added, removed := diffDomains(cur, []string{"a.example.com"})
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("expected no diff, got added=%v removed=%v", added, removed)
	}
}

func TestSubtractRemovesOnlyListedDomains(t *testing.T) {
	out := subtract([]string{"a", "b", "c"}, []string{"b"})
	if !reflect.DeepEqual(out, []string{"a", "c"}) {
		t.Fatalf("subtract = %v, want [a c]", out)
	}
}

func TestExtractCustomDomainsHonorsMaxAndSkipsEmpty(t *testing.T) {
	deployment := Deployment{
		Metadata: map[string]string{
			"net.oasis.proxy.custom-domains": "a.example.com  b.example.com c.example.com d.example.com",
		},
	}
	got := extractCustomDomains(deployment)
	if len(got) != maxCustomDomains {
		t.Fatalf("extractCustomDomains returned %d domains, want %d", len(got), maxCustomDomains)
	}
	for _, d := range got {
		if d == "" {
			t.Fatalf("extractCustomDomains returned an empty domain in %v", got)
		}
	}
}

func TestExtractCustomDomainsEmptyMetadata(t *testing.T) {
	got := extractCustomDomains(Deployment{})
	if len(got) != 0 {
		t.Fatalf("expected no domains, got %v", got)
	}
}

func TestDomainVerificationTokenIsDeterministic(t *testing.T) {
	instance := Instance{ID: 42}
	deployment := Deployment{Revision: 7}

	t1 := domainVerificationToken(instance, deployment, "example.com")
	t2 := domainVerificationToken(instance, deployment, "example.com")
	if t1 != t2 {
		t.Fatalf("token not deterministic: %q != %q", t1, t2)
	}

	t3 := domainVerificationToken(instance, deployment, "other.example.com")
	if t1 == t3 {
		t.Fatalf("expected different tokens for different domains")
	}

	t4 := domainVerificationToken(Instance{ID: 43}, deployment, "example.com")
	if t1 == t4 {
		t.Fatalf("expected different tokens for different instances")
	}
}

package wireguard

import "testing"

func TestGenerateKeyPairRoundTripsHex(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	pk, err := PublicKeyFromHex(kp.HexPublicKey())
	if err != nil {
		t.Fatalf("PublicKeyFromHex: %v", err)
	}
	if pk != kp.PublicKey {
		t.Fatalf("public key did not round trip through hex encoding")
	}
}

func TestIPPoolAllocatesSequentiallyAndRecycles(t *testing.T) {
	pool, err := newIPPool("10.42.0.0/24")
	if err != nil {
		t.Fatalf("newIPPool: %v", err)
	}

	a, err := pool.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a != "10.42.0.2/32" {
		t.Fatalf("got %q, want 10.42.0.2/32", a)
	}

	b, err := pool.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if b != "10.42.0.3/32" {
		t.Fatalf("got %q, want 10.42.0.3/32", b)
	}

	pool.release(a)
	c, err := pool.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if c != a {
		t.Fatalf("expected released address %q to be recycled, got %q", a, c)
	}
}

func TestHubAddressIsFirstUsableAddress(t *testing.T) {
	pool, err := newIPPool("10.42.0.0/16")
	if err != nil {
		t.Fatalf("newIPPool: %v", err)
	}
	if got := pool.hubAddress(); got != "10.42.0.1/16" {
		t.Fatalf("got %q, want 10.42.0.1/16", got)
	}
}

func TestParseStatusGroupsPeerFields(t *testing.T) {
	raw := "public_key=" + hexFill('a') + "\n" +
		"endpoint=1.2.3.4:51820\n" +
		"last_handshake_time_sec=1700000000\n" +
		"tx_bytes=100\n" +
		"rx_bytes=200\n" +
		"allowed_ip=10.42.0.2/32\n" +
		"public_key=" + hexFill('b') + "\n" +
		"tx_bytes=5\n"

	status := parseStatus(raw)
	if len(status.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(status.Peers))
	}
	if status.Peers[0].TxBytes != 100 || status.Peers[0].RxBytes != 200 {
		t.Fatalf("unexpected counters for first peer: %+v", status.Peers[0])
	}
	if status.Peers[1].TxBytes != 5 {
		t.Fatalf("unexpected counters for second peer: %+v", status.Peers[1])
	}
}

func hexFill(b byte) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = b
	}
	return string(out)
}

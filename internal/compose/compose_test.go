package compose

import "testing"

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"invalid", 0, true},
		{"passthrough", ModePassthrough, false},
		{"terminate-tls", ModeTerminateTLS, false},
		{"ignore", ModeIgnore, false},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseShortPort(t *testing.T) {
	cases := []struct {
		in   string
		want *Port
	}{
		{"foo bar goo", nil},
		{"::1:1234:1234", nil},
		{"123456789", nil},
		{"123456789:123456789", nil},
		{"1234", nil},
		{"0:1234", nil},
		{"1234:0", nil},
		{"1234:1234", &Port{Protocol: "tcp", HostAddress: "127.0.0.1", HostPort: 1234, ContainerPort: 1234}},
		{"1234:5678", &Port{Protocol: "tcp", HostAddress: "127.0.0.1", HostPort: 1234, ContainerPort: 5678}},
		{"1234:5678/udp", &Port{Protocol: "udp", HostAddress: "127.0.0.1", HostPort: 1234, ContainerPort: 5678}},
		{"127.0.0.2:1234:5678/udp", &Port{Protocol: "udp", HostAddress: "127.0.0.2", HostPort: 1234, ContainerPort: 5678}},
	}
	for _, tc := range cases {
		got, ok := parseShortPort(tc.in)
		if tc.want == nil {
			if ok {
				t.Errorf("%q: expected no match, got %+v", tc.in, got)
			}
			continue
		}
		if !ok {
			t.Errorf("%q: expected match, got none", tc.in)
			continue
		}
		if got != *tc.want {
			t.Errorf("%q: got %+v, want %+v", tc.in, got, *tc.want)
		}
	}
}

func TestParseComposeFile1(t *testing.T) {
	data := []byte(`
services:
    frontend:
        image: docker.io/hashicorp/http-echo:latest@sha256:fcb75f691c8b0414d670ae570240cbf95502cc18a9ba57e982ecac589760a186
        platform: linux/amd64
        environment:
            ECHO_TEXT: "hello rofl world"
        ports:
            - "5678:5678"
            - target: 1234
              published: "8888"
              host_ip: "127.0.0.2"
`)
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.PortMappings) != 2 {
		t.Fatalf("expected 2 port mappings, got %d", len(parsed.PortMappings))
	}

	m := parsed.PortMappings[0]
	if m.Service != "frontend" || m.Port.Protocol != "tcp" || m.Port.HostAddress != "127.0.0.1" ||
		m.Port.HostPort != 5678 || m.Port.ContainerPort != 5678 || m.Mode != ModeTerminateTLS {
		t.Fatalf("mapping 0 mismatch: %+v", m)
	}

	m = parsed.PortMappings[1]
	if m.Service != "frontend" || m.Port.Protocol != "tcp" || m.Port.HostAddress != "127.0.0.2" ||
		m.Port.HostPort != 8888 || m.Port.ContainerPort != 1234 || m.Mode != ModeTerminateTLS {
		t.Fatalf("mapping 1 mismatch: %+v", m)
	}
}

func TestParseComposeFile2(t *testing.T) {
	data := []byte(`
services:
    frontend:
        image: docker.io/hashicorp/http-echo:latest@sha256:fcb75f691c8b0414d670ae570240cbf95502cc18a9ba57e982ecac589760a186
        platform: linux/amd64
        environment:
            ECHO_TEXT: "hello rofl world"
        annotations:
            net.oasis.proxy.ports.5678.mode: passthrough
            net.oasis.proxy.ports.8888.mode: ignore
        ports:
            - "5678:5678"
            - target: 1234
              published: "8888"
              host_ip: "127.0.0.2"
`)
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.PortMappings) != 2 {
		t.Fatalf("expected 2 port mappings, got %d", len(parsed.PortMappings))
	}

	m := parsed.PortMappings[0]
	if m.Mode != ModePassthrough {
		t.Fatalf("mapping 0: expected passthrough, got %+v", m)
	}

	m = parsed.PortMappings[1]
	if m.Mode != ModeIgnore {
		t.Fatalf("mapping 1: expected ignore, got %+v", m)
	}
}

func TestPostprocessDropsIgnoredAndNonTCP(t *testing.T) {
	parsed := &Parsed{
		PortMappings: []PortMapping{
			{Service: "a", Port: Port{Protocol: "tcp"}, Mode: ModeTerminateTLS},
			{Service: "b", Port: Port{Protocol: "udp"}, Mode: ModePassthrough},
			{Service: "c", Port: Port{Protocol: "tcp"}, Mode: ModeIgnore},
		},
	}
	out := Postprocess(parsed)
	if len(out.PortMappings) != 1 || out.PortMappings[0].Service != "a" {
		t.Fatalf("expected only mapping a to survive, got %+v", out.PortMappings)
	}
}

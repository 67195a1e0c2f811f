// Package compose extracts port-mapping proxy configuration from a
// docker-compose-style file: which service ports should be exposed through
// the instance proxy, and in what mode.
package compose

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects how the instance proxy should treat a published port.
type Mode int

const (
	// ModeTerminateTLS terminates TLS locally and forwards plaintext to
	// the container; this is the default when a port carries no explicit
	// annotation.
	ModeTerminateTLS Mode = iota
	// ModePassthrough forwards the raw encrypted stream without
	// terminating TLS.
	ModePassthrough
	// ModeIgnore excludes the port from the proxy entirely.
	ModeIgnore
)

// ParseMode parses the net.oasis.proxy.ports.<port>.mode annotation value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "passthrough":
		return ModePassthrough, nil
	case "terminate-tls":
		return ModeTerminateTLS, nil
	case "ignore":
		return ModeIgnore, nil
	default:
		return 0, fmt.Errorf("compose: unsupported proxy mode %q", s)
	}
}

// Port describes a single published port, as parsed from either the short
// ("host:container[/protocol]") or long (mapping with host_ip/published/
// target/protocol keys) compose syntax.
type Port struct {
	Protocol      string
	HostAddress   string
	HostPort      uint16
	ContainerPort uint16
}

// PortMapping is a single service port slated for exposure through the
// proxy.
type PortMapping struct {
	Service      string
	Port         Port
	Mode         Mode
	CustomDomain string
}

// Parsed is the result of parsing a compose file for proxy purposes.
type Parsed struct {
	PortMappings []PortMapping
}

// Parse extracts proxy-relevant port mappings from compose file data.
func Parse(data []byte) (*Parsed, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("compose: failed to parse compose file: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("compose: empty compose file")
	}
	root := doc.Content[0]

	services := mapValue(root, "services")
	if services == nil {
		return nil, fmt.Errorf("compose: bad services definition")
	}

	result := &Parsed{}
	for i := 0; i+1 < len(services.Content); i += 2 {
		serviceName := services.Content[i].Value
		service := services.Content[i+1]

		ports := mapValue(service, "ports")
		if ports == nil || ports.Kind != yaml.SequenceNode {
			continue
		}
		annotations := parseAnnotations(service)

		for _, portNode := range ports.Content {
			port, ok := parsePort(portNode)
			if !ok {
				continue
			}

			mode := ModeTerminateTLS
			key := fmt.Sprintf("net.oasis.proxy.ports.%d.mode", port.HostPort)
			if raw, ok := annotations[key]; ok {
				if parsed, err := ParseMode(raw); err == nil {
					mode = parsed
				}
			}

			result.PortMappings = append(result.PortMappings, PortMapping{
				Service: serviceName,
				Port:    port,
				Mode:    mode,
			})
		}
	}

	return result, nil
}

// Postprocess drops port mappings the proxy does not care about: non-TCP
// protocols and ports explicitly set to ModeIgnore.
func Postprocess(parsed *Parsed) *Parsed {
	out := &Parsed{}
	for _, m := range parsed.PortMappings {
		if m.Port.Protocol != "tcp" {
			continue
		}
		if m.Mode == ModeIgnore {
			continue
		}
		out.PortMappings = append(out.PortMappings, m)
	}
	return out
}

func mapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func parseAnnotations(service *yaml.Node) map[string]string {
	out := make(map[string]string)
	node := mapValue(service, "annotations")
	if node == nil {
		return out
	}
	switch node.Kind {
	case yaml.SequenceNode:
		for _, entry := range node.Content {
			if entry.Kind != yaml.ScalarNode {
				continue
			}
			k, v, ok := strings.Cut(entry.Value, "=")
			if ok {
				out[k] = v
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			out[node.Content[i].Value] = node.Content[i+1].Value
		}
	}
	return out
}

func parsePort(node *yaml.Node) (Port, bool) {
	switch node.Kind {
	case yaml.ScalarNode:
		return parseShortPort(node.Value)
	case yaml.MappingNode:
		return parseLongPort(node)
	default:
		return Port{}, false
	}
}

// parseShortPort parses the "[host_address:]host_port:container_port[/protocol]"
// compose syntax. IPv6 host addresses are not supported in this notation;
// use the long form instead.
func parseShortPort(s string) (Port, bool) {
	protocol := "tcp"
	remainder := s
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		remainder = s[:idx]
		protocol = s[idx+1:]
	}

	atoms := strings.Split(remainder, ":")
	var hostAddress string
	var hostPortStr, containerPortStr string
	switch len(atoms) {
	case 1:
		// Only the container port is given; that binds to a random host
		// port, which this proxy does not support.
		return Port{}, false
	case 2:
		hostAddress = "127.0.0.1"
		hostPortStr, containerPortStr = atoms[0], atoms[1]
	case 3:
		hostAddress, hostPortStr, containerPortStr = atoms[0], atoms[1], atoms[2]
	default:
		return Port{}, false
	}

	hostPort, err := strconv.ParseUint(hostPortStr, 10, 16)
	if err != nil {
		return Port{}, false
	}
	containerPort, err := strconv.ParseUint(containerPortStr, 10, 16)
	if err != nil {
		return Port{}, false
	}
	if hostPort == 0 || containerPort == 0 {
		return Port{}, false
	}

	return Port{
		Protocol:      protocol,
		HostAddress:   hostAddress,
		HostPort:      uint16(hostPort),
		ContainerPort: uint16(containerPort),
	}, true
}

func parseLongPort(node *yaml.Node) (Port, bool) {
	protocol := scalarOr(mapValue(node, "protocol"), "tcp")
	hostAddress := scalarOr(mapValue(node, "host_ip"), "127.0.0.1")

	publishedNode := mapValue(node, "published")
	if publishedNode == nil {
		return Port{}, false
	}
	hostPort, err := strconv.ParseUint(publishedNode.Value, 10, 16)
	if err != nil {
		return Port{}, false
	}

	targetNode := mapValue(node, "target")
	if targetNode == nil {
		return Port{}, false
	}
	containerPort, err := strconv.ParseUint(targetNode.Value, 10, 16)
	if err != nil {
		return Port{}, false
	}

	if hostPort == 0 || containerPort == 0 {
		return Port{}, false
	}

	return Port{
		Protocol:      protocol,
		HostAddress:   hostAddress,
		HostPort:      uint16(hostPort),
		ContainerPort: uint16(containerPort),
	}, true
}

func scalarOr(node *yaml.Node, fallback string) string {
	if node == nil || node.Value == "" {
		return fallback
	}
	return node.Value
}

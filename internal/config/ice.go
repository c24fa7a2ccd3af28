package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "PEERMESH_ICE_SERVERS_JSON"

	envStunURLs       = "STUN_URLS"
	envTurnURLs       = "TURN_URLS"
	envTurnUsername   = "TURN_USERNAME"
	envTurnCredential = "TURN_CREDENTIAL"
)

func parseICEServersFromEnv(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(envOrDefault(lookup, envICEServersJSON, "")); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	return parseICEServersFromConvenienceEnv(
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a JSON array in the RTCIceServer dictionary shape.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}

		ice := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			ice.Credential = server.Credential
		}

		if err := validateICEServer(ice); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, ice)
	}
	return out, nil
}

// parseICEServersFromConvenienceEnv builds the list from comma-separated STUN
// and TURN URL env vars.
func parseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer

	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		server := webrtc.ICEServer{
			URLs:     turnList,
			Username: strings.TrimSpace(turnUsername),
		}
		if strings.TrimSpace(turnCredential) != "" {
			server.Credential = turnCredential
		}
		if server.Username == "" || server.Credential == nil {
			return nil, fmt.Errorf("%s requires %s and %s", envTurnURLs, envTurnUsername, envTurnCredential)
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return fmt.Errorf("missing urls")
	}
	for _, u := range server.URLs {
		lower := strings.ToLower(u)
		switch {
		case strings.HasPrefix(lower, "stun:"), strings.HasPrefix(lower, "stuns:"):
		case strings.HasPrefix(lower, "turn:"), strings.HasPrefix(lower, "turns:"):
			if strings.TrimSpace(server.Username) == "" {
				return fmt.Errorf("turn url %q requires a username", u)
			}
			if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
				return fmt.Errorf("turn url %q requires a credential", u)
			}
		default:
			return fmt.Errorf("unsupported ice url %q", u)
		}
	}
	return nil
}

package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// ICEServer represents a STUN/TURN server configuration
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config holds call setup configuration
type Config struct {
	STUNURLs     []string // e.g., ["stun:stun.l.google.com:19302"]
	TURNURLs     []string // e.g., ["turn:your-server:3478"]
	TURNUsername string
	TURNPassword string

	// CandidatePoolSize > 0 starts gathering before the first description
	CandidatePoolSize uint8

	// SetupTimeout bounds calling/ringing and how long an incoming request
	// stays pending. Zero disables it.
	SetupTimeout time.Duration

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host calls
	IncludeLoopback bool

	// SendTimeout bounds each outbound signal publish
	SendTimeout time.Duration
}

// DefaultConfig returns the public STUN list and conservative timeouts
func DefaultConfig() Config {
	return Config{
		STUNURLs:               []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		CandidatePoolSize:      10,
		SetupTimeout:           45 * time.Second,
		ICEDisconnectedTimeout: 10 * time.Second,
		ICEFailedTimeout:       30 * time.Second,
		ICEKeepaliveInterval:   2 * time.Second,
		SendTimeout:            5 * time.Second,
	}
}

// HasRelay reports whether a TURN relay is configured
func (c *Config) HasRelay() bool {
	return len(c.TURNURLs) > 0
}

// GetICEServers returns the ICE server configuration for clients
func (c *Config) GetICEServers() []ICEServer {
	servers := make([]ICEServer, 0, 2)

	if len(c.STUNURLs) > 0 {
		servers = append(servers, ICEServer{URLs: c.STUNURLs})
	}

	// Relays are listed even with missing credentials so the failure shows up
	// at allocation instead of the relay silently vanishing
	if len(c.TURNURLs) > 0 {
		servers = append(servers, ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}

	return servers
}

func (c *Config) webrtcConfiguration() webrtc.Configuration {
	servers := c.GetICEServers()
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return webrtc.Configuration{
		ICEServers:           out,
		ICECandidatePoolSize: c.CandidatePoolSize,
	}
}

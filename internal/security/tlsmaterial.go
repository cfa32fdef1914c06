// Package security builds the *tls.Config the MQTT session's socket
// connects with — narrowed to the one responsibility this agent
// actually needs: mutual TLS to the broker. Inbound-auth and
// protocol-policy concerns have no caller here (see DESIGN.md).
package security

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
)

// Material names the on-disk cert/key/CA files the MQTT session's
// socket is configured from.
type Material struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	MinVersion string // "TLS1.2" or "TLS1.3", default TLS1.2
}

// Load builds a *tls.Config from the device certificate and key, adding
// a custom CA pool when CAFile is set.
func Load(m Material) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CantInitialize, "security", "Load", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(m.MinVersion),
	}

	if m.CAFile != "" {
		caCert, err := os.ReadFile(m.CAFile)
		if err != nil {
			return nil, agenterr.Wrap(agenterr.CantInitialize, "security", "Load", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, agenterr.New(agenterr.CantInitialize, "security", "Load", "failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func parseTLSVersion(version string) uint16 {
	switch version {
	case "TLS1.3":
		return tls.VersionTLS13
	case "TLS1.2", "":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}

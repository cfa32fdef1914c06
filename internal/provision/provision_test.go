package provision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureBrokerEndpointFetchesCertsAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tok/provision/getCerts", r.URL.Path)
		w.Write([]byte(`{"certificate":"CERT","key":"KEY","brokerEndpoint":"broker.example.com","brokerPort":8883,"accountId":"acct1"}`))
	}))
	defer srv.Close()

	configDir := t.TempDir()
	certDir := t.TempDir()

	c := New(configDir, certDir)
	c.record.APIEndpoint = srv.URL
	c.record.APIToken = "tok"

	err := c.EnsureBrokerEndpoint(context.Background())
	require.NoError(t, err)

	rec := c.Record()
	require.Equal(t, "broker.example.com", rec.BrokerEndpoint)
	require.Equal(t, 8883, rec.BrokerPort)

	certBytes, err := os.ReadFile(filepath.Join(certDir, "device.crt"))
	require.NoError(t, err)
	require.Equal(t, "CERT", string(certBytes))

	info, err := os.Stat(filepath.Join(certDir, "device.key"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(configDir, "provision.json5"))
	require.NoError(t, err)
}

func TestDeprovisionRemovesCredentials(t *testing.T) {
	configDir := t.TempDir()
	certDir := t.TempDir()
	c := New(configDir, certDir)

	certPath := filepath.Join(certDir, "device.crt")
	keyPath := filepath.Join(certDir, "device.key")
	require.NoError(t, os.WriteFile(certPath, []byte("c"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("k"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "provision.json5"), []byte("provision: {}\n"), 0o644))

	c.record.CertificatePath = certPath
	c.record.KeyPath = keyPath
	c.record.BrokerEndpoint = "broker.example.com"

	require.NoError(t, c.Deprovision(context.Background()))

	_, err := os.Stat(certPath)
	require.True(t, os.IsNotExist(err))
	require.Equal(t, "", c.Record().BrokerEndpoint)
}

package cloudstack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/gateway"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/signer"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/vault"
)

func testCredentials(t *testing.T, endpoint string) vault.Credentials {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.enc")
	require.NoError(t, vault.SaveStore(path, []byte("pw"), vault.StoreConfig{
		Default: "test",
		Environments: map[string]vault.EnvironmentConfig{
			"test": {
				APIKey:    "AK-test-1234567890",
				SecretKey: "SK-test-secret",
				Endpoint:  endpoint,
			},
		},
	}))
	v, err := vault.Open(path, []byte("pw"), vault.WithEnv(map[string]string{}))
	require.NoError(t, err)
	t.Cleanup(v.Close)
	creds, err := v.Credentials("test")
	require.NoError(t, err)
	return creds
}

func TestProbeSendsSignedListCapabilities(t *testing.T) {
	t.Parallel()

	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"listcapabilitiesresponse":{}}`))
	}))
	t.Cleanup(server.Close)

	creds := testCredentials(t, server.URL)
	client := NewClient(5 * time.Second)

	require.NoError(t, client.Probe(context.Background(), creds))
	require.Contains(t, gotQuery, "command=listCapabilities")
	require.Contains(t, gotQuery, "apikey=AK-test-1234567890")
	require.Contains(t, gotQuery, "signature=")
	require.NotContains(t, gotQuery, "SK-test-secret")
}

func TestProbeMapsUnauthorizedToAuthRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	creds := testCredentials(t, server.URL)
	client := NewClient(5 * time.Second)

	err := client.Probe(context.Background(), creds)
	require.ErrorIs(t, err, vault.ErrAuthRejected)
}

func TestProbeMapsForbiddenToAuthRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	creds := testCredentials(t, server.URL)
	client := NewClient(5 * time.Second)

	err := client.Probe(context.Background(), creds)
	require.ErrorIs(t, err, vault.ErrAuthRejected)
}

func TestProbeMapsServerErrorToRetryableNetwork(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	creds := testCredentials(t, server.URL)
	client := NewClient(5 * time.Second)

	err := client.Probe(context.Background(), creds)
	require.ErrorIs(t, err, vault.ErrNetwork)
	require.NotErrorIs(t, err, vault.ErrAuthRejected)
}

func TestProbeMapsTransportFailureToNetwork(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	creds := testCredentials(t, server.URL)
	client := NewClient(time.Second)

	err := client.Probe(context.Background(), creds)
	require.ErrorIs(t, err, vault.ErrNetwork)
}

func TestValidateRetriesThroughTransientOutage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"listcapabilitiesresponse":{}}`))
	}))
	t.Cleanup(server.Close)

	path := filepath.Join(t.TempDir(), "credentials.enc")
	require.NoError(t, vault.SaveStore(path, []byte("pw"), vault.StoreConfig{
		Default: "test",
		Environments: map[string]vault.EnvironmentConfig{
			"test": {
				APIKey:    "AK-test-1234567890",
				SecretKey: "SK-test-secret",
				Endpoint:  server.URL,
				Retries:   3,
			},
		},
	}))
	v, err := vault.Open(path, []byte("pw"),
		vault.WithEnv(map[string]string{}),
		vault.WithProber(NewClient(5*time.Second)),
		vault.WithSleep(func(time.Duration) {}),
	)
	require.NoError(t, err)
	t.Cleanup(v.Close)

	require.NoError(t, v.Validate(context.Background(), "test"))
	require.EqualValues(t, 3, calls.Load())
}

func TestInvokeParsesUpstreamErrorEnvelope(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"destroyvirtualmachineresponse":{"errorcode":431,"errortext":"unable to verify user credentials"}}`))
	}))
	t.Cleanup(server.Close)

	creds := testCredentials(t, server.URL)
	client := NewClient(5 * time.Second)

	signed, err := signer.Sign("destroyVirtualMachine", map[string]string{
		"apikey":   creds.APIKey,
		"response": "json",
	}, creds.SecretKey())
	require.NoError(t, err)

	err = client.Invoke(context.Background(), creds, signed)
	require.ErrorIs(t, err, gateway.ErrUpstreamAPI)

	var upstream *gateway.UpstreamAPIError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, 431, upstream.Code)
	require.Equal(t, "unable to verify user credentials", upstream.Message)
}

func TestInvokeSucceedsOn2xx(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"listvirtualmachinesresponse":{"count":0}}`))
	}))
	t.Cleanup(server.Close)

	creds := testCredentials(t, server.URL)
	client := NewClient(5 * time.Second)

	signed, err := signer.Sign("listVirtualMachines", map[string]string{
		"apikey":   creds.APIKey,
		"response": "json",
	}, creds.SecretKey())
	require.NoError(t, err)
	require.NoError(t, client.Invoke(context.Background(), creds, signed))
}

func TestIssueKeysParsesRegisterUserKeysResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.RawQuery, "command=registerUserKeys")
		require.Contains(t, r.URL.RawQuery, "id=user-42")
		_, _ = w.Write([]byte(`{"registeruserkeysresponse":{"userkeys":{"apikey":"AK-new","secretkey":"SK-new"}}}`))
	}))
	t.Cleanup(server.Close)

	creds := testCredentials(t, server.URL)
	client := NewClient(5 * time.Second)
	issuer := NewKeyIssuer(client, func(string) (vault.Credentials, error) { return creds, nil }, "user-42")

	apiKey, secretKey, err := issuer.IssueKeys(context.Background(), "test")
	require.NoError(t, err)
	require.Equal(t, "AK-new", apiKey)
	require.Equal(t, "SK-new", secretKey)
}

func TestIssueKeysRequiresUserID(t *testing.T) {
	t.Parallel()

	issuer := NewKeyIssuer(NewClient(time.Second), func(string) (vault.Credentials, error) {
		return vault.Credentials{}, nil
	}, "")
	_, _, err := issuer.IssueKeys(context.Background(), "test")
	require.Error(t, err)
}

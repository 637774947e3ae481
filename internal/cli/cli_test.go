package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/storage"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/vault"
)

func runCommand(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCommand(&buf, BuildInfo{Version: "1.2.3", Commit: "abc1234", BuildTime: "2026-03-01"}, env)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func baseEnv(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		"CLOUDSTACK_HOME":             t.TempDir(),
		"CLOUDSTACK_STORE_PASSPHRASE": "correct-horse",
	}
}

func TestVersionCommandPlain(t *testing.T) {
	t.Parallel()

	out, err := runCommand(t, baseEnv(t), "version")
	require.NoError(t, err)
	require.Contains(t, out, "version=1.2.3")
	require.Contains(t, out, "commit=abc1234")
}

func TestVersionCommandJSON(t *testing.T) {
	t.Parallel()

	out, err := runCommand(t, baseEnv(t), "version", "--json")
	require.NoError(t, err)

	var decoded BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, "1.2.3", decoded.Version)
}

func TestCredentialsEncryptCreatesStore(t *testing.T) {
	t.Parallel()

	env := baseEnv(t)
	out, err := runCommand(t, env,
		"credentials", "encrypt",
		"--environment", "production",
		"--api-key", "AK-cli-1234567890",
		"--secret-key", "SK-cli-secret",
		"--api-url", "https://cloud.example.com/client/api",
	)
	require.NoError(t, err)
	require.Contains(t, out, "encrypted credential store written")

	storePath := filepath.Join(env["CLOUDSTACK_HOME"], "credentials.enc")
	v, err := vault.Open(storePath, []byte("correct-horse"), vault.WithEnv(map[string]string{}))
	require.NoError(t, err)
	defer v.Close()

	creds, err := v.Credentials("production")
	require.NoError(t, err)
	require.Equal(t, "AK-cli-1234567890", creds.APIKey)
	require.Equal(t, "SK-cli-secret", creds.SecretKey())
}

func TestCredentialsEncryptMergesExistingEnvironments(t *testing.T) {
	t.Parallel()

	env := baseEnv(t)
	_, err := runCommand(t, env,
		"credentials", "encrypt", "--environment", "production",
		"--api-key", "AK-prod-1234567890", "--secret-key", "SK-prod",
		"--api-url", "https://cloud.example.com/client/api",
	)
	require.NoError(t, err)

	_, err = runCommand(t, env,
		"credentials", "encrypt", "--environment", "staging",
		"--api-key", "AK-stage-1234567890", "--secret-key", "SK-stage",
		"--api-url", "https://stage.example.com/client/api",
	)
	require.NoError(t, err)

	storePath := filepath.Join(env["CLOUDSTACK_HOME"], "credentials.enc")
	v, err := vault.Open(storePath, []byte("correct-horse"), vault.WithEnv(map[string]string{}))
	require.NoError(t, err)
	defer v.Close()

	prod, err := v.Credentials("production")
	require.NoError(t, err)
	require.Equal(t, "AK-prod-1234567890", prod.APIKey)
	stage, err := v.Credentials("staging")
	require.NoError(t, err)
	require.Equal(t, "AK-stage-1234567890", stage.APIKey)
}

func TestCredentialsEncryptRequiresFlags(t *testing.T) {
	t.Parallel()

	_, err := runCommand(t, baseEnv(t), "credentials", "encrypt")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, ExitCodeUsage, exitErr.ExitCode())
}

func TestCredentialsEncryptRequiresPassphrase(t *testing.T) {
	t.Parallel()

	env := map[string]string{"CLOUDSTACK_HOME": t.TempDir()}
	_, err := runCommand(t, env,
		"credentials", "encrypt",
		"--api-key", "AK", "--secret-key", "SK", "--api-url", "https://x",
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), "CLOUDSTACK_STORE_PASSPHRASE")
}

func TestCredentialsValidateWrongPassphraseExitsDecryption(t *testing.T) {
	t.Parallel()

	env := baseEnv(t)
	_, err := runCommand(t, env,
		"credentials", "encrypt", "--environment", "production",
		"--api-key", "AK-prod-1234567890", "--secret-key", "SK-prod",
		"--api-url", "https://cloud.example.com/client/api",
	)
	require.NoError(t, err)

	env["CLOUDSTACK_STORE_PASSPHRASE"] = "wrong-horse"
	_, err = runCommand(t, env, "credentials", "validate")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, ExitCodeDecryption, exitErr.ExitCode())
}

func seedAuditStore(t *testing.T, dbPath string) {
	t.Helper()
	store, err := storage.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, eventType := range []string{"validation.accepted", "confirmation.requested", "request.signed"} {
		require.NoError(t, store.Audit.Append(ctx, &storage.AuditEvent{
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			EventType:     eventType,
			Severity:      "info",
			Source:        "gateway",
			Action:        "destroyVirtualMachine",
			Result:        "success",
			CorrelationID: "corr-cli-1",
		}))
	}
}

func TestAuditCorrelatePrintsOrderedEvents(t *testing.T) {
	t.Parallel()

	env := baseEnv(t)
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	env["CLOUDSTACK_AUDIT_DB_PATH"] = dbPath
	seedAuditStore(t, dbPath)

	out, err := runCommand(t, env, "audit", "correlate", "corr-cli-1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "validation.accepted", first["eventType"])
	require.Equal(t, "corr-cli-1", first["correlationId"])
}

func TestAuditCorrelateUnknownIDExitsNotFound(t *testing.T) {
	t.Parallel()

	env := baseEnv(t)
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	env["CLOUDSTACK_AUDIT_DB_PATH"] = dbPath
	seedAuditStore(t, dbPath)

	_, err := runCommand(t, env, "audit", "correlate", "no-such-id")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, ExitCodeNotFound, exitErr.ExitCode())
}

func TestAuditListFiltersByType(t *testing.T) {
	t.Parallel()

	env := baseEnv(t)
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	env["CLOUDSTACK_AUDIT_DB_PATH"] = dbPath
	seedAuditStore(t, dbPath)

	out, err := runCommand(t, env, "audit", "list", "--type", "request.signed")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "request.signed")
}

func TestAuditListWithoutDBPathIsUsageError(t *testing.T) {
	t.Parallel()

	_, err := runCommand(t, baseEnv(t), "audit", "list")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, ExitCodeUsage, exitErr.ExitCode())
}

func TestMapCommandErrorPassesThroughExitErrors(t *testing.T) {
	t.Parallel()

	original := &ExitError{Code: ExitCodeNotFound, Err: errors.New("gone")}
	require.Same(t, original, mapCommandError(original).(*ExitError))
}

func TestMapCommandErrorClassifiesSentinels(t *testing.T) {
	t.Parallel()

	var exitErr *ExitError

	require.ErrorAs(t, mapCommandError(vault.ErrDecryption), &exitErr)
	require.Equal(t, ExitCodeDecryption, exitErr.ExitCode())

	require.ErrorAs(t, mapCommandError(vault.ErrAuthRejected), &exitErr)
	require.Equal(t, ExitCodeAuthFailed, exitErr.ExitCode())

	require.ErrorAs(t, mapCommandError(storage.ErrNotFound), &exitErr)
	require.Equal(t, ExitCodeNotFound, exitErr.ExitCode())
}

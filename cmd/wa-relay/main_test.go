package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/wa-relay/contracts"
	"github.com/glimte/wa-relay/webhook"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSamplePayloadParses(t *testing.T) {
	payload, err := samplePayload(time.Unix(1700000000, 0))
	require.NoError(t, err)

	msg := webhook.Parse(payload)
	require.NotNil(t, msg)
	assert.Equal(t, contracts.MessageTypeText, msg.Type)
	assert.Equal(t, "521234567890", contracts.Deref(msg.From))
	assert.Equal(t, "123456789", contracts.Deref(msg.PhoneNumberID))
}

func TestSignCommand(t *testing.T) {
	t.Run("signs a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payload.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"entry":[]}`), 0o600))

		out, err := execute(t, "sign", "--secret", "key", "--file", path)
		require.NoError(t, err)

		assert.Contains(t, out, webhook.SignatureHeader+": "+webhook.Sign("key", []byte(`{"entry":[]}`)))
	})

	t.Run("requires a secret", func(t *testing.T) {
		t.Setenv("WHATSAPP_APP_SECRET", "")
		_, err := execute(t, "sign")
		assert.Error(t, err)
	})

	t.Run("posts the signed payload", func(t *testing.T) {
		var got []byte
		var header string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = io.ReadAll(r.Body)
			header = r.Header.Get(webhook.SignatureHeader)
			_, _ = w.Write([]byte("received and queued"))
		}))
		defer srv.Close()

		out, err := execute(t, "sign", "--secret", "key", "--url", srv.URL+"/webhook")
		require.NoError(t, err)

		assert.NoError(t, webhook.ValidateSignature(got, header, "key"))
		assert.Contains(t, out, "status: 200")
		assert.True(t, strings.Contains(out, "body: received and queued"))
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "wa-relay dev")
}

func TestLoadEnvFile(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	})

	t.Run("does not override set variables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("QUEUE_MAIN=from_file\nQUEUE_ERROR=errors_from_file\n"), 0o600))
		t.Setenv("QUEUE_MAIN", "from_env")
		t.Setenv("QUEUE_ERROR", "")
		os.Unsetenv("QUEUE_ERROR")

		require.NoError(t, loadEnvFile(path))

		assert.Equal(t, "from_env", os.Getenv("QUEUE_MAIN"))
		assert.Equal(t, "errors_from_file", os.Getenv("QUEUE_ERROR"))
	})
}

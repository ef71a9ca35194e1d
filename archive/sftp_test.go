package archive

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"media-fetch-bot/shared"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

var testAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}

func TestHostKeyCallbackPinsKey(t *testing.T) {
	trusted := newHostKey(t)
	other := newHostKey(t)
	line := string(ssh.MarshalAuthorizedKey(trusted))

	for _, value := range []string{line, base64.StdEncoding.EncodeToString([]byte(line))} {
		cb, err := hostKeyCallback(map[string]string{"host_key": value})
		require.NoError(t, err)
		assert.NoError(t, cb("archive:22", testAddr, trusted))
		assert.Error(t, cb("archive:22", testAddr, other))
	}
}

func TestHostKeyCallbackKnownHosts(t *testing.T) {
	trusted := newHostKey(t)
	file := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(file, []byte(knownhosts.Line([]string{"archive"}, trusted)+"\n"), 0o600))

	cb, err := hostKeyCallback(map[string]string{"known_hosts": file})
	require.NoError(t, err)
	assert.NoError(t, cb("archive:22", testAddr, trusted))
	assert.Error(t, cb("archive:22", testAddr, newHostKey(t)))
}

func TestSFTPRequiresHostVerification(t *testing.T) {
	_, err := hostKeyCallback(map[string]string{})
	assert.Error(t, err)

	_, err = hostKeyCallback(map[string]string{"host_key": "not a key"})
	assert.Error(t, err)

	_, err = New(context.Background(), shared.ArchiveConfig{
		Backend: "sftp",
		Options: map[string]string{"host": "archive", "user": "media"},
	})
	assert.Error(t, err)

	a, err := New(context.Background(), shared.ArchiveConfig{
		Backend: "sftp",
		Options: map[string]string{"host": "archive", "user": "media", "host_key": string(ssh.MarshalAuthorizedKey(newHostKey(t)))},
	})
	require.NoError(t, err)
	assert.NotNil(t, a)
}

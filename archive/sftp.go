package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// uploadToSFTP writes reader to remote_dir/key on an SFTP server.
// Auth uses private_key (base64 or raw PEM) when set, else password.
func uploadToSFTP(ctx context.Context, opts map[string]string, key string, reader io.Reader) error {
	host := opts["host"]
	port := opts["port"]
	if port == "" {
		port = "22"
	}
	remotePath := path.Join(opts["remote_dir"], key)

	var auths []ssh.AuthMethod
	if privateKey := opts["private_key"]; privateKey != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(privateKey)
		if err != nil {
			keyBytes = []byte(privateKey)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	} else if password := opts["password"]; password != "" {
		auths = append(auths, ssh.Password(password))
	} else {
		return fmt.Errorf("no auth method provided; set ARCHIVE_PASSWORD or ARCHIVE_PRIVATE_KEY")
	}

	hostKey, err := hostKeyCallback(opts)
	if err != nil {
		return err
	}
	config := &ssh.ClientConfig{
		User:            opts["user"],
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(host, port)
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial tcp %s: %w", addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)
	defer sshClient.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer sftpClient.Close()

	dir := path.Dir(remotePath)
	if err := mkdirAllSFTP(sftpClient, dir); err != nil {
		return fmt.Errorf("ensure remote dir %s: %w", dir, err)
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("copy to remote file %s: %w", remotePath, err)
	}

	log.Info().Str("addr", addr).Str("path", remotePath).Msg("archived artifact over sftp")
	return nil
}

// hostKeyCallback pins the server key from host_key (authorized_keys line, raw or base64)
// or checks it against the known_hosts file. One of them is required.
func hostKeyCallback(opts map[string]string) (ssh.HostKeyCallback, error) {
	if line := opts["host_key"]; line != "" {
		raw := []byte(line)
		if decoded, err := base64.StdEncoding.DecodeString(line); err == nil {
			raw = decoded
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse ARCHIVE_HOST_KEY: %w", err)
		}
		return ssh.FixedHostKey(key), nil
	}
	if file := opts["known_hosts"]; file != "" {
		cb, err := knownhosts.New(file)
		if err != nil {
			return nil, fmt.Errorf("load ARCHIVE_KNOWN_HOSTS: %w", err)
		}
		return cb, nil
	}
	return nil, fmt.Errorf("sftp host key is not verifiable; set ARCHIVE_HOST_KEY or ARCHIVE_KNOWN_HOSTS")
}

// mkdirAllSFTP creates each missing segment of dir
func mkdirAllSFTP(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, p := range strings.Split(dir, "/") {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := client.Stat(cur); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("stat %s: %w", cur, err)
			}
			if err := client.Mkdir(cur); err != nil {
				return fmt.Errorf("mkdir %s: %w", cur, err)
			}
		}
	}
	return nil
}

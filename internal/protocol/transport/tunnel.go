package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// TunnelConfig describes how to reach a remote worker host over ssh.
type TunnelConfig struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	DialTimeout                 time.Duration
}

// Tunnel runs a remote worker inside an ssh session. The session's stdout
// is bridged onto a local pipe so the read side stays pollable and honors
// deadlines exactly like a local subprocess.
type Tunnel struct {
	name    string
	client  *ssh.Client
	session *ssh.Session
	reader  *FileReader
	writer  *FileWriter
	waited  chan error
}

func DialTunnel(name string, cfg TunnelConfig, command string, timeout time.Duration) (*Tunnel, error) {
	client, err := cfg.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %s dial %s: %v", ErrTransport, name, cfg.Host, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s open session: %v", ErrTransport, name, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %s stdin: %v", ErrTransport, name, err)
	}
	bridgeIn, bridgeOut, err := os.Pipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %s bridge pipe: %v", ErrTransport, name, err)
	}
	session.Stdout = bridgeOut
	session.Stderr = os.Stderr

	if err := session.Start(command); err != nil {
		bridgeIn.Close()
		bridgeOut.Close()
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %s start remote command: %v", ErrTransport, name, err)
	}

	t := &Tunnel{
		name:    name,
		client:  client,
		session: session,
		reader:  NewFileReader(name, bridgeIn, timeout),
		writer:  NewFileWriter(name, stdin, timeout),
		waited:  make(chan error, 1),
	}
	go func() {
		err := session.Wait()
		// EOF on the bridge tells the reader the remote side is gone.
		bridgeOut.Close()
		t.waited <- err
	}()

	log.Debug().Str("name", name).Str("host", cfg.Host).Msg("transport.DialTunnel")
	return t, nil
}

func (t *Tunnel) Reader() Reader {
	return t.reader
}

func (t *Tunnel) Writer() Writer {
	return t.writer
}

func (t *Tunnel) Close() error {
	writeErr := t.writer.Close()

	var waitErr error
	select {
	case waitErr = <-t.waited:
	case <-time.After(closeGrace):
		_ = t.session.Signal(ssh.SIGKILL)
		_ = t.session.Close()
		waitErr = <-t.waited
	}
	readErr := t.reader.Close()
	clientErr := t.client.Close()

	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return fmt.Errorf("%w: %s remote exited with code %d", ErrTransport, t.name, exitErr.ExitStatus())
	}
	return errors.Join(ignoreEOF(writeErr), ignoreClosed(readErr), ignoreClosed(clientErr))
}

func ignoreEOF(err error) error {
	if err != nil && strings.Contains(err.Error(), "EOF") {
		return nil
	}
	return err
}

func (c TunnelConfig) dial() (*ssh.Client, error) {
	address, err := c.address()
	if err != nil {
		return nil, err
	}
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	if c.DialTimeout <= 0 {
		return ssh.Dial("tcp", address, config)
	}

	conn, err := net.DialTimeout("tcp", address, c.DialTimeout)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (c TunnelConfig) address() (string, error) {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return "", fmt.Errorf("ssh host is required")
	}
	if c.Port != "" {
		return net.JoinHostPort(host, c.Port), nil
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "22"), nil
}

func (c TunnelConfig) clientConfig() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	signer, err := c.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := c.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.DialTimeout,
	}, nil
}

func (c TunnelConfig) signer() (ssh.Signer, error) {
	if c.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	privateKey, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, err
	}
	if len(c.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, c.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (c TunnelConfig) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(c.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

package sshconfig

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tmeurs/vpod/internal/logging"
)

const (
	// DefaultRotateAttempts is how often Rotate tries before giving up.
	DefaultRotateAttempts = 3
	// DefaultRotateDelay is the pause between Rotate attempts.
	DefaultRotateDelay = 3 * time.Second
	// defaultScanTimeout bounds each host key handshake.
	defaultScanTimeout = 10 * time.Second
)

// scanAlgorithms are the host key algorithms requested, one handshake each,
// matching the key types ssh-keyscan collects by default.
var scanAlgorithms = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoRSASHA512,
}

// ErrNoHostKeys is returned when the server presented no usable host key.
var ErrNoHostKeys = errors.New("no host keys found")

// Scanner fetches the host keys a server presents.
type Scanner interface {
	Scan(ctx context.Context, host string, port int) ([]ssh.PublicKey, error)
}

// SSHScanner collects host keys by starting an SSH handshake per key
// algorithm and aborting it once the server has shown its key.
type SSHScanner struct {
	// Timeout bounds each handshake. Zero uses a 10 second default.
	Timeout time.Duration
}

// errKeyCaptured aborts the handshake after the host key callback ran.
var errKeyCaptured = errors.New("host key captured")

// Scan returns the distinct host keys offered by host:port.
func (s *SSHScanner) Scan(ctx context.Context, host string, port int) ([]ssh.PublicKey, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = defaultScanTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var keys []ssh.PublicKey
	seen := make(map[string]bool)
	var lastErr error

	for _, algo := range scanAlgorithms {
		key, err := scanOne(ctx, addr, algo, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		fp := string(key.Marshal())
		if seen[fp] {
			continue
		}
		seen[fp] = true
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w for %s: %v", ErrNoHostKeys, addr, lastErr)
		}
		return nil, fmt.Errorf("%w for %s", ErrNoHostKeys, addr)
	}
	return keys, nil
}

func scanOne(ctx context.Context, addr, algo string, timeout time.Duration) (ssh.PublicKey, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	var captured ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User:              "vpod-keyscan",
		HostKeyAlgorithms: []string{algo},
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			captured = key
			return errKeyCaptured
		},
		Timeout: timeout,
	}

	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)
	if captured != nil {
		return captured, nil
	}
	if err == nil {
		err = fmt.Errorf("handshake finished without a host key")
	}
	return nil, fmt.Errorf("%s: %w", algo, err)
}

// KnownHosts edits an OpenSSH known_hosts file.
type KnownHosts struct {
	path       string
	scanner    Scanner
	attempts   int
	retryDelay time.Duration
	onRetry    func(attempt int, err error, delay time.Duration)
}

// KnownHostsOption configures KnownHosts.
type KnownHostsOption func(*KnownHosts)

// WithScanner replaces the SSH handshake scanner.
func WithScanner(s Scanner) KnownHostsOption {
	return func(k *KnownHosts) {
		k.scanner = s
	}
}

// WithRetry sets the number of Rotate attempts and the pause between them.
func WithRetry(attempts int, delay time.Duration) KnownHostsOption {
	return func(k *KnownHosts) {
		k.attempts = attempts
		k.retryDelay = delay
	}
}

// WithRetryNotify registers a callback run before each retry.
func WithRetryNotify(fn func(attempt int, err error, delay time.Duration)) KnownHostsOption {
	return func(k *KnownHosts) {
		k.onRetry = fn
	}
}

// NewKnownHosts returns a KnownHosts for the file at path.
func NewKnownHosts(path string, opts ...KnownHostsOption) *KnownHosts {
	k := &KnownHosts{
		path:       path,
		scanner:    &SSHScanner{},
		attempts:   DefaultRotateAttempts,
		retryDelay: DefaultRotateDelay,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.attempts < 1 {
		k.attempts = 1
	}
	return k
}

// Path returns the known_hosts file path.
func (k *KnownHosts) Path() string {
	return k.path
}

// Rotate replaces the keys recorded for host:port with the ones the server
// presents now. Instances reuse proxy ports, so stale keys for the same
// address are expected.
func (k *KnownHosts) Rotate(ctx context.Context, host string, port int) error {
	log := logging.Get()

	var lastErr error
	for attempt := 1; attempt <= k.attempts; attempt++ {
		lastErr = k.rotateOnce(ctx, host, port)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == k.attempts {
			break
		}

		log.Warn().
			Err(lastErr).
			Str("host", host).
			Int("port", port).
			Int("attempt", attempt).
			Msg("Failed to update host keys")
		if k.onRetry != nil {
			k.onRetry(attempt, lastErr, k.retryDelay)
		}

		timer := time.NewTimer(k.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed to update host keys for %s after %d attempts: %w",
		knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port))), k.attempts, lastErr)
}

func (k *KnownHosts) rotateOnce(ctx context.Context, host string, port int) error {
	if _, err := k.Remove(host, port); err != nil {
		return err
	}
	keys, err := k.scanner.Scan(ctx, host, port)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return ErrNoHostKeys
	}
	return k.Add(host, port, keys)
}

// Remove deletes every entry for host:port, plain or hashed, and returns the
// number of lines removed. A missing file is not an error.
func (k *KnownHosts) Remove(host string, port int) (int, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read known_hosts: %w", err)
	}

	addr := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))

	var out bytes.Buffer
	removed := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if lineMatches(line, addr) {
			removed++
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read known_hosts: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	perm := os.FileMode(0o600)
	if info, err := os.Stat(k.path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := writeFileAtomic(k.path, out.Bytes(), perm); err != nil {
		return 0, err
	}

	logging.Get().Debug().Str("address", addr).Int("removed", removed).Msg("Removed known_hosts entries")
	return removed, nil
}

// Add appends one line per key for host:port.
func (k *KnownHosts) Add(host string, port int, keys []ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}

	addr := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))

	var buf bytes.Buffer
	if existing, err := os.ReadFile(k.path); err == nil && len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	for _, key := range keys {
		buf.WriteString(knownhosts.Line([]string{addr}, key))
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write known_hosts: %w", err)
	}
	return nil
}

// lineMatches reports whether a known_hosts line lists addr among its hosts.
func lineMatches(line, addr string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return false
	}
	hosts := fields[0]
	if strings.HasPrefix(hosts, "@") {
		if len(fields) < 2 {
			return false
		}
		hosts = fields[1]
	}

	for _, pattern := range strings.Split(hosts, ",") {
		if strings.HasPrefix(pattern, "|1|") {
			if hashedMatches(pattern, addr) {
				return true
			}
			continue
		}
		if pattern == addr {
			return true
		}
	}
	return false
}

// hashedMatches checks a "|1|salt|hash" entry, where hash is
// HMAC-SHA1(salt, host) and both parts are base64.
func hashedMatches(entry, addr string) bool {
	parts := strings.Split(entry, "|")
	if len(parts) != 4 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(addr))
	return hmac.Equal(mac.Sum(nil), want)
}

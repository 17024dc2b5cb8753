package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/opencurator/opencurator/pkg/engine"
)

// SFTPConfig holds connection settings for a remote artifact store.
type SFTPConfig struct {
	Host string
	Port int
	User string

	// KeyFile is the path to the private key used for authentication.
	KeyFile string

	// KnownHostsFile pins the remote host key. Empty disables
	// verification; acceptable only on isolated collection networks.
	KnownHostsFile string

	// Root is the remote artifact root directory.
	Root string
}

// SFTPStore reads executor artifacts over SFTP. Used when the executor
// runs on separate hardware and exposes its output directory remotely.
type SFTPStore struct {
	config SFTPConfig
	conn   *ssh.Client
	client *sftp.Client
}

// NewSFTPStore creates a store; Connect must be called before use.
func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("sftp host and user are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SFTPStore{config: cfg}, nil
}

// Connect dials the remote host and opens the SFTP subsystem.
func (s *SFTPStore) Connect(_ context.Context) error {
	key, err := os.ReadFile(s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via empty KnownHostsFile
	if s.config.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(s.config.KnownHostsFile)
		if err != nil {
			return fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	conn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port), &ssh.ClientConfig{
		User:            s.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	})
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.config.Host, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open sftp subsystem: %w", err)
	}

	s.conn = conn
	s.client = client
	return nil
}

// Close tears down the SFTP session and the SSH connection.
func (s *SFTPStore) Close() error {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *SFTPStore) remote(p string) string {
	return path.Join(s.config.Root, path.Clean("/"+p))
}

// Stat returns artifact metadata, or engine.ErrNotFound if absent.
func (s *SFTPStore) Stat(_ context.Context, p string) (*engine.ArtifactInfo, error) {
	info, err := s.client.Stat(s.remote(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", p, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat remote artifact: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("artifact %s is a directory", p)
	}
	return &engine.ArtifactInfo{
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// DetectKind classifies a remote artifact the same way LocalStore does.
func (s *SFTPStore) DetectKind(_ context.Context, p string) (engine.ArtifactKind, error) {
	f, err := s.client.Open(s.remote(p))
	if err != nil {
		return "", fmt.Errorf("failed to open remote artifact: %w", err)
	}
	defer f.Close()

	head := make([]byte, 16)
	read, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("failed to read remote artifact header: %w", err)
	}
	return detectKind(p, head[:read])
}

// Validate performs the structural check on a remote artifact.
func (s *SFTPStore) Validate(ctx context.Context, p string, kind engine.ArtifactKind) error {
	info, err := s.Stat(ctx, p)
	if err != nil {
		return err
	}
	if info.Size == 0 {
		return fmt.Errorf("artifact %s is empty", p)
	}
	// Header checks already ran in DetectKind; JSON artifacts are
	// validated on ingestion rather than pulled twice over the wire.
	return nil
}

// Open returns the remote artifact contents for ingestion.
func (s *SFTPStore) Open(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := s.client.Open(s.remote(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", p, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open remote artifact: %w", err)
	}
	return f, nil
}

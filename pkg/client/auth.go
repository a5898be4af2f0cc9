package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// defaultIdentities are tried when no identity file is configured.
var defaultIdentities = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// authMethods collects agent, key file and password authentication in the
// order ssh tries them.
func authMethods(cfg Config, log *zap.Logger) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			log.Debug("ssh agent unavailable", zap.String("socket", sock), zap.Error(err))
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	signers, err := loadSigners(cfg.IdentityFiles, log)
	if err != nil {
		return nil, err
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if cfg.Password != nil {
		methods = append(methods, ssh.PasswordCallback(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication method available (agent, identity file or password)")
	}
	return methods, nil
}

func loadSigners(files []string, log *zap.Logger) ([]ssh.Signer, error) {
	explicit := len(files) > 0
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		for _, name := range defaultIdentities {
			files = append(files, filepath.Join(home, ".ssh", name))
		}
	}

	var signers []ssh.Signer
	for _, file := range files {
		pem, err := os.ReadFile(file)
		if err != nil {
			if explicit {
				return nil, fmt.Errorf("read identity %s: %w", file, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				log.Debug("skipping passphrase protected key, use the ssh agent", zap.String("file", file))
				continue
			}
			return nil, fmt.Errorf("parse identity %s: %w", file, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// hostKeyCallback verifies the device against known_hosts unless host key
// checking is disabled.
func hostKeyCallback(cfg Config, log *zap.Logger) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		log.Warn("host key checking disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	file := cfg.KnownHosts
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", file, err)
	}
	return cb, nil
}

// Package archive stages completed job artifacts out to a remote storage
// host over SFTP, verifying every upload with a sha256 checksum.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/bo-li/abiflow/internal/flow"
	gssh "github.com/bo-li/abiflow/internal/ssh"
)

// Archiver uploads task output files to the configured storage host.
type Archiver struct {
	cfg flow.ArchiveConfig
}

func New(cfg flow.ArchiveConfig) *Archiver { return &Archiver{cfg: cfg} }

// StageTask uploads every output artifact of the task into
// <remote_dir>/<task name>/, verifying each file's checksum remotely.
// Failed uploads are removed on the remote side.
func (a *Archiver) StageTask(ctx context.Context, task *flow.Task) error {
	files := task.OutFiles()
	if len(files) == 0 {
		return fmt.Errorf("archive %s: no output files", task.Name())
	}

	cli, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	for _, local := range files {
		remote := path.Join(a.cfg.RemoteDir, task.Name(), filepath.Base(local))
		if err := a.pushVerified(cli, sf, local, remote); err != nil {
			return fmt.Errorf("archive %s: %w", task.Name(), err)
		}
		log.Info().Str("local", local).Str("remote", remote).Msg("archived artifact")
	}
	return nil
}

func (a *Archiver) connect(ctx context.Context) (*xssh.Client, error) {
	signer, err := gssh.LoadPrivateKeySigner(a.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load archive key: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(a.cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	port := a.cfg.Port
	if port == 0 {
		port = 22
	}
	c := &gssh.Client{
		Addr:       fmt.Sprintf("%s:%d", a.cfg.Host, port),
		User:       a.cfg.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    30 * time.Second,
	}
	return gssh.Dial(ctx, c)
}

func (a *Archiver) pushVerified(cli *xssh.Client, sf *sftp.Client, local, remote string) error {
	sum, err := Checksum(local)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", local, err)
	}
	if err := gssh.Push(sf, local, remote); err != nil {
		return fmt.Errorf("push %s: %w", local, err)
	}
	if err := verifyRemote(cli, remote, sum); err != nil {
		_ = sf.Remove(remote)
		return fmt.Errorf("verify %s: %w", remote, err)
	}
	return nil
}

func verifyRemote(cli *xssh.Client, remote, expected string) error {
	out, err := gssh.RunCommand(cli, fmt.Sprintf("sha256sum %q | cut -d' ' -f1", remote))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got := strings.TrimSpace(out)
	if got != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, got)
	}
	return nil
}

// Checksum computes the sha256 of a local file as a hex string.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

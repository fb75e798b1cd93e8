package setup

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/startd/pkg/config"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Account is what a fresh setup needs from the operator.
type Account struct {
	Hostname     string
	PasswordHash string
}

// Result reports what a setup flow produced.
type Result struct {
	ServerId   string `json:"server-id"`
	Hostname   string `json:"hostname"`
	LanAddress string `json:"lan-address"`
	TorAddress string `json:"tor-address"`
	DiskGuid   string `json:"disk-guid"`
}

// Fresh initializes a new data volume: the encrypted device (when one is
// named), the database document, the onion service key, and the persisted
// disk GUID. It runs before the runtime context exists.
func Fresh(cfg config.Config, account Account, device string) (*Result, error) {
	logger := log.WithComponent("setup")
	guid := uuid.New().String()

	if device != "" {
		if err := luksFormat(device, guid); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDiskManagement, err)
	}

	serverIdBytes := make([]byte, 4)
	if _, err := rand.Read(serverIdBytes); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnknown, err)
	}
	serverId := hex.EncodeToString(serverIdBytes)
	hostname := account.Hostname
	if hostname == "" {
		hostname = "start9-" + serverId
	}

	torPub, torKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnknown, err)
	}
	torAddress := onionAddress(torPub)
	lanAddress := fmt.Sprintf("https://%s.local", hostname)

	db, err := patchdb.Open(cfg.DataDir, func() *patchdb.Database {
		return patchdb.Init(patchdb.InitAccount{
			ServerId:     serverId,
			Hostname:     hostname,
			LanAddress:   lanAddress,
			TorAddress:   "http://" + torAddress,
			PasswordHash: account.PasswordHash,
			Version:      types.MustVersion("0.3.6"),
		})
	})
	if err != nil {
		return nil, err
	}
	err = db.Mutate(func(d *patchdb.Database) error {
		d.Private.TorKey = hex.EncodeToString(torKey.Seed())
		return nil
	})
	db.Close()
	if err != nil {
		return nil, err
	}

	if err := persistDiskGuid(cfg.DiskGuidFile, guid); err != nil {
		return nil, err
	}

	logger.Info().Str("server_id", serverId).Str("hostname", hostname).Msg("Fresh setup complete")
	return &Result{
		ServerId:   serverId,
		Hostname:   hostname,
		LanAddress: lanAddress,
		TorAddress: "http://" + torAddress,
		DiskGuid:   guid,
	}, nil
}

// onionAddress derives the v3 onion hostname from a public key.
func onionAddress(pub ed25519.PublicKey) string {
	const version = 0x03
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pub)
	h.Write([]byte{version})
	checksum := h.Sum(nil)[:2]

	raw := make([]byte, 0, len(pub)+3)
	raw = append(raw, pub...)
	raw = append(raw, checksum...)
	raw = append(raw, version)
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)) + ".onion"
}

// persistDiskGuid records the active data volume's GUID.
func persistDiskGuid(path, guid string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindDiskManagement, err)
	}
	return errdefs.Wrap(errdefs.KindDiskManagement, os.WriteFile(path, []byte(guid+"\n"), 0644))
}

// ReadDiskGuid loads the persisted GUID, or empty when none exists yet.
func ReadDiskGuid(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// luksFormat creates and opens the encrypted data volume. The passphrase
// is the volume GUID; key rotation is the disk collaborator's concern.
func luksFormat(device, guid string) error {
	format := exec.Command("cryptsetup", "-q", "luksFormat", device)
	format.Stdin = strings.NewReader(guid)
	if out, err := format.CombinedOutput(); err != nil {
		return errdefs.Newf(errdefs.KindDiskManagement, "luksFormat %s: %v: %s", device, err, out)
	}
	open := exec.Command("cryptsetup", "luksOpen", device, "startos-data")
	open.Stdin = strings.NewReader(guid)
	if out, err := open.CombinedOutput(); err != nil {
		return errdefs.Newf(errdefs.KindDiskManagement, "luksOpen %s: %v: %s", device, err, out)
	}
	return nil
}

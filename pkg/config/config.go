package config

import (
	"os"
	"runtime"
	"strings"

	"github.com/cuemby/startd/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

// PlatformFile is written by the image build and names the platform.
const PlatformFile = "/usr/lib/startos/PLATFORM.txt"

// Config is the daemon configuration, loaded from YAML with defaults for
// everything omitted.
type Config struct {
	DataDir         string `yaml:"data-dir"`
	PackageDataDir  string `yaml:"package-data-dir"`
	ContainerDir    string `yaml:"container-dir"`
	BackupDir       string `yaml:"backup-dir"`
	TmpDir          string `yaml:"tmp-dir"`
	RpcBind         string `yaml:"rpc-bind"`
	RpcSocket       string `yaml:"rpc-socket"`
	MdnsBind        string `yaml:"mdns-bind"`
	TorSocks        string `yaml:"tor-socks"`
	DiskGuidFile    string `yaml:"disk-guid-file"`
	IdleWindowSecs  int    `yaml:"idle-window-secs"`
	StopGraceSecs   int    `yaml:"stop-grace-secs"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:        "/embassy-data/main",
		PackageDataDir: "/embassy-data/package-data",
		ContainerDir:   "/embassy-data/containers",
		BackupDir:      "/embassy-data/backups",
		TmpDir:         "/var/tmp/startos",
		RpcBind:        "0.0.0.0:5959",
		RpcSocket:      "/run/startos/rpc.sock",
		MdnsBind:       "0.0.0.0:5353",
		TorSocks:       "127.0.0.1:9050",
		DiskGuidFile:   "/media/startos/config/disk.guid",
		IdleWindowSecs: 300,
		StopGraceSecs:  30,
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	return cfg, nil
}

// Platform reports the platform string, preferring the image's
// PLATFORM.txt and falling back to the build architecture.
func Platform() string {
	if data, err := os.ReadFile(PlatformFile); err == nil {
		if p := strings.TrimSpace(string(data)); p != "" {
			return p
		}
	}
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

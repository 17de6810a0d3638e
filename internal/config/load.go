package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfFileName is the canonical name of the top-level hub config document.
const ConfFileName = "bk_over_ssh.yml"

// Server conf subdirectories under data_dir, by role.
const (
	PullServersConfDir = "pull-servers-conf"
	PushServersConfDir = "push-servers-conf"
	PullServersDataDir = "pull-servers-data"
	PushServersDataDir = "push-servers-data"
)

// LoadAppConf reads and validates the top-level config document at path.
func LoadAppConf(path string, logger *slog.Logger) (*AppConf, error) {
	logger.Debug("loading app config", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg AppConf
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}

	return &cfg, nil
}

// ServerConfDir returns the directory under dataDir holding this role's
// per-server YAML documents.
func ServerConfDir(dataDir string, role AppRole) (string, error) {
	switch role {
	case RolePullHub, RoleController:
		return filepath.Join(dataDir, PullServersConfDir), nil
	case RoleActiveLeaf, RoleReceiveHub:
		return filepath.Join(dataDir, PushServersConfDir), nil
	default:
		return "", fmt.Errorf("config: role %q has no server conf directory", role)
	}
}

// LoadedServer pairs a ServerSpec with the path of the YAML document it was
// read from — scheduler rows key on this path (server_yml_path).
type LoadedServer struct {
	Path string
	Spec ServerSpec
}

// LoadServerSpec reads and validates a single server YAML document.
func LoadServerSpec(path string, logger *slog.Logger) (ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerSpec{}, fmt.Errorf("config: reading server conf %s: %w", path, err)
	}

	var spec ServerSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return ServerSpec{}, fmt.Errorf("config: parsing server conf %s: %w", path, err)
	}

	if err := spec.Validate(); err != nil {
		return ServerSpec{}, fmt.Errorf("config: validating server conf %s: %w", path, err)
	}

	logger.Debug("loaded server spec", slog.String("path", path), slog.String("host", spec.Host))

	return spec, nil
}

// LoadServers reads every *.yml file directly under confDir as a ServerSpec,
// validating each, and returns them sorted by path for deterministic
// iteration order.
func LoadServers(confDir string, logger *slog.Logger) ([]LoadedServer, error) {
	entries, err := os.ReadDir(confDir)
	if err != nil {
		return nil, fmt.Errorf("config: reading server conf dir %s: %w", confDir, err)
	}

	var servers []LoadedServer

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}

		path := filepath.Join(confDir, entry.Name())

		spec, err := LoadServerSpec(path, logger)
		if err != nil {
			return nil, err
		}

		servers = append(servers, LoadedServer{Path: path, Spec: spec})
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Path < servers[j].Path })

	return servers, nil
}

// DataLayout resolves the fixed set of paths bkoverssh maintains under
// data_dir: server conf/data directories, the index database, and the
// working lock.
type DataLayout struct {
	DataDir       string
	ServerConfDir string
	ServerDataDir string
	DBPath        string
	WorkingLock   string
}

// ResolveDataLayout computes DataLayout for c, creating data_dir (and its
// direct children) if absent.
func ResolveDataLayout(c AppConf) (DataLayout, error) {
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return DataLayout{}, fmt.Errorf("config: resolving data_dir %s: %w", c.DataDir, err)
	}

	confDir, err := ServerConfDir(abs, c.Role)
	if err != nil {
		return DataLayout{}, err
	}

	dataSubdir := PullServersDataDir
	if c.Role == RoleActiveLeaf || c.Role == RoleReceiveHub {
		dataSubdir = PushServersDataDir
	}

	layout := DataLayout{
		DataDir:       abs,
		ServerConfDir: confDir,
		ServerDataDir: filepath.Join(abs, dataSubdir),
		DBPath:        filepath.Join(abs, "db.db"),
		WorkingLock:   filepath.Join(abs, "working.lock"),
	}

	for _, dir := range []string{layout.DataDir, layout.ServerConfDir, layout.ServerDataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return DataLayout{}, fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}

	return layout, nil
}

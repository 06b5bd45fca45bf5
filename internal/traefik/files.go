package traefik

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the slice of a Traefik dynamic configuration file the
// monitor cares about. Services, middlewares and TLS sections are ignored:
// only router rules can name hostnames.
type fileConfig struct {
	HTTP *struct {
		Routers map[string]*struct {
			Rule string `yaml:"rule" toml:"rule"`
		} `yaml:"routers" toml:"routers"`
	} `yaml:"http" toml:"http"`
}

// DiscoverFromFiles scans a Traefik file-provider directory for dynamic
// configuration (YAML and TOML) and returns the hostnames of every router
// rule found, deduplicated. Unparsable files are logged and skipped.
func DiscoverFromFiles(ctx context.Context, dir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yml", ".yaml", ".toml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("traefik file provider dir does not exist", slog.String("dir", dir))
			return nil, nil
		}
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	seen := make(map[string]struct{})
	var hostnames []string
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, hostname := range hostsFromFile(file, logger) {
			if _, ok := seen[hostname]; ok {
				continue
			}
			seen[hostname] = struct{}{}
			hostnames = append(hostnames, hostname)
		}
	}
	return hostnames, nil
}

func hostsFromFile(path string, logger *slog.Logger) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("reading traefik config file failed",
			slog.String("file", path),
			slog.String("error", err.Error()),
		)
		return nil
	}

	var cfg fileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		logger.Warn("parsing traefik config file failed",
			slog.String("file", path),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if cfg.HTTP == nil {
		return nil
	}
	var hostnames []string
	for name, router := range cfg.HTTP.Routers {
		if router == nil || router.Rule == "" {
			continue
		}
		hosts := HostsFromRule(router.Rule)
		logger.Debug("parsed file provider router",
			slog.String("file", path),
			slog.String("router", name),
			slog.Int("hostnames", len(hosts)),
		)
		hostnames = append(hostnames, hosts...)
	}
	return hostnames
}

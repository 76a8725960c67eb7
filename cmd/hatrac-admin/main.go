// Command hatrac-admin deploys the service schema and migrates version
// content between peers.
//
// Usage:
//
//	hatrac-admin [-config FILE] deploy ADMIN_ROLE...
//	hatrac-admin [-config FILE] migrate link --remote URL
//	hatrac-admin [-config FILE] migrate transfer
//
// "deploy" initializes the database schema and grants root-namespace
// ownership to the given roles.
//
// "migrate link" rewrites each version's aux record to reference the same
// name and version on a remote peer, letting the local service redirect
// reads there. "migrate transfer" walks link records the other way: it
// pulls each linked version's bytes back into local storage, verifying any
// declared digests during the copy, and drops the link only after the local
// copy is in place.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hatrac/hatrac/internal/logger"
	"github.com/hatrac/hatrac/pkg/config"
	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/urlpath"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "hatrac-admin: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: hatrac-admin [-config FILE] deploy|migrate ...")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	dir, err := config.CreateDirectory(ctx, cfg)
	if err != nil {
		return err
	}
	defer dir.Close()

	switch args[0] {
	case "deploy":
		if len(args) < 2 {
			return fmt.Errorf("usage: hatrac-admin deploy ADMIN_ROLE...")
		}
		if err := dir.Deploy(ctx, args[1:]); err != nil {
			return err
		}
		log.Info("deployed", zap.Strings("admin_roles", args[1:]))
		return nil
	case "migrate":
		return runMigrate(ctx, cfg, dir, log, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runMigrate(ctx context.Context, cfg *config.Config, dir directory.Directory, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	remote := fs.String("remote", "", "Base URL of the remote peer (link mode)")
	if len(args) == 0 {
		return fmt.Errorf("usage: hatrac-admin migrate link|transfer [flags]")
	}
	mode := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	backend, err := config.CreateBackend(ctx, cfg)
	if err != nil {
		return err
	}
	codec, err := urlpath.NewCodec(cfg.AllowedURLCharClass)
	if err != nil {
		return err
	}

	m := &migrator{
		dir:     dir,
		backend: backend,
		codec:   codec,
		log:     log,
		client:  &http.Client{Timeout: 15 * time.Minute},
	}

	switch mode {
	case "link":
		if *remote == "" {
			return fmt.Errorf("migrate link requires --remote URL")
		}
		return m.link(ctx, strings.TrimSuffix(*remote, "/"))
	case "transfer":
		return m.transfer(ctx)
	default:
		return fmt.Errorf("unknown migrate mode %q", mode)
	}
}

type migrator struct {
	dir     directory.Directory
	backend storage.Backend
	codec   *urlpath.Codec
	log     *zap.Logger
	client  *http.Client
}

// link rewrites version aux records to reference the remote peer.
func (m *migrator) link(ctx context.Context, remote string) error {
	return m.dir.WalkVersions(ctx, func(v *directory.Version) error {
		if v.Aux.URL != "" {
			return nil
		}
		aux := v.Aux
		aux.URL = remote + m.codec.EncodeName(v.Name) + ":" + m.codec.EncodeSegment(v.VersionID)
		if err := m.dir.SetVersionAux(ctx, v.ID, aux); err != nil {
			return err
		}
		m.log.Info("linked", zap.String("name", v.Name), zap.String("version", v.VersionID))
		return nil
	})
}

// transfer pulls each linked version's bytes into local storage and drops
// the link after a verified copy.
func (m *migrator) transfer(ctx context.Context) error {
	return m.dir.WalkVersions(ctx, func(v *directory.Version) error {
		if v.Aux.URL == "" {
			return nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.Aux.URL, nil)
		if err != nil {
			return err
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", v.Aux.URL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			m.log.Warn("skipping version, remote fetch failed",
				zap.String("name", v.Name), zap.String("version", v.VersionID),
				zap.Int("status", resp.StatusCode))
			return nil
		}
		if resp.ContentLength >= 0 && resp.ContentLength != v.Size {
			m.log.Warn("skipping version, remote size mismatch",
				zap.String("name", v.Name), zap.String("version", v.VersionID),
				zap.Int64("remote", resp.ContentLength), zap.Int64("local", v.Size))
			return nil
		}

		// declared digests are verified during the copy
		backendVersion, baux, err := m.backend.CreateFromStream(ctx, v.Name, resp.Body, v.Size, v.Metadata)
		if err != nil {
			if core.IsKind(err, core.KindBadRequest) {
				m.log.Warn("skipping version, digest verification failed",
					zap.String("name", v.Name), zap.String("version", v.VersionID), zap.Error(err))
				return nil
			}
			return err
		}

		// local bytes live under the backend-issued version id, so the
		// aux record redirects backend addressing there
		aux := core.Aux{
			RenameTo: v.Aux.RenameTo,
			HVersion: backendVersion,
			Version:  baux.Version,
		}
		if err := m.dir.SetVersionAux(ctx, v.ID, aux); err != nil {
			return err
		}
		m.log.Info("transferred",
			zap.String("name", v.Name), zap.String("version", v.VersionID),
			zap.Int64("bytes", v.Size))
		return nil
	})
}

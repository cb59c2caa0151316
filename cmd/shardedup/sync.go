package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/blobstore"
	minioblob "github.com/hupe1980/shardedup/blobstore/minio"
	s3blob "github.com/hupe1980/shardedup/blobstore/s3"
)

var syncConfigPath string

// syncConfig is the yaml description of one sync job.
type syncConfig struct {
	// Remote is the store URL: s3://bucket/prefix,
	// minio://endpoint/bucket/prefix or file:///path.
	Remote string `yaml:"remote"`
	// Region overrides the AWS region for s3 remotes.
	Region string `yaml:"region"`
	// Workdir is the local working directory.
	Workdir string `yaml:"workdir"`
	// Shards lists the shard basenames to move.
	Shards []string `yaml:"shards"`
	// Start and End bound the bucket range for fetch, [start, end).
	Start int `yaml:"start"`
	End   int `yaml:"end"`
	// RequestsPerSecond caps the request rate. Zero means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Parallel bounds concurrent transfers.
	Parallel int `yaml:"parallel"`
	// MinIO credentials and transport.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
}

func loadSyncConfig(path string) (*syncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &syncConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Remote == "" {
		return nil, fmt.Errorf("%s: remote is required", path)
	}
	if cfg.Workdir == "" {
		return nil, fmt.Errorf("%s: workdir is required", path)
	}
	if len(cfg.Shards) == 0 {
		return nil, fmt.Errorf("%s: shards is required", path)
	}
	return cfg, nil
}

func buildStore(ctx context.Context, cfg *syncConfig) (blobstore.BlobStore, error) {
	u, err := url.Parse(cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("remote %q: %w", cfg.Remote, err)
	}

	switch u.Scheme {
	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, err
		}
		prefix := strings.TrimPrefix(u.Path, "/")
		return s3blob.NewStore(awss3.NewFromConfig(awsCfg), u.Host, prefix), nil

	case "minio":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("remote %q: want minio://endpoint/bucket[/prefix]", cfg.Remote)
		}
		client, err := minio.New(u.Host, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: !cfg.Insecure,
		})
		if err != nil {
			return nil, err
		}
		return minioblob.NewStore(client, bucket, prefix), nil

	case "file":
		return blobstore.NewLocalStore(u.Path), nil

	default:
		return nil, fmt.Errorf("remote %q: unsupported scheme %q", cfg.Remote, u.Scheme)
	}
}

func newSyncer(ctx context.Context, log *shardedup.Logger) (*blobstore.Syncer, *syncConfig, error) {
	cfg, err := loadSyncConfig(syncConfigPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
		return nil, nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &blobstore.Syncer{
		Store:    store,
		Dir:      cfg.Workdir,
		Limiter:  rate.NewLimiter(limit, 1),
		Parallel: cfg.Parallel,
		Logger:   log,
	}, cfg, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Move shard artifacts between a blob store and the working directory",
}

var syncFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download manifests, flag files and the configured bucket indexes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		s, cfg, err := newSyncer(cmd.Context(), log)
		if err != nil {
			return err
		}

		if err := s.FetchShards(cmd.Context(), cfg.Shards); err != nil {
			return err
		}
		for bucket := cfg.Start; bucket < cfg.End; bucket++ {
			err := s.FetchRound(cmd.Context(), cfg.Shards, bucket)
			// Missing indexes usually mean the round was already merged
			// and its inputs deleted remotely.
			var me *shardedup.MissingResourceError
			if errors.As(err, &me) {
				log.Warn("round indexes incomplete", "bucket", bucket, "missing", len(me.Missing))
				continue
			}
			if err != nil {
				return err
			}
		}
		log.Info("fetch complete", "shards", len(cfg.Shards), "buckets", cfg.End-cfg.Start)
		return nil
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload the local flag files back to the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		s, cfg, err := newSyncer(cmd.Context(), log)
		if err != nil {
			return err
		}
		if err := s.PushFlags(cmd.Context(), cfg.Shards); err != nil {
			return err
		}
		log.Info("push complete", "shards", len(cfg.Shards))
		return nil
	},
}

func init() {
	syncCmd.PersistentFlags().StringVarP(&syncConfigPath, "config", "c", "sync.yaml", "sync job description")
	syncCmd.AddCommand(syncFetchCmd)
	syncCmd.AddCommand(syncPushCmd)
}

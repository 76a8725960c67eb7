// Package s3 implements S3 bulk storage with per-prefix bucket routing.
//
// A configured set of name prefixes routes each object name to a bucket.
// Object keys are produced by a configurable naming scheme: "hname:hver"
// embeds the version id in the key (one S3 object per version), while
// "hname" keys by name alone and relies on bucket versioning, storing the S3
// version id in the version's aux record.
package s3

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hatrac/hatrac/pkg/storage"
)

// Key naming schemes.
const (
	// MethodNameVersion keys objects as <prefix><name>:<version>.
	MethodNameVersion = "hname:hver"

	// MethodName keys objects as <prefix><name> and requires a versioned
	// bucket; the S3 version id is recorded in the aux record.
	MethodName = "hname"
)

// BucketConfig describes one routed bucket.
type BucketConfig struct {
	// BucketName is the S3 bucket.
	BucketName string `mapstructure:"bucket_name"`

	// BucketPathPrefix is prepended to every object key.
	BucketPathPrefix string `mapstructure:"bucket_path_prefix"`

	// Method selects the key naming scheme (hatrac_s3_method).
	Method string `mapstructure:"hatrac_s3_method"`

	// UnquoteObjectKeys stores keys with raw UTF-8 names instead of
	// percent-encoded ones.
	UnquoteObjectKeys bool `mapstructure:"unquote_object_keys"`

	// PresignedURLThreshold enables presigned-GET redirects for versions
	// of at least this many bytes. Zero disables presigning.
	PresignedURLThreshold int64 `mapstructure:"presigned_url_threshold"`

	// PresignedURLExpirationSecs bounds presigned URL lifetime.
	PresignedURLExpirationSecs int `mapstructure:"presigned_url_expiration_secs"`
}

// routedBucket pairs a configured bucket with its client and route prefix.
type routedBucket struct {
	prefix string
	cfg    BucketConfig
	client *awss3.Client
}

// Store is the S3 backend.
type Store struct {
	// buckets sorted by descending prefix length for longest-prefix match
	buckets []routedBucket
}

var (
	_ storage.PresignedBackend     = (*Store)(nil)
	_ storage.HashVerifyingBackend = (*Store)(nil)
)

// New builds the backend from routed buckets. The clients map supplies one
// client per route prefix (factories build them from session/client config).
func New(buckets map[string]BucketConfig, clients map[string]*awss3.Client) (*Store, error) {
	if len(buckets) == 0 {
		return nil, fmt.Errorf("at least one S3 bucket route is required")
	}
	s := &Store{}
	for prefix, cfg := range buckets {
		if cfg.BucketName == "" {
			return nil, fmt.Errorf("bucket route %q: bucket_name is required", prefix)
		}
		method := cfg.Method
		if method == "" {
			method = MethodNameVersion
		}
		if method != MethodName && method != MethodNameVersion {
			return nil, fmt.Errorf("bucket route %q: unknown hatrac_s3_method %q", prefix, cfg.Method)
		}
		cfg.Method = method
		client, ok := clients[prefix]
		if !ok || client == nil {
			return nil, fmt.Errorf("bucket route %q: no S3 client", prefix)
		}
		s.buckets = append(s.buckets, routedBucket{
			prefix: normalizeRoutePrefix(prefix),
			cfg:    cfg,
			client: client,
		})
	}
	sort.Slice(s.buckets, func(i, j int) bool {
		if len(s.buckets[i].prefix) != len(s.buckets[j].prefix) {
			return len(s.buckets[i].prefix) > len(s.buckets[j].prefix)
		}
		return s.buckets[i].prefix < s.buckets[j].prefix
	})
	return s, nil
}

func normalizeRoutePrefix(p string) string {
	p = "/" + strings.Trim(p, "/")
	if p == "/" {
		return p
	}
	return p + "/"
}

// route selects the bucket whose prefix is the longest match for name.
func (s *Store) route(name string) (*routedBucket, error) {
	probe := strings.TrimSuffix(name, "/") + "/"
	for i := range s.buckets {
		if strings.HasPrefix(probe, s.buckets[i].prefix) {
			return &s.buckets[i], nil
		}
	}
	return nil, fmt.Errorf("no S3 bucket route matches %q", name)
}

// key builds the object key for (name, version) under the bucket's naming
// scheme.
func (b *routedBucket) key(name, version string) string {
	rel := strings.TrimPrefix(name, "/")
	if !b.cfg.UnquoteObjectKeys {
		parts := strings.Split(rel, "/")
		for i, p := range parts {
			// ':' separates key from version in the hname:hver scheme,
			// so it must never appear literally in an escaped name
			parts[i] = strings.ReplaceAll(url.PathEscape(p), ":", "%3A")
		}
		rel = strings.Join(parts, "/")
	}
	key := b.cfg.BucketPathPrefix
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	key += rel
	if b.cfg.Method == MethodNameVersion {
		key += ":" + version
	}
	return key
}

// Address returns the bucket-qualified key for introspection.
func (s *Store) Address(name, version string) string {
	b, err := s.route(name)
	if err != nil {
		return ""
	}
	return b.cfg.BucketName + "/" + b.key(name, version)
}

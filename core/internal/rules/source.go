package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"omnichannel-routing-system/shared/cachex"
)

// Source produces the full rule set plus a version string. The reloader only
// rebuilds the store when the version changes.
type Source interface {
	Name() string
	Version(ctx context.Context) (string, error)
	Load(ctx context.Context) ([]TenantRules, string, error)
}

type Document struct {
	Tenants []TenantRules `json:"tenants"`
}

// Parse decodes a rules document.
func Parse(b []byte) ([]TenantRules, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return doc.Tenants, nil
}

// Build prepares every tenant and indexes them. One invalid tenant fails the
// whole build so a bad edit never half-applies.
func Build(ctx context.Context, tenants []TenantRules) (map[string]*TenantRules, error) {
	out := make(map[string]*TenantRules, len(tenants))
	for i := range tenants {
		t := tenants[i]
		if err := t.Prepare(ctx); err != nil {
			return nil, err
		}
		if _, dup := out[t.TenantID]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", t.TenantID)
		}
		out[t.TenantID] = &t
	}
	return out, nil
}

// FileSource reads a JSON rules document; its version is the file's
// modification time and size.
type FileSource struct {
	path string
}

func NewFileSource(path string) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rules path is required")
	}
	return &FileSource{path: path}, nil
}

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Version(context.Context) (string, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return "", fmt.Errorf("stat rules file: %w", err)
	}
	return strconv.FormatInt(fi.ModTime().UnixNano(), 10) + "-" + strconv.FormatInt(fi.Size(), 10), nil
}

func (s *FileSource) Load(ctx context.Context) ([]TenantRules, string, error) {
	version, err := s.Version(ctx)
	if err != nil {
		return nil, "", err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, "", fmt.Errorf("read rules file: %w", err)
	}
	tenants, err := Parse(b)
	if err != nil {
		return nil, "", err
	}
	return tenants, version, nil
}

// RedisSource keeps one JSON document per tenant under <prefix>tenant:<id>
// and a counter at <prefix>version that writers bump after every change.
type RedisSource struct {
	cache  *cachex.Client
	prefix string
}

func NewRedisSource(cache *cachex.Client, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "routing:rules:"
	}
	return &RedisSource{cache: cache, prefix: prefix}
}

func (s *RedisSource) Name() string { return "redis:" + s.prefix }

func (s *RedisSource) versionKey() string { return s.prefix + "version" }

func (s *RedisSource) tenantKey(tenantID string) string { return s.prefix + "tenant:" + tenantID }

func (s *RedisSource) Version(ctx context.Context) (string, error) {
	v, err := s.cache.Counter(ctx, s.versionKey())
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(v, 10), nil
}

func (s *RedisSource) Load(ctx context.Context) ([]TenantRules, string, error) {
	version, err := s.Version(ctx)
	if err != nil {
		return nil, "", err
	}
	keys, err := s.cache.Keys(ctx, s.prefix+"tenant:*")
	if err != nil {
		return nil, "", err
	}
	tenants := make([]TenantRules, 0, len(keys))
	for _, key := range keys {
		var t TenantRules
		found, err := s.cache.GetJSON(ctx, key, &t)
		if err != nil {
			return nil, "", fmt.Errorf("load %s: %w", key, err)
		}
		if found {
			tenants = append(tenants, t)
		}
	}
	return tenants, version, nil
}

// Publish validates and stores one tenant's rules, then bumps the version so
// every instance reloads.
func (s *RedisSource) Publish(ctx context.Context, t TenantRules) error {
	check := t
	check.Rules = append([]Rule(nil), t.Rules...)
	if err := check.Prepare(ctx); err != nil {
		return err
	}
	if err := s.cache.SetJSON(ctx, s.tenantKey(t.TenantID), t, 0); err != nil {
		return err
	}
	_, err := s.cache.Bump(ctx, s.versionKey())
	return err
}

package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"omnichannel-routing-system/shared/events"
)

type Cluster struct {
	Brokers  []string `json:"brokers"`
	ClientID string   `json:"client_id"`
}

// Route pins one tenant's channel to a Kafka cluster. An empty channel
// matches every channel of the tenant.
type Route struct {
	TenantID string `json:"tenant_id"`
	Channel  string `json:"channel,omitempty"`
	Cluster  string `json:"cluster"`
}

type Config struct {
	DefaultCluster string `json:"default_cluster"`
	// InboundTopic overrides events.TopicChannelInbound.
	InboundTopic string `json:"inbound_topic,omitempty"`
	// Channels, when set, is the allow-list of accepted channel names.
	Channels []string           `json:"channels,omitempty"`
	Clusters map[string]Cluster `json:"clusters"`
	Routes   []Route            `json:"routes"`
}

type Resolver struct {
	Config     Config
	routeIndex map[string]string
}

func Load(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse routes config: %w", err)
	}
	if len(cfg.Clusters) == 0 {
		return Resolver{}, errors.New("routes config must define clusters")
	}
	for name, cluster := range cfg.Clusters {
		if len(cluster.Brokers) == 0 {
			return Resolver{}, fmt.Errorf("cluster %q must define brokers", name)
		}
	}
	index := make(map[string]string, len(cfg.Routes))
	for _, route := range cfg.Routes {
		key := routeKey(route.TenantID, route.Channel)
		if key == "" {
			return Resolver{}, errors.New("route must include tenant_id")
		}
		if _, ok := cfg.Clusters[route.Cluster]; !ok {
			return Resolver{}, fmt.Errorf("route references unknown cluster %q", route.Cluster)
		}
		if _, exists := index[key]; exists {
			return Resolver{}, fmt.Errorf("duplicate route for tenant_id=%q channel=%q", route.TenantID, route.Channel)
		}
		index[key] = route.Cluster
	}
	if cfg.DefaultCluster != "" {
		if _, ok := cfg.Clusters[cfg.DefaultCluster]; !ok {
			return Resolver{}, fmt.Errorf("default_cluster %q not found in clusters", cfg.DefaultCluster)
		}
	}
	return Resolver{Config: cfg, routeIndex: index}, nil
}

// ResolveCluster picks the cluster for a tenant's channel: an exact
// tenant+channel route, then a tenant-wide route, then the default.
func (r Resolver) ResolveCluster(tenantID string, channel string) (string, bool) {
	if r.routeIndex == nil {
		return "", false
	}
	if v, ok := r.routeIndex[routeKey(tenantID, channel)]; ok {
		return v, true
	}
	if v, ok := r.routeIndex[routeKey(tenantID, "")]; ok {
		return v, true
	}
	if r.Config.DefaultCluster != "" {
		return r.Config.DefaultCluster, true
	}
	return "", false
}

func (r Resolver) InboundTopic() string {
	if t := strings.TrimSpace(r.Config.InboundTopic); t != "" {
		return t
	}
	return events.TopicChannelInbound
}

// AcceptsChannel reports whether the channel passes the allow-list. No
// allow-list accepts everything.
func (r Resolver) AcceptsChannel(channel string) bool {
	if len(r.Config.Channels) == 0 {
		return true
	}
	channel = strings.ToLower(strings.TrimSpace(channel))
	for _, c := range r.Config.Channels {
		if strings.ToLower(strings.TrimSpace(c)) == channel {
			return true
		}
	}
	return false
}

func routeKey(tenantID string, channel string) string {
	tenantID = strings.ToLower(strings.TrimSpace(tenantID))
	channel = strings.ToLower(strings.TrimSpace(channel))
	if tenantID == "" {
		return ""
	}
	return tenantID + "|" + channel
}

func DefaultRoutesPath(env string) (string, error) {
	root, err := findRepoRoot()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(root, "configs", env+".gateway.routes.json"), nil
}

func findRepoRoot() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("repo root not found")
}

// Package etcd coordinates sheetsync processes sharing one store.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/sheetsync/internal/retry"
)

// DefaultPrefix namespaces sheetsync keys when the DSN has no path
const DefaultPrefix = "/sheetsync"

// Client wraps an etcd client together with the key prefix of this deployment
type Client struct {
	client *clientv3.Client
	prefix string
}

// NewClient creates a new etcd client from an etcd:// DSN
func NewClient(dsn string) (*Client, error) {
	config, prefix, err := ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"endpoints": config.Endpoints,
		"prefix":    prefix,
	}).Info("Connected to etcd successfully")

	return &Client{client: client, prefix: prefix}, nil
}

// NewClientWithRetry creates a client and checks it with a read, retrying with backoff
func NewClientWithRetry(ctx context.Context, dsn string) (*Client, error) {
	var client *Client
	err := retry.WithOperation(ctx, retry.EtcdDefaults(), func() error {
		var attemptErr error
		client, attemptErr = NewClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}
		if _, testErr := client.client.Get(ctx, client.prefix+"/healthcheck"); testErr != nil {
			_ = client.Close()
			return testErr
		}
		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}
	return client, nil
}

// Close closes the etcd client connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// ParseDSN parses etcd://host1:port1[,host2:port2]/[prefix]?param=value.
// Supported parameters: dial_timeout, username, password, tls=enabled and
// insecure_skip_verify=true.
func ParseDSN(dsn string) (*clientv3.Config, string, error) {
	if dsn == "" {
		return &clientv3.Config{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		}, DefaultPrefix, nil
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, "", errors.New("etcd DSN must start with etcd://")
	}

	u, err := url.Parse("dummy://" + strings.TrimPrefix(dsn, "etcd://"))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse DSN: %w", err)
	}
	if u.Host == "" {
		return nil, "", errors.New("etcd DSN has no endpoints")
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379" // Default etcd port
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	params := u.Query()
	if timeout := params.Get("dial_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, "", fmt.Errorf("invalid dial_timeout: %w", err)
		}
		config.DialTimeout = d
	}
	config.Username = params.Get("username")
	config.Password = params.Get("password")
	if params.Get("tls") == "enabled" {
		config.TLS = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: params.Get("insecure_skip_verify") == "true", //nolint:gosec // opt-in
		}
	}

	prefix := strings.TrimRight(u.Path, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return config, prefix, nil
}

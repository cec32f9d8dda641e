package adapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/singleflight"
)

const defaultConnectTimeout = 10 * time.Second

// ConnectOptions describe how to reach the MongoDB deployment behind the bucket.
type ConnectOptions struct {
	URL               string
	PasswordSecretArn string
	Region            string
	TLSCAFile         string
	TLSSkipVerify     bool
	ConnectTimeout    time.Duration
}

// Dialer opens and verifies a new MongoDB client.
type Dialer func(ctx context.Context, opts ConnectOptions) (*mongo.Client, error)

// Connector owns the single MongoDB client shared by every operation. The
// client is created on first use; concurrent first callers share one dial.
type Connector struct {
	dial  Dialer
	log   *logrus.Entry
	group singleflight.Group

	mu     sync.Mutex
	client *mongo.Client
	closed bool
}

// NewConnector creates a Connector that uses dial to create the client.
func NewConnector(dial Dialer, log *logrus.Entry) *Connector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Connector{
		dial: dial,
		log:  log.WithField("component", "connector"),
	}
}

// Acquire returns the shared client, dialing with opts if none exists yet.
// Once a client is cached, opts are ignored.
func (c *Connector) Acquire(ctx context.Context, opts ConnectOptions) (*mongo.Client, error) {
	c.mu.Lock()
	client, closed := c.client, c.closed
	c.mu.Unlock()
	if closed {
		return nil, &ConnectionError{Err: ErrConnectorClosed}
	}
	if client != nil {
		return client, nil
	}

	// The dial outlives any single caller; each caller only stops waiting
	// when its own context is done.
	dialCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("connect", func() (interface{}, error) {
		c.mu.Lock()
		if c.client != nil {
			client := c.client
			c.mu.Unlock()
			return client, nil
		}
		c.mu.Unlock()

		c.log.Info("Connecting to MongoDB")
		client, err := c.dial(dialCtx, opts)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = client.Disconnect(context.Background())
			return nil, ErrConnectorClosed
		}
		c.client = client
		c.mu.Unlock()

		c.log.Info("Successfully connected to MongoDB")
		return client, nil
	})

	select {
	case <-ctx.Done():
		return nil, &ConnectionError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			c.log.WithError(res.Err).WithField("shared", res.Shared).Error("Failed to connect to MongoDB")
			return nil, &ConnectionError{Err: res.Err}
		}
		return res.Val.(*mongo.Client), nil
	}
}

// Shutdown disconnects the shared client. Acquire fails afterwards.
func (c *Connector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.closed = true
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	c.log.Info("Disconnected from MongoDB")
	return nil
}

// NewMongoDialer returns the Dialer used in production. passwords may be nil,
// in which case AWS Secrets Manager is used.
func NewMongoDialer(log *logrus.Entry, passwords PasswordSource) Dialer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if passwords == nil {
		passwords = passwordFromSecretsManager
	}

	return func(ctx context.Context, opts ConnectOptions) (*mongo.Client, error) {
		if opts.URL == "" {
			return nil, fmt.Errorf("%w: connection url is required", ErrInvalidArgument)
		}

		timeout := opts.ConnectTimeout
		if timeout <= 0 {
			timeout = defaultConnectTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		clientOptions := options.Client().ApplyURI(opts.URL)

		if opts.PasswordSecretArn != "" {
			password, err := passwords(ctx, opts.Region, opts.PasswordSecretArn)
			if err != nil {
				return nil, fmt.Errorf("failed to get password from Secrets Manager: %w", err)
			}

			credential := options.Credential{
				AuthMechanism: "SCRAM-SHA-1",
				AuthSource:    "admin",
			}
			if clientOptions.Auth != nil {
				credential.Username = clientOptions.Auth.Username
				if clientOptions.Auth.AuthSource != "" {
					credential.AuthSource = clientOptions.Auth.AuthSource
				}
				if clientOptions.Auth.AuthMechanism != "" {
					credential.AuthMechanism = clientOptions.Auth.AuthMechanism
				}
			}
			if credential.Username == "" {
				return nil, errors.New("connection url must name a user when a password secret is configured")
			}
			credential.Password = password
			clientOptions.SetAuth(credential)
		}

		tlsConfig, err := tlsConfigFor(opts, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		if tlsConfig != nil {
			clientOptions.SetTLSConfig(tlsConfig)
		}

		client, err := mongo.Connect(ctx, clientOptions)
		if err != nil {
			return nil, err
		}

		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
		}
		return client, nil
	}
}

// tlsConfigFor builds a TLS configuration from a CA bundle, or nil when the
// connection string alone decides.
func tlsConfigFor(opts ConnectOptions, log *logrus.Entry) (*tls.Config, error) {
	if opts.TLSSkipVerify {
		log.Warn("Skipping TLS certificate verification - NOT for production use!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if opts.TLSCAFile == "" {
		return nil, nil
	}

	caCert, err := os.ReadFile(opts.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %w", opts.TLSCAFile, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", opts.TLSCAFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

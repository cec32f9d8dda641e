package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/googleforgames/open-saves/gridfs-adapter/adapter"
	"gopkg.in/yaml.v2"
)

// parameterStorePrefix selects AWS Systems Manager Parameter Store as the config source.
const parameterStorePrefix = "ssm:"

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort int `yaml:"http_port" json:"http_port"`
		GRPCPort int `yaml:"grpc_port" json:"grpc_port"`
	} `yaml:"server" json:"server"`
	AWS struct {
		Region string `yaml:"region" json:"region"`
	} `yaml:"aws" json:"aws"`
	Mongo struct {
		URL                   string `yaml:"url" json:"url"`
		Database              string `yaml:"database" json:"database"`
		Bucket                string `yaml:"bucket" json:"bucket"`
		PasswordSecretArn     string `yaml:"password_secret_arn" json:"password_secret_arn"`
		TLSCAFile             string `yaml:"tls_ca_file" json:"tls_ca_file"`
		TLSSkipVerify         bool   `yaml:"tls_skip_verify" json:"tls_skip_verify"`
		ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds" json:"connect_timeout_seconds"`
	} `yaml:"mongo" json:"mongo"`
	Receiver struct {
		Dirname            string `yaml:"dirname" json:"dirname"`
		ChunkSizeBytes     int32  `yaml:"chunk_size_bytes" json:"chunk_size_bytes"`
		MaxConcurrentFiles int    `yaml:"max_concurrent_files" json:"max_concurrent_files"`
	} `yaml:"receiver" json:"receiver"`
	Cache struct {
		Address string `yaml:"address" json:"address"`
		TTL     int    `yaml:"ttl" json:"ttl"`
	} `yaml:"cache" json:"cache"`
	Log struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"log" json:"log"`
}

// LoadConfig loads the configuration from a YAML file, or from Parameter Store
// when path has the form "ssm:<parameter name>".
func LoadConfig(path string) (*Config, error) {
	var (
		config *Config
		err    error
	)
	if name := strings.TrimPrefix(path, parameterStorePrefix); name != path {
		config, err = loadConfigFromParameterStore(name)
	} else {
		config, err = loadConfigFromFile(path)
	}
	if err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFromFile loads the configuration from a YAML file
func loadConfigFromFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

// loadConfigFromParameterStore loads the configuration from AWS Parameter Store
func loadConfigFromParameterStore(paramPath string) (*Config, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	param, err := ssm.New(sess).GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(paramPath),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter from Parameter Store: %w", err)
	}

	return parseParameterValue(aws.StringValue(param.Parameter.Value))
}

// parseParameterValue decodes a JSON document stored in Parameter Store
func parseParameterValue(value string) (*Config, error) {
	var config Config
	if err := json.Unmarshal([]byte(value), &config); err != nil {
		return nil, fmt.Errorf("failed to parse parameter value as JSON: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

// applyDefaults sets default values for the configuration
func applyDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 8081
	}
	if config.AWS.Region == "" {
		config.AWS.Region = "us-west-2"
	}
	// The connection URL names the cluster endpoint and has no default.
	if config.Mongo.Database == "" {
		config.Mongo.Database = "uploads"
	}
	if config.Mongo.Bucket == "" {
		config.Mongo.Bucket = "fs"
	}
	if config.Mongo.ConnectTimeoutSeconds == 0 {
		config.Mongo.ConnectTimeoutSeconds = 10
	}
	if config.Receiver.ChunkSizeBytes == 0 {
		config.Receiver.ChunkSizeBytes = 255 * 1024
	}
	if config.Cache.TTL == 0 {
		config.Cache.TTL = 60
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Mongo.URL == "" {
		return errors.New("mongo.url is required")
	}
	if c.Receiver.ChunkSizeBytes < 0 {
		return fmt.Errorf("receiver.chunk_size_bytes must be positive, got %d", c.Receiver.ChunkSizeBytes)
	}
	if c.Receiver.MaxConcurrentFiles < 0 {
		return fmt.Errorf("receiver.max_concurrent_files must not be negative, got %d", c.Receiver.MaxConcurrentFiles)
	}
	return nil
}

// adapterConfig maps the configuration onto the adapter settings.
func (c *Config) adapterConfig() adapter.Config {
	return adapter.Config{
		URL:                c.Mongo.URL,
		Database:           c.Mongo.Database,
		Bucket:             c.Mongo.Bucket,
		PasswordSecretArn:  c.Mongo.PasswordSecretArn,
		Region:             c.AWS.Region,
		TLSCAFile:          c.Mongo.TLSCAFile,
		TLSSkipVerify:      c.Mongo.TLSSkipVerify,
		ConnectTimeout:     time.Duration(c.Mongo.ConnectTimeoutSeconds) * time.Second,
		Dirname:            c.Receiver.Dirname,
		ChunkSizeBytes:     c.Receiver.ChunkSizeBytes,
		MaxConcurrentFiles: c.Receiver.MaxConcurrentFiles,
	}
}

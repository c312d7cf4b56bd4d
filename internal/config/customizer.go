// Package config implements the client config customizer: a
// factory-of-factories that turns global settings plus one stream's
// retrieval settings into everything a processor needs to talk to the
// upstream retrieval and lease-coordination services — retrieval
// strategy, worker identity, lease capacities, credentials, and a
// metrics sink.
package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
)

// RetrievalStrategy selects between enhanced fan-out and classic
// polling retrieval.
type RetrievalStrategy int

const (
	FanOut RetrievalStrategy = iota
	Polling
)

// InitialPositionKind is the kind of starting point for a new lease.
type InitialPositionKind int

const (
	Latest InitialPositionKind = iota
	TrimHorizon
	AtTimestamp
)

// InitialPosition pairs a kind with the timestamp AtTimestamp needs.
type InitialPosition struct {
	Kind      InitialPositionKind
	Timestamp time.Time
}

// MetricsLevel mirrors the upstream retrieval library's metrics
// verbosity knob.
type MetricsLevel int

const (
	MetricsNone MetricsLevel = iota
	MetricsSummary
	MetricsDetailed
)

// MetricsDriver selects which metrics sink CustomizeMetricsConfig binds.
type MetricsDriver int

const (
	DriverDefault MetricsDriver = iota
	DriverNone
	DriverLogging
	DriverMicrometer
)

// DynamoDBSettings configures the lease-coordination table.
type DynamoDBSettings struct {
	Endpoint           string
	LeaseTableReadCap  int64
	LeaseTableWriteCap int64
}

// StreamSettings is the per-stream retrieval configuration.
type StreamSettings struct {
	StreamName        string
	RetrievalStrategy RetrievalStrategy
	InitialPosition   InitialPosition
	MetricsLevel      MetricsLevel
	MetricsDriver     MetricsDriver
	RoleArn           string
}

// GlobalSettings is the factory-wide configuration.
type GlobalSettings struct {
	ConsumerGroup   string
	Region          string
	KinesisEndpoint string
	DynamoDB        DynamoDBSettings
	DisableCbor     bool
	MetricsRegistry MetricsSink
}

func (g GlobalSettings) validate() error {
	if g.ConsumerGroup == "" {
		return &ConfigurationError{Field: "consumerGroup", Reason: "must not be empty"}
	}
	if g.Region == "" {
		return &ConfigurationError{Field: "region", Reason: "must not be empty"}
	}
	return nil
}

// CredentialsFactory resolves an aws.CredentialsProvider, optionally
// assuming a role, splitting the default credential chain from the
// assume-role path.
type CredentialsFactory interface {
	Default(ctx context.Context, base aws.Config) aws.CredentialsProvider
	AssumeRole(ctx context.Context, base aws.Config, roleArn string) aws.CredentialsProvider
}

type defaultCredentialsFactory struct{}

func (defaultCredentialsFactory) Default(_ context.Context, base aws.Config) aws.CredentialsProvider {
	return base.Credentials
}

func (defaultCredentialsFactory) AssumeRole(_ context.Context, base aws.Config, roleArn string) aws.CredentialsProvider {
	stsClient := sts.NewFromConfig(base)
	return stscreds.NewAssumeRoleProvider(stsClient, roleArn)
}

// Factory is the top-level factory-of-factories. One instance exists
// per process; it produces one StreamCustomizer per logical stream.
type Factory struct {
	settings GlobalSettings
	base     aws.Config
	creds    CredentialsFactory
	log      *logrus.Entry
}

// NewFactory loads the default AWS config, validates settings, and
// applies the CBOR one-shot toggle if requested. ctx bounds the config
// load (credential chain discovery can make network calls).
func NewFactory(ctx context.Context, settings GlobalSettings) (*Factory, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}

	if settings.DisableCbor {
		DisableCBOR()
	}

	base, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(settings.Region))
	if err != nil {
		return nil, fmt.Errorf("loading default AWS config: %w", err)
	}

	return &Factory{
		settings: settings,
		base:     base,
		creds:    defaultCredentialsFactory{},
		log:      logrus.WithField("component", "config.Factory"),
	}, nil
}

// ForStream produces a customizer bound to one stream's settings.
// Worker identity is computed here, once, and stays fixed for the
// customizer's lifetime.
func (f *Factory) ForStream(stream StreamSettings) (*StreamCustomizer, error) {
	if stream.StreamName == "" {
		return nil, &ConfigurationError{Field: "streamName", Reason: "must not be empty"}
	}

	workerID, err := newWorkerIdentifier()
	if err != nil {
		return nil, fmt.Errorf("generating worker identifier: %w", err)
	}

	return &StreamCustomizer{
		factory:  f,
		stream:   stream,
		workerID: workerID,
		log:      f.log.WithField("stream", stream.StreamName),
	}, nil
}

func newWorkerIdentifier() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, id.String()), nil
}

// StreamCustomizer is the per-stream customizer produced by Factory.
// It is safe to call its methods repeatedly; workerIdentifier is fixed
// at construction.
type StreamCustomizer struct {
	factory  *Factory
	stream   StreamSettings
	workerID string
	log      *logrus.Entry
}

// ApplicationName returns "<consumerGroup>_<streamName>".
func (c *StreamCustomizer) ApplicationName() string {
	return fmt.Sprintf("%s_%s", c.factory.settings.ConsumerGroup, c.stream.StreamName)
}

// WorkerIdentifier returns the fixed "<host>:<uuid>" worker identity.
func (c *StreamCustomizer) WorkerIdentifier() string {
	return c.workerID
}

// RetrievalConfig is the subset of retrieval tuning the customizer sets.
type RetrievalConfig struct {
	Strategy        RetrievalStrategy
	InitialPosition InitialPosition
	HTTPClient      *http.Client
}

// CustomizeRetrievalConfig sets the initial position and strategy, and
// for Polling forces HTTP/1.1 on the inner client — enhanced fan-out
// needs the HTTP/2 long-lived stream, but polling's short request/
// response cycle is cheaper over HTTP/1.1 and avoids the upstream
// library's known HTTP/2 keepalive churn under polling load.
func (c *StreamCustomizer) CustomizeRetrievalConfig(rc *RetrievalConfig) {
	rc.Strategy = c.stream.RetrievalStrategy
	rc.InitialPosition = c.stream.InitialPosition
	if c.stream.RetrievalStrategy == Polling {
		rc.HTTPClient = forceHTTP11Client()
	}
}

func forceHTTP11Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{}, // disables ALPN h2 upgrade
		},
	}
}

// LeaseManagementConfig is the subset of lease-table tuning the
// customizer sets.
type LeaseManagementConfig struct {
	InitialLeaseTableReadCapacity  int64
	InitialLeaseTableWriteCapacity int64
	Executor                       *InstrumentedExecutor
}

// CustomizeLeaseManagementConfig applies the configured lease-table
// capacities and, when a metrics registry is available, wraps the
// coordination executor so queue depth and active-worker counts are
// observable.
func (c *StreamCustomizer) CustomizeLeaseManagementConfig(lc *LeaseManagementConfig) {
	lc.InitialLeaseTableReadCapacity = c.factory.settings.DynamoDB.LeaseTableReadCap
	lc.InitialLeaseTableWriteCapacity = c.factory.settings.DynamoDB.LeaseTableWriteCap
	if c.factory.settings.MetricsRegistry != nil {
		lc.Executor = NewInstrumentedExecutor(c.stream.StreamName+"-lease-mgmt", defaultExecutorCapacity)
	}
}

// CoordinatorConfig is the subset of coordinator tuning the customizer
// sets.
type CoordinatorConfig struct {
	Executor *InstrumentedExecutor
}

// CustomizeCoordinatorConfig decorates the coordinator's executor with
// the same instrumentation as the lease-management executor, when a
// metrics registry is available.
func (c *StreamCustomizer) CustomizeCoordinatorConfig(cc *CoordinatorConfig) {
	if c.factory.settings.MetricsRegistry != nil {
		cc.Executor = NewInstrumentedExecutor(c.stream.StreamName+"-coordinator", defaultExecutorCapacity)
	}
}

// MetricsConfig is the subset of metrics tuning the customizer sets.
type MetricsConfig struct {
	Level MetricsLevel
	Sink  MetricsSink
}

// CustomizeMetricsConfig sets the level and resolves the sink by
// driver, falling back to a null sink with a logged warning when
// MICROMETER is requested but no registry is wired. DriverDefault leaves
// mc.Sink as the caller set it.
func (c *StreamCustomizer) CustomizeMetricsConfig(mc *MetricsConfig) {
	mc.Level = c.stream.MetricsLevel

	switch c.stream.MetricsDriver {
	case DriverNone:
		mc.Sink = nullSink{}
	case DriverLogging:
		mc.Sink = newLoggingSink(c.log)
	case DriverMicrometer:
		if c.factory.settings.MetricsRegistry != nil {
			mc.Sink = c.factory.settings.MetricsRegistry
		} else {
			c.log.Warn("metricsDriver=MICROMETER requested but no metrics registry is configured, falling back to null sink")
			mc.Sink = nullSink{}
		}
	default: // DriverDefault: sink unchanged
	}
}

// resolveCredentials applies the default-vs-assume-role split.
func (c *StreamCustomizer) resolveCredentials(ctx context.Context) aws.CredentialsProvider {
	if c.stream.RoleArn != "" {
		return c.factory.creds.AssumeRole(ctx, c.factory.base, c.stream.RoleArn)
	}
	return c.factory.creds.Default(ctx, c.factory.base)
}

// CustomizeKinesisClientBuilder returns the base config and the
// kinesis-specific option funcs needed to construct a client bound to
// this stream's credentials, region, and endpoint override.
func (c *StreamCustomizer) CustomizeKinesisClientBuilder(ctx context.Context) (aws.Config, []func(*kinesis.Options)) {
	cfg := c.factory.base.Copy()
	cfg.Credentials = c.resolveCredentials(ctx)

	var opts []func(*kinesis.Options)
	if c.factory.settings.KinesisEndpoint != "" {
		endpoint := c.factory.settings.KinesisEndpoint
		opts = append(opts, func(o *kinesis.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if c.stream.RetrievalStrategy == Polling {
		httpClient := forceHTTP11Client()
		opts = append(opts, func(o *kinesis.Options) { o.HTTPClient = httpClient })
	}
	return cfg, opts
}

// CustomizeDynamoClientBuilder returns the base config and the
// dynamodb-specific option funcs for the lease table client.
func (c *StreamCustomizer) CustomizeDynamoClientBuilder(ctx context.Context) (aws.Config, []func(*dynamodb.Options)) {
	cfg := c.factory.base.Copy()
	cfg.Credentials = c.resolveCredentials(ctx)

	var opts []func(*dynamodb.Options)
	if endpoint := c.factory.settings.DynamoDB.Endpoint; endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	return cfg, opts
}

// CustomizeCloudWatchClientBuilder returns the base config and the
// cloudwatch-specific option funcs for the Micrometer-driver metrics
// path's upstream publisher, when one is needed.
func (c *StreamCustomizer) CustomizeCloudWatchClientBuilder(ctx context.Context) (aws.Config, []func(*cloudwatch.Options)) {
	cfg := c.factory.base.Copy()
	cfg.Credentials = c.resolveCredentials(ctx)
	return cfg, nil
}

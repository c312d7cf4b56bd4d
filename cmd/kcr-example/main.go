// Command kcr-example wires a handler, a client config customizer, a
// record processor, and an outbound gateway together against a single
// Kinesis stream, demonstrating the full consume-and-republish data
// flow described by this repository's record-processing components.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shardwright/kcr/internal/checkpoint"
	"github.com/shardwright/kcr/internal/config"
	"github.com/shardwright/kcr/internal/gateway"
	"github.com/shardwright/kcr/internal/processor"
	"github.com/shardwright/kcr/internal/record"
)

// fileConfig is the on-disk shape consumed by loadConfig, following the
// flat yaml.v3-decoded config structs used across this ecosystem.
type fileConfig struct {
	ConsumerGroup string `yaml:"consumer_group"`
	Region        string `yaml:"region"`
	Stream        struct {
		Name              string `yaml:"name"`
		RetrievalStrategy string `yaml:"retrieval_strategy"`
		RoleArn           string `yaml:"role_arn"`
	} `yaml:"stream"`
	Kinesis struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"kinesis"`
	DynamoDB struct {
		Endpoint           string `yaml:"endpoint"`
		Table              string `yaml:"table"`
		LeaseTableReadCap  int64  `yaml:"lease_table_read_capacity"`
		LeaseTableWriteCap int64  `yaml:"lease_table_write_capacity"`
	} `yaml:"dynamodb"`
	Checkpointing struct {
		Strategy   string        `yaml:"strategy"`
		MaxRetries int           `yaml:"max_retries"`
		Backoff    time.Duration `yaml:"backoff"`
	} `yaml:"checkpointing"`
	DisableCbor bool `yaml:"disable_cbor"`
}

func loadConfig() (*fileConfig, error) {
	path := os.Getenv("KCR_CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

// orderPlaced is the example handler-declared record data type.
type orderPlaced struct {
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	Total      float64 `json:"total"`
}

// orderMetadata is the example handler-declared metadata type (M).
type orderMetadata struct {
	TraceID string `json:"trace_id"`
}

// orderHandler republishes every order it sees into a downstream
// stream via the outbound gateway, demonstrating the consume-then-
//-republish shape the runtime is built for.
type orderHandler struct {
	streamName     string
	downstream     *gateway.Gateway
	downstreamName string
	log            *logrus.Entry
}

func (h *orderHandler) Stream() string { return h.streamName }

func (h *orderHandler) HandleRecord(ctx context.Context, rec record.Record[orderPlaced, orderMetadata], execCtx record.ExecutionContext) error {
	h.log.WithFields(logrus.Fields{
		"sequence_number": execCtx.SequenceNumber,
		"shard_id":        execCtx.ShardID,
		"order_id":        rec.Data.OrderID,
	}).Info("processing order")

	_, _, err := h.downstream.Send(ctx, h.downstreamName, rec.Data.CustomerID, rec.Data, rec.Metadata)
	if err != nil {
		return fmt.Errorf("republishing order %s: %w", rec.Data.OrderID, err)
	}
	return nil
}

func (h *orderHandler) HandleDeserializationError(ctx context.Context, raw []byte, cause error, execCtx record.ExecutionContext) error {
	h.log.WithError(cause).WithField("sequence_number", execCtx.SequenceNumber).Warn("dropping malformed record")
	return nil
}

func parseRetrievalStrategy(s string) config.RetrievalStrategy {
	if s == "polling" {
		return config.Polling
	}
	return config.FanOut
}

func parseStrategy(s string) processor.Strategy {
	if s == "record" {
		return processor.Record
	}
	return processor.Batch
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "kcr-example")

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory, err := config.NewFactory(ctx, config.GlobalSettings{
		ConsumerGroup:   cfg.ConsumerGroup,
		Region:          cfg.Region,
		KinesisEndpoint: cfg.Kinesis.Endpoint,
		DynamoDB: config.DynamoDBSettings{
			Endpoint:           cfg.DynamoDB.Endpoint,
			LeaseTableReadCap:  cfg.DynamoDB.LeaseTableReadCap,
			LeaseTableWriteCap: cfg.DynamoDB.LeaseTableWriteCap,
		},
		DisableCbor: cfg.DisableCbor,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build client config factory")
	}

	customizer, err := factory.ForStream(config.StreamSettings{
		StreamName:        cfg.Stream.Name,
		RetrievalStrategy: parseRetrievalStrategy(cfg.Stream.RetrievalStrategy),
		RoleArn:           cfg.Stream.RoleArn,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build stream customizer")
	}

	log.WithFields(logrus.Fields{
		"application_name": customizer.ApplicationName(),
		"worker_id":        customizer.WorkerIdentifier(),
	}).Info("starting worker")

	kinesisAWSCfg, kinesisOptFns := customizer.CustomizeKinesisClientBuilder(ctx)
	kinesisClient := kinesis.NewFromConfig(kinesisAWSCfg, kinesisOptFns...)

	dynamoAWSCfg, dynamoOptFns := customizer.CustomizeDynamoClientBuilder(ctx)
	dynamoClient := dynamodb.NewFromConfig(dynamoAWSCfg, dynamoOptFns...)

	gw := gateway.New(kinesisClient)

	h := &orderHandler{
		streamName:     cfg.Stream.Name,
		downstream:     gw,
		downstreamName: cfg.Stream.Name + "-processed",
		log:            log,
	}

	events := processor.NewEventPublisher()
	events.Subscribe(func(e any) {
		switch ev := e.(type) {
		case processor.WorkerInitializedEvent:
			log.WithField("shard_id", ev.ShardID).Info("worker initialized")
		case processor.ShardEndedEvent:
			log.WithField("shard_id", ev.ShardID).Info("shard ended")
		case processor.LeaseLostEvent:
			log.WithField("shard_id", ev.ShardID).Warn("lease lost")
		}
	})

	procCfg := processor.Config{
		Strategy:   parseStrategy(cfg.Checkpointing.Strategy),
		MaxRetries: cfg.Checkpointing.MaxRetries,
		Backoff:    cfg.Checkpointing.Backoff,
	}

	shards, err := kinesisClient.ListShards(ctx, &kinesis.ListShardsInput{
		StreamName: aws.String(cfg.Stream.Name),
	})
	if err != nil {
		log.WithError(err).Fatal("failed to list shards")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var shutdown = make(chan struct{})
	go func() {
		<-sigChan
		log.Info("shutdown requested, draining shards")
		close(shutdown)
		cancel()
	}()

	var wg sync.WaitGroup
	for _, shard := range shards.Shards {
		shardID := aws.ToString(shard.ShardId)

		cp := checkpoint.NewDynamoDBCheckpointer(dynamoClient, cfg.DynamoDB.Table, customizer.ApplicationName(), shardID, "")
		startingSeq, err := cp.CurrentSequence(ctx)
		if err != nil {
			log.WithError(err).WithField("shard_id", shardID).Error("failed to read existing checkpoint, starting from trim horizon")
		}

		p := processor.New[orderPlaced, orderMetadata](h, procCfg, events, log)
		p.Initialize(shardID)

		wg.Add(1)
		go func() {
			defer wg.Done()
			pollShard(ctx, log, kinesisClient, cfg.Stream.Name, shardID, startingSeq, p, cp, shutdown)
		}()
	}

	<-shutdown
	wg.Wait()
	log.Info("all shard pollers signalled, exiting")
}

// pollShard repeatedly fetches a batch of records from one shard and
// feeds it through the processor, following the get-iterator-then-
// -get-records loop this ecosystem's raw-SDK consumers use.
func pollShard(
	ctx context.Context,
	log *logrus.Entry,
	client *kinesis.Client,
	streamName, shardID, startingSequence string,
	p *processor.Processor[orderPlaced, orderMetadata],
	cp *checkpoint.DynamoDBCheckpointer,
	shutdown <-chan struct{},
) {
	iter, err := getShardIterator(ctx, client, streamName, shardID, startingSequence)
	if err != nil {
		log.WithError(err).WithField("shard_id", shardID).Error("failed to obtain shard iterator")
		return
	}

	for {
		select {
		case <-shutdown:
			if err := p.ShutdownRequested(context.Background(), cp); err != nil {
				log.WithError(err).WithField("shard_id", shardID).Error("shutdown checkpoint failed")
			}
			return
		default:
		}

		out, err := client.GetRecords(ctx, &kinesis.GetRecordsInput{ShardIterator: aws.String(iter)})
		if err != nil {
			log.WithError(err).WithField("shard_id", shardID).Error("GetRecords failed")
			time.Sleep(time.Second)
			continue
		}

		if len(out.Records) > 0 {
			batch := toRawBatch(out.Records)
			if err := p.ProcessRecords(ctx, batch, cp); err != nil {
				log.WithError(err).WithField("shard_id", shardID).Error("batch processing failed")
			}
		}

		if out.NextShardIterator == nil {
			if err := p.ShardEnded(context.Background(), cp); err != nil {
				log.WithError(err).WithField("shard_id", shardID).Error("shard-end checkpoint failed")
			}
			return
		}
		iter = aws.ToString(out.NextShardIterator)

		if len(out.Records) == 0 {
			time.Sleep(time.Second)
		}
	}
}

func getShardIterator(ctx context.Context, client *kinesis.Client, streamName, shardID, startingSequence string) (string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(streamName),
		ShardId:    aws.String(shardID),
	}
	if startingSequence != "" {
		input.ShardIteratorType = kinesistypes.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = aws.String(startingSequence)
	} else {
		input.ShardIteratorType = kinesistypes.ShardIteratorTypeTrimHorizon
	}

	out, err := client.GetShardIterator(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ShardIterator), nil
}

func toRawBatch(records []kinesistypes.Record) []record.Raw {
	batch := make([]record.Raw, 0, len(records))
	for _, r := range records {
		batch = append(batch, record.Raw{
			SequenceNumber: aws.ToString(r.SequenceNumber),
			Payload:        r.Data,
			PartitionKey:   aws.ToString(r.PartitionKey),
		})
	}
	return batch
}

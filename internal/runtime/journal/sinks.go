package journal

import (
	"context"
	"fmt"
	net_http "net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/leopard/internal/runtime/config"
	"github.com/drblury/leopard/internal/runtime/jsoncodec"
	"github.com/drblury/leopard/internal/runtime/metadata"
)

// Sink names accepted in config.Journal.Sink.
const (
	SinkChannel  = "channel"
	SinkIO       = "io"
	SinkNATS     = "nats"
	SinkKafka    = "kafka"
	SinkRabbitMQ = "rabbitmq"
	SinkAWS      = "aws"
	SinkHTTP     = "http"
)

// Builder creates the publisher for one sink.
type Builder func(ctx context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (message.Publisher, error)

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{
		SinkChannel:  channelSink,
		SinkIO:       ioSink,
		SinkNATS:     natsSink,
		SinkKafka:    kafkaSink,
		SinkRabbitMQ: rabbitSink,
		SinkAWS:      awsSink,
		SinkHTTP:     httpSink,
	}
)

// Register adds or replaces the builder for name.
func Register(name string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[name] = b
}

// Sinks lists the registered sink names in sorted order.
func Sinks() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Builder, error) {
	buildersMu.RLock()
	b, ok := builders[name]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown journal sink %q (registered: %v)", name, Sinks())
	}
	return b, nil
}

// Factories are package variables so tests can swap them for fakes.
var (
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) message.Publisher {
		return gochannel.NewGoChannel(cfg, logger)
	}
	IOPublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &ioPublisher{filePath: filePath, logger: logger}, nil
	}
	NATSPublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return wmnats.NewPublisher(cfg, logger)
	}
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	AWSDefaultConfigLoader  = awsconfig.LoadDefaultConfig
	SNSTopicResolverFactory = sns.NewGenerateArnTopicResolver
	SNSPublisherFactory     = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	HTTPPublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(cfg, logger)
	}
)

func channelSink(_ context.Context, _ config.Journal, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return GoChannelFactory(gochannel.Config{OutputChannelBuffer: 256, Persistent: false}, logger), nil
}

func ioSink(_ context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (message.Publisher, error) {
	filePath := cfg.IOFile
	if filePath == "" {
		filePath = "journal.log"
	}
	return IOPublisherFactory(filePath, logger)
}

func natsSink(_ context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (message.Publisher, error) {
	natsURL := cfg.NATSURL
	if natsURL == "" {
		natsURL = config.DefaultNATSURL
	}
	return NATSPublisherFactory(wmnats.PublisherConfig{
		URL:       natsURL,
		Marshaler: &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{Disabled: true},
	}, logger)
}

func kafkaSink(_ context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (message.Publisher, error) {
	saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
	if cfg.KafkaClientID != "" {
		saramaCfg.ClientID = cfg.KafkaClientID
	}
	return KafkaPublisherFactory(kafka.PublisherConfig{
		Brokers:               cfg.KafkaBrokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: saramaCfg,
	}, logger)
}

func rabbitSink(_ context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (message.Publisher, error) {
	amqpConfig := amqp.NewDurablePubSubConfig(cfg.RabbitMQURL, amqp.GenerateQueueNameTopicName)
	conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   cfg.RabbitMQURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := AmqpPublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return publisher, nil
}

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

func awsSink(ctx context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (message.Publisher, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	topicResolver, err := SNSTopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}

	publisherConfig := sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if cfg.AWSEndpoint != "" {
		endpoint, err := url.Parse(cfg.AWSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
		}
		publisherConfig.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
			}),
		}
	}

	publisher, err := SNSPublisherFactory(publisherConfig, logger)
	if err != nil {
		return nil, err
	}
	return snsTopicPublisher{Publisher: publisher}, nil
}

func createAWSConfig(ctx context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)))
	}

	awsCfg, err := AWSDefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": cfg.AWSRegion})
		return nil, err
	}
	if cfg.AWSRegion != "" {
		awsCfg.Region = cfg.AWSRegion
	}
	return &awsCfg, nil
}

func resolveAccountAndRegion(cfg config.Journal, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.AWSAccountID, "\"' ")
	region := cfg.AWSRegion
	if region == "" {
		region = fallbackRegion
	}
	if cfg.AWSEndpoint == "" {
		return accountID, region
	}
	if accountID == "" || len(accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack default AWS account ID", watermill.LogFields{"configured": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

// snsTopicPublisher maps dotted topics onto names SNS accepts.
type snsTopicPublisher struct {
	message.Publisher
}

func (p snsTopicPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.Publisher.Publish(snsTopicName(topic), messages...)
}

func snsTopicName(topic string) string {
	return strings.NewReplacer(".", "-", "/", "-", ":", "-").Replace(topic)
}

func httpSink(_ context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (message.Publisher, error) {
	base := strings.TrimRight(cfg.HTTPURL, "/")
	return HTTPPublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*net_http.Request, error) {
			return http.DefaultMarshalMessageFunc(base+"/"+topic, msg)
		},
	}, logger)
}

// ioPublisher appends one JSON line per message to a file.
type ioPublisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

type storedMessage struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata metadata.Metadata `json:"metadata,omitempty"`
	Record   jsoncodec.Raw     `json:"record"`
}

func (p *ioPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, msg := range messages {
		line, err := jsoncodec.Marshal(storedMessage{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: metadata.FromWatermill(msg.Metadata),
			Record:   jsoncodec.Raw(msg.Payload),
		})
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (p *ioPublisher) Close() error {
	return nil
}

package journal

import (
	"bufio"
	"context"
	"errors"
	net_http "net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/leopard/internal/runtime/config"
	"github.com/drblury/leopard/internal/runtime/ids"
	"github.com/drblury/leopard/internal/runtime/jsoncodec"
)

type testPublisher struct {
	mu       sync.Mutex
	topics   []string
	messages []*message.Message
	err      error
	closed   int
}

func (p *testPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for range msgs {
		p.topics = append(p.topics, topic)
	}
	p.messages = append(p.messages, msgs...)
	return nil
}

func (p *testPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func TestNewRequiresPublisher(t *testing.T) {
	_, err := New(nil, "x")
	require.Error(t, err)

	j, err := New(&testPublisher{}, "")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultJournalTopic, j.Topic())
}

func TestPublishEncodesRecord(t *testing.T) {
	pub := &testPublisher{}
	j, err := New(pub, "requests")
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err = j.Publish(context.Background(), Record{
		Time:          at,
		Service:       "echo",
		Instance:      2,
		Endpoint:      "echo",
		Subject:       "echo",
		Result:        "success",
		DurationMs:    1.5,
		CorrelationID: "abc",
	})
	require.NoError(t, err)

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "requests", pub.topics[0])
	assert.Equal(t, "echo", msg.Metadata.Get(MetadataEndpoint))
	assert.Equal(t, "success", msg.Metadata.Get(MetadataResult))
	assert.Equal(t, "abc", msg.Metadata.Get(MetadataCorrelationID))

	var rec Record
	require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &rec))
	assert.Equal(t, msg.UUID, rec.ID)
	assert.Equal(t, 2, rec.Instance)
	assert.True(t, rec.Time.Equal(at))

	idTime, err := ids.Time(rec.ID)
	require.NoError(t, err)
	assert.True(t, idTime.Equal(at), "record id should carry the record time")
}

func TestPublishFillsMissingIDAndTime(t *testing.T) {
	pub := &testPublisher{}
	j, _ := New(pub, "t")

	require.NoError(t, j.Publish(context.Background(), Record{Endpoint: "x"}))
	require.Len(t, pub.messages, 1)
	assert.NotEmpty(t, pub.messages[0].UUID)
	assert.Empty(t, pub.messages[0].Metadata.Get(MetadataCorrelationID))
}

func TestPublishWrapsSinkError(t *testing.T) {
	sinkErr := errors.New("sink down")
	j, _ := New(&testPublisher{err: sinkErr}, "t")

	err := j.Publish(context.Background(), Record{})
	require.ErrorIs(t, err, sinkErr)
	assert.Contains(t, err.Error(), `"t"`)
}

func TestCloseOnce(t *testing.T) {
	pub := &testPublisher{}
	j, _ := New(pub, "t")
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	assert.Equal(t, 1, pub.closed)

	var nilJournal *Journal
	assert.NoError(t, nilJournal.Close())
}

func TestOpenWithoutSinkIsDisabled(t *testing.T) {
	j, err := Open(context.Background(), config.Journal{}, nil)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestOpenUnknownSink(t *testing.T) {
	_, err := Open(context.Background(), config.Journal{Sink: "carrier-pigeon"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
	assert.Contains(t, err.Error(), SinkKafka)
}

func TestOpenChannelSinkDeliversToSubscriber(t *testing.T) {
	var gc *gochannel.GoChannel
	orig := GoChannelFactory
	t.Cleanup(func() { GoChannelFactory = orig })
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) message.Publisher {
		gc = gochannel.NewGoChannel(cfg, logger)
		return gc
	}

	j, err := Open(context.Background(), config.Journal{Sink: SinkChannel, Topic: "journal"}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := gc.Subscribe(ctx, "journal")
	require.NoError(t, err)

	require.NoError(t, j.Publish(context.Background(), Record{Endpoint: "meow", Result: "success"}))

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, "meow", msg.Metadata.Get(MetadataEndpoint))
	case <-time.After(2 * time.Second):
		t.Fatal("record was not delivered")
	}
}

func TestIOSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(context.Background(), config.Journal{Sink: SinkIO, IOFile: path, Topic: "t"}, watermill.NopLogger{})
	require.NoError(t, err)

	require.NoError(t, j.Publish(context.Background(), Record{Endpoint: "a"}))
	require.NoError(t, j.Publish(context.Background(), Record{Endpoint: "b"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var endpoints []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line struct {
			Topic  string `json:"topic"`
			Record Record `json:"record"`
		}
		require.NoError(t, jsoncodec.Unmarshal(scanner.Bytes(), &line))
		assert.Equal(t, "t", line.Topic)
		endpoints = append(endpoints, line.Record.Endpoint)
	}
	assert.Equal(t, []string{"a", "b"}, endpoints)
}

func TestNATSSinkUsesCoreNATS(t *testing.T) {
	orig := NATSPublisherFactory
	t.Cleanup(func() { NATSPublisherFactory = orig })

	var got wmnats.PublisherConfig
	NATSPublisherFactory = func(cfg wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		got = cfg
		return &testPublisher{}, nil
	}

	_, err := Open(context.Background(), config.Journal{Sink: SinkNATS}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultNATSURL, got.URL)
	assert.True(t, got.JetStream.Disabled)
}

func TestKafkaSinkPassesBrokersAndClientID(t *testing.T) {
	orig := KafkaPublisherFactory
	t.Cleanup(func() { KafkaPublisherFactory = orig })

	var got kafka.PublisherConfig
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		got = cfg
		return &testPublisher{}, nil
	}

	_, err := Open(context.Background(), config.Journal{
		Sink:          SinkKafka,
		KafkaBrokers:  []string{"k1:9092"},
		KafkaClientID: "leopard-echo",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092"}, got.Brokers)
	require.NotNil(t, got.OverwriteSaramaConfig)
	assert.Equal(t, "leopard-echo", got.OverwriteSaramaConfig.ClientID)
}

func TestSinkBuildErrorIsWrapped(t *testing.T) {
	orig := KafkaPublisherFactory
	t.Cleanup(func() { KafkaPublisherFactory = orig })
	KafkaPublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("no brokers")
	}

	_, err := Open(context.Background(), config.Journal{Sink: SinkKafka}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal kafka: no brokers")
}

func TestAWSSinkRewritesTopicAndUsesLocalstackAccount(t *testing.T) {
	origLoader, origTopic, origPub := AWSDefaultConfigLoader, SNSTopicResolverFactory, SNSPublisherFactory
	t.Cleanup(func() {
		AWSDefaultConfigLoader = origLoader
		SNSTopicResolverFactory = origTopic
		SNSPublisherFactory = origPub
	})

	AWSDefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	var accountID string
	SNSTopicResolverFactory = func(account, region string) (*sns.GenerateArnTopicResolver, error) {
		accountID = account
		return origTopic(account, region)
	}
	inner := &testPublisher{}
	var got sns.PublisherConfig
	SNSPublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		got = cfg
		return inner, nil
	}

	j, err := Open(context.Background(), config.Journal{
		Sink:        SinkAWS,
		Topic:       "leopard.journal",
		AWSRegion:   "eu-west-1",
		AWSEndpoint: "http://localhost:4566",
	}, watermill.NopLogger{})
	require.NoError(t, err)

	assert.Equal(t, localstackAccountID, accountID)
	assert.Equal(t, "eu-west-1", got.AWSConfig.Region)
	assert.Len(t, got.OptFns, 1)

	require.NoError(t, j.Publish(context.Background(), Record{}))
	assert.Equal(t, []string{"leopard-journal"}, inner.topics)
}

func TestAWSSinkLoaderError(t *testing.T) {
	orig := AWSDefaultConfigLoader
	t.Cleanup(func() { AWSDefaultConfigLoader = orig })
	AWSDefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("boom")
	}

	_, err := Open(context.Background(), config.Journal{Sink: SinkAWS}, watermill.NopLogger{})
	require.Error(t, err)
}

func TestResolveAccountAndRegion(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.Journal
		wantAccount string
		wantRegion  string
	}{
		{"explicit", config.Journal{AWSAccountID: "123456789012", AWSRegion: "eu-west-1"}, "123456789012", "eu-west-1"},
		{"quoted", config.Journal{AWSAccountID: `"123456789012"`}, "123456789012", "us-east-1"},
		{"localstack empty", config.Journal{AWSEndpoint: "http://localstack"}, localstackAccountID, "us-east-1"},
		{"localstack invalid", config.Journal{AWSEndpoint: "http://localstack", AWSAccountID: "12"}, localstackAccountID, "us-east-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, region := resolveAccountAndRegion(tt.cfg, watermill.NopLogger{}, "us-east-1")
			assert.Equal(t, tt.wantAccount, account)
			assert.Equal(t, tt.wantRegion, region)
		})
	}
}

func TestHTTPSinkPostsToTopicURL(t *testing.T) {
	orig := HTTPPublisherFactory
	t.Cleanup(func() { HTTPPublisherFactory = orig })

	var got http.PublisherConfig
	HTTPPublisherFactory = func(cfg http.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		got = cfg
		return &testPublisher{}, nil
	}

	_, err := Open(context.Background(), config.Journal{Sink: SinkHTTP, HTTPURL: "http://collector:8080/hooks/"}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, got.MarshalMessageFunc)

	req, err := got.MarshalMessageFunc("leopard.journal", message.NewMessage("id", []byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, net_http.MethodPost, req.Method)
	assert.Equal(t, "http://collector:8080/hooks/leopard.journal", req.URL.String())
}

func TestRegisterCustomSink(t *testing.T) {
	pub := &testPublisher{}
	Register("test-sink", func(context.Context, config.Journal, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	})
	t.Cleanup(func() {
		buildersMu.Lock()
		delete(builders, "test-sink")
		buildersMu.Unlock()
	})

	assert.Contains(t, Sinks(), "test-sink")
	j, err := Open(context.Background(), config.Journal{Sink: "test-sink", Topic: "x"}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Publish(context.Background(), Record{}))
	assert.Len(t, pub.messages, 1)
}

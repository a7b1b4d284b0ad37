package leopard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/leopard/internal/runtime"
	configpkg "github.com/drblury/leopard/internal/runtime/config"
	errspkg "github.com/drblury/leopard/internal/runtime/errors"
	idspkg "github.com/drblury/leopard/internal/runtime/ids"
	"github.com/drblury/leopard/internal/runtime/journal"
	"github.com/drblury/leopard/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
	metadatapkg "github.com/drblury/leopard/internal/runtime/metadata"
	"github.com/drblury/leopard/transport"
)

type (
	Registry       = runtimepkg.Registry
	Snapshot       = runtimepkg.Snapshot
	Endpoint       = runtimepkg.Endpoint
	Group          = runtimepkg.Group
	EndpointOption = runtimepkg.EndpointOption
	GroupOption    = runtimepkg.GroupOption
	Initializer    = runtimepkg.Initializer
	Instance       = runtimepkg.Instance

	Handler  = runtimepkg.Handler
	Message  = runtimepkg.Message
	Outcome  = runtimepkg.Outcome
	Result   = runtimepkg.Result
	Metadata = metadatapkg.Metadata

	Middleware             = runtimepkg.Middleware
	MiddlewareFunc         = runtimepkg.MiddlewareFunc
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	MessageFunc            = runtimepkg.MessageFunc
	Hooks                  = runtimepkg.Hooks
	RequestContext         = runtimepkg.RequestContext

	RunOptions       = runtimepkg.RunOptions
	ServiceOptions   = runtimepkg.ServiceOptions
	Pool             = runtimepkg.Pool
	Worker           = runtimepkg.Worker
	GroupHandle      = runtimepkg.GroupHandle
	AttachedEndpoint = runtimepkg.AttachedEndpoint
	StatsRegistry    = runtimepkg.StatsRegistry
	EndpointStats    = runtimepkg.EndpointStats

	Config        = configpkg.Config
	JournalConfig = configpkg.Journal
	Journal       = journal.Journal
	JournalRecord = journal.Record

	ServiceLogger = loggingpkg.ServiceLogger
	LogFields     = loggingpkg.LogFields

	ConfigurationError = errspkg.ConfigurationError
	ConnectionError    = errspkg.ConnectionError
	PanicError         = errspkg.PanicError

	Dialer     = transport.Dialer
	DialerFunc = transport.DialerFunc
	Connection = transport.Connection
)

type EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

const (
	ResultPending  = runtimepkg.ResultPending
	ResultSuccess  = runtimepkg.ResultSuccess
	ResultFailure  = runtimepkg.ResultFailure
	ResultError    = runtimepkg.ResultError
	ResultInvalid  = runtimepkg.ResultInvalid
	ResultRejected = runtimepkg.ResultRejected

	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

var (
	NewRegistry = runtimepkg.NewRegistry
	Run         = runtimepkg.Run

	Success = runtimepkg.Success
	Failure = runtimepkg.Failure

	WithSubject    = runtimepkg.WithSubject
	WithQueue      = runtimepkg.WithQueue
	InGroup        = runtimepkg.InGroup
	WithParent     = runtimepkg.WithParent
	WithGroupQueue = runtimepkg.WithGroupQueue

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RateLimitMiddleware     = runtimepkg.RateLimitMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	JournalMiddleware       = runtimepkg.JournalMiddleware
	HooksMiddleware         = runtimepkg.HooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig
	BindFlags      = configpkg.BindFlags

	OpenJournal     = journal.Open
	RegisterJournal = journal.Register

	RegisterTransport = transport.Register

	NewServiceLogger          = loggingpkg.NewServiceLogger
	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	IsConfigurationError = errspkg.IsConfiguration
	IsResultError        = errspkg.IsResult

	ErrRegistryRequired     = errspkg.ErrRegistryRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrEndpointNameRequired = errspkg.ErrEndpointNameRequired
	ErrGroupNameRequired    = errspkg.ErrGroupNameRequired
	ErrDialerRequired       = errspkg.ErrDialerRequired
	ErrServiceNameRequired  = errspkg.ErrServiceNameRequired
	ErrAlreadyResponded     = errspkg.ErrAlreadyResponded

	Marshal       = jsoncodec.Marshal
	Unmarshal     = jsoncodec.Unmarshal
	DecodePayload = jsoncodec.DecodePayload
	EncodePayload = jsoncodec.EncodePayload

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID
)

// JSONHandler adapts a typed function to a Handler, decoding the payload into T.
func JSONHandler[T any](fn func(ctx context.Context, in T, msg *Message) (Outcome, error)) Handler {
	return runtimepkg.JSONHandler(fn)
}

// ProtoHandler adapts a typed function to a Handler, decoding the payload with protojson.
func ProtoHandler[T proto.Message](fn func(ctx context.Context, in T, msg *Message) (Outcome, error)) Handler {
	return runtimepkg.ProtoHandler(fn)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// logOutput receives the logs of pools configured through OptionsFromConfig.
var logOutput io.Writer = os.Stderr

// OptionsFromConfig validates cfg and turns it into RunOptions: the logger,
// the default middleware chain, the status server and the journal. The caller
// owns the returned journal until the options are passed to Run.
func OptionsFromConfig(ctx context.Context, cfg Config) (RunOptions, error) {
	if err := cfg.Validate(); err != nil {
		return RunOptions{}, errspkg.NewConfigurationError("config", err)
	}

	logger, err := loggingpkg.NewServiceLogger(logOutput, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return RunOptions{}, errspkg.NewConfigurationError("logging", err)
	}

	opts := RunOptions{
		Target:    cfg.NATSURL,
		Transport: cfg.Transport,
		Service: ServiceOptions{
			Name:        cfg.ServiceName,
			Version:     cfg.ServiceVersion,
			Description: cfg.ServiceDescription,
			Metadata:    cfg.ServiceMetadata,
			QueueGroup:  cfg.QueueGroup,
		},
		Instances:                cfg.Instances,
		Logger:                   logger,
		Middlewares:              DefaultMiddlewares(cfg),
		StatusAddr:               cfg.StatusAddr,
		StatusCORSAllowedOrigins: cfg.StatusCORSAllowedOrigins,
		StatusMetrics:            cfg.MetricsEnabled,
		ShutdownTimeout:          cfg.ShutdownTimeout,
	}

	j, err := journal.Open(ctx, cfg.Journal, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return RunOptions{}, err
	}
	opts.Journal = j
	return opts, nil
}

// RunWithConfig starts a pool configured from cfg. Each configure function may
// adjust the options before Run, for example to set InstanceArgs or Blocking.
func RunWithConfig(ctx context.Context, reg *Registry, cfg Config, configure ...func(*RunOptions)) (*Pool, error) {
	opts, err := OptionsFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	for _, fn := range configure {
		if fn != nil {
			fn(&opts)
		}
	}

	pool, err := Run(ctx, reg, opts)
	if err != nil && pool == nil && opts.Journal != nil {
		if closeErr := opts.Journal.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("journal: %w", closeErr))
		}
	}
	return pool, err
}

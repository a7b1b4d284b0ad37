package config

import (
	"github.com/spf13/pflag"
)

// BindFlags registers command line flags that write straight into cfg. Call it
// after Load so flag defaults reflect the file and environment.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport used by workers (nats or memory)")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	fs.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "service name announced to the transport")
	fs.StringVar(&cfg.ServiceVersion, "service-version", cfg.ServiceVersion, "service version announced to the transport")
	fs.StringVar(&cfg.QueueGroup, "queue-group", cfg.QueueGroup, "default queue group for the service")
	fs.IntVarP(&cfg.Instances, "instances", "n", cfg.Instances, "number of workers to run")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "time allowed for graceful shutdown")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.BoolVar(&cfg.LogMessages, "log-messages", cfg.LogMessages, "log every inbound payload at debug level")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "record prometheus metrics")
	fs.BoolVar(&cfg.TracingEnabled, "tracing", cfg.TracingEnabled, "open a server span per request")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "requests per second per endpoint, 0 disables")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "rate limiter burst size")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "listen address of the status API, empty disables it")
	fs.StringVar(&cfg.Journal.Sink, "journal", cfg.Journal.Sink, "journal sink: channel, io, nats, kafka, rabbitmq, aws or http")
	fs.StringVar(&cfg.Journal.Topic, "journal-topic", cfg.Journal.Topic, "journal topic")
	fs.StringVar(&cfg.Journal.IOFile, "journal-file", cfg.Journal.IOFile, "journal file for the io sink")
}

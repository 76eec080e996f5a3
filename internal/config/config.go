package config

import "github.com/kelseyhightower/envconfig"

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"300"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`

	// Sending
	PublicBaseURL string  `envconfig:"PUBLIC_BASE_URL"` // empty disables tracking instrumentation
	SendRPS       float64 `envconfig:"SEND_RPS" default:"2"`
	SendBurst     int     `envconfig:"SEND_BURST" default:"4"`
	ChunkSize     int     `envconfig:"CHUNK_SIZE" default:"100"`
	FinalizeDelay int     `envconfig:"FINALIZE_DELAY_SECONDS" default:"120"`
}

type TrackingConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
}

type ReconcilerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"4"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"1"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	SyncIntervalSeconds int `envconfig:"SYNC_INTERVAL_SECONDS" default:"300"`
}

type CtlConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// AWS / SQS, only needed by the schedule command
	AWSRegion          string `envconfig:"AWS_REGION"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`
	ChunkSize     int    `envconfig:"CHUNK_SIZE" default:"100"`
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadTracking() TrackingConfig {
	var cfg TrackingConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadReconciler() ReconcilerConfig {
	var cfg ReconcilerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadCtl() CtlConfig {
	var cfg CtlConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

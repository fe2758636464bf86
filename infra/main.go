package infra

import (
	"github.com/inkforge/inkforge-orchestrator/config"
	"github.com/inkforge/inkforge-orchestrator/infra/produce"
)

type Infra struct {
	Redis         *RedisClient
	Postgres      *PostgresClient
	Logger        *LoggerClient
	Telemetry     *TelemetryClient
	RabbitMQ      *RabbitMQClient
	TextService   *TextService
	ImageService  *ImageService
	ArtifactStore *ArtifactStore
	Produce       *produce.Produce
}

var infraInstance *Infra

func InitInfra(cfg *config.Config) *Infra {
	if infraInstance != nil {
		return infraInstance
	}

	redis := InitRedisClient(cfg.EnvConfig)
	if redis == nil {
		panic("Failed to initialize Redis service")
	}

	postgres := InitPostgresClient(cfg.EnvConfig)
	if postgres == nil {
		panic("Failed to initialize Postgres service")
	}

	logger := InitLoggerClient(cfg.EnvConfig)
	if logger == nil {
		panic("Failed to initialize Logger service")
	}

	telemetry := InitTelemetryClient(cfg.EnvConfig)
	if telemetry == nil {
		panic("Failed to initialize Telemetry service")
	}

	rabbitMQ := InitRabbitMQClient(cfg.EnvConfig)
	if rabbitMQ == nil {
		panic("Failed to initialize RabbitMQ service")
	}

	textService := InitTextService(cfg.EnvConfig)
	if textService == nil {
		panic("Failed to initialize Text generation service")
	}

	imageService := InitImageService(cfg.EnvConfig)
	if imageService == nil {
		panic("Failed to initialize Image generation service")
	}

	artifactStore := InitArtifactStore(cfg.EnvConfig)
	if artifactStore == nil {
		panic("Failed to initialize Artifact store")
	}

	produceService := produce.InitProduce(rabbitMQ.Channel)
	if produceService == nil {
		panic("Failed to initialize Produce service")
	}

	infraInstance = &Infra{
		Redis:         redis,
		Postgres:      postgres,
		Logger:        logger,
		Telemetry:     telemetry,
		RabbitMQ:      rabbitMQ,
		TextService:   textService,
		ImageService:  imageService,
		ArtifactStore: artifactStore,
		Produce:       produceService,
	}

	return infraInstance
}

func GetClient() *Infra {
	if infraInstance == nil {
		panic("Infra not initialized. Call InitInfra() first.")
	}
	return infraInstance
}

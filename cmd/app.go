package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lehigh-university-libraries/photoqa/internal/anthropic"
	"github.com/lehigh-university-libraries/photoqa/internal/batches"
	"github.com/lehigh-university-libraries/photoqa/internal/config"
	"github.com/lehigh-university-libraries/photoqa/internal/files"
	"github.com/lehigh-university-libraries/photoqa/internal/gemini"
	"github.com/lehigh-university-libraries/photoqa/internal/ocr"
	"github.com/lehigh-university-libraries/photoqa/internal/ocr/tesseract"
	"github.com/lehigh-university-libraries/photoqa/internal/ollama"
	"github.com/lehigh-university-libraries/photoqa/internal/openai"
	"github.com/lehigh-university-libraries/photoqa/internal/pipeline"
	"github.com/lehigh-university-libraries/photoqa/internal/providers"
	"github.com/lehigh-university-libraries/photoqa/internal/queue"
	"github.com/lehigh-university-libraries/photoqa/internal/race"
	"github.com/lehigh-university-libraries/photoqa/internal/storage"
)

// app holds the wired components shared by the commands
type app struct {
	cfg   *config.Config
	store storage.Store
	files files.Store

	queue  queue.Queue
	memory *queue.Memory
	kafka  *queue.Kafka
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	fs, err := openFiles(cfg.Files)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: store, files: fs}
	switch cfg.Queue.Backend {
	case "kafka":
		a.kafka = queue.NewKafka(queue.KafkaConfig{
			Brokers:     cfg.Queue.Brokers,
			Topic:       cfg.Queue.Topic,
			GroupID:     cfg.Queue.GroupID,
			RetryWindow: 2 * cfg.Pipeline.StepTimeout,
		})
		a.queue = a.kafka
	default:
		a.memory = queue.NewMemory(cfg.Queue.Workers)
		a.queue = a.memory
	}

	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

func (a *app) batches() *batches.Service {
	return batches.NewService(a.store, a.files, a.queue)
}

func (a *app) processor() (*pipeline.Processor, error) {
	extractor, err := newOCRService(a.cfg)
	if err != nil {
		return nil, err
	}

	clients := newProviders(a.cfg)
	if len(clients) == 0 {
		slog.Warn("No LLM providers configured; every question will fail at the solving step")
	}
	solver := race.New(race.Options{Timeout: a.cfg.Pipeline.ProviderTimeout}, clients...)
	slog.Info("Providers configured", "providers", solver.Providers())

	return pipeline.New(a.store, a.files, extractor, solver, a.queue, pipeline.Options{
		StepTimeout:          a.cfg.Pipeline.StepTimeout,
		RecordFailedAttempts: a.cfg.Pipeline.RecordFailedAttempts,
	}), nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return storage.OpenPostgres(ctx, cfg.URL)
	case "sqlite":
		return storage.OpenSQLite(cfg.URL)
	}
	return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
}

func openFiles(cfg config.FilesConfig) (files.Store, error) {
	switch cfg.Backend {
	case "azure":
		return files.NewAzure(cfg.AzureAccount, cfg.AzureKey, cfg.AzureContainer)
	case "local":
		return files.NewLocal(cfg.MediaRoot)
	}
	return nil, fmt.Errorf("unsupported files backend: %s", cfg.Backend)
}

// newProviders builds a client for every enabled provider, in race order
func newProviders(cfg *config.Config) []providers.Client {
	p := cfg.Providers
	var clients []providers.Client
	for _, name := range cfg.EnabledProviders() {
		switch name {
		case "gemini":
			clients = append(clients, gemini.New(p.Gemini.APIKey, p.Gemini.Model))
		case "openai":
			clients = append(clients, openai.New(openai.Config{APIKey: p.OpenAI.APIKey, Model: p.OpenAI.Model}))
		case "anthropic":
			clients = append(clients, anthropic.New(p.Anthropic.APIKey, p.Anthropic.Model))
		case "groq":
			clients = append(clients, openai.NewGroq(p.Groq.APIKey, p.Groq.Model))
		case "ollama":
			clients = append(clients, ollama.New(p.Ollama.URL, p.Ollama.Model))
		}
	}
	return clients
}

func newOCRService(cfg *config.Config) (*ocr.Service, error) {
	switch cfg.OCR.Engine {
	case "tesseract":
		return ocr.NewService(tesseract.New(cfg.OCR.Languages...), cfg.OCR.Preprocess), nil
	case "vision":
		client, err := newVisionClient(cfg)
		if err != nil {
			return nil, err
		}
		return ocr.NewService(ocr.NewVision(client), cfg.OCR.Preprocess), nil
	}
	return nil, fmt.Errorf("unsupported OCR engine: %s", cfg.OCR.Engine)
}

func newVisionClient(cfg *config.Config) (ocr.ImageCompleter, error) {
	switch cfg.OCR.VisionProvider {
	case "ollama":
		model := cfg.OCR.VisionModel
		if model == "" {
			model = cfg.Providers.Ollama.Model
		}
		return ollama.New(cfg.Providers.Ollama.URL, model), nil
	case "openai":
		if cfg.Providers.OpenAI.APIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai vision OCR engine")
		}
		model := cfg.OCR.VisionModel
		if model == "" {
			model = cfg.Providers.OpenAI.Model
		}
		return openai.New(openai.Config{APIKey: cfg.Providers.OpenAI.APIKey, Model: model, Temperature: 0.1, MaxTokens: 2000}), nil
	}
	return nil, fmt.Errorf("unsupported vision OCR provider: %s", cfg.OCR.VisionProvider)
}

package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/audit"
	"github.com/sells-group/pald-cli/internal/biasjob"
	"github.com/sells-group/pald-cli/internal/candidate"
	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/feedback"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/provider"
	"github.com/sells-group/pald-cli/internal/registry"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/internal/store"
	anthropicpkg "github.com/sells-group/pald-cli/pkg/anthropic"
	openaipkg "github.com/sells-group/pald-cli/pkg/openai"
)

// engineEnv holds the store, registry and engine components a command
// needs. Loop and Sessions are nil outside the run and serve modes.
type engineEnv struct {
	Store      store.Store
	Registry   *registry.Registry
	SchemaFile *registry.FileBackend // nil for the store backend
	Audit      *audit.Recorder
	Candidates *candidate.Aggregator
	Queue      *biasjob.Queue
	Loop       *convergence.Loop
	Sessions   *feedback.Manager
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.SQLitePath
		if dsn == "" {
			dsn = "pald.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates the config for mode and builds the environment.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Audit = audit.NewRecorder(st)
	env.Registry = initRegistry(env)
	env.Candidates = candidate.New(st, env.Registry, candidate.Options{
		PromoteRetries: cfg.Candidates.PromoteRetries,
		Audit:          env.Audit,
	})

	retry := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(
		cfg.Circuit.FailureThreshold,
		cfg.Circuit.ResetTimeoutSecs,
	))

	var text *provider.Anthropic
	if cfg.Anthropic.Key != "" {
		text = provider.NewAnthropic(anthropicpkg.NewClient(cfg.Anthropic.Key), provider.AnthropicOptions{
			Model:             cfg.Anthropic.Model,
			MaxTokens:         int64(cfg.Anthropic.MaxTokens),
			RequestsPerMinute: cfg.Anthropic.RequestsPerMinute,
			Breaker:           breakers.Get("anthropic"),
		})
	}

	analyzers, err := buildAnalyzers(text, cfg.Bias.AnalysisTypes, cfg.Bias.Prompts)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Queue = biasjob.NewQueue(st, analyzers, biasjob.Options{
		MaxAttempts: cfg.Bias.MaxAttempts,
		Backoff:     retry,
		StaleAfter:  time.Duration(cfg.Bias.StaleAfterSecs) * time.Second,
		Concurrency: cfg.Bias.Workers,
		Audit:       env.Audit,
	})

	if mode != "run" && mode != "serve" {
		return env, nil
	}

	images := provider.NewOpenAI(openaipkg.NewClient(cfg.OpenAI.Key, cfg.OpenAI.BaseURL), provider.OpenAIOptions{
		ImageModel:        cfg.OpenAI.ImageModel,
		ImageSize:         cfg.OpenAI.ImageSize,
		VisionModel:       cfg.OpenAI.VisionModel,
		RequestsPerMinute: cfg.OpenAI.RequestsPerMinute,
		Breaker:           breakers.Get("openai"),
	})

	env.Loop = convergence.New(convergence.Config{
		Threshold:      cfg.Loop.SimilarityThreshold,
		MaxIterations:  cfg.Loop.MaxIterations,
		CallTimeout:    time.Duration(cfg.Loop.CallTimeoutSecs) * time.Second,
		Retry:          iterationRetry(retry, cfg.Loop.IterationRetries),
		CompressPrompt: cfg.Loop.CompressPrompt,
		AnalysisTypes:  analyzers.Types(),
	}, convergence.Providers{
		Text:      text,
		Images:    images,
		Describer: images,
		Extractor: text,
		Harvester: env.Candidates,
		Bias:      env.Queue,
	}, env.Registry, st, env.Audit)

	env.Sessions = feedback.NewManager(feedback.Deps{
		Runner:    env.Loop,
		Extractor: text,
		Schemas:   env.Registry,
		Records:   st,
		Audit:     env.Audit,
		Retry:     retry,
	}, cfg.Feedback.Rounds, time.Duration(cfg.Feedback.SessionTTLMins)*time.Minute)

	zap.L().Info("engine initialized",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.String("schema_backend", cfg.Schema.Backend),
		zap.Int("analyzers", len(analyzers)),
	)
	return env, nil
}

func initRegistry(env *engineEnv) *registry.Registry {
	opts := registry.Options{
		DenyList:   cfg.Schema.DenyList,
		AllowPrior: cfg.Schema.AllowPrior,
		Audit:      env.Audit,
	}
	if cfg.Schema.Backend == "file" {
		env.SchemaFile = registry.NewFileBackend(cfg.Schema.File, env.Store)
		return registry.New(env.SchemaFile, opts)
	}
	return registry.New(registry.NewStoreBackend(env.Store), opts)
}

// iterationRetry bounds the attempts of one loop iteration; other retry
// settings follow the shared policy.
func iterationRetry(base resilience.Policy, attempts int) resilience.Policy {
	if attempts > 0 {
		base.MaxAttempts = attempts
	}
	return base
}

// buildAnalyzers binds each configured analysis type to an instruction.
// Without a text provider no analyzers are available.
func buildAnalyzers(text *provider.Anthropic, types []string, prompts map[string]string) (biasjob.Analyzers, error) {
	out := biasjob.Analyzers{}
	if text == nil {
		return out, nil
	}
	for _, t := range types {
		instruction, ok := prompts[t]
		if !ok {
			instruction, ok = provider.DefaultAnalysisPrompts[t]
		}
		if !ok {
			return nil, eris.Errorf("bias: no prompt configured for analysis type %q", t)
		}
		out[model.AnalysisType(t)] = text.Analyzer(model.AnalysisType(t), instruction)
	}
	return out, nil
}

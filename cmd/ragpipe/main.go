// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Chatstack
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ragpipe runs the retrieval-augmented prompt construction
// service.
//
// Usage:
//
//	ragpipe serve --config ragpipe.yaml
//	ragpipe query --config ragpipe.yaml "Docker 설치 방법"
//	ragpipe validate --config ragpipe.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/chatstack/ragpipe/pkg/config"
	"github.com/chatstack/ragpipe/pkg/databases"
	"github.com/chatstack/ragpipe/pkg/embedders"
	"github.com/chatstack/ragpipe/pkg/llms"
	"github.com/chatstack/ragpipe/pkg/logger"
	"github.com/chatstack/ragpipe/pkg/rag"
	"github.com/chatstack/ragpipe/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the prompt construction HTTP service."`
	Query    QueryCmd    `cmd:"" help:"Build one prompt and print it."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("ragpipe version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP service.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	pipeline, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	srv := server.New(cfg, pipeline)

	if c.Watch && cli.Config != "" {
		watcher := config.NewWatcher(cli.Config, func(next *config.Config) {
			rebuilt, err := buildPipeline(next)
			if err != nil {
				slog.Error("Config reload failed", "error", err)
				return
			}
			srv.UpdatePipeline(rebuilt)
			slog.Info("Pipeline reloaded")
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	fmt.Printf("ragpipe ready on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Prompt:  POST /v1/rag/prompt\n")
	fmt.Printf("  Health:  GET  /healthz\n")
	fmt.Printf("  Metrics: GET  /metrics\n")

	return srv.Start(ctx)
}

// QueryCmd builds a single prompt and prints the result as JSON.
type QueryCmd struct {
	Question string `arg:"" help:"User question."`
	TopK     int    `help:"Override retrieval top_k."`
	MMQ      int    `help:"Override multi-query expansion count."`
}

func (c *QueryCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	pipeline, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	overrides := map[string]any{}
	if c.TopK > 0 {
		overrides["topK"] = c.TopK
	}
	if c.MMQ > 0 {
		overrides["mmq"] = c.MMQ
	}

	res, err := pipeline.Run(ctx, &rag.Request{Question: c.Question, Overrides: overrides})
	if err != nil {
		return err
	}

	out := map[string]any{
		"messages":  res.Messages,
		"context":   res.Context,
		"citations": res.Citations,
		"stats": map[string]any{
			"hits":           res.Hits,
			"rerankedHits":   res.RerankedHits,
			"mmrHits":        res.MMRHits,
			"compressedHits": res.CompressedHits,
			"heuristicHits":  res.HeuristicHits,
			"llmApplied":     res.LLMApplied,
		},
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}

// ValidateCmd validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		slog.Warn("No config file given, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildPipeline assembles the pipeline from config. The embedder is
// optional; without one the compression stage skips its relevance
// filter.
func buildPipeline(cfg *config.Config) (*rag.Pipeline, error) {
	db, err := databases.NewWeaviate(&cfg.Weaviate)
	if err != nil {
		return nil, fmt.Errorf("weaviate: %w", err)
	}

	var llm llms.Provider
	if cfg.LLM.Model != "" {
		provider, err := llms.NewOpenAIProvider(&cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		llm = provider
	} else {
		slog.Warn("No LLM model configured, rerank and LLM compression disabled")
	}

	var embedder embedders.Embedder
	if cfg.Embedder.APIKey != "" {
		e, err := embedders.NewOpenAIEmbedder(&cfg.Embedder)
		if err != nil {
			return nil, fmt.Errorf("embedder: %w", err)
		}
		embedder = e
	}

	return rag.NewPipeline(&cfg.Rag, db, llm, embedder), nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env files: %v\n", err)
		os.Exit(1)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ragpipe"),
		kong.Description("ragpipe - retrieval-augmented prompt construction service"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

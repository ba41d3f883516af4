// Command sussurro-worker hosts one native recognizer in its own process.
//
// The parent server spawns one worker per language and speaks newline-
// delimited JSON frames over stdin/stdout. Keeping the native recognizer out
// of the server process means a crash in Kaldi or whisper.cpp costs one
// worker restart, never the server.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/voxlab/sussurro/internal/config"
	"github.com/voxlab/sussurro/internal/recognizer"
	"github.com/voxlab/sussurro/internal/recognizer/voskrec"
	"github.com/voxlab/sussurro/internal/recognizer/whisperrec"
	"github.com/voxlab/sussurro/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		engineKind = flag.String("engine", "vosk", "recognizer backend (vosk or whisper)")
		modelPath  = flag.String("model", "", "path to the acoustic model")
		language   = flag.String("language", "", "language code")
		sampleRate = flag.Int("sample-rate", 16000, "PCM sample rate in Hz")
	)
	flag.Parse()

	// Stdout carries the frame protocol; all logging goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *modelPath == "" {
		logger.Error("missing required -model flag")
		return 2
	}

	var factory recognizer.Factory
	var err error
	switch config.EngineKind(*engineKind) {
	case config.EngineVosk:
		factory, err = voskrec.Open(*modelPath, *sampleRate)
	case config.EngineWhisper:
		factory, err = whisperrec.Open(*modelPath, *language, *sampleRate)
	default:
		logger.Error("unknown engine", "engine", *engineKind)
		return 2
	}
	if err != nil {
		logger.Error("failed to load model", "model", *modelPath, "err", err)
		return 1
	}
	defer factory.Close()

	logger.Info("worker started",
		"engine", *engineKind,
		"language", *language,
		"model", *modelPath,
		"sample_rate", *sampleRate,
	)

	if err := worker.NewRunner(factory, os.Stdin, os.Stdout, logger).Run(); err != nil {
		logger.Error("worker failed", "err", err)
		return 1
	}
	return 0
}

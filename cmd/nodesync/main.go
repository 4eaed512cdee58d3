// Package main is the entry point for the nodesync node.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/viper"

	"github.com/stacklok/nodesync/cmd/nodesync/app"
	"github.com/stacklok/nodesync/internal/config"
)

// getLogLevel parses NODESYNC_LOG_LEVEL. Defaults to slog.LevelInfo if unset or invalid.
func getLogLevel() slog.Level {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	levelStr := v.GetString("LOG_LEVEL")
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid LOG_LEVEL, using INFO", "value", levelStr)
		return slog.LevelInfo
	}
}

func main() {
	// stderr keeps stdout clean for commands that print data
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: getLogLevel()})
	slog.SetDefault(slog.New(handler))

	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Fatal panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			code = 1
		}
	}()

	if err := app.NewRootCmd().Execute(); err != nil {
		return 1
	}
	return 0
}

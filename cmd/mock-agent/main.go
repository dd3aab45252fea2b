// Package main implements a simulated worker agent for development and
// end-to-end testing. It registers with a running coordinator, sends
// heartbeats, claims pending work matching its capabilities and walks
// each item through progress to completion (or a simulated failure).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/logger"
)

func main() {
	var (
		server     = flag.String("server", "http://localhost:8080", "coordinator base URL")
		token      = flag.String("token", "", "bearer token when the coordinator requires auth")
		projectID  = flag.String("project", "", "project to join (empty joins the default project)")
		name       = flag.String("name", "", "agent handle (defaults to mock-<pid>)")
		agentType  = flag.String("type", "claude-code", "agent type to register as")
		caps       = flag.String("capabilities", "code", "comma-separated capabilities")
		boundaries = flag.String("boundaries", "backend", "comma-separated boundaries")
		natsURL    = flag.String("nats", "", "NATS URL for work announcements (optional, polling works without it)")
		root       = flag.String("subject-root", "weft", "NATS subject root")
		poll       = flag.Duration("poll", 2*time.Second, "pending-work poll interval")
		heartbeat  = flag.Duration("heartbeat", 20*time.Second, "heartbeat interval")
		workTime   = flag.Duration("work-time", 3*time.Second, "simulated execution time per item")
		failEvery  = flag.Int("fail-every", 0, "fail every Nth item with a recoverable error (0 disables)")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevel,
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	handle := *name
	if handle == "" {
		handle = fmt.Sprintf("mock-%d", os.Getpid())
	}

	worker := NewWorker(Config{
		ServerURL:         *server,
		Token:             *token,
		Project:           *projectID,
		Handle:            handle,
		AgentType:         *agentType,
		Capabilities:      splitCSV(*caps),
		Boundaries:        splitCSV(*boundaries),
		NATSURL:           *natsURL,
		SubjectRoot:       *root,
		PollInterval:      *poll,
		HeartbeatInterval: *heartbeat,
		WorkTime:          *workTime,
		FailEvery:         *failEvery,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down mock agent...")
		cancel()
	}()

	if err := worker.Run(ctx); err != nil {
		log.Fatal("Mock agent exited", zap.Error(err))
	}
}

// splitCSV splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

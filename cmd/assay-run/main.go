// Command assay-run wires the Mandate Store, Policy Engine, and Tool-Call
// Handler together for local smoke use. It is not a CLI surface: no flags
// beyond the shared -log-level (see internal/obs), configuration comes from
// environment variables, and it performs a one-shot readiness check rather
// than serving requests.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Rul1an/assay/internal/mandate"
	"github.com/Rul1an/assay/internal/mcp"
	"github.com/Rul1an/assay/internal/obs"
	"github.com/Rul1an/assay/internal/policy"
	"github.com/joho/godotenv"

	"log/slog"
)

func main() {
	os.Args = append(os.Args[:1], obs.InitLogging(os.Args[1:])...)

	// A missing .env is the common case (CI, containers) and not an error;
	// only a malformed one that does exist is worth surfacing.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			slog.Error("assay-run: fatal", "err", fmt.Errorf("load .env: %w", err))
			os.Exit(1)
		}
	}

	if err := run(); err != nil {
		slog.Error("assay-run: fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	policyPath := os.Getenv("ASSAY_POLICY_PATH")
	if policyPath == "" {
		return fmt.Errorf("ASSAY_POLICY_PATH is required")
	}
	dbDSN := os.Getenv("ASSAY_DB_DSN")
	if dbDSN == "" {
		dbDSN = "file:assay.db?_pragma=journal_mode(WAL)"
	}
	eventSource := os.Getenv("ASSAY_EVENT_SOURCE")
	if eventSource == "" {
		eventSource = "assay://local"
	}
	decisionLogPath := os.Getenv("ASSAY_DECISION_LOG")

	cfg, err := policy.LoadFile(policyPath)
	if err != nil {
		return fmt.Errorf("load policy %s: %w", policyPath, err)
	}
	engine, err := policy.NewEngine(cfg)
	if err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}
	slog.Info("policy loaded", "path", policyPath, "tools_allow", len(cfg.Tools.Allow), "tools_deny", len(cfg.Tools.Deny))

	store, err := mandate.Open(mandate.Config{DSN: dbDSN})
	if err != nil {
		return fmt.Errorf("open mandate store %s: %w", dbDSN, err)
	}
	defer store.Close()
	slog.Info("mandate store ready", "dsn", dbDSN)

	emitter, closeEmitter, err := newDecisionEmitter(decisionLogPath)
	if err != nil {
		return fmt.Errorf("open decision log %s: %w", decisionLogPath, err)
	}
	defer closeEmitter()

	handler := mcp.NewHandler(engine, mcp.Config{
		EventSource: eventSource,
		Authorizer:  mandate.NewAuthorizer(store),
		Emitter:     emitter,
	})
	_ = handler

	slog.Info("assay-run: wiring complete, ready for tool calls", "event_source", eventSource)
	return nil
}

// newDecisionEmitter returns an mcp.Emitter appending one CloudEvents-shaped
// NDJSON line per decision to path (§6 Decision event file), or a no-op
// emitter when path is empty. The returned func closes the underlying file.
func newDecisionEmitter(path string) (mcp.Emitter, func(), error) {
	if path == "" {
		return mcp.EmitterFunc(func(mcp.DecisionEvent) error { return nil }), func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var mu sync.Mutex
	emit := mcp.EmitterFunc(func(e mcp.DecisionEvent) error {
		mu.Lock()
		defer mu.Unlock()

		line, err := json.Marshal(map[string]any{
			"specversion": "1.0",
			"type":        "assay.tool.decision",
			"source":      e.EventSource,
			"id":          e.ToolCallID,
			"time":        timeOrNow(e.Timestamp),
			"data": map[string]any{
				"tool_call_id": e.ToolCallID,
				"tool":         e.ToolName,
				"reason_code":  e.ReasonCode,
				"verdict":      e.Outcome,
			},
		})
		if err != nil {
			return err
		}
		line = append(line, '\n')
		_, err = f.Write(line)
		return err
	})

	return emit, func() { _ = f.Close() }, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

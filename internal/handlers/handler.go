// Package handlers contains the command handlers that services mount
// behind a queue. A handler turns a Command into a Result; Execute
// wraps the call with the bookkeeping every handler shares.
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/protocol"
)

// Handler processes commands of one type.
type Handler interface {
	// Type is the command type this handler accepts.
	Type() string
	// Handle executes one command. Implementations return an error
	// Result rather than failing; transport-level retry is the
	// consumer's job, not the handler's.
	Handle(ctx context.Context, cmd protocol.Command) protocol.Result
}

// Execute validates the command, dispatches it and stamps the result
// with the handler name and wall-clock duration.
func Execute(ctx context.Context, h Handler, cmd protocol.Command) protocol.Result {
	start := time.Now()
	result := execute(ctx, h, cmd)
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(start).Milliseconds()
	}
	if result.Handler == "" {
		result.Handler = h.Type()
	}
	return result
}

func execute(ctx context.Context, h Handler, cmd protocol.Command) protocol.Result {
	if err := cmd.Validate(); err != nil {
		return protocol.ErrorResult(cmd, err.Error())
	}
	if !strings.EqualFold(cmd.Type, h.Type()) {
		return protocol.ErrorResult(cmd, fmt.Sprintf("handler %s cannot process type %q", h.Type(), cmd.Type))
	}
	return h.Handle(ctx, cmd)
}

// payloadString extracts a required string field from a command payload.
func payloadString(cmd protocol.Command, key string) (string, error) {
	v, ok := cmd.Payload[key]
	if !ok {
		return "", fmt.Errorf("payload field %q is required", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("payload field %q must be a non-empty string", key)
	}
	return s, nil
}

// payloadStringDefault extracts an optional string field.
func payloadStringDefault(cmd protocol.Command, key, def string) string {
	if v, ok := cmd.Payload[key]; ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return def
}

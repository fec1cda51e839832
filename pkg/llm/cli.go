package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// defaultBinary is the agent CLI executed for each session.
const defaultBinary = "claude"

// CLIStreamer runs sessions by executing the agent CLI in headless
// stream-json mode and translating its output lines into Messages.
type CLIStreamer struct {
	binary string
	logger *slog.Logger
}

// NewCLIStreamer creates a streamer using the default binary.
func NewCLIStreamer() *CLIStreamer {
	return &CLIStreamer{binary: defaultBinary, logger: slog.Default()}
}

// Stream launches one CLI session. Cancelling ctx kills the subprocess;
// the channel still drains and closes. The budget cap is enforced by
// the caller from the reported cost, not by the CLI.
func (c *CLIStreamer) Stream(ctx context.Context, req Request) (<-chan Message, error) {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = req.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe session stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start session process: %w", err)
	}

	ch := make(chan Message)
	go func() {
		defer close(ch)
		defer func() {
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				c.logger.Warn("Session process exited with error", "error", err)
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			msgs, err := decodeLine(line)
			if err != nil {
				c.logger.Debug("Skipping undecodable session line", "error", err)
				continue
			}
			for _, msg := range msgs {
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Wire shapes of the CLI's stream-json lines. Only the fields the core
// consumes are declared.
type wireLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	Message struct {
		Content []wireBlock `json:"content"`
	} `json:"message"`

	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`
}

type wireBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// decodeLine translates one stream-json line into zero or more
// Messages. System and user lines are dropped.
func decodeLine(line []byte) ([]Message, error) {
	var wire wireLine
	if err := json.Unmarshal(line, &wire); err != nil {
		return nil, err
	}

	switch wire.Type {
	case "assistant":
		var msgs []Message
		for _, block := range wire.Message.Content {
			switch block.Type {
			case "text":
				msgs = append(msgs, Message{Type: MessageTypeAssistant, Text: block.Text})
			case "tool_use":
				msgs = append(msgs, Message{Type: MessageTypeToolUse, ToolName: block.Name, ToolInput: block.Input})
			}
		}
		return msgs, nil

	case "result":
		result := &Result{
			Subtype:      wire.Subtype,
			TotalCostUSD: wire.TotalCostUSD,
			NumTurns:     wire.NumTurns,
			Text:         wire.Result,
		}
		if wire.IsError && result.Subtype == ResultSubtypeSuccess {
			result.Subtype = ResultSubtypeError
		}
		if wire.IsError && wire.Result != "" {
			result.Errors = []string{wire.Result}
		}
		return []Message{{Type: MessageTypeResult, Result: result}}, nil
	}
	return nil, nil
}

// Package protocol defines the JSON-over-stdio envelope spoken between the
// orchestrator and grove-runner, the helper process that executes cloud CLI
// commands from a bastion host when the orchestrator has no direct line to
// the cloud APIs.
//
// Every message is a single JSON object on its own line. The runner announces
// itself with READY, the controller sends CMD messages, the runner answers
// each with zero or more EVENT messages followed by exactly one DONE or
// ERROR, and emits EXIT before terminating.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates the envelope payload.
type MessageType string

const (
	// MessageTypeReady announces the runner is accepting commands.
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries a command from the controller.
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent carries a progress event for an in-flight command.
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone reports successful command completion.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports a failed command or a protocol fault.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is the runner's last message before terminating.
	MessageTypeExit MessageType = "EXIT"
)

// CommandType selects the handler a CMD message is dispatched to.
type CommandType string

const (
	// CommandTypeExec executes a program by argv.
	CommandTypeExec CommandType = "exec"
	// CommandTypeFileWrite writes content to a file on the runner host.
	CommandTypeFileWrite CommandType = "file.write"
	// CommandTypeFileRead reads a file from the runner host.
	CommandTypeFileRead CommandType = "file.read"
	// CommandTypeProbe checks reachability of an HTTP or TCP endpoint from
	// the runner host's network position.
	CommandTypeProbe CommandType = "probe"
)

// Message is the envelope every line on the wire decodes into.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is the runner's startup announcement.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage is one command from the controller. The ID ties every
// subsequent EVENT/DONE/ERROR back to this command.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params"`
}

// EventMessage is a progress report for an in-flight command.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage reports successful completion. Result holds the
// handler-specific result structure.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage reports a failed command. Retryable tells the controller
// whether the same command may succeed if sent again; the orchestrator maps
// it onto its transient/permanent error classes.
type ErrorMessage struct {
	CommandID  string            `json:"command_id,omitempty"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Retryable  bool              `json:"retryable"`
	RetryAfter int               `json:"retry_after,omitempty"` // seconds
}

// ExitMessage is sent once, right before the runner process ends.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	SelfDeleted   bool   `json:"self_deleted"`
	CommandsTotal int    `json:"commands_total"`
}

// ExecParams describes a program invocation. Argv[0] is the program; no
// shell is involved, so arguments are passed through verbatim. Stdin, when
// non-empty, is fed to the process (used to pipe rendered manifests into
// CLIs that read from standard input).
type ExecParams struct {
	Argv    []string          `json:"argv"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
}

// ExecResult carries the outcome of an exec command. A non-zero exit code is
// reported here, not as a protocol ERROR: the command ran, it just failed.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration"` // seconds
}

// FileWriteParams writes Content to Path, creating parent directories.
type FileWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"` // octal, e.g. "0644"
}

// FileWriteResult reports what the write did.
type FileWriteResult struct {
	BytesWritten int64  `json:"bytes_written"`
	Created      bool   `json:"created"`
	Checksum     string `json:"checksum"` // SHA-256 of the written content
}

// FileReadParams reads Path, optionally truncated to MaxBytes.
type FileReadParams struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// FileReadResult carries the file content and its checksum.
type FileReadResult struct {
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"` // SHA-256 of the full file
	Truncated bool   `json:"truncated"`
}

// ProbeParams describes a reachability probe. Scheme selects the probe
// type: "http" issues a GET against Target (a URL) and compares the status
// code, "tcp" dials Target (host:port).
type ProbeParams struct {
	Scheme       string `json:"scheme"`
	Target       string `json:"target"`
	ExpectStatus int    `json:"expect_status,omitempty"` // http only, 0 means any 2xx
}

// ProbeResult reports what the probe observed.
type ProbeResult struct {
	Healthy   bool    `json:"healthy"`
	Detail    string  `json:"detail"`
	LatencyMS float64 `json:"latency_ms"`
}

// Validate rejects unknown message types.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate rejects unknown command types.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeExec, CommandTypeFileWrite, CommandTypeFileRead, CommandTypeProbe:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks the command envelope before dispatch.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate normalizes and checks an event before it is sent.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}

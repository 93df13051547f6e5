// Package main implements grove-runner, the helper binary the orchestrator
// uploads to a bastion host. It executes commands received as JSON over
// stdio and removes its own binary when the session ends.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/opengrove/opengrove/pkg/runner/handlers"
	"github.com/opengrove/opengrove/pkg/runner/protocol"
)

const version = "1.0.0"

type runner struct {
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	execPath     string
	keepBinary   bool
	commandCount int
}

func main() {
	ttl := flag.Duration("ttl", 30*time.Minute, "maximum session lifetime")
	keep := flag.Bool("keep", false, "do not self-delete the binary on exit")
	flag.Parse()

	r := &runner{
		encoder:    protocol.NewEncoder(os.Stdout),
		decoder:    protocol.NewDecoder(os.Stdin),
		keepBinary: *keep,
	}

	var err error
	r.execPath, err = os.Executable()
	if err != nil {
		r.fatal("INIT_FAILED", fmt.Sprintf("failed to resolve executable path: %v", err))
		return
	}

	if err := r.sendReady(*ttl); err != nil {
		r.fatal("READY_FAILED", fmt.Sprintf("failed to send ready: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *ttl)
	defer cancel()

	reason := "completed"
	exitCode := 0

	for {
		if ctx.Err() != nil {
			reason = "ttl_expired"
			break
		}

		err := r.processNextCommand(ctx)
		if err == nil {
			continue
		}
		if err == io.EOF {
			reason = "stdin_closed"
		} else {
			reason = "error"
			exitCode = 1
		}
		break
	}

	r.exit(reason, exitCode)
}

func (r *runner) sendReady(ttl time.Duration) error {
	return r.encoder.Encode(protocol.MessageTypeReady, &protocol.ReadyMessage{
		Version:  version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypeExec):      true,
			string(protocol.CommandTypeFileWrite): true,
			string(protocol.CommandTypeFileRead):  true,
			string(protocol.CommandTypeProbe):     true,
		},
		Metadata: map[string]string{"ttl": ttl.String()},
	})
}

func (r *runner) processNextCommand(ctx context.Context) error {
	cmd, err := r.decoder.DecodeCommand()
	if err != nil {
		return err
	}
	r.commandCount++

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 16)
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for evt := range eventCh {
			_ = r.encoder.Encode(protocol.MessageTypeEvent, evt)
		}
	}()

	start := time.Now()
	result, err := r.dispatch(cmdCtx, cmd, eventCh)
	close(eventCh)
	<-eventsDone

	if err != nil {
		return r.encoder.Encode(protocol.MessageTypeError, &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      "COMMAND_FAILED",
			Message:   err.Error(),
			Retryable: cmdCtx.Err() != nil,
		})
	}

	return r.encoder.Encode(protocol.MessageTypeDone, &protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(start).Seconds(),
	})
}

func (r *runner) dispatch(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeExec:
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := (&handlers.ExecHandler{}).Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeFileWrite:
		var params protocol.FileWriteParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := (&handlers.FileWriteHandler{}).Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeFileRead:
		var params protocol.FileReadParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := (&handlers.FileReadHandler{}).Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeProbe:
		var params protocol.ProbeParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := (&handlers.ProbeHandler{}).Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func (r *runner) exit(reason string, exitCode int) {
	msg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: r.commandCount,
	}

	if !r.keepBinary {
		if err := os.Remove(r.execPath); err == nil {
			msg.SelfDeleted = true
		}
	}

	_ = r.encoder.Encode(protocol.MessageTypeExit, msg)
	os.Exit(exitCode)
}

func (r *runner) fatal(code, message string) {
	_ = r.encoder.Encode(protocol.MessageTypeError, &protocol.ErrorMessage{
		Code:    code,
		Message: message,
	})
	os.Exit(1)
}

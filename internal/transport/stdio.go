package transport

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/HsiangNianian/nativebridge/internal/codec"
)

// StdioDialer launches the host as a child process and speaks native
// messaging over its stdin and stdout. The host's stderr is forwarded to
// the logger.
type StdioDialer struct {
	Command []string
	Codec   codec.Codec
	Logger  *zap.Logger
}

func (d *StdioDialer) Dial(ctx context.Context, h Handler) (Conn, error) {
	if len(d.Command) == 0 {
		return nil, errors.New("host command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := d.Codec
	if c == nil {
		c = codec.JSON
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("host", d.Command[0]))

	// The process must outlive ctx, which only bounds the dial.
	cmd := exec.Command(d.Command[0], d.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("host stdout: %w", err)
	}
	cmd.Stderr = zap.NewStdLog(logger.Named("stderr")).Writer()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start host: %w", err)
	}
	logger.Info("host process started", zap.Int("pid", cmd.Process.Pid))

	closeFn := func() error {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		err := cmd.Wait()
		logger.Info("host process stopped", zap.NamedError("exit", err))
		return nil
	}
	return newStreamConn(stdout, stdin, closeFn, c, h, logger), nil
}

package outlook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/xid"
)

// maxLiteral caps a single literal so a misbehaving server cannot make us
// allocate without bound.
const maxLiteral = 64 << 20

var errConnBroken = errors.New("imap connection is no longer usable")

// Exec sends command and passes every untagged response line to onLine, with
// any literals inlined. A tagged NO or BAD becomes a *CommandError and leaves
// the connection usable; I/O failures mark it broken.
func (c *Conn) Exec(ctx context.Context, command string, onLine func(line string) error) error {
	if c.broken || c.closed {
		return errConnBroken
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Layer: LayerFetch, Err: err}
		}
		return err
	}

	tag := strings.ToUpper(xid.New().String())

	deadline := time.Time{}
	if CommandTimeout > 0 {
		deadline = time.Now().Add(CommandTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if Verbose {
		debugLog(c.ConnNum, c.Username, c.Folder, "sending command", "command", redactCommand(command))
	}
	if _, err := io.WriteString(c.conn, tag+" "+command+nl); err != nil {
		return c.ioError(ctx, err)
	}

	var handlerErr error
	for {
		line, err := c.readLine()
		if err != nil {
			return c.ioError(ctx, err)
		}
		if Verbose && !SkipResponses {
			debugLog(c.ConnNum, c.Username, c.Folder, "server response", "response", truncate(dropNl(line), 512))
		}

		if strings.HasPrefix(line, tag+" ") {
			status, text, _ := strings.Cut(dropNl(line[len(tag)+1:]), " ")
			if !strings.EqualFold(status, "OK") {
				return &CommandError{Command: commandVerb(command), Status: strings.ToUpper(status), Text: text}
			}
			return handlerErr
		}

		switch {
		case strings.HasPrefix(line, "+"):
			// Nothing left to send; an empty line cancels, which is also how
			// an XOAUTH2 error challenge is acknowledged.
			if _, err := io.WriteString(c.conn, nl); err != nil {
				return c.ioError(ctx, err)
			}
			continue
		case len(line) >= 5 && strings.EqualFold(line[:5], "* BYE"):
			c.broken = true
		}

		if onLine != nil && handlerErr == nil {
			handlerErr = onLine(line)
		}
	}
}

// readLine reads one logical response line, following {n} literals.
func (c *Conn) readLine() (string, error) {
	var b strings.Builder
	for {
		part, err := c.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		b.WriteString(part)
		n, ok := literalSize(part)
		if !ok {
			return b.String(), nil
		}
		if n > maxLiteral {
			return "", fmt.Errorf("literal of %d bytes exceeds limit", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return "", err
		}
		b.Write(buf)
	}
}

func (c *Conn) ioError(ctx context.Context, err error) error {
	c.broken = true
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &TimeoutError{Layer: LayerFetch, Err: ctxErr}
		}
		return ctxErr
	}
	if isNetTimeout(err) {
		return &TimeoutError{Layer: LayerFetch, Err: err}
	}
	return fmt.Errorf("imap connection %d: %w", c.ConnNum, err)
}

func redactCommand(command string) string {
	if verb := commandVerb(command); verb == "AUTHENTICATE" {
		fields := strings.Fields(command)
		if len(fields) >= 2 {
			return fields[0] + " " + fields[1] + " ****"
		}
	}
	return command
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

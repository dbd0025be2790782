package cli

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Control socket protocol: one request line per connection, either
// "stats" or "shutdown|reason|RFC3339 time", answered by "OK|payload" or
// "ERROR|message".

const controlTimeout = 10 * time.Second

type statsSource interface {
	GetStats() string
}

type shutdownRequest struct {
	reason string
	until  time.Time
}

type control struct {
	path     string
	listener net.Listener
	stats    statsSource
	requests chan shutdownRequest
	log      *slog.Logger
}

func listenControl(path string, stats statsSource, log *slog.Logger) (*control, error) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	log.Info("control socket listening", "path", path)

	return &control{
		path:     path,
		listener: listener,
		stats:    stats,
		requests: make(chan shutdownRequest, 1),
		log:      log,
	}, nil
}

func (c *control) serve() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go c.handle(conn)
	}
}

func (c *control) Close() error {
	err := c.listener.Close()
	os.Remove(c.path)
	return err
}

func (c *control) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + c.stats.GetStats() + "\n"))

	case "shutdown":
		req := shutdownRequest{reason: "maintenance"}
		if len(parts) >= 2 && parts[1] != "" {
			req.reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			until, err := time.Parse(time.RFC3339, parts[2])
			if err != nil {
				conn.Write([]byte("ERROR|Invalid completion time\n"))
				return
			}
			req.until = until
		}

		select {
		case c.requests <- req:
			conn.Write([]byte("OK|Shutting down\n"))
		default:
			conn.Write([]byte("ERROR|Shutdown already in progress\n"))
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// sendCommand sends one request line and returns the OK payload.
func sendCommand(path, line string) (string, error) {
	conn, err := net.DialTimeout("unix", path, controlTimeout)
	if err != nil {
		return "", fmt.Errorf("connect to control socket %s: %w", path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlTimeout))

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}

	status, payload, _ := strings.Cut(strings.TrimSpace(reply), "|")
	if status != "OK" {
		return "", errors.New(payload)
	}
	return payload, nil
}

package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends control commands to a running supervisor
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second,
	}
}

// SetTimeout sets the client timeout for commands.
// Restart and shutdown can take as long as the configured stop timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command to the supervisor and waits for the response
func (c *Client) SendCommand(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to supervisor (is it running?): %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &resp, nil
}

func (c *Client) send(typ, reason string) (*Response, error) {
	return c.SendCommand(Command{
		Type:      typ,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// Status requests the current supervisor status
func (c *Client) Status() (*Response, error) {
	return c.send(CmdStatus, "")
}

// Restart queues a restart of the child
func (c *Client) Restart(reason string) (*Response, error) {
	return c.send(CmdRestart, reason)
}

// Pause stops file changes from triggering restarts
func (c *Client) Pause(reason string) (*Response, error) {
	return c.send(CmdPause, reason)
}

// Resume re-enables change-triggered restarts
func (c *Client) Resume() (*Response, error) {
	return c.send(CmdResume, "")
}

// Shutdown asks the supervisor to stop the child and exit
func (c *Client) Shutdown(reason string) (*Response, error) {
	return c.send(CmdShutdown, reason)
}

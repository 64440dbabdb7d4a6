package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/pflag"

	"granary.dev/granary/internal/config"
)

type deviceRequest struct {
	Cmd  string `json:"cmd"`
	Args any    `json:"args,omitempty"`
}

type deviceResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// dialDevice sends one command to a running host.Device and returns
// its decoded result, mirroring the newline-delimited JSON protocol
// host.Device.Serve speaks on the other end.
func dialDevice(socketPath, cmd string) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	req, err := json.Marshal(deviceRequest{Cmd: cmd})
	if err != nil {
		return nil, err
	}
	req = append(req, '\n')
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return nil, fmt.Errorf("reading response: connection closed with no reply")
	}

	var resp deviceResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s: %s", cmd, resp.Error)
	}
	return resp.Result, nil
}

// socketFlags builds the -socket flag shared by every subcommand that
// talks to a running host over the control device.
func socketFlags(name string) (*pflag.FlagSet, *string) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	socket := flags.StringP("socket", "s", config.DefaultControlSocketPath, "path to the host's control socket")
	return flags, socket
}

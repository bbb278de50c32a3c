package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"devwave/pkg/broadcast"
)

// dialBroadcast connects to a running devwave instance's broadcast socket.
func dialBroadcast(path string) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w (is devwave running with this project's display.socketPath?)", path, err)
	}
	return conn, nil
}

// readStatusUpdate reads lines off conn until it sees a status_update
// message, or the deadline elapses.
func readStatusUpdate(conn net.Conn, timeout time.Duration) (broadcast.StatusUpdateMessage, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var envelope struct {
			Type string `json:"type"`
		}
		line := scanner.Bytes()
		if err := json.Unmarshal(line, &envelope); err != nil {
			continue
		}
		if envelope.Type != broadcast.TypeStatusUpdate {
			continue
		}
		var msg broadcast.StatusUpdateMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return broadcast.StatusUpdateMessage{}, fmt.Errorf("decode status update: %w", err)
		}
		return msg, nil
	}
	if err := scanner.Err(); err != nil {
		return broadcast.StatusUpdateMessage{}, err
	}
	return broadcast.StatusUpdateMessage{}, fmt.Errorf("no status update received within %s", timeout)
}

// sendCommand writes a CommandMessage and waits for its command_response.
func sendCommand(conn net.Conn, action, processName string, timeout time.Duration) (broadcast.CommandResponseMessage, error) {
	cmd := broadcast.CommandMessage{Type: broadcast.TypeCommand, Action: action, ProcessName: processName}
	line, err := json.Marshal(cmd)
	if err != nil {
		return broadcast.CommandResponseMessage{}, fmt.Errorf("encode command: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return broadcast.CommandResponseMessage{}, fmt.Errorf("send command: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var envelope struct {
			Type string `json:"type"`
		}
		raw := scanner.Bytes()
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if envelope.Type != broadcast.TypeCommandResponse {
			continue
		}
		var resp broadcast.CommandResponseMessage
		if err := json.Unmarshal(raw, &resp); err != nil {
			return broadcast.CommandResponseMessage{}, fmt.Errorf("decode response: %w", err)
		}
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return broadcast.CommandResponseMessage{}, err
	}
	return broadcast.CommandResponseMessage{}, fmt.Errorf("no response received within %s", timeout)
}

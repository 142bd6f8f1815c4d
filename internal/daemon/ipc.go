// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"branchfs/internal/branch"
)

// Request types, one per administrative verb (§6).
const (
	RequestMountFS     = "mount"
	RequestUnmount     = "unmount"
	RequestStatus      = "status"
	RequestStop        = "stop"
	RequestCreate      = "create"  // create a branch
	RequestCommit      = "commit"  // commit a branch
	RequestAbort       = "abort"   // abort a branch
	RequestSwitch      = "switch"  // switch the view
	RequestListBranch  = "list"    // list the branch tree
	RequestMountList   = "mounts"  // list active mounts
)

// Request is an admin IPC request.
type Request struct {
	Type string `json:"type"`

	// mount/unmount
	BasePath string `json:"base_path,omitempty"`
	Target   string `json:"target,omitempty"`

	// create/commit/abort/switch address a mount by target, then a branch
	// by name (create additionally takes a parent and switch-on-create flag)
	Branch     string `json:"branch,omitempty"`
	Parent     string `json:"parent,omitempty"`
	SwitchToIt bool   `json:"switch_to_it,omitempty"`
}

// BranchStatus mirrors branch.Entry for the wire.
type BranchStatus struct {
	Name   string `json:"name"`
	Parent string `json:"parent"`
}

// MountStatus describes one active mount for `branchfs mount ls`.
type MountStatus struct {
	ID       string `json:"id"`
	BasePath string `json:"base_path"`
	Target   string `json:"target"`
	View     string `json:"view"`
	Epoch    uint64 `json:"epoch"`
}

// Response is an admin IPC response.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	PID     int            `json:"pid,omitempty"`
	Mounts  []MountStatus  `json:"mounts,omitempty"`
	Entries []BranchStatus `json:"entries,omitempty"`
	Epoch   uint64         `json:"epoch,omitempty"`
}

func entriesToStatus(entries []branch.Entry) []BranchStatus {
	out := make([]BranchStatus, len(entries))
	for i, e := range entries {
		out[i] = BranchStatus{Name: e.Name, Parent: e.Parent}
	}
	return out
}

// Server is the admin IPC server, one JSON object per connection over a
// Unix domain socket (§6).
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a Server dispatching each accepted request to handler.
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start begins accepting connections on SocketPath().
func (s *Server) Start() error {
	os.Remove(SocketPath())
	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener
	os.Chmod(SocketPath(), 0o600)
	go s.accept()
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}
	resp := s.handler(&req)
	json.NewEncoder(conn).Encode(resp)
}

// Client is the admin IPC client used by the CLI.
type Client struct {
	conn net.Conn
}

// Connect dials the daemon's admin socket.
func Connect() (*Client, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the client connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send issues req and decodes the daemon's response.
func (c *Client) Send(req *Request) (*Response, error) {
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.NewDecoder(c.conn).Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}
	return &resp, nil
}

// Mount asks the daemon to open a new mount over basePath, exposed at target.
func (c *Client) Mount(basePath, target string) (*Response, error) {
	return c.Send(&Request{Type: RequestMountFS, BasePath: basePath, Target: target})
}

// Unmount asks the daemon to tear down the mount serving target.
func (c *Client) Unmount(target string) (*Response, error) {
	return c.Send(&Request{Type: RequestUnmount, Target: target})
}

// CreateBranch asks the daemon to create a branch under the mount serving target.
func (c *Client) CreateBranch(target, name, parent string, switchToIt bool) (*Response, error) {
	return c.Send(&Request{Type: RequestCreate, Target: target, Branch: name, Parent: parent, SwitchToIt: switchToIt})
}

// Commit asks the daemon to commit a branch.
func (c *Client) Commit(target, name string) (*Response, error) {
	return c.Send(&Request{Type: RequestCommit, Target: target, Branch: name})
}

// Abort asks the daemon to abort a branch.
func (c *Client) Abort(target, name string) (*Response, error) {
	return c.Send(&Request{Type: RequestAbort, Target: target, Branch: name})
}

// Switch asks the daemon to switch the mount's current view.
func (c *Client) Switch(target, name string) (*Response, error) {
	return c.Send(&Request{Type: RequestSwitch, Target: target, Branch: name})
}

// ListBranches asks the daemon for the branch tree of the mount serving target.
func (c *Client) ListBranches(target string) (*Response, error) {
	return c.Send(&Request{Type: RequestListBranch, Target: target})
}

// ListMounts asks the daemon for every active mount.
func (c *Client) ListMounts() (*Response, error) {
	return c.Send(&Request{Type: RequestMountList})
}

// Status sends a status request, which the daemon answers like
// ListMounts. No CLI verb calls it.
func (c *Client) Status() (*Response, error) {
	return c.Send(&Request{Type: RequestStatus})
}

// Stop asks the daemon to shut down.
func (c *Client) Stop() (*Response, error) {
	return c.Send(&Request{Type: RequestStop})
}

// IsDaemonRunning reports whether a daemon is listening on SocketPath().
func IsDaemonRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	client.Close()
	return true
}

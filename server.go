package taskcache

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Cmd is a cache protocol command.
type Cmd string

const (
	CmdGet   = Cmd("get")
	CmdStat  = Cmd("stat")
	CmdPut   = Cmd("put")
	CmdClose = Cmd("close")
)

// Request is one line of the cache protocol. Field values travel as JSON.
type Request struct {
	ID      int64
	Command Cmd
	Task    string                     `json:",omitempty"`
	Version string                     `json:",omitempty"`
	Hash    string                     `json:",omitempty"`
	Fields  []string                   `json:",omitempty"`
	Outputs map[string]json.RawMessage `json:",omitempty"`
}

// Response answers one Request.
type Response struct {
	ID            int64                      `json:",omitempty"`
	Err           string                     `json:",omitempty"`
	KnownCommands []Cmd                      `json:",omitempty"`
	Miss          bool                       `json:",omitempty"`
	Hashes        map[string]string          `json:",omitempty"`
	Values        map[string]json.RawMessage `json:",omitempty"`
}

// CacheProg serves a CacheManager over a line-delimited JSON protocol, so a
// pipeline written in any language can drive the cache through a subprocess.
type CacheProg struct {
	m       *CacheManager
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// NewCacheProg creates a protocol server reading requests from r and writing
// responses to w.
func NewCacheProg(m *CacheManager, r io.Reader, w io.Writer) *CacheProg {
	scanner := bufio.NewScanner(r)
	// Put requests carry whole outputs on one line.
	const maxScanTokenSize = 64 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &CacheProg{
		m:       m,
		scanner: scanner,
		writer:  bufio.NewWriter(w),
	}
}

// SendResponse writes one response line.
func (cp *CacheProg) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := cp.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := cp.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return cp.writer.Flush()
}

// ReadRequest reads the next non-empty request line.
func (cp *CacheProg) ReadRequest() (*Request, error) {
	var line string
	for {
		if !cp.scanner.Scan() {
			if err := cp.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = cp.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// HandleRequest processes a single request and sends its response.
func (cp *CacheProg) HandleRequest(req *Request) error {
	resp := Response{ID: req.ID}

	switch req.Command {
	case CmdGet, CmdStat:
		schema, err := rawSchema(req.Fields)
		if err != nil {
			resp.Err = err.Error()
			break
		}
		cached, hit := cp.m.GetCache(req.Task, req.Version, req.Hash, schema)
		if !hit {
			resp.Miss = true
			break
		}
		resp.Hashes = cached.Hashes()
		if req.Command == CmdStat {
			break
		}
		resp.Values = make(map[string]json.RawMessage, len(req.Fields))
		for _, field := range req.Fields {
			value, err := Get[json.RawMessage](cached, field)
			if err != nil {
				resp.Err = err.Error()
				resp.Values = nil
				break
			}
			resp.Values[field] = value
		}

	case CmdPut:
		outputs := NewOutputs()
		for _, field := range sortedKeys(req.Outputs) {
			outputs.Set(field, req.Outputs[field])
		}
		cp.m.UploadCache(req.Task, req.Version, req.Hash, outputs)

	case CmdClose:
		// Will exit after sending response.

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return cp.SendResponse(resp)
}

// Run announces the supported commands and serves requests until EOF or a
// close command.
func (cp *CacheProg) Run() error {
	if err := cp.SendResponse(Response{
		KnownCommands: []Cmd{CmdGet, CmdStat, CmdPut, CmdClose},
	}); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		req, err := cp.ReadRequest()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if err := cp.HandleRequest(req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		if req.Command == CmdClose {
			break
		}
	}

	return nil
}

// rawSchema declares fields whose values are kept as raw JSON.
func rawSchema(names []string) (Schema, error) {
	fields := make([]Field, len(names))
	for i, name := range names {
		fields[i] = FieldOf[json.RawMessage](name)
	}
	return NewSchema(fields...)
}

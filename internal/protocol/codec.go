package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.InputA == "" || req.InputB == "" || req.OutDir == "" {
		return fmt.Errorf("request is missing an input or output path")
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads a single JSON Response from r, rejecting unknown fields.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeLastLine finds the last non-empty line of out and decodes it as a
// Response. Engines are free to print progress before the final line; only
// the last line is protocol. The raw line is returned for diagnostics.
func DecodeLastLine(out []byte) (*Response, []byte, error) {
	line := lastLine(out)
	if len(line) == 0 {
		return nil, line, fmt.Errorf("engine produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, line, fmt.Errorf("engine output is not valid JSON: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, line, err
	}
	return &resp, line, nil
}

func lastLine(out []byte) []byte {
	out = bytes.TrimRight(out, " \t\r\n")
	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	return bytes.TrimSpace(out)
}

func (r *Response) validate() error {
	if r.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}
	if r.Status != "ok" && r.Status != "error" {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", r.Status)
	}
	if r.Status == "error" && r.Error == "" {
		return fmt.Errorf("response has status=error but no error message")
	}
	return nil
}

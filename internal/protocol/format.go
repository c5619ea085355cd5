package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/labnodes/internal/node"
)

// Format is the kind of protocol artifact.
type Format string

// Supported protocol formats.
const (
	FormatUnknown Format = ""
	FormatPython  Format = "python"
	FormatYAML    Format = "yaml"
)

// ErrUnrecognized is returned when a body is neither a script nor a document.
var ErrUnrecognized = errors.New("protocol is neither a python file nor a yaml file")

// Ext returns the file extension used when persisting the format.
func (f Format) Ext() string {
	switch f {
	case FormatPython:
		return ".py"
	case FormatYAML:
		return ".yaml"
	default:
		return ""
	}
}

// Hint carries the caller's explicit format declarations, strongest first.
type Hint struct {
	Declared    string
	Filename    string
	ContentType string
}

// Negotiate resolves the format the caller declared. FormatUnknown means no
// declaration was made and the body must be sniffed.
func Negotiate(h Hint) (Format, error) {
	if d := strings.ToLower(strings.TrimSpace(h.Declared)); d != "" {
		switch d {
		case "python", "py", "script":
			return FormatPython, nil
		case "yaml", "yml", "document":
			return FormatYAML, nil
		default:
			return FormatUnknown, node.NewError(node.KindMalformedInput,
				fmt.Sprintf("unsupported protocol_format %q (want python or yaml)", h.Declared), nil)
		}
	}
	switch strings.ToLower(filepath.Ext(h.Filename)) {
	case ".py":
		return FormatPython, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	if h.ContentType != "" {
		mediaType, _, err := mime.ParseMediaType(h.ContentType)
		if err == nil {
			switch mediaType {
			case "text/x-python", "text/x-script.python", "application/x-python-code", "application/x-python":
				return FormatPython, nil
			case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
				return FormatYAML, nil
			}
		}
	}
	return FormatUnknown, nil
}

// Materialize validates body against the negotiated format, or sniffs it
// when none was declared, and returns the bytes to persist. YAML documents
// are re-encoded with four-space indentation and their key order preserved.
func Materialize(body []byte, h Hint) (Format, []byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return FormatUnknown, nil, node.NewError(node.KindMalformedInput, "protocol file is empty", nil)
	}
	format, err := Negotiate(h)
	if err != nil {
		return FormatUnknown, nil, err
	}
	switch format {
	case FormatPython:
		if err := CheckPython(string(body)); err != nil {
			return FormatUnknown, nil, node.NewError(node.KindMalformedInput, "protocol declared as python is not a valid script", err)
		}
		return FormatPython, body, nil
	case FormatYAML:
		out, err := normalizeYAML(body)
		if err != nil {
			return FormatUnknown, nil, node.NewError(node.KindMalformedInput, "protocol declared as yaml is not a valid document", err)
		}
		return FormatYAML, out, nil
	}
	return Detect(body)
}

// Detect sniffs the body: script first, then structured document.
func Detect(body []byte) (Format, []byte, error) {
	scriptErr := CheckPython(string(body))
	if scriptErr == nil {
		return FormatPython, body, nil
	}
	out, docErr := normalizeYAML(body)
	if docErr == nil {
		return FormatYAML, out, nil
	}
	return FormatUnknown, nil, node.NewError(node.KindMalformedInput, "",
		fmt.Errorf("%w (python: %v; yaml: %v)", ErrUnrecognized, scriptErr, docErr))
}

func normalizeYAML(body []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("yaml document is empty")
	}
	switch doc.Content[0].Kind {
	case yaml.MappingNode, yaml.SequenceNode:
	default:
		return nil, errors.New("yaml document must be a mapping or a sequence")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(4)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close yaml encoder: %w", err)
	}
	return buf.Bytes(), nil
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// printer writes values as JSON lines or YAML documents.
type printer struct {
	w      io.Writer
	format string
	pretty bool
	docs   int
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "", "json":
		format = "json"
	case "yaml":
	default:
		return nil, fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
	p := &printer{w: w, format: format}
	if f, ok := w.(*os.File); ok {
		p.pretty = isatty.IsTerminal(f.Fd())
	}
	return p, nil
}

func (p *printer) print(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	if p.format == "yaml" {
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
		if p.docs > 0 {
			io.WriteString(p.w, "---\n")
		}
		p.docs++
		_, err = p.w.Write(out)
		return err
	}

	if p.pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			data = buf.Bytes()
		}
	}
	_, err = fmt.Fprintf(p.w, "%s\n", data)
	return err
}

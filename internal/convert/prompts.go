// Package convert turns an uploaded invoice export into the JSONL input of a
// batch inference job: one categorization prompt per data row.
package convert

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultPrompt precedes the column listing of every row.
const DefaultPrompt = "Use the following categories and data points to put a company into a Category.\n" +
	"Respond with just the category and no other words. An example response could be \"Food Expense\"\n\n"

// Options controls conversion.
type Options struct {
	// HeaderRow is the zero-based row holding column names. Rows above it
	// are export preamble and are skipped.
	HeaderRow        int
	Prompt           string
	MaxTokens        int
	AnthropicVersion string
}

// DefaultOptions matches the bank export layout: five preamble rows, then
// the header.
func DefaultOptions() Options {
	return Options{
		HeaderRow:        5,
		Prompt:           DefaultPrompt,
		MaxTokens:        1024,
		AnthropicVersion: "bedrock-2023-05-31",
	}
}

// ErrNoHeader is returned when the input ends before the header row.
var ErrNoHeader = errors.New("input has no header row")

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type modelInput struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
}

type record struct {
	RecordID   string     `json:"recordId"`
	ModelInput modelInput `json:"modelInput"`
}

// ToPrompts reads CSV from r and writes one JSON record per data row to w.
// Empty cells are left out of the prompt. It returns the number of records.
func ToPrompts(r io.Reader, w io.Writer, opts Options) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var header []string
	for row := 0; row <= opts.HeaderRow; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return 0, ErrNoHeader
		}
		if err != nil {
			return 0, fmt.Errorf("read preamble: %w", err)
		}
		header = rec
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	n := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read row %d: %w", n+1, err)
		}

		text, ok := rowPrompt(opts.Prompt, header, rec)
		if !ok {
			continue
		}
		n++
		out := record{
			RecordID: fmt.Sprintf("REC%08d", n),
			ModelInput: modelInput{
				AnthropicVersion: opts.AnthropicVersion,
				MaxTokens:        opts.MaxTokens,
				Messages: []message{{
					Role:    "user",
					Content: []content{{Type: "text", Text: text}},
				}},
			},
		}
		if err := enc.Encode(out); err != nil {
			return n, fmt.Errorf("write record %d: %w", n, err)
		}
	}
}

// rowPrompt pairs each non-empty cell with its column name. Rows with no
// values report false.
func rowPrompt(prompt string, header, row []string) (string, bool) {
	var b strings.Builder
	b.WriteString(prompt)
	found := false
	for i, v := range row {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		name := fmt.Sprintf("column_%d", i)
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			name = strings.TrimSpace(header[i])
		}
		fmt.Fprintf(&b, "%s: %s\n", name, v)
		found = true
	}
	return b.String(), found
}

// File converts the CSV at src into JSONL at dst.
func File(src, dst string, opts Options) (int, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create prompts file: %w", err)
	}

	bw := bufio.NewWriter(out)
	n, err := ToPrompts(in, bw, opts)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return n, fmt.Errorf("flush prompts file: %w", err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close prompts file: %w", err)
	}
	return n, nil
}

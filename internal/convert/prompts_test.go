package convert

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const export = `Account statement
Account:,12345
Period:,2024-01
,
Generated by bank
Date,Description,Amount,Memo
2024-01-02,Blue Bottle Coffee,4.50,
2024-01-03,Shell Oil,52.10,fleet card
,,,
`

func decode(t *testing.T, out string) []record {
	t.Helper()
	var recs []record
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	require.NoError(t, sc.Err())
	return recs
}

func TestToPrompts(t *testing.T) {
	var buf bytes.Buffer
	n, err := ToPrompts(strings.NewReader(export), &buf, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "blank row is skipped")

	recs := decode(t, buf.String())
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, "REC00000001", first.RecordID)
	assert.Equal(t, "bedrock-2023-05-31", first.ModelInput.AnthropicVersion)
	assert.Equal(t, 1024, first.ModelInput.MaxTokens)
	require.Len(t, first.ModelInput.Messages, 1)
	assert.Equal(t, "user", first.ModelInput.Messages[0].Role)

	text := first.ModelInput.Messages[0].Content[0].Text
	assert.True(t, strings.HasPrefix(text, DefaultPrompt))
	assert.Contains(t, text, "Description: Blue Bottle Coffee\n")
	assert.Contains(t, text, "Amount: 4.50\n")
	assert.NotContains(t, text, "Memo:", "empty cells are dropped")

	assert.Contains(t, recs[1].ModelInput.Messages[0].Content[0].Text, "Memo: fleet card\n")
}

func TestToPromptsNoHeader(t *testing.T) {
	var buf bytes.Buffer
	_, err := ToPrompts(strings.NewReader("only\ntwo rows\n"), &buf, DefaultOptions())
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestToPromptsHeaderFirst(t *testing.T) {
	opts := DefaultOptions()
	opts.HeaderRow = 0

	var buf bytes.Buffer
	n, err := ToPrompts(strings.NewReader("vendor,total\nACME,10\n"), &buf, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), `vendor: ACME\ntotal: 10\n`)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.csv")
	dst := filepath.Join(dir, "out.jsonl")
	require.NoError(t, os.WriteFile(src, []byte(export), 0o644))

	n, err := File(src, dst, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Len(t, decode(t, string(data)), 2)

	_, err = File(filepath.Join(dir, "missing.csv"), dst, DefaultOptions())
	assert.Error(t, err)
}

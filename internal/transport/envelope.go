package transport

import (
	"encoding/json"
	"net/http"

	"github.com/invoicecat/invoicecat/internal/apperr"
)

// payload is the data object of a reply frame.
type payload map[string]any

func success(fields payload) payload {
	if fields == nil {
		fields = payload{}
	}
	fields["status"] = true
	fields["response"] = http.StatusOK
	return fields
}

func failure(err error) payload {
	msg, code := apperr.Public(err)
	return payload{
		"status":   false,
		"response": code,
		"error":    msg,
	}
}

// writeError marks a failure to write to the connection while streaming;
// no reply can be sent for it.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return "write frame: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// checker reports the first required argument a request lacks.
type checker interface {
	missing() string
}

func decode(raw json.RawMessage, v checker) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apperr.Invalid("missing data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err, "malformed data")
	}
	if name := v.missing(); name != "" {
		return apperr.Invalid("missing argument %s", name)
	}
	return nil
}

type uploadArgs struct {
	Token       string `json:"token"`
	Filename    string `json:"filename"`
	FileID      string `json:"fileid"`
	Chunk       []byte `json:"chunk"`
	ChunkNumber *int   `json:"chunk_number"`
	TotalChunks *int   `json:"total_chunks"`
}

func (a *uploadArgs) missing() string {
	switch {
	case a.Filename == "":
		return "filename"
	case a.Token == "":
		return "token"
	case a.Chunk == nil:
		return "chunk"
	case a.ChunkNumber == nil:
		return "chunk_number"
	case a.TotalChunks == nil:
		return "total_chunks"
	}
	return ""
}

type tokenArgs struct {
	Token string `json:"token"`
}

func (a *tokenArgs) missing() string {
	if a.Token == "" {
		return "token"
	}
	return ""
}

type fileArgs struct {
	Token  string `json:"token"`
	FileID string `json:"fileid"`
}

func (a *fileArgs) missing() string {
	switch {
	case a.Token == "":
		return "token"
	case a.FileID == "":
		return "fileid"
	}
	return ""
}

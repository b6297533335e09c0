package transport

import (
	"context"
	"encoding/json"

	"github.com/invoicecat/invoicecat/internal/blob"
	"github.com/invoicecat/invoicecat/internal/ingest"
	"github.com/invoicecat/invoicecat/internal/ledger"
)

func (s *Server) handleUpload(ctx context.Context, _ *conn, data json.RawMessage) (payload, error) {
	var args uploadArgs
	if err := decode(data, &args); err != nil {
		return nil, err
	}
	owner, err := s.auth.Verify(args.Token)
	if err != nil {
		return nil, err
	}

	res, err := s.svc.Upload(ctx, owner, ingest.UploadRequest{
		FileID:      args.FileID,
		Filename:    args.Filename,
		Chunk:       args.Chunk,
		ChunkNumber: *args.ChunkNumber,
		TotalChunks: *args.TotalChunks,
	})
	if err != nil {
		return nil, err
	}
	return success(payload{
		"fileid":       res.FileID,
		"finished":     res.Finished,
		"chunk_number": res.ChunkNumber,
	}), nil
}

type fileView struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Processed bool   `json:"processed"`
	JobID     string `json:"jobid"`
	SyncError string `json:"sync_error,omitempty"`
}

func (s *Server) handleList(ctx context.Context, _ *conn, data json.RawMessage) (payload, error) {
	var args tokenArgs
	if err := decode(data, &args); err != nil {
		return nil, err
	}
	owner, err := s.auth.Verify(args.Token)
	if err != nil {
		return nil, err
	}

	entries, err := s.svc.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	files := make(map[string]fileView, len(entries))
	for _, e := range entries {
		files[e.FileID] = fileView{
			Filename:  e.Filename,
			Status:    string(e.Status),
			Processed: e.Status == ledger.StatusProcessed,
			JobID:     e.JobHandle,
			SyncError: e.SyncError,
		}
	}
	return success(payload{"files": files}), nil
}

func (s *Server) handleProcess(ctx context.Context, _ *conn, data json.RawMessage) (payload, error) {
	var args fileArgs
	if err := decode(data, &args); err != nil {
		return nil, err
	}
	owner, err := s.auth.Verify(args.Token)
	if err != nil {
		return nil, err
	}

	res, err := s.svc.Process(ctx, owner, args.FileID)
	if err != nil {
		return nil, err
	}
	return success(payload{"fileid": res.FileID, "jobid": res.JobHandle}), nil
}

// handleGet streams the output as unfinished frames, then replies with a
// finished frame.
func (s *Server) handleGet(ctx context.Context, c *conn, data json.RawMessage) (payload, error) {
	var args fileArgs
	if err := decode(data, &args); err != nil {
		return nil, err
	}
	owner, err := s.auth.Verify(args.Token)
	if err != nil {
		return nil, err
	}

	err = s.svc.Get(ctx, owner, args.FileID, func(ch blob.Chunk) error {
		err := c.send("get", success(payload{
			"fileid":       args.FileID,
			"finished":     false,
			"chunk":        ch.Data,
			"chunk_number": ch.Index,
			"total_chunks": ch.Total,
		}))
		if err != nil {
			return &writeError{err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return success(payload{"fileid": args.FileID, "finished": true}), nil
}

func (s *Server) handleDelete(ctx context.Context, _ *conn, data json.RawMessage) (payload, error) {
	var args fileArgs
	if err := decode(data, &args); err != nil {
		return nil, err
	}
	owner, err := s.auth.Verify(args.Token)
	if err != nil {
		return nil, err
	}

	if err := s.svc.Delete(ctx, owner, args.FileID); err != nil {
		return nil, err
	}
	return success(payload{"fileid": args.FileID}), nil
}

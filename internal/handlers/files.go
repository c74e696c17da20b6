package handlers

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/danmuck/backctl/internal/protocol"
	"github.com/danmuck/backctl/internal/protocol/wire"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Checksum is the file.checksum response body.
type Checksum struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	SHA1 string `json:"sha1"`
}

// Map renders the checksum the way it travels on the wire.
func (c Checksum) Map() map[string]any {
	return map[string]any{"path": c.Path, "size": c.Size, "sha1": c.SHA1}
}

// ChecksumFromOutput reads a file.checksum response back into a Checksum.
func ChecksumFromOutput(out any) (Checksum, error) {
	obj, ok := out.(map[string]any)
	if !ok {
		return Checksum{}, protocol.Errorf(protocol.CodeFormat, "checksum output must be an object")
	}
	path, _ := obj["path"].(string)
	sum, _ := obj["sha1"].(string)
	size, ok := obj["size"].(int64)
	if !ok || path == "" || len(sum) != sha1.Size*2 {
		return Checksum{}, protocol.Errorf(protocol.CodeFormat, "checksum output is incomplete")
	}
	return Checksum{Path: path, Size: size, SHA1: sum}, nil
}

func fileChecksum(ctx context.Context, params []any, srv *protocol.Server) error {
	path, err := stringParam(CommandFileChecksum, params, 0)
	if err != nil {
		return err
	}
	sum, err := checksumFile(ctx, path)
	if err != nil {
		return err
	}
	log.Debug().Str("server", srv.Name()).Str("path", path).Str("size", humanize.IBytes(uint64(sum.Size))).
		Msg("handlers.fileChecksum")
	return srv.Respond(sum.Map())
}

func checksumFile(ctx context.Context, path string) (Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checksum{}, protocol.Errorf(protocol.CodeFileMissing, "unable to open missing file '%s' for read", path)
		}
		return Checksum{}, protocol.Errorf(protocol.CodeFileRead, "unable to open file '%s' for read: %v", path, err)
	}
	defer f.Close()

	h := sha1.New()
	size, err := io.Copy(h, contextReader{ctx: ctx, r: f})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Checksum{}, ctxErr
		}
		return Checksum{}, protocol.Errorf(protocol.CodeFileRead, "unable to read file '%s': %v", path, err)
	}
	return Checksum{Path: path, Size: size, SHA1: hex.EncodeToString(h.Sum(nil))}, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// fileList streams one line per regular file below the directory, relative
// to it and sorted, then responds with the count.
func fileList(ctx context.Context, params []any, srv *protocol.Server) error {
	dir, err := stringParam(CommandFileList, params, 0)
	if err != nil {
		return err
	}
	files, err := listFiles(ctx, dir)
	if err != nil {
		return err
	}
	// Names are checked before the first line goes out so a retry never
	// repeats a partial stream.
	for _, name := range files {
		if _, err := wire.EncodeText(name); err != nil {
			return protocol.Errorf(protocol.CodeFormat, "unable to list '%s': file name %q contains a line break", dir, name)
		}
	}
	for _, name := range files {
		if err := srv.WriteLine(name); err != nil {
			return err
		}
	}
	if err := srv.WriteLineEnd(); err != nil {
		return err
	}
	log.Debug().Str("server", srv.Name()).Str("dir", dir).Int("files", len(files)).Msg("handlers.fileList")
	return srv.Respond(int64(len(files)))
}

func listFiles(ctx context.Context, dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, protocol.Errorf(protocol.CodeFileMissing, "unable to list missing path '%s'", dir)
		}
		return nil, protocol.Errorf(protocol.CodeFileRead, "unable to stat '%s': %v", dir, err)
	}
	if !info.IsDir() {
		return nil, protocol.Errorf(protocol.CodeFileRead, "path '%s' is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, protocol.Errorf(protocol.CodeFileRead, "unable to list '%s': %v", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

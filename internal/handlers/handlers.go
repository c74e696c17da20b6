// Package handlers holds the commands a backctl worker serves.
package handlers

import (
	"github.com/danmuck/backctl/internal/protocol"
)

const (
	CommandFileChecksum = "file.checksum"
	CommandFileList     = "file.list"
)

// Registry returns the compiled-in worker command set.
func Registry() (*protocol.Registry, error) {
	reg := protocol.NewRegistry()
	if err := reg.RegisterFunc(CommandFileChecksum, fileChecksum); err != nil {
		return nil, err
	}
	if err := reg.RegisterFunc(CommandFileList, fileList); err != nil {
		return nil, err
	}
	return reg, nil
}

func stringParam(command string, params []any, idx int) (string, error) {
	if idx >= len(params) {
		return "", protocol.Errorf(protocol.CodeAssert, "command '%s' requires parameter %d", command, idx)
	}
	value, ok := params[idx].(string)
	if !ok || value == "" {
		return "", protocol.Errorf(protocol.CodeAssert, "command '%s' parameter %d must be a non-empty string", command, idx)
	}
	return value, nil
}

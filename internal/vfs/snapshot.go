package vfs

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot wire format:
//
//	message Snapshot { repeated File files = 1; }
//	message File     { string path = 1; bytes data = 2; }
const (
	fieldFiles protowire.Number = 1
	fieldPath  protowire.Number = 1
	fieldData  protowire.Number = 2
)

// Snapshot encodes every file in path order.
func (s *Store) Snapshot() []byte {
	var out []byte
	for _, p := range s.List() {
		data, err := s.Read(p)
		if err != nil {
			continue
		}
		var file []byte
		file = protowire.AppendTag(file, fieldPath, protowire.BytesType)
		file = protowire.AppendString(file, p)
		file = protowire.AppendTag(file, fieldData, protowire.BytesType)
		file = protowire.AppendBytes(file, data)

		out = protowire.AppendTag(out, fieldFiles, protowire.BytesType)
		out = protowire.AppendBytes(out, file)
	}
	return out
}

// Restore writes every file of a snapshot into the store. Existing files
// not named by the snapshot are kept.
func (s *Store) Restore(snapshot []byte) error {
	files, err := decodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.Write(f.path, f.data); err != nil {
			return err
		}
	}
	return nil
}

type snapFile struct {
	path string
	data []byte
}

func decodeSnapshot(b []byte) ([]snapFile, error) {
	var files []snapFile
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("vfs: snapshot: %v: %w", protowire.ParseError(n), ErrIO)
		}
		b = b[n:]
		if num != fieldFiles || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("vfs: snapshot: %v: %w", protowire.ParseError(n), ErrIO)
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("vfs: snapshot: %v: %w", protowire.ParseError(n), ErrIO)
		}
		b = b[n:]
		f, err := decodeFile(msg)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func decodeFile(b []byte) (snapFile, error) {
	var f snapFile
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("vfs: snapshot file: %v: %w", protowire.ParseError(n), ErrIO)
		}
		b = b[n:]
		switch {
		case num == fieldPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, fmt.Errorf("vfs: snapshot path: %v: %w", protowire.ParseError(n), ErrIO)
			}
			f.path, b = v, b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("vfs: snapshot data: %v: %w", protowire.ParseError(n), ErrIO)
			}
			f.data, b = append([]byte{}, v...), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("vfs: snapshot file: %v: %w", protowire.ParseError(n), ErrIO)
			}
			b = b[n:]
		}
	}
	if f.path == "" {
		return f, fmt.Errorf("vfs: snapshot file without path: %w", ErrIO)
	}
	return f, nil
}

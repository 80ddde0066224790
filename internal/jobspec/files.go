// SPDX-License-Identifier: AGPL-3.0-or-later

package jobspec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// File encodings.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// FileRef is an embedded file under attributes.system.files. Data is a
// string for utf-8 and base64 encodings, or a JSON object when Encoding
// is empty.
type FileRef struct {
	Mode     int    `json:"mode"`
	Encoding string `json:"encoding,omitempty"`
	Data     any    `json:"data"`
	Size     int    `json:"size,omitempty"`
}

// FileSource is the content of a file to attach: inline Data, or Path to
// read.
type FileSource struct {
	Path   string
	Data   string
	Inline bool
}

// ParseFileArg splits a NAME[=SOURCE] argument. Without a name the base
// name of the path is used. A source containing a newline is inline data.
func ParseFileArg(arg string) (string, FileSource, error) {
	name, src, hasName := strings.Cut(arg, "=")
	if !hasName {
		src = name
		name = filepath.Base(src)
	}
	if name == "" || src == "" {
		return "", FileSource{}, fmt.Errorf("%w: file argument %q", ErrInvalidArgument, arg)
	}
	if strings.Contains(src, "\n") {
		if !hasName {
			return "", FileSource{}, fmt.Errorf("%w: inline file data requires NAME=", ErrInvalidArgument)
		}
		return name, FileSource{Data: src, Inline: true}, nil
	}
	return name, FileSource{Path: src}, nil
}

// AddFile attaches src under files.<name> reading paths from the host
// filesystem.
func (js *Jobspec) AddFile(name string, src FileSource, perms os.FileMode, encoding string) error {
	return js.AddFileFrom(afero.NewOsFs(), name, src, perms, encoding)
}

// AddFileFrom is AddFile with an explicit filesystem. A zero perms uses
// 0600 for inline data and the source file's permission bits otherwise.
// An empty encoding selects utf-8 when the data is valid UTF-8, base64
// otherwise, and embeds *.json sources as JSON objects.
func (js *Jobspec) AddFileFrom(fs afero.Fs, name string, src FileSource, perms os.FileMode, encoding string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: invalid file name %q", ErrInvalidArgument, name)
	}
	files, err := js.filesMap()
	if err != nil {
		return err
	}
	if _, exists := files[name]; exists {
		return fmt.Errorf("%w: file %q already attached", ErrInvalidArgument, name)
	}
	var data []byte
	mode := perms
	if src.Inline {
		data = []byte(src.Data)
		if mode == 0 {
			mode = 0o600
		}
	} else {
		info, err := fs.Stat(src.Path)
		if err != nil {
			return fmt.Errorf("add file %s: %w", name, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, src.Path)
		}
		data, err = afero.ReadFile(fs, src.Path)
		if err != nil {
			return fmt.Errorf("add file %s: %w", name, err)
		}
		if mode == 0 {
			mode = info.Mode().Perm()
		}
	}
	ref, err := makeFileRef(data, mode, encoding, !src.Inline && strings.HasSuffix(src.Path, ".json"))
	if err != nil {
		return fmt.Errorf("add file %s: %w", name, err)
	}
	v, err := normalize(ref)
	if err != nil {
		return err
	}
	files[name] = v
	return nil
}

// filesMap returns attributes.system.files, creating it when absent.
// File names may contain dots, so entries are not addressed by dotted key.
func (js *Jobspec) filesMap() (map[string]any, error) {
	v, ok := js.GetAttribute("system.files")
	if !ok {
		if err := js.SetAttribute("system.files", map[string]any{}); err != nil {
			return nil, err
		}
		v, _ = js.GetAttribute("system.files")
	}
	files, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: attributes.system.files is not a mapping", ErrTypeMismatch)
	}
	return files, nil
}

func makeFileRef(data []byte, mode os.FileMode, encoding string, isJSON bool) (FileRef, error) {
	ref := FileRef{Mode: int(mode.Perm()) | 0o100000}
	switch encoding {
	case "":
		if isJSON {
			var obj any
			if err := json.Unmarshal(data, &obj); err != nil {
				return ref, fmt.Errorf("parse JSON: %w", err)
			}
			ref.Data = obj
			return ref, nil
		}
		if utf8.Valid(data) {
			ref.Encoding = EncodingUTF8
			ref.Data = string(data)
			return ref, nil
		}
		fallthrough
	case EncodingBase64:
		ref.Encoding = EncodingBase64
		ref.Data = base64.StdEncoding.EncodeToString(data)
		ref.Size = len(data)
	case EncodingUTF8:
		if !utf8.Valid(data) {
			return ref, fmt.Errorf("%w: data is not valid utf-8", ErrInvalidArgument)
		}
		ref.Encoding = EncodingUTF8
		ref.Data = string(data)
	default:
		return ref, fmt.Errorf("%w: unknown encoding %q", ErrInvalidArgument, encoding)
	}
	return ref, nil
}

// Files returns the attached files keyed by name.
func (js *Jobspec) Files() (map[string]FileRef, error) {
	v, ok := js.GetAttribute("system.files")
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var files map[string]FileRef
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("%w: files: %v", ErrInvalid, err)
	}
	return files, nil
}

// Contents decodes the file data to bytes. JSON objects are re-encoded.
func (f FileRef) Contents() ([]byte, error) {
	switch f.Encoding {
	case EncodingUTF8:
		s, ok := f.Data.(string)
		if !ok {
			return nil, fmt.Errorf("%w: utf-8 data must be a string", ErrInvalid)
		}
		return []byte(s), nil
	case EncodingBase64:
		s, ok := f.Data.(string)
		if !ok {
			return nil, fmt.Errorf("%w: base64 data must be a string", ErrInvalid)
		}
		out, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrInvalid, err)
		}
		if f.Size > 0 && len(out) != f.Size {
			return nil, fmt.Errorf("%w: base64 data decodes to %d bytes, size is %d", ErrInvalid, len(out), f.Size)
		}
		return out, nil
	case "":
		return json.Marshal(f.Data)
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrInvalid, f.Encoding)
	}
}

// Perm returns the permission bits of the file mode.
func (f FileRef) Perm() os.FileMode {
	return os.FileMode(f.Mode).Perm()
}

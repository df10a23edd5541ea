package cloud

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// ErrUnsupportedFormat is returned for unknown file types and encodings
var ErrUnsupportedFormat = errors.New("unsupported format")

// Format identifies a point cloud file format
type Format string

const (
	FormatPCD Format = "pcd"
	FormatPLY Format = "ply"
	FormatLAS Format = "las"
)

// FormatFromPath picks a format from the file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcd":
		return FormatPCD, nil
	case ".ply":
		return FormatPLY, nil
	case ".las":
		return FormatLAS, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// ParseFormat converts a format name such as "pcd" to a Format
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case FormatPCD, FormatPLY, FormatLAS:
		return f, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// ContentType returns the MIME type served for the format
func (f Format) ContentType() string {
	switch f {
	case FormatPCD:
		return "application/x-pcd"
	case FormatPLY:
		return "application/x-ply"
	}
	return "application/vnd.las"
}

// Load reads a point cloud file, choosing the decoder by extension
func Load(path string) (*Cloud, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	if format == FormatLAS {
		return ReadLAS(path)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cloud file not found: %s", path)
		}
		return nil, fmt.Errorf("opening cloud file: %w", err)
	}
	defer func() { _ = f.Close() }()

	c, err := decodeStream(bufio.NewReader(f), format)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

// Save writes a point cloud file, choosing the encoder by extension. PCD and
// PLY are written in their binary encodings. A failed close is reported even
// when encoding succeeded.
func Save(c *Cloud, path string) (err error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	if format == FormatLAS {
		return WriteLAS(path, c)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating cloud file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing %s: %w", path, cerr))
		}
	}()
	if err := Encode(f, c, format); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// Encode writes c to w in the given format
func Encode(w io.Writer, c *Cloud, format Format) error {
	switch format {
	case FormatPCD:
		return WritePCD(w, c, PCDBinary)
	case FormatPLY:
		return WritePLY(w, c, PLYBinaryLittleEndian)
	case FormatLAS:
		return withTempFile("*.las", func(path string) error {
			if err := WriteLAS(path, c); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			_, err = w.Write(data)
			return err
		})
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

func decodeStream(r io.Reader, format Format) (*Cloud, error) {
	switch format {
	case FormatPCD:
		return ReadPCD(r)
	case FormatPLY:
		return ReadPLY(r)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// Detect sniffs the format of an in-memory payload
func Detect(data []byte) (Format, bool) {
	switch {
	case IsLAS(data):
		return FormatLAS, true
	case IsPLY(data):
		return FormatPLY, true
	case IsPCD(data):
		return FormatPCD, true
	}
	return "", false
}

// Decode decodes a point cloud payload of any supported format:
// - PCD (ascii or binary)
// - PLY (ascii or binary)
// - LAS
// - any of the above zlib-compressed
func Decode(data []byte) (*Cloud, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	format, ok := Detect(data)
	if !ok {
		inflated, err := inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("%w: not PCD, PLY, LAS, or zlib-compressed", ErrUnsupportedFormat)
		}
		if format, ok = Detect(inflated); !ok {
			return nil, fmt.Errorf("%w: compressed payload is not PCD, PLY or LAS", ErrUnsupportedFormat)
		}
		data = inflated
	}

	if format == FormatLAS {
		var c *Cloud
		err := withTempFile("*.las", func(path string) error {
			if err := os.WriteFile(path, data, 0644); err != nil {
				return err
			}
			var err error
			c, err = ReadLAS(path)
			return err
		})
		return c, err
	}
	return decodeStream(bytes.NewReader(data), format)
}

// IsPCD checks for a PCD header start
func IsPCD(data []byte) bool {
	head := string(data[:min(len(data), 16)])
	return strings.HasPrefix(head, "# .PCD") ||
		strings.HasPrefix(head, "VERSION") ||
		strings.HasPrefix(head, "FIELDS")
}

// IsPLY checks for the PLY magic line
func IsPLY(data []byte) bool {
	return bytes.HasPrefix(data, []byte("ply\n")) || bytes.HasPrefix(data, []byte("ply\r\n"))
}

// IsLAS checks for the LAS file signature
func IsLAS(data []byte) bool {
	return bytes.HasPrefix(data, []byte("LASF"))
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return decompressed, nil
}

// withTempFile runs fn with the path of a fresh temporary file and removes it afterwards
func withTempFile(pattern string, fn func(path string) error) error {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(path) }()
	return fn(path)
}

// Package archive bundles named byte payloads into a single compressed
// blob. Every bundle carries a generated manifest as its first member so
// downstream consumers can validate completeness before unpacking.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ManifestSchemaVersion is written into every manifest. Consumers refuse
// manifests with a newer schema than they understand.
const ManifestSchemaVersion = 1

// ManifestName is the fixed name of the manifest member inside a bundle.
const ManifestName = "manifest.json"

var (
	// ErrManifest signals a missing, malformed, or mismatching manifest.
	ErrManifest = errors.New("archive: manifest invalid")
)

// Entry is one named payload to bundle.
type Entry struct {
	Name string
	Data []byte
}

// ManifestFile describes one bundled entry as recorded in the manifest.
type ManifestFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Manifest lists the contents of a bundle.
type Manifest struct {
	SchemaVersion int            `json:"schema_version"`
	Files         []ManifestFile `json:"files"`
}

// zstdEncoder and zstdDecoder are reused across calls. Both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Bundle packs the entries into one zstd-compressed tar blob. The first
// member is always the generated manifest. Bundling is deterministic:
// the same entries in the same order produce the same bytes.
func Bundle(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("archive: no entries to bundle")
	}

	manifest := Manifest{SchemaVersion: ManifestSchemaVersion}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, fmt.Errorf("archive: entry with empty name")
		}
		if name == ManifestName {
			return nil, fmt.Errorf("archive: entry name %q is reserved", ManifestName)
		}
		if seen[name] {
			return nil, fmt.Errorf("archive: duplicate entry %q", name)
		}
		seen[name] = true
		manifest.Files = append(manifest.Files, ManifestFile{Name: name, Size: int64(len(e.Data))})
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeMember(tw, ManifestName, manifestJSON); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := writeMember(tw, strings.TrimSpace(e.Name), e.Data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive: close tar stream: %w", err)
	}

	return zstdEncoder.EncodeAll(buf.Bytes(), nil), nil
}

// Unbundle decompresses a bundle, verifies its manifest, and returns the
// manifest together with the payload entries in bundle order. The
// manifest must be present, first, schema-compatible, and agree exactly
// with the members actually found.
func Unbundle(blob []byte) (Manifest, []Entry, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("archive: decompress bundle: %w", err)
	}

	tr := tar.NewReader(bytes.NewReader(raw))

	header, err := tr.Next()
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("%w: empty bundle", ErrManifest)
	}
	if header.Name != ManifestName {
		return Manifest{}, nil, fmt.Errorf("%w: first member is %q, want %q", ErrManifest, header.Name, ManifestName)
	}
	manifestJSON, err := io.ReadAll(tr)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("archive: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return Manifest{}, nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	if manifest.SchemaVersion > ManifestSchemaVersion || manifest.SchemaVersion < 1 {
		return Manifest{}, nil, fmt.Errorf("%w: unsupported schema version %d", ErrManifest, manifest.SchemaVersion)
	}

	var entries []Entry
	for {
		header, err = tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("archive: read bundle member: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("archive: read member %q: %w", header.Name, err)
		}
		entries = append(entries, Entry{Name: header.Name, Data: data})
	}

	if len(entries) != len(manifest.Files) {
		return Manifest{}, nil, fmt.Errorf("%w: manifest lists %d files, bundle has %d", ErrManifest, len(manifest.Files), len(entries))
	}
	for i, f := range manifest.Files {
		if entries[i].Name != f.Name {
			return Manifest{}, nil, fmt.Errorf("%w: member %d is %q, manifest says %q", ErrManifest, i, entries[i].Name, f.Name)
		}
		if int64(len(entries[i].Data)) != f.Size {
			return Manifest{}, nil, fmt.Errorf("%w: member %q is %d bytes, manifest says %d", ErrManifest, f.Name, len(entries[i].Data), f.Size)
		}
	}

	return manifest, entries, nil
}

func writeMember(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Unix(0, 0),
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("archive: write header %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("archive: write member %q: %w", name, err)
	}
	return nil
}

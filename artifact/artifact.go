// Package artifact persists a trained classifier together with the label
// codebook and feature schema it depends on, as one checksummed file.
package artifact

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/preprocessing"
	"github.com/YuminosukeSato/flowclf/sklearn/ensemble"
)

// Version is the bundle layout written by Save.
const Version = 1

var magic = [8]byte{'F', 'L', 'O', 'W', 'C', 'L', 'F', 0x01}

const headerLen = len(magic) + 32

// Bundle is the unit saved and loaded as a whole.
type Bundle struct {
	Version        int
	RunID          string
	CreatedAt      time.Time
	Features       []string
	LabelColumn    string
	MaxAbs         float64
	TrainedSamples int
	Model          *ensemble.ChunkEnsemble
	Codebook       *preprocessing.Codebook

	digest [32]byte
}

// New returns a bundle stamped with a fresh run id and the current time.
func New(m *ensemble.ChunkEnsemble, cb *preprocessing.Codebook, features []string, labelColumn string, maxAbs float64) *Bundle {
	return &Bundle{
		Version:        Version,
		RunID:          NewRunID(),
		CreatedAt:      time.Now().UTC(),
		Features:       features,
		LabelColumn:    labelColumn,
		MaxAbs:         maxAbs,
		TrainedSamples: m.TrainedSamples(),
		Model:          m,
		Codebook:       cb,
	}
}

// NewRunID returns a random identifier for one training run.
func NewRunID() string {
	return uuid.NewString()
}

// Digest returns the hex BLAKE3 digest of the payload, set by Save and Load.
func (b *Bundle) Digest() string {
	return hex.EncodeToString(b.digest[:])
}

// Encode writes the header and gob payload to w.
func (b *Bundle) Encode(w io.Writer) error {
	if b.Model == nil || b.Codebook == nil {
		return errors.NewValueError("artifact.Encode", "bundle needs both a model and a codebook")
	}
	var payload bytes.Buffer
	if err := model.SaveModelToWriter(b, &payload); err != nil {
		return errors.Wrap(err, "encode bundle")
	}
	b.digest = blake3.Sum256(payload.Bytes())
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if _, err := w.Write(b.digest[:]); err != nil {
		return err
	}
	_, err := payload.WriteTo(w)
	return err
}

// Save writes the bundle to path. A concurrent reader sees either the
// previous artifact or the complete new one.
func Save(path string, b *Bundle) error {
	if err := model.WriteFileAtomic(path, b.Encode); err != nil {
		return errors.Wrapf(err, "save artifact %s", path)
	}
	return nil
}

// Load reads and verifies a bundle. Any problem with the file is a
// *errors.ReadError; nothing is returned from a partially valid file.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewReadError(path, "open", err)
	}
	b, reason, err := decode(data)
	if err != nil {
		return nil, errors.NewReadError(path, reason, err)
	}
	return b, nil
}

// Decode reads a bundle previously produced by Encode.
func Decode(r io.Reader) (*Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read artifact")
	}
	b, reason, err := decode(data)
	if err != nil {
		return nil, errors.Wrap(err, reason)
	}
	return b, nil
}

func decode(data []byte) (*Bundle, string, error) {
	if len(data) < headerLen || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, "not a model artifact", errors.New("missing header")
	}
	var want [32]byte
	copy(want[:], data[len(magic):headerLen])
	payload := data[headerLen:]
	got := blake3.Sum256(payload)
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return nil, "checksum mismatch", errors.Newf("expected %x, got %x", want[:8], got[:8])
	}

	var b Bundle
	if err := model.LoadModelFromReader(&b, bytes.NewReader(payload)); err != nil {
		return nil, "decode", err
	}
	if b.Version != Version {
		return nil, "unsupported version", errors.Newf("version %d", b.Version)
	}
	if b.Model == nil || b.Codebook == nil || !b.Model.IsFitted() {
		return nil, "incomplete", errors.New("bundle is missing the model or codebook")
	}
	b.digest = got
	return &b, "", nil
}

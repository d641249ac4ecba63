package model

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// WriteFileAtomic はファイルを一時ファイル経由で原子的に書き込む
//
// 書き込みは同じディレクトリの一時ファイルに対して行い、fsync の後に
// rename で置き換える。失敗した場合は一時ファイルを削除し、既存のファイルは変更しない。
//
// パラメータ:
//   - path: 書き込み先のファイルパス
//   - write: 内容を書き込む関数
//
// 戻り値:
//   - error: 書き込みに失敗した場合のエラー
func WriteFileAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file in %s", dir)
	}
	tmpPath := tmp.Name()

	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return cause
	}

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		return cleanup(err)
	}
	if err := bw.Flush(); err != nil {
		return cleanup(errors.Wrap(err, "flush"))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(errors.Wrap(err, "sync"))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "chmod")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "rename to %s", path)
	}
	// 親ディレクトリの fsync はベストエフォート
	_ = syncDir(dir)
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// SaveModel はモデルを gob 形式でファイルに原子的に保存する
//
// 使用例:
//
//	forest := ensemble.NewRandomForestClassifier()
//	// ... モデルの学習 ...
//	err := model.SaveModel(forest, "forest.gob")
func SaveModel(model interface{}, filename string) error {
	return WriteFileAtomic(filename, func(w io.Writer) error {
		return SaveModelToWriter(model, w)
	})
}

// LoadModel はファイルから gob 形式のモデルを読み込む
//
// ファイルが存在しない、または壊れている場合は ReadError を返す。
func LoadModel(model interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.NewReadError(filename, "open", err)
	}
	defer file.Close()

	if err := LoadModelFromReader(model, bufio.NewReader(file)); err != nil {
		return errors.NewReadError(filename, "decode", err)
	}
	return nil
}

// SaveModelToWriter はモデルを io.Writer に gob で書き出す
func SaveModelToWriter(model interface{}, w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(model); err != nil {
		return errors.Wrap(err, "encode model")
	}
	return nil
}

// LoadModelFromReader は io.Reader から gob でモデルを読み込む
func LoadModelFromReader(model interface{}, r io.Reader) error {
	if err := gob.NewDecoder(r).Decode(model); err != nil {
		return errors.Wrap(err, "decode model")
	}
	return nil
}

package preprocessing

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"strings"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// UnknownCode は LookupOnly で未知のラベルに対して返される番兵値
const UnknownCode = -1

// Mode は評価時のラベル符号化ポリシー
type Mode int

const (
	// Growable は未知のラベルに新しいコードを割り当てる
	Growable Mode = iota
	// Frozen は未知のラベルを UnknownCode とし、コードブックを変更しない
	Frozen
)

func (m Mode) String() string {
	switch m {
	case Growable:
		return "growable"
	case Frozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// ParseMode は "growable" または "frozen" を Mode に変換する
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "growable":
		return Growable, nil
	case "frozen":
		return Frozen, nil
	default:
		return Growable, errors.NewValidationError("eval_mode", "must be growable or frozen", s)
	}
}

// Codebook はラベル文字列と密な整数コードの対応表
//
// コードは 0 から始まり、初めて出現した順に割り当てられる。追加のみで、
// 一度割り当てたコードは変わらない。並行利用は想定しない
// （学習・評価のパスが排他的に所有する）。
type Codebook struct {
	labels []string
	codes  map[string]int
}

// NewCodebook は空のコードブックを作成する
func NewCodebook() *Codebook {
	return &Codebook{codes: make(map[string]int)}
}

// NewCodebookFromLabels はコード順のラベル列からコードブックを復元する
//
// 重複したラベルを含む場合は ValidationError を返す。
func NewCodebookFromLabels(labels []string) (*Codebook, error) {
	cb := &Codebook{
		labels: make([]string, 0, len(labels)),
		codes:  make(map[string]int, len(labels)),
	}
	for _, l := range labels {
		if _, dup := cb.codes[l]; dup {
			return nil, errors.NewValidationError("codebook", "duplicate label", l)
		}
		cb.codes[l] = len(cb.labels)
		cb.labels = append(cb.labels, l)
	}
	return cb, nil
}

// AssignOrLookup は既存のコードを返すか、未使用の次のコードを割り当てて返す
func (c *Codebook) AssignOrLookup(label string) int {
	if code, ok := c.codes[label]; ok {
		return code
	}
	code := len(c.labels)
	c.codes[label] = code
	c.labels = append(c.labels, label)
	return code
}

// LookupOnly は既存のコード、または UnknownCode を返す。状態は変更しない
func (c *Codebook) LookupOnly(label string) int {
	if code, ok := c.codes[label]; ok {
		return code
	}
	return UnknownCode
}

// Resolver はパス全体で使う1つの符号化関数を返す
//
// 1回のパスの中で Growable と Frozen を混在させないために使う。
func (c *Codebook) Resolver(mode Mode) func(label string) int {
	if mode == Frozen {
		return c.LookupOnly
	}
	return c.AssignOrLookup
}

// CodesToLabels はコード順のラベル列を返す（インデックス = コード）
func (c *Codebook) CodesToLabels() []string {
	return append([]string(nil), c.labels...)
}

// Label はコードに対応するラベルを返す
func (c *Codebook) Label(code int) (string, bool) {
	if code < 0 || code >= len(c.labels) {
		return "", false
	}
	return c.labels[code], true
}

// Len は割り当て済みのコード数を返す
func (c *Codebook) Len() int {
	return len(c.labels)
}

// Codes は割り当て済みのコードを昇順で返す
func (c *Codebook) Codes() []int {
	out := make([]int, len(c.labels))
	for i := range out {
		out[i] = i
	}
	return out
}

// Clone は独立したコピーを返す
func (c *Codebook) Clone() *Codebook {
	cb, _ := NewCodebookFromLabels(c.labels)
	return cb
}

type codebookJSON struct {
	Labels []string `json:"labels"`
}

// MarshalJSON は {"labels":[...]} 形式（コード順）で出力する
func (c *Codebook) MarshalJSON() ([]byte, error) {
	labels := c.labels
	if labels == nil {
		labels = []string{}
	}
	return json.Marshal(codebookJSON{Labels: labels})
}

// UnmarshalJSON は MarshalJSON の出力からコードブックを復元する
func (c *Codebook) UnmarshalJSON(data []byte) error {
	var raw codebookJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decode codebook")
	}
	cb, err := NewCodebookFromLabels(raw.Labels)
	if err != nil {
		return err
	}
	*c = *cb
	return nil
}

// GobEncode はコード順のラベル列を gob で符号化する
func (c *Codebook) GobEncode() ([]byte, error) {
	labels := c.labels
	if labels == nil {
		labels = []string{}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(labels); err != nil {
		return nil, errors.Wrap(err, "encode codebook")
	}
	return buf.Bytes(), nil
}

// GobDecode は GobEncode の出力からコードブックを復元する
func (c *Codebook) GobDecode(data []byte) error {
	var labels []string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&labels); err != nil {
		return errors.Wrap(err, "decode codebook")
	}
	cb, err := NewCodebookFromLabels(labels)
	if err != nil {
		return err
	}
	*c = *cb
	return nil
}
